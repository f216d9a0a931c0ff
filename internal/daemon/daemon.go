// Package daemon implements seshd, the background process that owns
// every session. It listens on the server socket for control RPC and
// dispatches one handler per request type; the actual PTY bytes never
// cross this socket — clients dial a session's own byte-relay socket
// directly (internal/session) once a handler tells them where it
// lives.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ianremillard/sesh/internal/history"
	"github.com/ianremillard/sesh/internal/proto"
	"github.com/ianremillard/sesh/internal/pty"
	"github.com/ianremillard/sesh/internal/registry"
	"github.com/ianremillard/sesh/internal/sesherr"
	"github.com/ianremillard/sesh/internal/session"
	"github.com/ianremillard/sesh/internal/webui"
)

// Config configures a Daemon at startup.
type Config struct {
	RootDir     string // runtime directory holding sockets, lock files and the roster
	ExitOnEmpty bool   // shut down once the registry empties
	HistoryPath string // "" disables the history store
	DebugWSAddr string // "" disables the debug dashboard
}

// Daemon is the central supervisor: one registry of live sessions, an
// optional history store, an optional debug dashboard, and the server
// socket's accept loop.
type Daemon struct {
	cfg Config

	registry *registry.Registry
	hist     *history.Store
	webuiSrv *webui.Server
	logger   *log.Logger

	mu           sync.Mutex
	shuttingDown bool
	listener     net.Listener
}

// New creates a Daemon rooted at cfg.RootDir, creating the directory
// (mode 0700) and opening the optional history store and debug
// dashboard.
func New(cfg Config) (*Daemon, error) {
	if err := os.MkdirAll(cfg.RootDir, 0o700); err != nil {
		return nil, fmt.Errorf("daemon: create root dir: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.RootDir, "seshd.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("daemon: open log file: %w", err)
	}
	logger := log.New(logFile, "", log.LstdFlags)

	d := &Daemon{
		cfg:      cfg,
		registry: registry.New(cfg.RootDir),
		logger:   logger,
	}
	d.registry.OnRemove(d.onSessionRemoved)

	if cfg.HistoryPath != "" {
		h, err := history.Open(context.Background(), cfg.HistoryPath)
		if err != nil {
			logger.Printf("warning: history store disabled: %v", err)
		} else {
			d.hist = h
		}
	}

	if cfg.DebugWSAddr != "" {
		d.webuiSrv = webui.New(cfg.DebugWSAddr, d.snapshot)
		go func() {
			if err := d.webuiSrv.Serve(); err != nil {
				logger.Printf("webui: %v", err)
			}
		}()
	}

	return d, nil
}

// Run binds socketPath (removing a stale socket first) and accepts
// connections until the listener is closed by Shutdown.
func (d *Daemon) Run(socketPath string) error {
	os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("daemon: chmod %s: %w", socketPath, err)
	}
	d.mu.Lock()
	d.listener = l
	d.mu.Unlock()

	d.logger.Printf("seshd listening on %s", socketPath)

	for {
		conn, err := l.Accept()
		if err != nil {
			return nil
		}
		go d.handleConn(conn)
	}
}

// Reap drives the registry's reaper, called by cmd/seshd on SIGCHLD. It
// reports whether the daemon should now shut down (registry empty and
// ExitOnEmpty set).
func (d *Daemon) Reap() (shouldExit bool) {
	empty := d.registry.Reap()
	return empty && d.cfg.ExitOnEmpty
}

// Shutdown stops accepting RPCs, tears down every session, and unlinks
// the server socket. It is idempotent.
func (d *Daemon) Shutdown() {
	d.mu.Lock()
	if d.shuttingDown {
		d.mu.Unlock()
		return
	}
	d.shuttingDown = true
	l := d.listener
	d.mu.Unlock()

	if l != nil {
		l.Close()
	}
	for _, s := range d.registry.Iter() {
		d.registry.Remove(s.Name)
	}
	d.registry.Close()
	if d.webuiSrv != nil {
		d.webuiSrv.Close()
	}
	if d.hist != nil {
		d.hist.Close()
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("recovered panic in request handler: %v", r)
			proto.Respond(conn, proto.Response{OK: false, Error: "internal error"})
		}
	}()

	req, err := proto.ReadRequest(conn)
	if err != nil {
		return
	}

	switch req.Type {
	case proto.ReqPing:
		proto.Respond(conn, proto.Response{OK: true})
	case proto.ReqStart:
		d.handleStart(conn, req)
	case proto.ReqAttach:
		d.handleAttach(conn, req)
	case proto.ReqDetach:
		d.handleDetach(conn, req)
	case proto.ReqKill:
		d.handleKill(conn, req)
	case proto.ReqList:
		d.handleList(conn, req)
	case proto.ReqResize:
		d.handleResize(conn, req)
	case proto.ReqShutdown:
		d.handleShutdown(conn)
	default:
		proto.Respond(conn, proto.Response{OK: false, Error: "unknown request type: " + req.Type})
	}
}

func (d *Daemon) handleStart(conn net.Conn, req proto.Request) {
	if req.Program == "" {
		proto.Respond(conn, proto.Response{OK: false, Error: "program required"})
		return
	}
	requested := req.Name
	if requested == "" {
		requested = req.Program
	}
	size := pty.Winsize{Rows: 24, Cols: 80}
	if req.Size != nil {
		size = pty.Winsize{Rows: req.Size.Rows, Cols: req.Size.Cols}
	}

	s, err := d.registry.Insert(requested, func(name string, id int) (*session.Session, error) {
		socketPath := d.registry.RuntimeFile(name)
		env := buildEnv(req.Env, socketPath, name)

		p, err := pty.Spawn(req.Program, req.Args, env, req.Cwd, size, false)
		if err != nil {
			return nil, err
		}
		sess, err := session.New(id, name, req.Program, p, socketPath)
		if err != nil {
			p.Close()
			return nil, err
		}
		return sess, nil
	})
	if err != nil {
		proto.Respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	if err := s.Reserve(); err != nil {
		// Unreachable in practice (the session was just created), but
		// handled for symmetry with AttachSession.
		proto.Respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	go func() {
		if err := s.Start(size); err != nil {
			d.logger.Printf("session %s: relay ended: %v", s.Name, err)
		}
	}()

	d.persistRoster()
	proto.Respond(conn, proto.Response{
		OK: true, PID: s.PID(), Program: s.Program, Name: s.Name, Socket: s.SocketPath,
	})
}

func (d *Daemon) handleAttach(conn net.Conn, req proto.Request) {
	s, err := d.resolve(req.Session)
	if err != nil {
		proto.Respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	size := pty.Winsize{Rows: 24, Cols: 80}
	if req.Size != nil {
		size = pty.Winsize{Rows: req.Size.Rows, Cols: req.Size.Cols}
	}
	if err := s.Reserve(); err != nil {
		proto.Respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	go func() {
		if err := s.Start(size); err != nil {
			d.logger.Printf("session %s: relay ended: %v", s.Name, err)
		}
	}()

	proto.Respond(conn, proto.Response{
		OK: true, PID: s.PID(), Program: s.Program, Name: s.Name, Socket: s.SocketPath,
	})
}

func (d *Daemon) handleDetach(conn net.Conn, req proto.Request) {
	// A missing selector is not an error: the client uses SESH_NAME to
	// mean "whichever session this process belongs to", and by the
	// time DetachSession is sent that session may already be gone.
	if req.Session.Empty() {
		proto.Respond(conn, proto.Response{OK: true, Success: true})
		return
	}
	s, err := d.resolve(req.Session)
	if err != nil {
		proto.Respond(conn, proto.Response{OK: true, Success: true})
		return
	}
	d.notifyClientDetach(s.PID())
	s.Detach()
	proto.Respond(conn, proto.Response{OK: true, Success: true})
}

// notifyClientDetach dials the attached client's callback socket and
// asks it to print "[detached]" and exit its attach loop itself,
// before the relay connection underneath it is torn down. The callback
// socket is named after the session's child pid, the same value the
// client was given at attach time, so no extra bookkeeping is needed to
// find it. A dial failure just means no client is attached (or it
// never managed to bind its callback socket) and is not an error: the
// session's own Detach still runs either way.
func (d *Daemon) notifyClientDetach(childPID int) {
	path := filepath.Join(d.cfg.RootDir, fmt.Sprintf("client-%d.sock", childPID))
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(500 * time.Millisecond))
	if err := proto.WriteRequest(conn, proto.Request{Type: proto.ReqClientDetach}); err != nil {
		return
	}
	proto.ReadResponse(conn)
}

func (d *Daemon) handleKill(conn net.Conn, req proto.Request) {
	s, err := d.resolve(req.Session)
	if err != nil {
		proto.Respond(conn, proto.Response{OK: true, Success: false})
		return
	}
	if err := d.registry.Remove(s.Name); err != nil {
		proto.Respond(conn, proto.Response{OK: true, Success: false})
		return
	}
	proto.Respond(conn, proto.Response{OK: true, Success: true})
}

func (d *Daemon) handleList(conn net.Conn, req proto.Request) {
	resp := proto.Response{OK: true, Sessions: d.snapshot()}
	if req.IncludeHistory && d.hist != nil {
		if rows, err := d.hist.Recent(context.Background(), 50); err == nil {
			resp.History = rows
		}
	}
	proto.Respond(conn, resp)
}

func (d *Daemon) handleResize(conn net.Conn, req proto.Request) {
	s, err := d.resolve(req.Session)
	if err != nil {
		proto.Respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	if req.Size == nil {
		proto.Respond(conn, proto.Response{OK: false, Error: "size required"})
		return
	}
	if err := s.Resize(pty.Winsize{Rows: req.Size.Rows, Cols: req.Size.Cols}); err != nil {
		proto.Respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	proto.Respond(conn, proto.Response{OK: true})
}

func (d *Daemon) handleShutdown(conn net.Conn) {
	proto.Respond(conn, proto.Response{OK: true, Success: true})
	go d.Shutdown()
}

// resolve looks up a session by selector: a name takes precedence; an
// id is looked up only when no name is given.
func (d *Daemon) resolve(sel proto.Selector) (*session.Session, error) {
	if sel.Name != "" {
		if s := d.registry.Get(sel.Name); s != nil {
			return s, nil
		}
		return nil, sesherr.ErrNotFound
	}
	if sel.ID != nil {
		if s := d.registry.GetByID(*sel.ID); s != nil {
			return s, nil
		}
		return nil, sesherr.ErrNotFound
	}
	return nil, sesherr.ErrNotFound
}

func (d *Daemon) snapshot() []proto.SeshInfo {
	live := d.registry.Iter()
	out := make([]proto.SeshInfo, 0, len(live))
	for _, s := range live {
		out = append(out, proto.SeshInfo{
			ID:           s.ID,
			Name:         s.Name,
			Program:      s.Program,
			Socket:       s.SocketPath,
			Connected:    s.Connected(),
			StartTimeMs:  s.StartTimeMs,
			AttachTimeMs: s.AttachTimeMs(),
			PID:          s.PID(),
		})
	}
	return out
}

// onSessionRemoved is the registry's removal hook: it persists the
// roster snapshot unconditionally, and a history row when the session
// ended because its child exited rather than an operator-initiated
// kill.
func (d *Daemon) onSessionRemoved(s *session.Session, reason registry.RemoveReason) {
	d.persistRoster()
	if d.hist == nil || reason != registry.RemoveExited {
		return
	}
	entry := proto.HistoryEntry{
		Name:      s.Name,
		Program:   s.Program,
		PID:       s.PID(),
		StartedAt: s.StartTimeMs,
		EndedAt:   time.Now().UnixMilli(),
		ExitCode:  s.ExitCode(),
	}
	if err := d.hist.Record(context.Background(), entry); err != nil {
		d.logger.Printf("history: record %s: %v", s.Name, err)
	}
}

// persistRoster writes the current session list to <root>/sessions.yaml,
// best-effort: a write failure is logged and never fails the RPC that
// triggered it.
func (d *Daemon) persistRoster() {
	data, err := yaml.Marshal(d.snapshot())
	if err != nil {
		d.logger.Printf("roster: marshal: %v", err)
		return
	}
	path := filepath.Join(d.cfg.RootDir, "sessions.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		d.logger.Printf("roster: write %s: %v", path, err)
	}
}

// buildEnv merges the daemon's own environment with the caller-supplied
// variables and the two session-identity variables every child receives
// (SESH_SESSION, SESH_NAME). Caller-supplied entries are appended after
// os.Environ() so they can override inherited values
// (e.g. a client overriding TERM), and the identity variables are
// appended last so a caller cannot shadow them.
func buildEnv(extra []proto.EnvVar, socketPath, name string) []string {
	env := os.Environ()
	for _, e := range extra {
		env = append(env, e.Key+"="+e.Value)
	}
	env = append(env, "SESH_SESSION="+socketPath, "SESH_NAME="+name)
	return env
}
