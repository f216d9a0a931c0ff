// Package session implements the per-session object and its
// bidirectional byte relay: a Session owns the PTY and a Unix socket
// that, while a client is attached, shuttles raw bytes between the
// two. Control RPC lives on a separate socket entirely (internal/daemon).
package session

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ianremillard/sesh/internal/pty"
	"github.com/ianremillard/sesh/internal/sesherr"
)

// resizeColumnCompensation is subtracted from the column count applied
// to the PTY master whenever a relay starts. Works around an off-by-one
// in certain terminal emulators' handling of line wrap at attach time;
// named here instead of left as a magic number.
const resizeColumnCompensation = 1

// pumpBufferSize is the chunk size used by both relay directions.
const pumpBufferSize = 4096

// Session is one named, long-lived child process running under a PTY.
type Session struct {
	ID      int
	Name    string
	Program string

	SocketPath string

	StartTimeMs int64

	// lockToken is written into SocketPath's lock file by New; Close
	// removes the lock file only if it still holds this token, so a lock
	// a newer session has overwritten is left alone. It is never exposed
	// over RPC.
	lockToken uuid.UUID

	pty      *pty.Pty
	listener net.Listener

	mu           sync.Mutex
	connected    bool
	attachTimeMs int64
	closed       bool
	activeConn   net.Conn
}

// New binds the session's byte-relay socket and returns the Session. The
// PTY must already be running (spawned by the caller via pty.Spawn)
// before New is called.
func New(id int, name, program string, p *pty.Pty, socketPath string) (*Session, error) {
	os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sesherr.ErrBind, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		l.Close()
		os.Remove(socketPath)
		return nil, fmt.Errorf("%w: chmod: %v", sesherr.ErrBind, err)
	}

	token := uuid.New()
	if err := os.WriteFile(lockPath(socketPath), []byte(token.String()), 0o600); err != nil {
		l.Close()
		os.Remove(socketPath)
		return nil, fmt.Errorf("%w: lock file: %v", sesherr.ErrBind, err)
	}

	now := time.Now().UnixMilli()
	return &Session{
		ID:          id,
		Name:        name,
		Program:     program,
		SocketPath:  socketPath,
		StartTimeMs: now,
		lockToken:   token,
		pty:         p,
		listener:    l,
	}, nil
}

func lockPath(socketPath string) string { return socketPath + ".lock" }

// Connected reports whether a relay is currently attached. At most one
// can be attached at a time.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// AttachTimeMs returns the timestamp of the most recent (re-)attach or
// detach.
func (s *Session) AttachTimeMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachTimeMs
}

// PID returns the child process id.
func (s *Session) PID() int { return s.pty.PID }

// Wait blocks until the child process exits.
func (s *Session) Wait() error { return s.pty.Wait() }

// ExitCode returns the child's exit status after Wait has returned.
func (s *Session) ExitCode() int { return s.pty.ExitCode() }

// ChildExited is a non-blocking check for whether the child has already
// exited, used by the registry's reap().
func (s *Session) ChildExited() bool { return s.pty.Exited() }

// Reserve claims the session for a new relay, failing with
// ErrAlreadyConnected if one is already live. It is called synchronously by the daemon's StartSession/AttachSession
// handlers so AlreadyConnected can be reported in the RPC response
// itself, before Start is launched as a background task; this also
// resolves the "two concurrent attaches race for the same idle session"
// testable property, since exactly one caller observes connected still
// false and wins the race under s.mu.
func (s *Session) Reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return sesherr.ErrAlreadyConnected
	}
	s.connected = true
	s.attachTimeMs = time.Now().UnixMilli()
	return nil
}

func (s *Session) endAttach() {
	s.mu.Lock()
	s.connected = false
	s.attachTimeMs = time.Now().UnixMilli()
	s.mu.Unlock()
}

// Start accepts exactly one client connection on the session socket and
// relays bytes between it and the PTY master until either side closes.
// The caller must already hold the reservation from a successful
// Reserve; Start is then launched as a background task. size is the
// window size the new client reported; it is applied
// (minus the column compensation) before the pumps start.
func (s *Session) Start(size pty.Winsize) error {
	conn, err := s.listener.Accept()
	if err != nil {
		s.endAttach()
		return fmt.Errorf("%w: accept: %v", sesherr.ErrTransport, err)
	}
	s.mu.Lock()
	s.activeConn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.activeConn = nil
		s.mu.Unlock()
	}()
	defer conn.Close()
	defer s.endAttach()

	compensated := size
	if compensated.Cols > 0 {
		compensated.Cols -= resizeColumnCompensation
	}
	if err := s.pty.Resize(compensated); err != nil {
		// Non-fatal: a failed initial resize shouldn't prevent the relay
		// from running at whatever size the PTY already has.
	}

	dup, err := s.pty.DupMaster()
	if err != nil {
		return fmt.Errorf("dup master for relay: %w", err)
	}
	defer dup.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		pumpMasterToSocket(dup, conn)
		conn.Close()
	}()
	go func() {
		defer wg.Done()
		pumpSocketToMaster(conn, dup)
		conn.Close()
	}()

	wg.Wait()
	return nil
}

// pumpMasterToSocket copies PTY output to the attached client. A
// zero-byte read (EOF) means the child's TTY closed.
func pumpMasterToSocket(master io.Reader, sock io.Writer) {
	buf := make([]byte, pumpBufferSize)
	for {
		n, err := master.Read(buf)
		if n > 0 {
			if _, werr := sock.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpSocketToMaster copies client input into the PTY. A zero-byte read
// means the client disconnected.
func pumpSocketToMaster(sock io.Reader, master io.Writer) {
	buf := make([]byte, pumpBufferSize)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			if _, werr := master.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Resize applies a new window size to the PTY master, for the
// ResizeSession RPC and the client's SIGWINCH handler. Unlike Start's
// initial sizing, mid-session resizes are NOT column-compensated: the
// compensation exists only to counter an emulator quirk observed at
// attach time.
func (s *Session) Resize(size pty.Winsize) error {
	return s.pty.Resize(size)
}

// Detach ends the current relay: it closes the live session-socket
// connection, which unblocks both pump goroutines' blocked Read calls
// inside Start and lets it return, then clears the connected flag. The
// daemon is responsible for telling the attached client to go first
// (via the client's callback socket) before calling this — Detach
// itself does not care whether the client already hung up.
func (s *Session) Detach() {
	s.mu.Lock()
	conn := s.activeConn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.endAttach()
}

// Close tears down the session: closes the listener, unlinks the socket
// path, and tears down the PTY. Whether that kills the child or merely
// releases the daemon's own handle on the master is decided once, at
// pty.Spawn time, by the daemonize flag — not re-decided per Close
// call.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.listener.Close()
	os.Remove(s.SocketPath)
	if data, err := os.ReadFile(lockPath(s.SocketPath)); err == nil && string(data) == s.lockToken.String() {
		os.Remove(lockPath(s.SocketPath))
	}
	s.pty.Close()
}
