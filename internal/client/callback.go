package client

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/ianremillard/sesh/internal/proto"
)

// CallbackServer is the tiny per-client RPC server the daemon pushes a
// detach request to ("client-<pid>.sock"). It exposes exactly one
// method: ReqClientDetach.
type CallbackServer struct {
	path     string
	listener net.Listener
}

// NewCallbackServer binds client-<pid>.sock under dir and starts
// serving in the background. Every received ClientDetach pushes
// ExitDetach onto exitCh (non-blocking: a callback arriving after the
// loop has already started winding down is simply dropped).
func NewCallbackServer(dir string, pid int, exitCh chan<- ExitKind) (*CallbackServer, error) {
	path := filepath.Join(dir, fmt.Sprintf("client-%d.sock", pid))
	os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("callback socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		os.Remove(path)
		return nil, fmt.Errorf("callback socket: chmod: %w", err)
	}

	cs := &CallbackServer{path: path, listener: l}
	go cs.serve(exitCh)
	return cs, nil
}

// Path returns the callback socket's filesystem path. The daemon does
// not call it; it derives the same path from the session's child pid.
func (cs *CallbackServer) Path() string { return cs.path }

func (cs *CallbackServer) serve(exitCh chan<- ExitKind) {
	for {
		conn, err := cs.listener.Accept()
		if err != nil {
			return
		}
		go cs.handle(conn, exitCh)
	}
}

func (cs *CallbackServer) handle(conn net.Conn, exitCh chan<- ExitKind) {
	defer conn.Close()
	req, err := proto.ReadRequest(conn)
	if err != nil || req.Type != proto.ReqClientDetach {
		return
	}
	proto.Respond(conn, proto.Response{OK: true})
	select {
	case exitCh <- ExitDetach:
	default:
	}
}

// Close stops serving and unlinks the socket.
func (cs *CallbackServer) Close() {
	cs.listener.Close()
	os.Remove(cs.path)
}
