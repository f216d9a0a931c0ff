// Package webui exposes a read-only WebSocket dashboard over the
// daemon's session list, on whatever address it is given (loopback by
// convention; the address is not checked). Gated off by default
// (--debug-ws-addr empty) so it can never become a second, inconsistent
// path to mutate the registry — it only ever calls the snapshot
// function it was given.
package webui

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/ianremillard/sesh/internal/proto"
)

// Snapshot is called once per second per connected client to get the
// current session list to stream.
type Snapshot func() []proto.SeshInfo

// Server serves the dashboard on addr until Close is called.
type Server struct {
	addr     string
	snapshot Snapshot

	httpSrv  *http.Server
	listener net.Listener
}

// New prepares a Server; it does not start listening until Serve is
// called. addr is expected to be loopback (e.g. "127.0.0.1:7337"); the
// daemon does not enforce this — filesystem/socket permissions are the
// trust boundary, not this package.
func New(addr string, snapshot Snapshot) *Server {
	s := &Server{addr: addr, snapshot: snapshot}
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", s.handleSessions)
	s.httpSrv = &http.Server{Handler: mux}
	return s
}

// Serve binds addr and blocks, serving until Close is called. It
// returns http.ErrServerClosed on a clean shutdown.
func (s *Server) Serve() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = l
	log.Printf("webui: dashboard listening on %s", s.addr)
	return s.httpSrv.Serve(l)
}

// Close shuts the server down immediately, closing any open connections.
func (s *Server) Close() error {
	return s.httpSrv.Close()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		data, err := json.Marshal(s.snapshot())
		if err != nil {
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		}
	}
}
