// Package sesherr defines the sentinel error kinds shared by the daemon,
// the session relay, and the client. Handlers wrap these with fmt.Errorf's
// %w so callers can still errors.Is against the kind while keeping a
// human-readable message.
package sesherr

import "errors"

var (
	// ErrPtyOpen means the kernel refused to allocate a PTY pair.
	ErrPtyOpen = errors.New("pty: open failed")
	// ErrPtySpawn means fork/exec of the child under the PTY failed.
	ErrPtySpawn = errors.New("pty: spawn failed")
	// ErrPtyResize means TIOCSWINSZ on the master failed.
	ErrPtyResize = errors.New("pty: resize failed")

	// ErrBind means the session's byte-relay socket path is already in use
	// or otherwise unreachable.
	ErrBind = errors.New("session: bind failed")

	// ErrNotFound means no session matched the given selector.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyConnected means a second client tried to attach to a
	// session that already has a live relay.
	ErrAlreadyConnected = errors.New("session already connected")

	// ErrTransport means an RPC channel failed: peer gone, or a decode error.
	ErrTransport = errors.New("transport error")

	// ErrEnv means a required environment variable lookup failed, e.g.
	// SESH_NAME for a contextless detach.
	ErrEnv = errors.New("required environment variable not set")

	// ErrBootstrapTimeout means the daemon socket did not appear within
	// the bootstrap wait window.
	ErrBootstrapTimeout = errors.New("daemon did not start in time")
)
