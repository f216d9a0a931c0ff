// Package client implements the sesh CLI's attach loop: becoming a
// transparent relay between the user's real TTY and a session's byte
// socket until the session ends or the user detaches.
package client

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/ianremillard/sesh/internal/proto"
	"github.com/ianremillard/sesh/internal/sesherr"
)

// ExitKind is the reason the attach loop ended.
type ExitKind int

const (
	// ExitQuit means the session's child exited or the session socket closed.
	ExitQuit ExitKind = iota
	// ExitDetach means the user pressed the detach keybind, or the
	// daemon pushed a ClientDetach over the callback socket.
	ExitDetach
)

func (k ExitKind) String() string {
	if k == ExitDetach {
		return "[detached]"
	}
	return "[exited]"
}

const (
	detachMetaEsc  = 0x1B
	detachMetaChar = 0x5C // Meta-\, the default (and only) detach keybind
	childPollEvery = 10 * time.Millisecond
	readChunkSize  = 4096
)

// Run dials sessionSocket and relays bytes between it and the local TTY
// until the session ends or the user detaches. childPID is the
// session's child process, polled every 10ms to notice it exiting
// without a clean byte-socket close. serverSocket and sel are used for
// the side-channel ResizeSession/DetachSession RPCs winch and the
// detach keybind issue. callbackDir is where the per-client callback
// socket is created.
func Run(childPID int, sessionSocket, serverSocket string, sel proto.Selector, callbackDir string) (ExitKind, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return ExitQuit, fmt.Errorf("not attached to a terminal")
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return ExitQuit, fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	conn, err := net.Dial("unix", sessionSocket)
	if err != nil {
		return ExitQuit, fmt.Errorf("%w: %v", sesherr.ErrTransport, err)
	}
	defer conn.Close()

	// Alternate screen + window title.
	fmt.Fprintf(os.Stdout, "\x1b[?1049h\x1b]0;%s\x07", sel.String())
	defer fmt.Fprint(os.Stdout, "\x1b[?1049l")

	exitCh := make(chan ExitKind, 4)
	stopWatcher := make(chan struct{})

	cb, err := NewCallbackServer(callbackDir, childPID, exitCh)
	if err == nil {
		defer cb.Close()
	}
	// A callback server we failed to bind just means a server-initiated
	// detach can't reach this client; the user's own Meta-\ keybind
	// still works, so this is non-fatal.

	go readerTask(conn, exitCh)
	go writerTask(conn, serverSocket, sel, exitCh)
	go childWatcherTask(childPID, exitCh, stopWatcher)
	stopWinch := winchTask(fd, serverSocket, sel)

	kind := <-exitCh

	close(stopWatcher)
	stopWinch()

	return kind, nil
}

func readerTask(conn net.Conn, exitCh chan<- ExitKind) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			select {
			case exitCh <- ExitQuit:
			default:
			}
			return
		}
	}
}

func writerTask(conn net.Conn, serverSocket string, sel proto.Selector, exitCh chan<- ExitKind) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			// Coarse check: any chunk that happens to begin with ESC \
			// triggers a detach, even when it is not the keybind.
			if len(chunk) >= 2 && chunk[0] == detachMetaEsc && chunk[1] == detachMetaChar {
				requestDetach(serverSocket, sel)
				select {
				case exitCh <- ExitDetach:
				default:
				}
				return
			}
			if _, werr := conn.Write(chunk); werr != nil {
				select {
				case exitCh <- ExitQuit:
				default:
				}
				return
			}
		}
		if err != nil {
			select {
			case exitCh <- ExitQuit:
			default:
			}
			return
		}
	}
}

// childWatcherTask polls childPID with a signal-0 kill every 10ms; an
// ESRCH-shaped failure means the process is gone.
func childWatcherTask(childPID int, exitCh chan<- ExitKind, stop <-chan struct{}) {
	ticker := time.NewTicker(childPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := syscall.Kill(childPID, 0); err != nil {
				select {
				case exitCh <- ExitQuit:
				default:
				}
				return
			}
		}
	}
}

// winchTask forwards terminal resize events to ResizeSession and
// returns a function that stops watching.
func winchTask(fd int, serverSocket string, sel proto.Selector) (stop func()) {
	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)

	send := func() {
		if cols, rows, err := term.GetSize(fd); err == nil {
			requestResize(serverSocket, sel, rows, cols)
		}
	}
	send()

	go func() {
		for range winchCh {
			send()
		}
	}()

	return func() { signal.Stop(winchCh) }
}

func requestResize(serverSocket string, sel proto.Selector, rows, cols int) {
	conn, err := net.Dial("unix", serverSocket)
	if err != nil {
		return
	}
	defer conn.Close()
	proto.WriteRequest(conn, proto.Request{
		Type:    proto.ReqResize,
		Session: sel,
		Size:    &proto.Size{Rows: uint16(rows), Cols: uint16(cols)},
	})
	proto.ReadResponse(conn)
}

func requestDetach(serverSocket string, sel proto.Selector) {
	conn, err := net.Dial("unix", serverSocket)
	if err != nil {
		return
	}
	defer conn.Close()
	proto.WriteRequest(conn, proto.Request{Type: proto.ReqDetach, Session: sel})
	proto.ReadResponse(conn)
}
