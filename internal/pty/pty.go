// Package pty wraps github.com/creack/pty to allocate a master/slave PTY
// pair, spawn a controlling-terminal child on the slave, and resize or
// tear down the pair. It is the terminal primitive every session is
// built on: the rest of the daemon never touches a raw file descriptor
// or ioctl directly.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"

	"github.com/ianremillard/sesh/internal/sesherr"
)

// Winsize is a terminal window size in character cells.
type Winsize struct {
	Rows uint16
	Cols uint16
}

func (w Winsize) toCreack() *creackpty.Winsize {
	return &creackpty.Winsize{Rows: w.Rows, Cols: w.Cols}
}

// Pty owns one master/slave PTY pair and the lifetime of the child
// process running on the slave. Exactly one Pty exists per Session.
//
// cmd.Wait must only ever be called once, but both the registry's
// reaper (via Exited) and Close (on a kill request) need to know when
// the child has fully exited. A single background goroutine owns
// the real Wait call; everyone else blocks on waitDone.
type Pty struct {
	Master *os.File
	PID    int

	cmd        *exec.Cmd
	killOnDrop bool

	waitDone chan struct{}
	waitErr  error
}

// Open allocates a PTY pair without spawning a child. It exists for
// callers (tests, mainly) that want a master/slave pair before deciding
// what to run on it; Spawn below is the normal path.
func Open() (master, slave *os.File, err error) {
	master, slave, err = creackpty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", sesherr.ErrPtyOpen, err)
	}
	return master, slave, nil
}

// Spawn forks+execs program under a freshly allocated PTY sized to size,
// with cwd and env as given, and returns the owning Pty.
//
// daemonize controls ownership semantics on Close: when true (the
// daemon process itself is meant to outlive the client that spawned it)
// the child must survive this process, so Close never signals it.
// Otherwise Close kills the process group.
//
// creack/pty's Setsid option performs the setsid-then-ioctl(TIOCSCTTY)
// pre-exec sequence; there is no separate hook to write here.
func Spawn(program string, args []string, env []string, cwd string, size Winsize, daemonize bool) (*Pty, error) {
	cmd := exec.Command(program, args...)
	cmd.Dir = cwd
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	master, err := creackpty.StartWithAttrs(cmd, size.toCreack(), cmd.SysProcAttr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sesherr.ErrPtySpawn, err)
	}

	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		master.Close()
		killProcess(cmd)
		return nil, fmt.Errorf("%w: set master nonblocking: %v", sesherr.ErrPtySpawn, err)
	}

	p := &Pty{
		Master:     master,
		PID:        cmd.Process.Pid,
		cmd:        cmd,
		killOnDrop: !daemonize,
		waitDone:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitDone)
	}()
	return p, nil
}

// Resize applies size to the PTY master via TIOCSWINSZ.
func (p *Pty) Resize(size Winsize) error {
	if err := creackpty.Setsize(p.Master, size.toCreack()); err != nil {
		return fmt.Errorf("%w: %v", sesherr.ErrPtyResize, err)
	}
	return nil
}

// DupMaster returns a duplicate file descriptor for the master, wrapped
// in its own *os.File, so a relay's lifetime can be independent of the
// session's long-lived master handle: closing the duplicate never
// closes p.Master.
func (p *Pty) DupMaster() (*os.File, error) {
	dupFd, err := syscall.Dup(int(p.Master.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup master fd: %w", err)
	}
	return os.NewFile(uintptr(dupFd), p.Master.Name()), nil
}

// Wait blocks until the child exits and returns its error (nil on a
// clean zero-status exit). Safe to call from multiple goroutines and any
// number of times; only the first Spawn-launched goroutine ever calls
// the underlying os/exec Wait.
func (p *Pty) Wait() error {
	<-p.waitDone
	return p.waitErr
}

// Exited is a non-blocking check for whether the child has already
// exited, the Go equivalent of waitpid(pid, WNOHANG): it succeeds
// without blocking because waitDone is only ever closed by the single
// waiter goroutine started in Spawn, never by this call.
func (p *Pty) Exited() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

// ExitCode returns the child's exit code once Wait has returned. Before
// that, or if the process was killed by a signal, it returns -1.
func (p *Pty) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Close tears down the PTY. When killOnDrop is set it sends SIGTERM to
// the child's process group, waits briefly for a clean exit, escalates
// to SIGKILL, then closes the master. When killOnDrop is false (a
// daemonized child) it only closes this process's handle on the master
// — the child's own session is untouched and keeps running.
func (p *Pty) Close() {
	if !p.killOnDrop {
		p.Master.Close()
		return
	}

	if p.PID > 0 {
		pgid, err := syscall.Getpgid(p.PID)
		if err != nil || pgid <= 0 {
			pgid = p.PID
		} else {
			pgid = -pgid
		}
		syscall.Kill(pgid, syscall.SIGTERM)

		select {
		case <-p.waitDone:
		case <-time.After(5 * time.Millisecond):
			syscall.Kill(pgid, syscall.SIGKILL)
			<-p.waitDone
		}
	}

	p.Master.Close()
}

func killProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
	cmd.Wait()
}

// IsNotExist reports whether err indicates the PTY or its child is
// already gone — used by callers that treat a second teardown as a
// no-op rather than an error.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrClosed)
}
