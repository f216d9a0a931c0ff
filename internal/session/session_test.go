package session

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/sesh/internal/pty"
)

func spawnCat(t *testing.T) *pty.Pty {
	t.Helper()
	p, err := pty.Spawn("cat", nil, nil, "", pty.Winsize{Rows: 24, Cols: 80}, false)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestNewBindsSocketAndLockFile(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "s.sock")

	s, err := New(1, "work", "cat", spawnCat(t), sockPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(sockPath)
	assert.NoError(t, err)
	_, err = os.Stat(lockPath(sockPath))
	assert.NoError(t, err)
}

func TestCloseRemovesSocketAndOwnLock(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "s.sock")

	s, err := New(1, "work", "cat", spawnCat(t), sockPath)
	require.NoError(t, err)

	s.Close()

	_, err = os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(lockPath(sockPath))
	assert.True(t, os.IsNotExist(err))
}

func TestCloseLeavesNewerLockAlone(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "s.sock")

	s, err := New(1, "work", "cat", spawnCat(t), sockPath)
	require.NoError(t, err)

	// Simulate a newer session having overwritten the lock file after
	// this one bound its socket but before Close runs.
	require.NoError(t, os.WriteFile(lockPath(sockPath), []byte("not-my-token"), 0o600))

	s.Close()

	_, err = os.Stat(lockPath(sockPath))
	assert.NoError(t, err, "Close must not remove a lock it does not own")
}

func TestReserveRejectsSecondCaller(t *testing.T) {
	dir := t.TempDir()
	s, err := New(1, "work", "cat", spawnCat(t), filepath.Join(dir, "s.sock"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Reserve())
	assert.ErrorContains(t, s.Reserve(), "already connected")
}

func TestReserveSucceedsAgainAfterEndAttach(t *testing.T) {
	dir := t.TempDir()
	s, err := New(1, "work", "cat", spawnCat(t), filepath.Join(dir, "s.sock"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Reserve())
	s.endAttach()
	assert.NoError(t, s.Reserve())
}

func TestStartRelaysBytesBothWays(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "s.sock")
	s, err := New(1, "work", "cat", spawnCat(t), sockPath)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Reserve())
	started := make(chan struct{})
	go func() {
		close(started)
		s.Start(pty.Winsize{Rows: 24, Cols: 80})
	}()
	<-started
	time.Sleep(50 * time.Millisecond) // let Start reach Accept

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf[:n]))
}

func TestDetachUnblocksStart(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "s.sock")
	s, err := New(1, "work", "cat", spawnCat(t), sockPath)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Reserve())
	done := make(chan struct{})
	go func() {
		s.Start(pty.Winsize{Rows: 24, Cols: 80})
		close(done)
	}()

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", sockPath)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	require.Eventually(t, s.Connected, time.Second, 10*time.Millisecond)
	s.Detach()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Detach")
	}
	assert.False(t, s.Connected())
}
