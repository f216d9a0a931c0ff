package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/sesh/internal/proto"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(Config{RootDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)
	return d
}

// rpc exercises handleConn end to end over an in-memory pipe, exactly as
// a real Unix-socket client would see it.
func rpc(t *testing.T, d *Daemon, req proto.Request) proto.Response {
	t.Helper()
	client, server := net.Pipe()
	go d.handleConn(server)

	require.NoError(t, proto.WriteRequest(client, req))
	resp, err := proto.ReadResponse(client)
	require.NoError(t, err)
	client.Close()
	return resp
}

func TestPingHandler(t *testing.T) {
	d := newTestDaemon(t)
	resp := rpc(t, d, proto.Request{Type: proto.ReqPing})
	assert.True(t, resp.OK)
}

func TestStartRequiresProgram(t *testing.T) {
	d := newTestDaemon(t)
	resp := rpc(t, d, proto.Request{Type: proto.ReqStart})
	assert.False(t, resp.OK)
}

func TestStartThenListThenKill(t *testing.T) {
	d := newTestDaemon(t)

	start := rpc(t, d, proto.Request{Type: proto.ReqStart, Name: "work", Program: "cat"})
	require.True(t, start.OK, start.Error)
	assert.Equal(t, "work", start.Name)
	assert.Greater(t, start.PID, 0)

	list := rpc(t, d, proto.Request{Type: proto.ReqList})
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "work", list.Sessions[0].Name)

	kill := rpc(t, d, proto.Request{Type: proto.ReqKill, Session: proto.Selector{Name: "work"}})
	assert.True(t, kill.Success)

	list = rpc(t, d, proto.Request{Type: proto.ReqList})
	assert.Empty(t, list.Sessions)
}

func TestDuplicateNameGetsSuffixed(t *testing.T) {
	d := newTestDaemon(t)

	first := rpc(t, d, proto.Request{Type: proto.ReqStart, Name: "dup", Program: "cat"})
	require.True(t, first.OK, first.Error)
	second := rpc(t, d, proto.Request{Type: proto.ReqStart, Name: "dup", Program: "cat"})
	require.True(t, second.OK, second.Error)

	assert.Equal(t, "dup", first.Name)
	assert.Equal(t, "dup-0", second.Name)
}

func TestAttachUnknownSessionFails(t *testing.T) {
	d := newTestDaemon(t)
	resp := rpc(t, d, proto.Request{Type: proto.ReqAttach, Session: proto.Selector{Name: "ghost"}})
	assert.False(t, resp.OK)
}

func TestDetachWithEmptySelectorAlwaysSucceeds(t *testing.T) {
	d := newTestDaemon(t)
	resp := rpc(t, d, proto.Request{Type: proto.ReqDetach})
	assert.True(t, resp.OK)
	assert.True(t, resp.Success)
}

func TestDetachUnknownSessionStillSucceeds(t *testing.T) {
	d := newTestDaemon(t)
	resp := rpc(t, d, proto.Request{Type: proto.ReqDetach, Session: proto.Selector{Name: "ghost"}})
	assert.True(t, resp.OK)
	assert.True(t, resp.Success)
}

// TestDetachNotifiesAttachedClientCallbackSocket checks that a
// server-initiated detach dials the attached client's callback socket
// (named after the session's child pid) and sends it a ClientDetach
// request, so the client can print "[detached]" itself instead of
// seeing a bare EOF on its relay connection.
func TestDetachNotifiesAttachedClientCallbackSocket(t *testing.T) {
	d := newTestDaemon(t)
	start := rpc(t, d, proto.Request{Type: proto.ReqStart, Name: "work", Program: "cat"})
	require.True(t, start.OK, start.Error)

	callbackPath := filepath.Join(d.cfg.RootDir, fmt.Sprintf("client-%d.sock", start.PID))
	l, err := net.Listen("unix", callbackPath)
	require.NoError(t, err)
	defer l.Close()

	received := make(chan proto.Request, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := proto.ReadRequest(conn)
		if err != nil {
			return
		}
		proto.Respond(conn, proto.Response{OK: true})
		received <- req
	}()

	resp := rpc(t, d, proto.Request{Type: proto.ReqDetach, Session: proto.Selector{Name: "work"}})
	assert.True(t, resp.Success)

	select {
	case req := <-received:
		assert.Equal(t, proto.ReqClientDetach, req.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("callback socket never received a ClientDetach request")
	}
}

func TestKillUnknownSessionReportsFailureNotError(t *testing.T) {
	d := newTestDaemon(t)
	resp := rpc(t, d, proto.Request{Type: proto.ReqKill, Session: proto.Selector{Name: "ghost"}})
	assert.True(t, resp.OK)
	assert.False(t, resp.Success)
}

func TestResizeRequiresSize(t *testing.T) {
	d := newTestDaemon(t)
	rpc(t, d, proto.Request{Type: proto.ReqStart, Name: "work", Program: "cat"})
	resp := rpc(t, d, proto.Request{Type: proto.ReqResize, Session: proto.Selector{Name: "work"}})
	assert.False(t, resp.OK)
}

func TestResizeAppliesSize(t *testing.T) {
	d := newTestDaemon(t)
	rpc(t, d, proto.Request{Type: proto.ReqStart, Name: "work", Program: "cat"})
	resp := rpc(t, d, proto.Request{
		Type:    proto.ReqResize,
		Session: proto.Selector{Name: "work"},
		Size:    &proto.Size{Rows: 50, Cols: 120},
	})
	assert.True(t, resp.OK)
}

func TestUnknownRequestType(t *testing.T) {
	d := newTestDaemon(t)
	resp := rpc(t, d, proto.Request{Type: "bogus"})
	assert.False(t, resp.OK)
}

func TestPersistRosterWritesYAML(t *testing.T) {
	d := newTestDaemon(t)
	rpc(t, d, proto.Request{Type: proto.ReqStart, Name: "work", Program: "cat"})

	path := filepath.Join(d.cfg.RootDir, "sessions.yaml")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestBuildEnvAppendsIdentityVars(t *testing.T) {
	env := buildEnv(nil, "/tmp/sesh/work.sock", "work")
	assert.Contains(t, env, "SESH_SESSION=/tmp/sesh/work.sock")
	assert.Contains(t, env, "SESH_NAME=work")
}

func TestBuildEnvCallerCannotShadowIdentityVars(t *testing.T) {
	env := buildEnv([]proto.EnvVar{{Key: "SESH_NAME", Value: "spoofed"}}, "/tmp/sesh/work.sock", "work")
	last := env[len(env)-1]
	assert.Equal(t, "SESH_NAME=work", last)
}
