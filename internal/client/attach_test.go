package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/sesh/internal/proto"
)

func TestExitKindString(t *testing.T) {
	assert.Equal(t, "[exited]", ExitQuit.String())
	assert.Equal(t, "[detached]", ExitDetach.String())
}

func TestRequestResizeSendsCorrectSize(t *testing.T) {
	sockPath := serveOneRequest(t, func(req proto.Request) proto.Response {
		assert.Equal(t, proto.ReqResize, req.Type)
		require.NotNil(t, req.Size)
		assert.Equal(t, uint16(40), req.Size.Rows)
		assert.Equal(t, uint16(100), req.Size.Cols)
		return proto.Response{OK: true}
	})
	requestResize(sockPath, proto.Selector{Name: "work"}, 40, 100)
}

func TestRequestDetachSendsSelector(t *testing.T) {
	sockPath := serveOneRequest(t, func(req proto.Request) proto.Response {
		assert.Equal(t, proto.ReqDetach, req.Type)
		assert.Equal(t, "work", req.Session.Name)
		return proto.Response{OK: true, Success: true}
	})
	requestDetach(sockPath, proto.Selector{Name: "work"})
}

// serveOneRequest starts a one-shot Unix-socket RPC server for tests that
// exercise the client's outbound request helpers.
func serveOneRequest(t *testing.T, handle func(proto.Request) proto.Response) string {
	t.Helper()
	dir := t.TempDir()
	sockPath := dir + "/server.sock"
	l, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

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
		proto.Respond(conn, handle(req))
	}()

	return sockPath
}

func TestNewCallbackServerPushesDetach(t *testing.T) {
	dir := t.TempDir()
	exitCh := make(chan ExitKind, 1)

	cs, err := NewCallbackServer(dir, 4242, exitCh)
	require.NoError(t, err)
	defer cs.Close()

	conn, err := net.Dial("unix", cs.Path())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, proto.WriteRequest(conn, proto.Request{Type: proto.ReqClientDetach}))
	resp, err := proto.ReadResponse(conn)
	require.NoError(t, err)
	assert.True(t, resp.OK)

	select {
	case kind := <-exitCh:
		assert.Equal(t, ExitDetach, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not push ExitDetach")
	}
}

func TestCallbackServerIgnoresUnknownRequestType(t *testing.T) {
	dir := t.TempDir()
	exitCh := make(chan ExitKind, 1)

	cs, err := NewCallbackServer(dir, 4243, exitCh)
	require.NoError(t, err)
	defer cs.Close()

	conn, err := net.Dial("unix", cs.Path())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, proto.WriteRequest(conn, proto.Request{Type: proto.ReqPing}))

	select {
	case <-exitCh:
		t.Fatal("unexpected exit signal for a non-detach request")
	case <-time.After(100 * time.Millisecond):
	}
}
