package proto

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func netPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	return net.Pipe()
}

func TestSelectorEmpty(t *testing.T) {
	assert.True(t, Selector{}.Empty())
	assert.False(t, Selector{Name: "foo"}.Empty())
	id := 3
	assert.False(t, Selector{ID: &id}.Empty())
}

func TestSelectorString(t *testing.T) {
	id := 7
	assert.Equal(t, "foo", Selector{Name: "foo"}.String())
	assert.Equal(t, "#7", Selector{ID: &id}.String())
	assert.Equal(t, "(unspecified)", Selector{}.String())
}

func TestWriteReadRequestRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Type: ReqStart, Name: "work", Program: "bash", Args: []string{"-l"}}
	require.NoError(t, WriteRequest(&buf, req))

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestReadRequestEOF(t *testing.T) {
	_, err := ReadRequest(bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestRespondReadResponseRoundtrip(t *testing.T) {
	conn1, conn2 := netPipe(t)
	defer conn1.Close()
	defer conn2.Close()

	go Respond(conn1, Response{OK: true, Name: "work", PID: 42})

	resp, err := ReadResponse(conn2)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "work", resp.Name)
	assert.Equal(t, 42, resp.PID)
}
