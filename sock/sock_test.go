package sock

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenAny(t *testing.T) (*Endpoint, int) {
	t.Helper()
	e, err := Create()
	require.NoError(t, err)
	require.NoError(t, e.Bind(0))
	require.NoError(t, e.Listen())
	port, err := e.Port()
	require.NoError(t, err)
	require.Greater(t, port, 0)
	return e, port
}

func TestAcceptReadWrite(t *testing.T) {
	ls, port := listenAny(t)
	defer ls.Close()

	// no client yet: a zero-timeout probe misses
	ok, err := ls.ReadReady(0)
	require.NoError(t, err)
	assert.False(t, ok)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	ok, err = ls.ReadReady(2 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	cl, err := ls.Accept()
	require.NoError(t, err)
	defer cl.Close()

	// client -> server
	_, err = conn.Write([]byte("steer"))
	require.NoError(t, err)
	ok, err = cl.ReadReady(2 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	buf := make([]byte, 5)
	_, err = io.ReadFull(cl, buf)
	require.NoError(t, err)
	assert.Equal(t, "steer", string(buf))

	// server -> client
	ok, err = cl.WriteReady(0)
	require.NoError(t, err)
	require.True(t, ok)
	n, err := cl.Write([]byte("frame"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "frame", string(buf))
}

func TestReadEOF(t *testing.T) {
	ls, port := listenAny(t)
	defer ls.Close()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)

	ok, err := ls.ReadReady(2 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	cl, err := ls.Accept()
	require.NoError(t, err)
	defer cl.Close()

	require.NoError(t, conn.Close())

	// the peer hangup becomes readable, then reads as EOF
	ok, err = cl.ReadReady(2 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = cl.Read(make([]byte, 8))
	assert.Equal(t, io.EOF, err)
}

func TestNilEndpointNeverReady(t *testing.T) {
	var e *Endpoint
	ok, err := e.ReadReady(0)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = e.WriteReady(0)
	require.NoError(t, err)
	assert.False(t, ok)

	// nil shutdown and close are no-ops
	e.Shutdown()
	assert.NoError(t, e.Close())
}

func TestInit(t *testing.T) {
	assert.NoError(t, Init())
	assert.NoError(t, Init())
}
