package goimd

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbuchner/goimd/proto"
)

// testClient is the viewer side of the protocol, driven synchronously from
// test code.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialRaw(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	return conn
}

// attachClient performs the client half of the handshake on an existing
// connection: read the version announcement (and the v3 session block),
// then answer GO.
func attachClient(t *testing.T, conn net.Conn, version int32) *testClient {
	t.Helper()
	c := &testClient{t: t, conn: conn}

	hdr := c.readN(proto.HeaderSize)
	require.Equal(t, uint32(proto.Handshake), binary.BigEndian.Uint32(hdr))
	require.Equal(t, version, int32(binary.NativeEndian.Uint32(hdr[4:])))

	if version == 3 {
		sh := c.readN(proto.HeaderSize)
		require.Equal(t, uint32(proto.SessionInfo), binary.BigEndian.Uint32(sh))
		require.Equal(t, int32(7), int32(binary.BigEndian.Uint32(sh[4:])))
		c.readN(7)
	}

	c.sendHeader(proto.Go, 0)
	return c
}

func dialClient(t *testing.T, port int, version int32) *testClient {
	t.Helper()
	return attachClient(t, dialRaw(t, port), version)
}

func (c *testClient) readN(n int) []byte {
	c.t.Helper()
	b := make([]byte, n)
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := io.ReadFull(c.conn, b)
	require.NoError(c.t, err)
	return b
}

func (c *testClient) sendHeader(typ proto.Type, length int32) {
	c.t.Helper()
	var b [proto.HeaderSize]byte
	proto.PutHeader(b[:], typ, length)
	_, err := c.conn.Write(b[:])
	require.NoError(c.t, err)
}

// sendMDComm ships steering forces addressed by dense frame index.
func (c *testClient) sendMDComm(indices []int32, forces [][3]float32) {
	c.t.Helper()
	c.sendHeader(proto.MDComm, int32(len(indices)))

	b := []byte{}
	for _, idx := range indices {
		b = binary.NativeEndian.AppendUint32(b, uint32(idx))
	}
	for _, f := range forces {
		for k := 0; k < 3; k++ {
			b = binary.NativeEndian.AppendUint32(b, math.Float32bits(f[k]))
		}
	}
	_, err := c.conn.Write(b)
	require.NoError(c.t, err)
}

// frame is one decoded outbound frame.
type frame struct {
	dt, time float64
	step     uint64
	box      [9]float32

	coords []float32
	vels   []float32
	forces []float32
}

// readFrame consumes exactly one frame laid out for the given session.
func (c *testClient) readFrame(s proto.Session, numCoords int32) frame {
	c.t.Helper()
	var f frame

	readBlock := func(typ proto.Type, length int32, bodySize int) []byte {
		h := c.readN(proto.HeaderSize)
		require.Equal(c.t, uint32(typ), binary.BigEndian.Uint32(h), "block type")
		require.Equal(c.t, length, int32(binary.BigEndian.Uint32(h[4:])), "block length")
		return c.readN(bodySize)
	}
	floats := func(b []byte) []float32 {
		out := make([]float32, len(b)/4)
		for i := range out {
			out[i] = proto.Float32(b[4*i:])
		}
		return out
	}

	if s.Time {
		b := readBlock(proto.Time, 1, proto.TimeBodySize)
		f.dt = math.Float64frombits(binary.NativeEndian.Uint64(b))
		f.time = math.Float64frombits(binary.NativeEndian.Uint64(b[8:]))
		f.step = binary.NativeEndian.Uint64(b[16:])
	}
	if s.Box {
		b := readBlock(proto.Box, 1, proto.BoxBodySize)
		copy(f.box[:], floats(b))
	}
	if s.Coords {
		f.coords = floats(readBlock(proto.FCoords, numCoords, 12*int(numCoords)))
	}
	if s.Velocities {
		f.vels = floats(readBlock(proto.Velocities, numCoords, 12*int(numCoords)))
	}
	if s.Forces {
		f.forces = floats(readBlock(proto.Forces, numCoords, 12*int(numCoords)))
	}
	return f
}

// expectSilence asserts that no further bytes arrive within the window.
func (c *testClient) expectSilence(window time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(window)))
	var b [1]byte
	_, err := c.conn.Read(b[:])
	nerr, ok := err.(net.Error)
	require.True(c.t, ok && nerr.Timeout(), "expected read timeout, got %v", err)
}

func (c *testClient) close() {
	c.conn.Close()
}
