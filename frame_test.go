package goimd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kbuchner/goimd/proto"
)

// The preallocated message buffer must close over the enabled blocks
// exactly: header plus body for each, nothing else.
func TestFrameSizeClosure(t *testing.T) {
	const hdr = proto.HeaderSize
	cases := []struct {
		s    proto.Session
		n    int32
		want int
	}{
		{proto.Session{}, 100, 0},
		{proto.Session{Coords: true}, 3, hdr + 36},
		{proto.Session{Time: true}, 0, hdr + 24},
		{proto.Session{Box: true}, 0, hdr + 36},
		{
			proto.Session{Time: true, Box: true, Coords: true, Velocities: true, Forces: true},
			5,
			(hdr + 24) + (hdr + 36) + 3*(hdr+60),
		},
		{proto.Session{Coords: true, Forces: true}, 7, 2 * (hdr + 12*7)},
	}
	for i, c := range cases {
		assert.Equal(t, c.want, frameSize(c.s, c.n), "case %d", i)
	}
}

func TestRecordCodec(t *testing.T) {
	b := make([]byte, 3*recSize)
	putRec(b, 42, 1.5, -2.5, 3.5)
	putRec(b[recSize:], -7, 0, 0.25, -0.25)
	putRec(b[2*recSize:], 1<<40, 9, 9, 9)

	tag, x, y, z := recAt(b, 0)
	assert.Equal(t, int64(42), tag)
	assert.Equal(t, []float32{1.5, -2.5, 3.5}, []float32{x, y, z})

	tag, _, y, _ = recAt(b, 1)
	assert.Equal(t, int64(-7), tag)
	assert.Equal(t, float32(0.25), y)

	tag, _, _, _ = recAt(b, 2)
	assert.Equal(t, int64(1)<<40, tag)
}

func TestSessionForVersion(t *testing.T) {
	o := DefaultOptions(8888)
	o.Unwrap = true

	// v2 reports bare coordinates no matter what was enabled
	s := o.session()
	assert.Equal(t, proto.Session{Coords: true, Wrap: false}, s)

	o.Version = 3
	o.Velocities = false
	s = o.session()
	assert.True(t, s.Time)
	assert.True(t, s.Box)
	assert.True(t, s.Coords)
	assert.False(t, s.Wrap)
	assert.False(t, s.Velocities)
	assert.True(t, s.Forces)
	assert.False(t, s.Energies)
}
