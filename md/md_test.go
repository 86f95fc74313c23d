package md

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageFlagRoundTrip(t *testing.T) {
	cases := [][3]int{
		{0, 0, 0},
		{1, -1, 2},
		{-511, 511, -1},
		{17, -23, 42},
	}
	for _, c := range cases {
		ix, iy, iz := UnpackImage(PackImage(c[0], c[1], c[2]))
		assert.Equal(t, c[0], ix)
		assert.Equal(t, c[1], iy)
		assert.Equal(t, c[2], iz)
	}
}

func TestDomainH(t *testing.T) {
	d := Domain{Xprd: 10, Yprd: 11, Zprd: 12, XY: 1, XZ: 2, YZ: 3}
	assert.Equal(t, [6]float64{10, 11, 12, 3, 2, 1}, d.H())
}

func TestTime(t *testing.T) {
	s := System{Dt: 0.5, Ntimestep: 12, Atime: 2.0, Atimestep: 10}
	assert.Equal(t, 3.0, s.Time())
}

func TestAdvanceWrapsAndTracksImages(t *testing.T) {
	s := &System{
		Cell: Domain{Xprd: 10, Yprd: 10, Zprd: 10},
		Mass: 1,
		Dt:   1,
	}
	s.Atoms.Append(1, 1, [3]float64{9.5, 0.5, 5})
	s.Atoms.V[0] = [3]float64{1, -1, 0}

	s.Advance()

	assert.InDelta(t, 0.5, s.Atoms.X[0][0], 1e-12)
	assert.InDelta(t, 9.5, s.Atoms.X[0][1], 1e-12)
	assert.InDelta(t, 5.0, s.Atoms.X[0][2], 1e-12)

	ix, iy, iz := UnpackImage(s.Atoms.Image[0])
	assert.Equal(t, 1, ix)
	assert.Equal(t, -1, iy)
	assert.Equal(t, 0, iz)
	assert.Equal(t, int64(1), s.Ntimestep)
}

func TestKineticEnergy(t *testing.T) {
	s := &System{Mass: 2}
	s.Atoms.Append(1, 1, [3]float64{})
	s.Atoms.V[0] = [3]float64{1, 2, 2}

	// 0.5 * m * |v|^2 = 0.5 * 2 * 9
	assert.InDelta(t, 9.0, s.KineticEnergy(), 1e-12)
	assert.InDelta(t, 6.0, s.Temperature(), 1e-12)
}

func TestClearForces(t *testing.T) {
	s := &System{Mass: 1}
	s.Atoms.Append(1, 1, [3]float64{})
	s.Atoms.F[0] = [3]float64{1, 2, 3}
	s.ClearForces()
	assert.Equal(t, [3]float64{}, s.Atoms.F[0])
}

func TestLatticeCoords(t *testing.T) {
	cell := &Domain{Xprd: 10, Yprd: 10, Zprd: 10}
	xs := latticeCoords(8, cell)
	require.Len(t, xs, 8)
	for _, x := range xs {
		for k := 0; k < 3; k++ {
			assert.GreaterOrEqual(t, x[k], 0.0)
			assert.Less(t, x[k], 10.0)
		}
	}
}
