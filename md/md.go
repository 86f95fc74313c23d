/*package md carries the host-simulation state the bridge hooks into: the
per-particle arrays, the periodic cell, and a minimal integrator used by
the demo driver and the tests. A production MD engine would supply its own
equivalents; the bridge only depends on the accessor surface of System.
*/
package md

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Image flag packing: three signed per-axis box offsets in one word,
// 10 bits each, biased by ImgMax.
const (
	ImgMask  = 1023
	ImgMax   = 512
	ImgBits  = 10
	Img2Bits = 20
)

// PackImage packs three per-axis image offsets into one flag word.
func PackImage(ix, iy, iz int) int32 {
	return int32(ix+ImgMax) | int32(iy+ImgMax)<<ImgBits | int32(iz+ImgMax)<<Img2Bits
}

// UnpackImage splits a flag word back into per-axis offsets.
func UnpackImage(img int32) (ix, iy, iz int) {
	ix = int(img&ImgMask) - ImgMax
	iy = int(img>>ImgBits&ImgMask) - ImgMax
	iz = int(img>>Img2Bits) - ImgMax
	return ix, iy, iz
}

// Particles is the struct-of-arrays particle storage. All slices share one
// length; index i is one particle.
type Particles struct {
	Tags  []int64
	Mask  []int32
	Image []int32
	X     [][3]float64
	V     [][3]float64
	F     [][3]float64
}

// NLocal reports the number of particles owned by this rank.
func (p *Particles) NLocal() int { return len(p.Tags) }

// Append adds one particle with zero velocity and force at the given
// position.
func (p *Particles) Append(tag int64, mask int32, x [3]float64) {
	p.Tags = append(p.Tags, tag)
	p.Mask = append(p.Mask, mask)
	p.Image = append(p.Image, PackImage(0, 0, 0))
	p.X = append(p.X, x)
	p.V = append(p.V, [3]float64{})
	p.F = append(p.F, [3]float64{})
}

// Domain is the periodic cell: edge lengths plus, for triclinic cells, the
// three tilt factors.
type Domain struct {
	Xprd, Yprd, Zprd float64
	XY, XZ, YZ       float64
	Triclinic        bool
}

// H returns the cell shape vector (lx, ly, lz, yz, xz, xy), the layout the
// BOX frame block is built from.
func (d *Domain) H() [6]float64 {
	return [6]float64{d.Xprd, d.Yprd, d.Zprd, d.YZ, d.XZ, d.XY}
}

// System is one rank's share of the simulation.
type System struct {
	Atoms Particles
	Cell  Domain

	Groupbit int32
	Mass     float64
	Dt       float64

	Ntimestep int64

	// accumulated time bookkeeping: Atime is the simulation time at step
	// Atimestep.
	Atime     float64
	Atimestep int64
}

func (s *System) Particles() *Particles { return &s.Atoms }
func (s *System) Domain() *Domain       { return &s.Cell }
func (s *System) GroupBit() int32       { return s.Groupbit }
func (s *System) Step() int64           { return s.Ntimestep }
func (s *System) TimeStep() float64     { return s.Dt }

// Time reports the accumulated simulation time at the current step.
func (s *System) Time() float64 {
	return s.Atime + float64(s.Ntimestep-s.Atimestep)*s.Dt
}

// ClearForces zeroes the force accumulators ahead of a force evaluation.
func (s *System) ClearForces() {
	for i := range s.Atoms.F {
		s.Atoms.F[i] = [3]float64{}
	}
}

// Advance integrates one semi-implicit Euler step (velocity first, then
// position from the updated velocity) and advances the clock.
// Particles leaving the orthogonal cell are wrapped back and their image
// flags updated, so unwrapped output stays continuous.
func (s *System) Advance() {
	inv := 0.0
	if s.Mass > 0 {
		inv = 1 / s.Mass
	}
	prd := [3]float64{s.Cell.Xprd, s.Cell.Yprd, s.Cell.Zprd}
	for i := range s.Atoms.X {
		img := [3]int{}
		img[0], img[1], img[2] = UnpackImage(s.Atoms.Image[i])
		for k := 0; k < 3; k++ {
			s.Atoms.V[i][k] += s.Atoms.F[i][k] * inv * s.Dt
			s.Atoms.X[i][k] += s.Atoms.V[i][k] * s.Dt
			if prd[k] <= 0 {
				continue
			}
			for s.Atoms.X[i][k] >= prd[k] {
				s.Atoms.X[i][k] -= prd[k]
				img[k]++
			}
			for s.Atoms.X[i][k] < 0 {
				s.Atoms.X[i][k] += prd[k]
				img[k]--
			}
		}
		s.Atoms.Image[i] = PackImage(img[0], img[1], img[2])
	}
	s.Ntimestep++
}

// KineticEnergy reports this rank's kinetic energy.
func (s *System) KineticEnergy() float64 {
	vs := make([]float64, 0, 3*len(s.Atoms.V))
	for i := range s.Atoms.V {
		vs = append(vs, s.Atoms.V[i][0], s.Atoms.V[i][1], s.Atoms.V[i][2])
	}
	return 0.5 * s.Mass * floats.Dot(vs, vs)
}

// Temperature reports the instantaneous kinetic temperature of this rank's
// particles in reduced units (k_B = 1).
func (s *System) Temperature() float64 {
	n := len(s.Atoms.V)
	if n == 0 {
		return 0
	}
	dof := float64(3 * n)
	return 2 * s.KineticEnergy() / dof
}

// MaxDisplacement reports the largest single-axis distance any particle
// sits from the cell origin, a cheap sanity diagnostic for the demo log.
func (s *System) MaxDisplacement() float64 {
	m := 0.0
	for i := range s.Atoms.X {
		for k := 0; k < 3; k++ {
			m = math.Max(m, math.Abs(s.Atoms.X[i][k]))
		}
	}
	return m
}
