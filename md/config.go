package md

import (
	"fmt"

	"github.com/phil-mansfield/table"
	"gopkg.in/gcfg.v1"
)

const ExampleConfigFile = `[System]

#######################
# Required Parameters #
#######################

# Edge lengths of the periodic cell.
BoxX = 10.0
BoxY = 10.0
BoxZ = 10.0

# Integrator timestep and number of steps to run.
Dt = 0.005
Steps = 10000

#######################
# Optional Parameters #
#######################

# Initial coordinates are read from a whitespace-separated table with x, y,
# z in the first three columns. When no file is given, Particles atoms are
# placed on a cubic lattice instead.
# CoordFile = path/to/coords.txt
Particles = 64

# Particle mass.
# Mass = 1.0

# Triclinic tilt factors. Setting any of these marks the cell triclinic.
# TiltXY = 0.0
# TiltXZ = 0.0
# TiltYZ = 0.0

[IMD]

# TCP port the bridge listens on. Ports below 1024 are rejected.
Port = 8888

# IMD protocol version to negotiate: 2 or 3.
Version = 3

# Emit one frame every Trate steps.
Trate = 10

# Scale factor applied to steering forces sent by the client.
Fscale = 1.0

# Unwrap coordinates through the periodic images before sending.
Unwrap = false

# Do not block waiting for a client at startup.
Nowait = false

# Ship frames from a background writer instead of the MD loop.
Async = false

# Frame sub-blocks (protocol v3 only).
Time = true
Box = true
Coordinates = true
Velocities = true
Forces = true`

// SystemConfig is the [System] section of a demo run.
type SystemConfig struct {
	// Required
	BoxX, BoxY, BoxZ float64
	Dt               float64
	Steps            int

	// Optional
	CoordFile              string
	Particles              int
	Mass                   float64
	TiltXY, TiltXZ, TiltYZ float64
}

// IMDConfig is the [IMD] section of a demo run. It mirrors the bridge's
// option surface as plain data; the driver maps it onto bridge options.
type IMDConfig struct {
	Port    int
	Version int
	Trate   int
	Fscale  float64
	Unwrap  bool
	Nowait  bool
	Async   bool

	Time        bool
	Box         bool
	Coordinates bool
	Velocities  bool
	Forces      bool
}

// Config is the full demo configuration file.
type Config struct {
	System SystemConfig
	IMD    IMDConfig
}

// CheckInit validates the [System] section and fills in defaults.
func (c *SystemConfig) CheckInit() error {
	if c.BoxX <= 0 || c.BoxY <= 0 || c.BoxZ <= 0 {
		return fmt.Errorf(
			"Need positive box lengths, got (%g, %g, %g).",
			c.BoxX, c.BoxY, c.BoxZ,
		)
	}
	if c.Dt <= 0 {
		return fmt.Errorf("Need a positive timestep, got %g.", c.Dt)
	}
	if c.Steps < 0 {
		return fmt.Errorf("Need a non-negative step count, got %d.", c.Steps)
	}
	if c.CoordFile == "" && c.Particles <= 0 {
		return fmt.Errorf("Need either CoordFile or a positive Particles count.")
	}
	if c.Mass == 0 {
		c.Mass = 1
	} else if c.Mass < 0 {
		return fmt.Errorf("Given a negative particle mass, %g.", c.Mass)
	}
	return nil
}

// ReadConfig parses a demo configuration file, applying defaults to the
// [IMD] section before the file overrides them.
func ReadConfig(fname string) (*Config, error) {
	cfg := &Config{}
	cfg.IMD = IMDConfig{
		Version:     2,
		Trate:       1,
		Fscale:      1,
		Time:        true,
		Box:         true,
		Coordinates: true,
		Velocities:  true,
		Forces:      true,
	}

	if err := gcfg.ReadFileInto(cfg, fname); err != nil {
		return nil, err
	}
	if err := cfg.System.CheckInit(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadCoords reads initial coordinates from a whitespace-separated table,
// taking x, y, z from the first three columns.
func ReadCoords(fname string) ([][3]float64, error) {
	cols, err := table.ReadTable(fname, []int{0, 1, 2}, nil)
	if err != nil {
		return nil, err
	}
	xs := make([][3]float64, len(cols[0]))
	for i := range xs {
		xs[i] = [3]float64{cols[0][i], cols[1][i], cols[2][i]}
	}
	return xs, nil
}

// latticeCoords places n particles on a cubic lattice inside the cell.
func latticeCoords(n int, cell *Domain) [][3]float64 {
	side := 1
	for side*side*side < n {
		side++
	}
	dx := cell.Xprd / float64(side)
	dy := cell.Yprd / float64(side)
	dz := cell.Zprd / float64(side)

	xs := make([][3]float64, 0, n)
	for i := 0; i < side && len(xs) < n; i++ {
		for j := 0; j < side && len(xs) < n; j++ {
			for k := 0; k < side && len(xs) < n; k++ {
				xs = append(xs, [3]float64{
					(float64(i) + 0.5) * dx,
					(float64(j) + 0.5) * dy,
					(float64(k) + 0.5) * dz,
				})
			}
		}
	}
	return xs
}

// NewSystem builds rank's share of the configured system, assigning
// particles to ranks round-robin. Tags start at 1 and every particle is in
// the reporting group.
func NewSystem(cfg *Config, rank, nprocs int) (*System, error) {
	cell := Domain{
		Xprd: cfg.System.BoxX,
		Yprd: cfg.System.BoxY,
		Zprd: cfg.System.BoxZ,
		XY:   cfg.System.TiltXY,
		XZ:   cfg.System.TiltXZ,
		YZ:   cfg.System.TiltYZ,
	}
	cell.Triclinic = cell.XY != 0 || cell.XZ != 0 || cell.YZ != 0

	var xs [][3]float64
	var err error
	if cfg.System.CoordFile != "" {
		xs, err = ReadCoords(cfg.System.CoordFile)
		if err != nil {
			return nil, err
		}
	} else {
		xs = latticeCoords(cfg.System.Particles, &cell)
	}

	sys := &System{
		Cell:     cell,
		Groupbit: 1,
		Mass:     cfg.System.Mass,
		Dt:       cfg.System.Dt,
	}
	for i, x := range xs {
		if i%nprocs != rank {
			continue
		}
		sys.Atoms.Append(int64(i+1), 1, x)
	}
	return sys, nil
}
