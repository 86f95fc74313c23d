package goimd

import (
	"fmt"
	"strconv"

	"github.com/kbuchner/goimd/proto"
)

// Options configures one bridge instance. The zero value is not usable;
// start from DefaultOptions or ParseArgs.
type Options struct {
	// Port is the TCP port the bridge listens on. Ports below 1024 are
	// rejected; port 0 asks the kernel for an unused port, which is
	// mainly useful in tests.
	Port int

	// Version selects the IMD protocol to negotiate, 2 or 3.
	Version int

	// Trate emits one frame every Trate MD steps.
	Trate int

	// Fscale multiplies every received steering force.
	Fscale float64

	// Unwrap reconstructs coordinates through the periodic images before
	// they are sent.
	Unwrap bool

	// Nowait keeps the simulation running instead of blocking for the
	// first client.
	Nowait bool

	// Async ships frames from a background writer on rank 0.
	Async bool

	// Frame sub-block selection, honored by protocol v3 only; v2 always
	// sends bare coordinates.
	Time        bool
	Box         bool
	Coordinates bool
	Velocities  bool
	Forces      bool
}

// DefaultOptions returns the option set matching a bare "port" setup:
// protocol v2, every step, all v3 sub-blocks on.
func DefaultOptions(port int) Options {
	return Options{
		Port:        port,
		Version:     2,
		Trate:       1,
		Fscale:      1,
		Time:        true,
		Box:         true,
		Coordinates: true,
		Velocities:  true,
		Forces:      true,
	}
}

// Validate rejects option sets the bridge cannot run with. It is called by
// New, so a bad script argument fails before the simulation starts.
func (o *Options) Validate() error {
	if o.Port != 0 && o.Port < 1024 {
		return fmt.Errorf("illegal imd parameter: port %d < 1024", o.Port)
	}
	if o.Trate < 1 {
		return fmt.Errorf("illegal imd parameter: trate %d < 1", o.Trate)
	}
	if o.Version != 2 && o.Version != 3 {
		return fmt.Errorf("illegal imd parameter: version %d != 2 or 3", o.Version)
	}
	return nil
}

// session derives the negotiated frame layout. v2 clients only understand
// bare coordinate frames; v3 carries whatever blocks were enabled. The
// energy block is unused by this host.
func (o *Options) session() proto.Session {
	if o.Version == 2 {
		return proto.Session{Coords: true, Wrap: !o.Unwrap}
	}
	return proto.Session{
		Time:       o.Time,
		Box:        o.Box,
		Coords:     o.Coordinates,
		Wrap:       !o.Unwrap,
		Velocities: o.Velocities,
		Forces:     o.Forces,
	}
}

// ParseArgs parses the script-facing argument list:
//
//	<port> [unwrap on|off] [nowait on|off] [fscale F] [trate N]
//	       [version 2|3] [time on|off] [box on|off] [coordinates on|off]
//	       [velocities on|off] [forces on|off]
func ParseArgs(args []string) (Options, error) {
	o := DefaultOptions(0)
	if len(args) < 1 {
		return o, fmt.Errorf("illegal imd command: missing port")
	}
	port, err := strconv.Atoi(args[0])
	if err != nil {
		return o, fmt.Errorf("illegal imd parameter: port %q", args[0])
	}
	o.Port = port

	for i := 1; i+1 < len(args); i += 2 {
		key, val := args[i], args[i+1]
		switch key {
		case "unwrap":
			o.Unwrap, err = logical(val)
		case "nowait":
			o.Nowait, err = logical(val)
		case "async":
			o.Async, err = logical(val)
		case "fscale":
			o.Fscale, err = strconv.ParseFloat(val, 64)
		case "trate":
			o.Trate, err = strconv.Atoi(val)
		case "version":
			o.Version, err = strconv.Atoi(val)
		case "time":
			o.Time, err = logical(val)
		case "box":
			o.Box, err = logical(val)
		case "coordinates":
			o.Coordinates, err = logical(val)
		case "velocities":
			o.Velocities, err = logical(val)
		case "forces":
			o.Forces, err = logical(val)
		default:
			return o, fmt.Errorf("unknown imd parameter %q", key)
		}
		if err != nil {
			return o, fmt.Errorf("illegal imd parameter %s: %q", key, val)
		}
	}

	return o, o.Validate()
}

func logical(s string) (bool, error) {
	switch s {
	case "on", "yes", "true", "1":
		return true, nil
	case "off", "no", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}
