/*package proto implements the IMD wire protocol: fixed 8-byte headers
followed by typed payloads, as spoken by molecular visualizers such as VMD.

Headers travel in network byte order. Float payloads are not byte-swapped;
the handshake leaves its length field in host order so the client can detect
the server's endianness by comparing it against the protocol version.
*/
package proto

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the wire size of a message header: two int32 fields.
const HeaderSize = 8

// Type enumerates the IMD message types. The values are fixed by the
// protocol and shared with every IMD-capable client.
type Type int32

const (
	Disconnect Type = iota // close connection, leave the simulation running
	Energies               // energy data block
	FCoords                // atom coordinates
	Go                     // client is ready, start sending
	Handshake              // endianness and version check
	Kill                   // terminate the simulation job
	MDComm                 // MDComm style steering forces
	Pause                  // pause the running simulation
	TRate                  // set the transmission rate
	IOError                // synthetic: stream error on receive

	// protocol v3 additions
	SessionInfo
	Resume
	Time
	Box
	Velocities
	Forces
)

var typeNames = map[Type]string{
	Disconnect:  "DISCONNECT",
	Energies:    "ENERGIES",
	FCoords:     "FCOORDS",
	Go:          "GO",
	Handshake:   "HANDSHAKE",
	Kill:        "KILL",
	MDComm:      "MDCOMM",
	Pause:       "PAUSE",
	TRate:       "TRATE",
	IOError:     "IOERROR",
	SessionInfo: "SESSIONINFO",
	Resume:      "RESUME",
	Time:        "TIME",
	Box:         "BOX",
	Velocities:  "VELOCITIES",
	Forces:      "FORCES",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TYPE(%d)", int32(t))
}

// Header is the fixed preamble of every message. Length semantics depend
// on the type: an element count for data blocks, a version for handshakes,
// a rate for TRATE, and unused for pure control messages.
type Header struct {
	Type   Type
	Length int32
}

// Session describes which sub-blocks appear in every outbound frame.
// Under v3 it is sent to the client verbatim as the SESSIONINFO block.
type Session struct {
	Time       bool
	Box        bool
	Coords     bool
	Wrap       bool
	Velocities bool
	Forces     bool
	Energies   bool
}

// sessionBodySize is the wire size of a SESSIONINFO block body.
const sessionBodySize = 7

func (s Session) appendTo(b []byte) []byte {
	for _, f := range [sessionBodySize]bool{
		s.Time, s.Box, s.Coords, s.Wrap, s.Velocities, s.Forces, s.Energies,
	} {
		if f {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	return b
}

// PutHeader writes a header with both fields in network byte order.
func PutHeader(b []byte, t Type, length int32) {
	binary.BigEndian.PutUint32(b, uint32(t))
	binary.BigEndian.PutUint32(b[4:], uint32(length))
}

// putHandshakeHeader writes a HANDSHAKE header. The type field is swapped
// to network order as usual, but the length field carries the protocol
// version in host order so the client can compare it against 2 or 3 in its
// own byte order and deduce ours.
func putHandshakeHeader(b []byte, version int32) {
	binary.BigEndian.PutUint32(b, uint32(Handshake))
	binary.NativeEndian.PutUint32(b[4:], uint32(version))
}

// HandshakeV2 sends the protocol v2 handshake: a single header announcing
// version 2.
func HandshakeV2(w io.Writer) error {
	var b [HeaderSize]byte
	putHandshakeHeader(b[:], 2)
	return Writen(w, b[:])
}

// HandshakeV3 sends the protocol v3 handshake: the version header followed
// by a SESSIONINFO block describing the negotiated frame layout.
func HandshakeV3(w io.Writer, s Session) error {
	var hs [HeaderSize]byte
	putHandshakeHeader(hs[:], 3)
	if err := Writen(w, hs[:]); err != nil {
		return err
	}
	b := make([]byte, HeaderSize, HeaderSize+sessionBodySize)
	PutHeader(b, SessionInfo, sessionBodySize)
	b = s.appendTo(b)
	return Writen(w, b)
}

// ReadHeader reads and decodes one message header. A short read or stream
// error is returned as an error; callers treat it like an IOERROR message.
func ReadHeader(r io.Reader) (Header, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{Type: IOError}, fmt.Errorf("imd header: %w", err)
	}
	return Header{
		Type:   Type(binary.BigEndian.Uint32(b[:])),
		Length: int32(binary.BigEndian.Uint32(b[4:])),
	}, nil
}

// ReadMDComm reads the body of an MDCOMM message holding n steering forces:
// n int32 frame indices followed by n packed (x, y, z) float32 triples.
// indices must have length n and forces length 3n.
func ReadMDComm(r io.Reader, n int32, indices []int32, forces []float32) error {
	b := make([]byte, 4*n)
	if _, err := io.ReadFull(r, b); err != nil {
		return fmt.Errorf("mdcomm indices: %w", err)
	}
	for i := range indices {
		indices[i] = int32(binary.NativeEndian.Uint32(b[4*i:]))
	}
	b = make([]byte, 12*n)
	if _, err := io.ReadFull(r, b); err != nil {
		return fmt.Errorf("mdcomm forces: %w", err)
	}
	for i := range forces {
		forces[i] = Float32(b[4*i:])
	}
	return nil
}

// TimeBodySize is the wire size of a TIME block body.
const TimeBodySize = 24

// PutTime writes a TIME block body: the integrator timestep, the accumulated
// simulation time, and the current step number.
func PutTime(b []byte, dt, current float64, step uint64) {
	binary.NativeEndian.PutUint64(b, math.Float64bits(dt))
	binary.NativeEndian.PutUint64(b[8:], math.Float64bits(current))
	binary.NativeEndian.PutUint64(b[16:], step)
}

// BoxBodySize is the wire size of a BOX block body.
const BoxBodySize = 36

// PutBox writes a BOX block body: the three box edge vectors a, b, c as nine
// float32 values in the zero-upper-triangular convention. h is the periodic
// cell shape vector (lx, ly, lz, yz, xz, xy).
func PutBox(b []byte, h [6]float64) {
	vals := [9]float64{
		h[0], 0, 0,
		h[5], h[1], 0,
		h[4], h[3], h[2],
	}
	for i, v := range vals {
		PutFloat32(b[4*i:], float32(v))
	}
}

// PutFloat32 stores one float in host byte order, the IMD convention for
// all float payloads.
func PutFloat32(b []byte, v float32) {
	binary.NativeEndian.PutUint32(b, math.Float32bits(v))
}

// Float32 loads one host-order float.
func Float32(b []byte) float32 {
	return math.Float32frombits(binary.NativeEndian.Uint32(b))
}

// Writen writes all of p, looping on short writes the way the classic
// imd_writen helper does.
func Writen(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
