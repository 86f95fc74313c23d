package goimd

import (
	"encoding/binary"
	"math"

	"github.com/kbuchner/goimd/comm"
	"github.com/kbuchner/goimd/md"
	"github.com/kbuchner/goimd/proto"
	"github.com/kbuchner/goimd/tagmap"
)

// frameSize is the worst-case outbound frame size for a session layout:
// every enabled block plus its header. The message buffer is allocated to
// exactly this size once, at construction.
func frameSize(s proto.Session, numCoords int32) int {
	n := 0
	if s.Time {
		n += proto.HeaderSize + proto.TimeBodySize
	}
	if s.Box {
		n += proto.HeaderSize + proto.BoxBodySize
	}
	if s.Coords {
		n += proto.HeaderSize + 12*int(numCoords)
	}
	if s.Velocities {
		n += proto.HeaderSize + 12*int(numCoords)
	}
	if s.Forces {
		n += proto.HeaderSize + 12*int(numCoords)
	}
	return n
}

// emitFrame gathers every enabled sub-block from all ranks into the
// outbound buffer on rank 0 and ships it. Collective: remote ranks pack
// and send, rank 0 assembles.
func (b *Bridge) emitFrame() error {
	nme := groupCount(b.host)
	nmax, err := b.comm.AllreduceMaxInt(nme)
	if err != nil {
		return err
	}
	b.growStaging(nmax * recSize)

	if b.me != 0 {
		return b.sendBlocks(nme)
	}
	if err := b.assemble(); err != nil {
		return err
	}
	b.ship()
	return nil
}

// assemble lays the enabled blocks out in the fixed frame order (time,
// box, coordinates, velocities, forces), fills rank 0's own particles in
// directly, and scatters each remote rank's records by tag.
func (b *Bridge) assemble() error {
	offset := 0

	if b.sinfo.Time {
		proto.PutHeader(b.msgdata[offset:], proto.Time, 1)
		proto.PutTime(
			b.msgdata[offset+proto.HeaderSize:],
			b.host.TimeStep(), b.host.Time(), uint64(b.host.Step()),
		)
		offset += proto.HeaderSize + proto.TimeBodySize
	}
	if b.sinfo.Box {
		proto.PutHeader(b.msgdata[offset:], proto.Box, 1)
		proto.PutBox(b.msgdata[offset+proto.HeaderSize:], b.host.Domain().H())
		offset += proto.HeaderSize + proto.BoxBodySize
	}

	blockLen := 12 * int(b.numCoords)
	var coords, vels, forces []byte
	if b.sinfo.Coords {
		proto.PutHeader(b.msgdata[offset:], proto.FCoords, b.numCoords)
		coords = b.msgdata[offset+proto.HeaderSize : offset+proto.HeaderSize+blockLen]
		offset += proto.HeaderSize + blockLen
	}
	if b.sinfo.Velocities {
		proto.PutHeader(b.msgdata[offset:], proto.Velocities, b.numCoords)
		vels = b.msgdata[offset+proto.HeaderSize : offset+proto.HeaderSize+blockLen]
		offset += proto.HeaderSize + blockLen
	}
	if b.sinfo.Forces {
		proto.PutHeader(b.msgdata[offset:], proto.Forces, b.numCoords)
		forces = b.msgdata[offset+proto.HeaderSize : offset+proto.HeaderSize+blockLen]
		offset += proto.HeaderSize + blockLen
	}

	// local contributions
	if b.sinfo.Coords {
		b.fillLocalCoords(coords)
	}
	if b.sinfo.Velocities {
		b.fillLocalVecs(vels, b.host.Particles().V)
	}
	if b.sinfo.Forces {
		b.fillLocalVecs(forces, b.host.Particles().F)
	}

	// remote contributions: per rank, post one receive per enabled block,
	// release the sender with a zero-byte token, then scatter in block
	// order. Velocity and force records land in their own staging buffers.
	for r := 1; r < b.nprocs; r++ {
		var reqs []comm.Request
		var staging [][]byte
		var regions [][]byte
		if b.sinfo.Coords {
			reqs = append(reqs, b.comm.Irecv(r, 0, b.coordData))
			staging = append(staging, b.coordData)
			regions = append(regions, coords)
		}
		if b.sinfo.Velocities {
			reqs = append(reqs, b.comm.Irecv(r, 0, b.velData))
			staging = append(staging, b.velData)
			regions = append(regions, vels)
		}
		if b.sinfo.Forces {
			reqs = append(reqs, b.comm.Irecv(r, 0, b.forceData))
			staging = append(staging, b.forceData)
			regions = append(regions, forces)
		}

		if err := b.comm.Send(r, 0, nil); err != nil {
			return err
		}
		for k, req := range reqs {
			n, err := req.Wait()
			if err != nil {
				return err
			}
			b.scatter(regions[k], staging[k][:n])
		}
	}
	return nil
}

// scatter copies packed records into the dense block region at the slot
// the tag index assigns. Records for tags outside the reporting group are
// skipped.
func (b *Bridge) scatter(region, recs []byte) {
	for k := 0; k < len(recs)/recSize; k++ {
		tag, x, y, z := recAt(recs, k)
		j := b.idmap.Lookup(tag)
		if j == tagmap.Absent {
			continue
		}
		putVec(region[12*j:], x, y, z)
	}
}

// fillLocalCoords writes rank 0's own group particles straight into the
// coordinate region, unwrapping through the periodic images when the
// session asks for unwrapped output.
func (b *Bridge) fillLocalCoords(region []byte) {
	p := b.host.Particles()
	gb := b.host.GroupBit()
	for i := range p.Tags {
		if p.Mask[i]&gb == 0 {
			continue
		}
		j := b.idmap.Lookup(p.Tags[i])
		if j == tagmap.Absent {
			continue
		}
		x, y, z := b.outputCoord(i)
		putVec(region[12*j:], x, y, z)
	}
}

// fillLocalVecs writes one of rank 0's own vector fields (velocities or
// forces) into its block region.
func (b *Bridge) fillLocalVecs(region []byte, vecs [][3]float64) {
	p := b.host.Particles()
	gb := b.host.GroupBit()
	for i := range p.Tags {
		if p.Mask[i]&gb == 0 {
			continue
		}
		j := b.idmap.Lookup(p.Tags[i])
		if j == tagmap.Absent {
			continue
		}
		putVec(region[12*j:], float32(vecs[i][0]), float32(vecs[i][1]), float32(vecs[i][2]))
	}
}

// outputCoord produces particle i's coordinate as it should appear on the
// wire: as stored when the session reports wrapped positions, otherwise
// reconstructed into unbounded space from the image flags, with the tilt
// terms for triclinic cells.
func (b *Bridge) outputCoord(i int) (x, y, z float32) {
	p := b.host.Particles()
	cx, cy, cz := p.X[i][0], p.X[i][1], p.X[i][2]
	if b.sinfo.Wrap {
		return float32(cx), float32(cy), float32(cz)
	}

	d := b.host.Domain()
	ix, iy, iz := md.UnpackImage(p.Image[i])
	fx, fy, fz := float64(ix), float64(iy), float64(iz)
	if d.Triclinic {
		cx += fx*d.Xprd + fy*d.XY + fz*d.XZ
		cy += fy*d.Yprd + fz*d.YZ
		cz += fz * d.Zprd
	} else {
		cx += fx * d.Xprd
		cy += fy * d.Yprd
		cz += fz * d.Zprd
	}
	return float32(cx), float32(cy), float32(cz)
}

// sendBlocks packs this rank's group particles and ships one buffer per
// enabled block once rank 0's token arrives. Packing happens up front so
// the send after the token is immediate, the ready-send pattern the
// gather is built around.
func (b *Bridge) sendBlocks(nme int) error {
	p := b.host.Particles()
	gb := b.host.GroupBit()

	if b.sinfo.Coords {
		n := 0
		for i := range p.Tags {
			if p.Mask[i]&gb == 0 {
				continue
			}
			x, y, z := b.outputCoord(i)
			putRec(b.coordData[n*recSize:], p.Tags[i], x, y, z)
			n++
		}
	}
	if b.sinfo.Velocities {
		packVecs(b.velData, p, gb, p.V)
	}
	if b.sinfo.Forces {
		packVecs(b.forceData, p, gb, p.F)
	}

	if _, err := b.comm.Recv(0, 0, nil); err != nil {
		return err
	}
	if b.sinfo.Coords {
		if err := b.comm.Send(0, 0, b.coordData[:nme*recSize]); err != nil {
			return err
		}
	}
	if b.sinfo.Velocities {
		if err := b.comm.Send(0, 0, b.velData[:nme*recSize]); err != nil {
			return err
		}
	}
	if b.sinfo.Forces {
		if err := b.comm.Send(0, 0, b.forceData[:nme*recSize]); err != nil {
			return err
		}
	}
	return nil
}

// packVecs packs one vector field of the group particles as tagged
// records.
func packVecs(dst []byte, p *md.Particles, gb int32, vecs [][3]float64) {
	n := 0
	for i := range p.Tags {
		if p.Mask[i]&gb == 0 {
			continue
		}
		putRec(dst[n*recSize:], p.Tags[i],
			float32(vecs[i][0]), float32(vecs[i][1]), float32(vecs[i][2]))
		n++
	}
}

// ship hands the assembled frame to the writer, or sends it inline when
// the client can take it right now. A client that cannot costs the frame,
// not the step.
func (b *Bridge) ship() {
	if b.w != nil {
		b.w.submit(b.client, b.msgdata)
		return
	}
	if b.client == nil {
		return
	}
	ok, _ := b.client.WriteReady(0)
	if !ok {
		b.log.Debug().Msg("client not ready, frame dropped")
		return
	}
	if err := proto.Writen(b.client, b.msgdata); err != nil {
		b.log.Error().Err(err).Msg("error sending IMD frame")
		b.dropClient("IMD connection error. Run continues.")
	}
}

// packed inter-rank particle records: int64 tag, three float32 components,
// all in host byte order.

func putRec(b []byte, tag int64, x, y, z float32) {
	binary.NativeEndian.PutUint64(b, uint64(tag))
	putVec(b[8:], x, y, z)
}

func recAt(b []byte, k int) (tag int64, x, y, z float32) {
	o := k * recSize
	tag = int64(binary.NativeEndian.Uint64(b[o:]))
	x = proto.Float32(b[o+8:])
	y = proto.Float32(b[o+12:])
	z = proto.Float32(b[o+16:])
	return tag, x, y, z
}

func putVec(b []byte, x, y, z float32) {
	binary.NativeEndian.PutUint32(b, math.Float32bits(x))
	binary.NativeEndian.PutUint32(b[4:], math.Float32bits(y))
	binary.NativeEndian.PutUint32(b[8:], math.Float32bits(z))
}
