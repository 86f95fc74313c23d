package goimd

import (
	"fmt"

	"github.com/kbuchner/goimd/comm"
	"github.com/kbuchner/goimd/proto"
)

// stepV2 is the combined per-step path of protocol v2: drain the client,
// synchronize rank state, then either apply held steering forces or, on
// transmission steps, gather and ship a coordinate frame.
func (b *Bridge) stepV2() error {
	if b.inactive {
		skip, err := b.checkReconnect()
		if err != nil || skip {
			return err
		}
	}

	if b.me == 0 {
		b.drainClient()
	}
	if err := b.syncRun(); err != nil {
		return err
	}

	if b.host.Step()%int64(b.trate) != 0 {
		if b.imdForces > 0 {
			b.applyForces()
		}
		return nil
	}
	return b.emitFrame()
}

// clientInputV3 is the per-step input path of protocol v3: drain,
// synchronize, steer. Frame emission lives in EndOfStep.
func (b *Bridge) clientInputV3() error {
	if b.inactive {
		skip, err := b.checkReconnect()
		if err != nil || skip {
			return err
		}
	}

	if b.me == 0 {
		b.drainClient()
	}
	if err := b.syncRun(); err != nil {
		return err
	}

	if b.imdForces > 0 {
		b.applyForces()
	}
	return nil
}

// checkReconnect polls for a returning client while the bridge is
// inactive. It reports skip=true when there is still no client and the
// step should do nothing.
func (b *Bridge) checkReconnect() (skip bool, err error) {
	b.reconnect()
	if err := b.syncConnState("imd connection setup failed"); err != nil {
		return false, err
	}
	return b.inactive, nil
}

// drainClient processes every pending client message on rank 0. While the
// client holds the session paused the loop keeps blocking here, which is
// what freezes the integrator; everything stays local to rank 0 until the
// following syncRun.
func (b *Bridge) drainClient() {
	paused := false
	for {
		if paused {
			ok, _ := b.client.ReadReady(pausePoll)
			if !ok {
				continue
			}
		} else {
			ok, _ := b.client.ReadReady(0)
			if !ok {
				break
			}
		}
		if b.inactive {
			break
		}

		h, err := proto.ReadHeader(b.client)
		if err != nil {
			h = proto.Header{Type: proto.IOError}
		}

		switch h.Type {
		case proto.Disconnect:
			paused = false
			b.dropClient("IMD client detached. Run continues.")

		case proto.IOError:
			paused = false
			b.dropClient("IMD connection error. Run continues.")

		case proto.Kill:
			b.log.Info().Msg("IMD client requested termination of run.")
			paused = false
			b.inactive = true
			b.terminate = true
			b.client.Close()
			b.client = nil

		case proto.Pause:
			if b.opts.Version == 2 {
				paused = !paused
				if paused {
					b.log.Info().Msg("Pausing run on IMD client request.")
				} else {
					b.log.Info().Msg("Continuing run on IMD client request.")
				}
			} else if !paused {
				// idempotent under v3
				b.log.Info().Msg("Pausing run on IMD client request.")
				paused = true
			}

		case proto.Resume:
			if b.opts.Version != 3 {
				b.logUnhandled(h)
			} else if paused {
				// idempotent under v3
				b.log.Info().Msg("Continuing run on IMD client request.")
				paused = false
			}

		case proto.TRate:
			if h.Length > 0 {
				b.trate = int(h.Length)
			}
			b.log.Info().Int("trate", b.trate).
				Msg("IMD client requested change of transfer rate")

		case proto.MDComm:
			b.recvMDComm(h.Length)

		default:
			b.logUnhandled(h)
		}
	}
}

func (b *Bridge) logUnhandled(h proto.Header) {
	b.log.Warn().Stringer("type", h.Type).Int32("length", h.Length).
		Msg("unhandled incoming IMD message")
}

// dropClient closes the client socket, forgets held steering forces, and
// immediately tries for a replacement the way a DISCONNECT does.
func (b *Bridge) dropClient(msg string) {
	b.imdForces = 0
	b.forceBuf = nil
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	b.log.Info().Msg(msg)

	b.connectMsg = true
	b.reconnect()
	if b.terminate {
		b.inactive = true
	}
}

// recvMDComm reads one MDCOMM body and replaces the held force records,
// translating the client's dense frame indices back to particle tags.
func (b *Bridge) recvMDComm(n int32) {
	if n < 0 {
		n = 0
	}
	indices := make([]int32, n)
	fdat := make([]float32, 3*n)
	if err := proto.ReadMDComm(b.client, n, indices, fdat); err != nil {
		b.log.Error().Err(err).Msg("error reading IMD forces")
		b.dropClient("IMD connection error. Run continues.")
		return
	}

	if need := int(n) * recSize; need > len(b.forceBuf) {
		b.forceBuf = make([]byte, need)
	}
	for i := 0; i < int(n); i++ {
		tag := int64(-1)
		if j := int(indices[i]); j >= 0 && j < len(b.revIDMap) {
			tag = b.revIDMap[j]
		}
		putRec(b.forceBuf[i*recSize:], tag, fdat[3*i], fdat[3*i+1], fdat[3*i+2])
	}
	b.imdForces = int(n)
}

// syncRun distributes everything rank 0 decided while draining: the
// transmission rate, activity and termination flags, and the steering
// force records. These broadcasts are the per-step synchronization points;
// every rank must reach them together.
func (b *Bridge) syncRun() error {
	var err error
	if b.trate, err = comm.BcastInt(b.comm, 0, b.trate); err != nil {
		return err
	}

	v, err := comm.BcastInt(b.comm, 0, boolInt(b.inactive))
	if err != nil {
		return err
	}
	b.inactive = v != 0

	if b.imdForces, err = comm.BcastInt(b.comm, 0, b.imdForces); err != nil {
		return err
	}

	v, err = comm.BcastInt(b.comm, 0, boolInt(b.terminate))
	if err != nil {
		return err
	}
	b.terminate = v != 0
	if b.terminate {
		return fmt.Errorf("run terminated on IMD request")
	}

	if b.imdForces > 0 {
		need := b.imdForces * recSize
		if b.me != 0 && need > len(b.forceBuf) {
			b.forceBuf = make([]byte, need)
		}
		if err := b.comm.Bcast(0, b.forceBuf[:need]); err != nil {
			return err
		}
	}
	return nil
}

// applyForces adds the held steering forces onto this rank's particles.
// The scan is O(held forces x local particles); the steered set is
// expected to stay tiny next to the system size.
func (b *Bridge) applyForces() {
	p := b.host.Particles()
	gb := b.host.GroupBit()

	for j := 0; j < b.imdForces; j++ {
		tag, fx, fy, fz := recAt(b.forceBuf, j)
		for i := range p.Tags {
			if p.Mask[i]&gb != 0 && p.Tags[i] == tag {
				p.F[i][0] += b.opts.Fscale * float64(fx)
				p.F[i][1] += b.opts.Fscale * float64(fy)
				p.F[i][2] += b.opts.Fscale * float64(fz)
			}
		}
	}
}
