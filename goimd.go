/*package goimd embeds an interactive molecular dynamics (IMD) server in a
parallel MD simulation. A visualizer client connects over TCP, receives
frames of the running system every few steps, and can steer it by sending
per-particle forces back.

The bridge is collective: every rank constructs one Bridge over the shared
communicator and invokes the same hooks each step, but only rank 0 owns
sockets. Per-particle data is funneled to rank 0 for frame assembly and
steering forces are broadcast out, keyed by a canonical tag ordering built
once at setup, so the on-wire particle order never depends on how the
simulation is partitioned.

The host integrator drives three hooks: Setup once before the run,
PostForce after each force evaluation, and EndOfStep after each
integration step.
*/
package goimd

import (
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/kbuchner/goimd/comm"
	"github.com/kbuchner/goimd/md"
	"github.com/kbuchner/goimd/proto"
	"github.com/kbuchner/goimd/sock"
	"github.com/kbuchner/goimd/tagmap"
)

// Host is the surface the embedding simulation exposes to the bridge: read
// access to this rank's particles and cell, additive write access to the
// force array (through Particles), and the run clock.
type Host interface {
	Particles() *md.Particles
	Domain() *md.Domain
	GroupBit() int32
	TimeStep() float64
	Time() float64
	Step() int64
}

// recSize is the packed wire size of one inter-rank particle record: a
// 64-bit tag followed by three float32 components.
const recSize = 20

// acceptWindow is how long one blocking wait for a client polls before
// looping again; the loop itself never gives up.
const acceptWindow = 60 * time.Second

// goWindow is how long the handshake waits for the client's GO packet.
const goWindow = time.Second

// pausePoll bounds each readiness probe while the client holds the
// simulation paused.
const pausePoll = 100 * time.Millisecond

// Bridge is one rank's half of an IMD session. All hook methods are
// collective: every rank must call them in the same order.
type Bridge struct {
	log  zerolog.Logger
	host Host
	comm comm.Comm

	me     int
	nprocs int

	opts  Options
	sinfo proto.Session
	trate int

	numCoords int32
	msglen    int
	msgdata   []byte

	idmap    *tagmap.Map
	revIDMap []int64

	listen *sock.Endpoint
	client *sock.Endpoint

	inactive   bool
	terminate  bool
	connectMsg bool

	// held steering forces, packed records, replaced wholesale by each
	// MDCOMM and broadcast to all ranks
	imdForces int
	forceBuf  []byte

	// per-rank staging buffers for the gather, maxbuf bytes each
	maxbuf    int
	tagData   []byte
	coordData []byte
	velData   []byte
	forceData []byte

	w *ioWorker
}

// New validates the options, sizes the outbound frame buffer, and opens
// the listening socket on rank 0. It must be called collectively; a bind
// failure on rank 0 fails every rank.
func New(host Host, c comm.Comm, opts Options, log zerolog.Logger) (*Bridge, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	b := &Bridge{
		log:        log.With().Str("component", "imd").Logger(),
		host:       host,
		comm:       c,
		me:         c.Rank(),
		nprocs:     c.Size(),
		opts:       opts,
		sinfo:      opts.session(),
		trate:      opts.Trate,
		connectMsg: true,
	}

	total, err := c.AllreduceSumInt(groupCount(host))
	if err != nil {
		return nil, err
	}
	if total > math.MaxInt32 {
		return nil, fmt.Errorf("too many particles in reporting group: %d", total)
	}
	b.numCoords = int32(total)
	b.msglen = frameSize(b.sinfo, b.numCoords)
	b.msgdata = make([]byte, b.msglen)

	failed := 0
	if b.me == 0 {
		if err := b.openListener(); err != nil {
			b.log.Error().Err(err).Int("port", opts.Port).
				Msg("bind to socket failed")
			failed = 1
		}
	}
	failed, err = comm.BcastInt(c, 0, failed)
	if err != nil {
		return nil, err
	}
	if failed != 0 {
		return nil, fmt.Errorf("imd: cannot listen on port %d", opts.Port)
	}

	if opts.Async && b.me == 0 {
		b.w = newIOWorker(len(b.msgdata))
	}
	return b, nil
}

func (b *Bridge) openListener() error {
	sock.Init()
	ls, err := sock.Create()
	if err != nil {
		return err
	}
	if err := ls.Bind(b.opts.Port); err != nil {
		ls.Close()
		return err
	}
	if err := ls.Listen(); err != nil {
		ls.Close()
		return err
	}
	b.listen = ls
	return nil
}

// Port reports the port rank 0 is listening on, which differs from the
// configured one only when port 0 requested an ephemeral port.
func (b *Bridge) Port() int {
	if b.listen == nil {
		return 0
	}
	port, err := b.listen.Port()
	if err != nil {
		return 0
	}
	return port
}

// NumCoords reports the size of the reporting group.
func (b *Bridge) NumCoords() int32 { return b.numCoords }

// MemoryUsage approximates this rank's buffer footprint in bytes.
func (b *Bridge) MemoryUsage() float64 {
	return float64(int(b.numCoords)+b.maxbuf+b.imdForces) * recSize
}

// Setup sizes the staging buffers, waits for the first client (unless
// nowait), and builds the canonical tag index. Collective.
func (b *Bridge) Setup() error {
	nme := groupCount(b.host)
	nmax, err := b.comm.AllreduceMaxInt(nme)
	if err != nil {
		return err
	}
	b.growStaging(nmax * recSize)

	b.connectMsg = true
	b.reconnect()
	if err := b.syncConnState("imd connection setup failed"); err != nil {
		return err
	}
	return b.buildTagIndex()
}

// growStaging (re)allocates the per-rank gather buffers when the largest
// per-rank group share grew past their current capacity.
func (b *Bridge) growStaging(maxbuf int) {
	if maxbuf <= b.maxbuf && b.tagData != nil {
		return
	}
	b.maxbuf = maxbuf
	b.tagData = make([]byte, maxbuf)
	if b.sinfo.Coords {
		b.coordData = make([]byte, maxbuf)
	}
	if b.sinfo.Velocities {
		b.velData = make([]byte, maxbuf)
	}
	if b.sinfo.Forces {
		b.forceData = make([]byte, maxbuf)
	}
}

// reconnect tries to (re-)acquire a client on rank 0: accept, protocol
// handshake, and the client's GO. Without nowait it blocks until a client
// shows up. Failures mark the bridge terminated; nowait misses mark it
// inactive. Non-root ranks only reset the shared flags, which the next
// broadcast overwrites.
func (b *Bridge) reconnect() {
	b.inactive = false
	b.terminate = false
	if b.me != 0 || b.client != nil {
		return
	}

	if b.connectMsg {
		if b.opts.Nowait {
			b.log.Info().Int("port", b.Port()).Int("trate", b.trate).
				Msg("Listening for IMD connection")
		} else {
			b.log.Info().Int("port", b.Port()).Int("trate", b.trate).
				Msg("Waiting for IMD connection")
		}
	}
	b.connectMsg = false

	if b.opts.Nowait {
		ok, err := b.listen.ReadReady(0)
		if err != nil || !ok {
			b.inactive = true
			return
		}
	} else {
		for {
			ok, err := b.listen.ReadReady(acceptWindow)
			if err != nil {
				b.log.Error().Err(err).Msg("IMD accept poll error. Dropping connection.")
				b.terminate = true
				return
			}
			if ok {
				break
			}
		}
	}

	cl, err := b.listen.Accept()
	if err != nil {
		b.log.Error().Err(err).Msg("IMD socket accept error. Dropping connection.")
		b.terminate = true
		return
	}

	if err := b.handshake(cl); err != nil {
		b.log.Error().Err(err).Msg("IMD handshake error. Dropping connection.")
		cl.Close()
		b.terminate = true
		return
	}
	b.client = cl
}

// handshake runs the version exchange and waits for the client's GO.
func (b *Bridge) handshake(cl *sock.Endpoint) error {
	var err error
	if b.opts.Version == 2 {
		err = proto.HandshakeV2(cl)
	} else {
		err = proto.HandshakeV3(cl, b.sinfo)
	}
	if err != nil {
		return err
	}

	ok, err := cl.ReadReady(goWindow)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("timed out waiting for GO")
	}
	h, err := proto.ReadHeader(cl)
	if err != nil {
		return err
	}
	if h.Type != proto.Go {
		return fmt.Errorf("expected GO, got %v (incompatible IMD client version?)", h.Type)
	}
	return nil
}

// syncConnState distributes the rank-0 connection flags. It returns an
// error carrying msg on every rank when the session is terminated.
func (b *Bridge) syncConnState(msg string) error {
	v, err := comm.BcastInt(b.comm, 0, boolInt(b.inactive))
	if err != nil {
		return err
	}
	b.inactive = v != 0

	v, err = comm.BcastInt(b.comm, 0, boolInt(b.terminate))
	if err != nil {
		return err
	}
	b.terminate = v != 0
	if b.terminate {
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// buildTagIndex assembles the canonical tag -> dense index map on rank 0.
// Each remote rank packs its group tags and ships them after rank 0's
// ready token; rank 0 sorts the combined list so the assignment only
// depends on the tag set, never on the partitioning.
func (b *Bridge) buildTagIndex() error {
	p := b.host.Particles()
	gb := b.host.GroupBit()

	if b.me != 0 {
		nme := 0
		for i := range p.Tags {
			if p.Mask[i]&gb != 0 {
				putRec(b.tagData[nme*recSize:], p.Tags[i], 0, 0, 0)
				nme++
			}
		}
		if _, err := b.comm.Recv(0, 0, nil); err != nil {
			return err
		}
		return b.comm.Send(0, 0, b.tagData[:nme*recSize])
	}

	taglist := make([]int64, 0, b.numCoords)
	for i := range p.Tags {
		if p.Mask[i]&gb != 0 {
			taglist = append(taglist, p.Tags[i])
		}
	}
	for r := 1; r < b.nprocs; r++ {
		req := b.comm.Irecv(r, 0, b.tagData)
		if err := b.comm.Send(r, 0, nil); err != nil {
			return err
		}
		n, err := req.Wait()
		if err != nil {
			return err
		}
		for k := 0; k < n/recSize; k++ {
			tag, _, _, _ := recAt(b.tagData, k)
			taglist = append(taglist, tag)
		}
	}
	if len(taglist) != int(b.numCoords) {
		return fmt.Errorf(
			"tag gather mismatch: have %d tags, expected %d",
			len(taglist), b.numCoords,
		)
	}

	tagmap.Sort(taglist)
	m := tagmap.New(int64(b.numCoords))
	for i, tag := range taglist {
		if m.Insert(tag, int64(i)) != tagmap.Absent {
			return fmt.Errorf("duplicate particle tag %d in reporting group", tag)
		}
	}
	b.idmap = m
	b.revIDMap = m.Keys()
	return nil
}

// PostForce is invoked by the host after each force evaluation. Under v2
// it drains the client, emits due frames, and applies steering; under v3
// it only drains and steers, leaving emission to EndOfStep. Collective.
func (b *Bridge) PostForce() error {
	if b.opts.Version == 2 {
		return b.stepV2()
	}
	return b.clientInputV3()
}

// PostForceRespa gates PostForce to the outermost RESPA level.
func (b *Bridge) PostForceRespa(level, nlevels int) error {
	if level == nlevels-1 {
		return b.PostForce()
	}
	return nil
}

// EndOfStep emits the v3 frame on steps divisible by the transmission
// rate. Collective.
func (b *Bridge) EndOfStep() error {
	if b.opts.Version != 3 {
		return nil
	}
	if b.inactive || b.host.Step()%int64(b.trate) != 0 {
		return nil
	}
	return b.emitFrame()
}

// Close tears the bridge down: the async writer first, then both sockets.
func (b *Bridge) Close() error {
	var errs *multierror.Error
	if b.w != nil {
		b.w.stop()
		b.w = nil
	}
	if b.client != nil {
		b.client.Shutdown()
		errs = multierror.Append(errs, b.client.Close())
		b.client = nil
	}
	if b.listen != nil {
		errs = multierror.Append(errs, b.listen.Close())
		b.listen = nil
	}
	return errs.ErrorOrNil()
}

// groupCount counts this rank's particles in the reporting group.
func groupCount(h Host) int {
	p := h.Particles()
	gb := h.GroupBit()
	n := 0
	for i := range p.Tags {
		if p.Mask[i]&gb != 0 {
			n++
		}
	}
	return n
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
