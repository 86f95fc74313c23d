package goimd

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/kbuchner/goimd/proto"
	"github.com/kbuchner/goimd/sock"
)

// Writer slot states. One frame fits in the slot at a time; a frame
// arriving while the slot is full is dropped, never queued, so a slow
// client can stall at most one transmission behind the simulation.
const (
	bufIdle = iota
	bufReady
	bufShutdown
)

// ioWorker ships assembled frames from a dedicated goroutine so the MD
// loop never blocks on the network. It lives only on rank 0, next to the
// sockets. The handoff is a single-slot rendezvous: submit copies the
// frame into the slot and signals; the worker drains the slot and goes
// back to sleep.
type ioWorker struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state int
	buf   []byte
	n     int
	cl    *sock.Endpoint
	done  chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
}

func newIOWorker(bufSize int) *ioWorker {
	w := &ioWorker{
		buf:  make([]byte, bufSize),
		done: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *ioWorker) run() {
	w.mu.Lock()
	for {
		switch w.state {
		case bufShutdown:
			w.state = bufIdle
			w.mu.Unlock()
			close(w.done)
			return

		case bufReady:
			cl := w.cl
			sent := false
			if cl != nil {
				if ok, _ := cl.WriteReady(0); ok {
					sent = proto.Writen(cl, w.buf[:w.n]) == nil
				}
			}
			if sent {
				w.sent.Inc()
			} else {
				w.dropped.Inc()
			}
			w.state = bufIdle

		default:
			w.cond.Wait()
		}
	}
}

// submit offers one frame for shipment to the given client. If the slot
// still holds the previous frame, this one is dropped.
func (w *ioWorker) submit(cl *sock.Endpoint, frame []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != bufIdle {
		w.dropped.Inc()
		return
	}
	w.n = copy(w.buf, frame)
	w.cl = cl
	w.state = bufReady
	w.cond.Signal()
}

// stop shuts the worker down and waits for it to exit.
func (w *ioWorker) stop() {
	w.mu.Lock()
	w.state = bufShutdown
	w.cond.Signal()
	w.mu.Unlock()
	<-w.done
}

// FramesSent reports how many frames the async writer put on the wire.
// Zero when the bridge runs synchronous I/O.
func (b *Bridge) FramesSent() int64 {
	if b.w == nil {
		return 0
	}
	return b.w.sent.Load()
}

// FramesDropped reports how many frames the async writer discarded
// because the slot was full or the client could not take them.
func (b *Bridge) FramesDropped() int64 {
	if b.w == nil {
		return 0
	}
	return b.w.dropped.Load()
}
