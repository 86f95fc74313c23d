package comm

import (
	"fmt"
	"sync"
)

// queueDepth bounds how many undelivered messages one sender may park at a
// receiver. Three data blocks plus a token is the protocol's worst case;
// sixteen leaves slack.
const queueDepth = 16

type message struct {
	tag  int
	data []byte
}

// group is the shared state behind a set of Local ranks living in one
// process, one goroutine per rank.
type group struct {
	size int
	p2p  [][]chan message // p2p[dst][src]
	bc   []chan []byte    // per-rank broadcast delivery

	mu     sync.Mutex
	cond   *sync.Cond
	vals   []int
	result int
	gen    int
}

// Local is one rank of an in-process group. It satisfies Comm with
// channel-backed point-to-point queues and a condition-variable barrier
// for reductions.
type Local struct {
	g    *group
	rank int
}

// NewLocalGroup creates an n-rank in-process communicator and returns one
// handle per rank. Each rank must be driven from its own goroutine.
func NewLocalGroup(n int) []*Local {
	g := &group{size: n}
	g.cond = sync.NewCond(&g.mu)
	g.p2p = make([][]chan message, n)
	g.bc = make([]chan []byte, n)
	for dst := 0; dst < n; dst++ {
		g.p2p[dst] = make([]chan message, n)
		for src := 0; src < n; src++ {
			g.p2p[dst][src] = make(chan message, queueDepth)
		}
		g.bc[dst] = make(chan []byte, queueDepth)
	}

	ranks := make([]*Local, n)
	for i := range ranks {
		ranks[i] = &Local{g: g, rank: i}
	}
	return ranks
}

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return l.g.size }

func (l *Local) Send(dst, tag int, p []byte) error {
	if dst < 0 || dst >= l.g.size {
		return fmt.Errorf("send to invalid rank %d", dst)
	}
	l.g.p2p[dst][l.rank] <- message{tag: tag, data: clone(p)}
	return nil
}

func (l *Local) Recv(src, tag int, p []byte) (int, error) {
	if src < 0 || src >= l.g.size {
		return 0, fmt.Errorf("recv from invalid rank %d", src)
	}
	m := <-l.g.p2p[l.rank][src]
	if m.tag != tag {
		return 0, fmt.Errorf("recv tag mismatch: want %d, got %d", tag, m.tag)
	}
	if len(m.data) > len(p) {
		return 0, fmt.Errorf("recv buffer too small: %d < %d", len(p), len(m.data))
	}
	copy(p, m.data)
	return len(m.data), nil
}

type lazyRecv struct {
	l        *Local
	src, tag int
	p        []byte
}

func (r *lazyRecv) Wait() (int, error) { return r.l.Recv(r.src, r.tag, r.p) }

// Irecv completes lazily on Wait. The queues are buffered deeply enough
// that a sender released by a synchronization token never blocks, which is
// all the ready-send handoff needs.
func (l *Local) Irecv(src, tag int, p []byte) Request {
	return &lazyRecv{l: l, src: src, tag: tag, p: p}
}

func (l *Local) Bcast(root int, p []byte) error {
	if l.g.size == 1 {
		return nil
	}
	if l.rank == root {
		for r := 0; r < l.g.size; r++ {
			if r != root {
				l.g.bc[r] <- clone(p)
			}
		}
		return nil
	}
	d := <-l.g.bc[l.rank]
	if len(d) != len(p) {
		return fmt.Errorf("bcast length mismatch: want %d, got %d", len(p), len(d))
	}
	copy(p, d)
	return nil
}

func (l *Local) AllreduceMaxInt(v int) (int, error) {
	return l.allreduce(v, func(a, b int) int {
		if a > b {
			return a
		}
		return b
	}), nil
}

func (l *Local) AllreduceSumInt(v int) (int, error) {
	return l.allreduce(v, func(a, b int) int { return a + b }), nil
}

// allreduce is a generation-counted barrier: the last rank in combines the
// contributions and wakes everyone. A rank can only enter the next round
// after every rank has left the current one, so the stored result is never
// clobbered early.
func (l *Local) allreduce(v int, f func(a, b int) int) int {
	g := l.g
	if g.size == 1 {
		return v
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	gen := g.gen
	g.vals = append(g.vals, v)
	if len(g.vals) == g.size {
		acc := g.vals[0]
		for _, x := range g.vals[1:] {
			acc = f(acc, x)
		}
		g.result = acc
		g.vals = g.vals[:0]
		g.gen++
		g.cond.Broadcast()
		return acc
	}
	for g.gen == gen {
		g.cond.Wait()
	}
	return g.result
}

func clone(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	d := make([]byte, len(p))
	copy(d, p)
	return d
}
