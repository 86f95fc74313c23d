package goimd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerDropsWithoutClient(t *testing.T) {
	w := newIOWorker(32)
	w.submit(nil, []byte("frame"))

	assert.Eventually(t, func() bool { return w.dropped.Load() == 1 },
		2*time.Second, time.Millisecond)
	w.stop()
}

// A frame submitted while the slot is still full is discarded, never
// queued.
func TestWorkerSingleSlot(t *testing.T) {
	w := newIOWorker(32)

	// jam the slot without waking the worker
	w.mu.Lock()
	w.state = bufReady
	w.mu.Unlock()

	w.submit(nil, []byte("late frame"))
	assert.GreaterOrEqual(t, w.dropped.Load(), int64(1))

	w.stop()
}

func TestWorkerStops(t *testing.T) {
	w := newIOWorker(8)
	done := make(chan struct{})
	go func() {
		w.stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
