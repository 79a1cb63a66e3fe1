package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrDeliveryTimeout resolves a tracked message whose delivery confirmation
// never arrived.
var ErrDeliveryTimeout = errors.New("chat: message delivery timed out")

// deliveryTracker maps outbound message IDs to pending results. Each entry
// resolves exactly once: the delivery envelope and the timeout race, and
// whichever removes the entry first wins.
type deliveryTracker struct {
	clock   clock.Clock
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingDelivery
}

type pendingDelivery struct {
	done  chan error
	timer *clock.Timer
}

func newDeliveryTracker(clk clock.Clock, timeout time.Duration) *deliveryTracker {
	return &deliveryTracker{
		clock:   clk,
		timeout: timeout,
		pending: make(map[string]*pendingDelivery),
	}
}

// track registers a message ID and arms its timeout. The returned channel
// receives exactly one result.
func (t *deliveryTracker) track(id string) <-chan error {
	p := &pendingDelivery{done: make(chan error, 1)}
	t.mu.Lock()
	t.pending[id] = p
	t.mu.Unlock()

	p.timer = t.clock.AfterFunc(t.timeout, func() {
		t.resolve(id, ErrDeliveryTimeout)
	})
	return p.done
}

// resolve completes a tracked message. Remove-then-act: the entry is taken
// out of the map first, so the losing side of the delivery/timeout race
// finds nothing and is a no-op.
func (t *deliveryTracker) resolve(id string, result error) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- result
	close(p.done)
	return true
}

// size reports the number of unresolved messages.
func (t *deliveryTracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
