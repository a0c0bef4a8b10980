package core

import (
	"sync"
	"time"
)

// DefaultProgressBuffer is the per-subscriber channel capacity.
const DefaultProgressBuffer = 16

// ProgressHub fans progress snapshots out to subscribers. Delivery is best
// effort: a subscriber that falls behind loses its oldest pending snapshot,
// never the newest. Current gives the latest snapshot for catch-up.
type ProgressHub struct {
	mu      sync.Mutex
	buffer  int
	seq     uint64
	current ImportProgress
	has     bool
	subs    map[int]chan ImportProgress
	nextID  int
	closed  bool
}

// NewProgressHub returns a hub whose subscribers buffer up to buffer
// snapshots.
func NewProgressHub(buffer int) *ProgressHub {
	if buffer <= 0 {
		buffer = DefaultProgressBuffer
	}
	return &ProgressHub{buffer: buffer, subs: make(map[int]chan ImportProgress)}
}

// Publish stamps p with the next sequence number and delivers it. It never
// blocks. Publishing to a closed hub only updates Current.
func (h *ProgressHub) Publish(p ImportProgress) ImportProgress {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	p.Seq = h.seq
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	p.Errors = append([]RecordFailure(nil), p.Errors...)
	h.current = p
	h.has = true

	if h.closed {
		return p
	}
	for _, ch := range h.subs {
		deliver(ch, p)
	}
	return p
}

func deliver(ch chan ImportProgress, p ImportProgress) {
	select {
	case ch <- p:
		return
	default:
	}
	// Full: drop the oldest pending snapshot.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}

// Current returns the latest snapshot, if any was published.
func (h *ProgressHub) Current() (ImportProgress, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, h.has
}

// Subscribe returns a channel that first receives the current snapshot (if
// any) and then every later one. The channel is closed by unsubscribe or
// when the hub closes.
func (h *ProgressHub) Subscribe() (<-chan ImportProgress, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan ImportProgress, h.buffer)
	if h.has {
		ch <- h.current
	}
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of open subscriptions.
func (h *ProgressHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later subscribers receive the
// final snapshot on an already closed channel.
func (h *ProgressHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
