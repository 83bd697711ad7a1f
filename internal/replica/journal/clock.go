package journal

import (
	"sync"
	"time"
)

// Clock is a hybrid logical timestamp. Clocks are totally ordered by
// (Time, Peer); Time is in microseconds.
type Clock struct {
	Time int64  `json:"t"`
	Peer string `json:"p"`
}

// After reports whether c is ordered after o.
func (c Clock) After(o Clock) bool {
	if c.Time != o.Time {
		return c.Time > o.Time
	}
	return c.Peer > o.Peer
}

// IsZero reports whether the clock is unset.
func (c Clock) IsZero() bool {
	return c.Time == 0 && c.Peer == ""
}

// HLC issues strictly increasing clocks for one peer.
//
// Thread-safety: HLC is safe for concurrent use.
type HLC struct {
	mu   sync.Mutex
	peer string
	last int64
	now  func() time.Time
}

// NewHLC creates a clock for peer.
func NewHLC(peer string) *HLC {
	return &HLC{peer: peer, now: time.Now}
}

// Peer returns the peer ID stamped on every clock.
func (h *HLC) Peer() string {
	return h.peer
}

// Now returns a clock after every clock previously issued or observed.
func (h *HLC) Now() Clock {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.now().UnixMicro()
	if t <= h.last {
		t = h.last + 1
	}
	h.last = t
	return Clock{Time: t, Peer: h.peer}
}

// Observe folds in a clock seen from another peer so later local writes
// order after it.
func (h *HLC) Observe(c Clock) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.Time > h.last {
		h.last = c.Time
	}
}
