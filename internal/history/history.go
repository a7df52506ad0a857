// Package history retains the most recent facts in a fixed-capacity ring.
package history

import (
	"sync"

	"github.com/jack-at-someai/core/internal/metrics"
	"github.com/jack-at-someai/core/internal/types"
)

// DefaultCapacity is used when a non-positive capacity is given
const DefaultCapacity = 10000

// Ring is a bounded, append-only fact log. At capacity the oldest fact
// is evicted.
type Ring struct {
	mu      sync.RWMutex
	buf     []types.Fact
	head    int // index of the oldest fact
	size    int
	total   uint64
	evicted uint64
}

// New creates a ring holding up to capacity facts
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]types.Fact, capacity)}
}

// Append stores a fact, evicting the oldest at capacity
func (r *Ring) Append(f types.Fact) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = f
		r.size++
		metrics.HistorySize.Set(float64(r.size))
		return
	}

	r.buf[r.head] = f
	r.head = (r.head + 1) % len(r.buf)
	r.evicted++
	metrics.HistoryEvicted.Inc()
}

// All returns the retained facts, oldest first
func (r *Ring) All() []types.Fact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Fact, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Filter returns the retained facts for which keep reports true, oldest first
func (r *Ring) Filter(keep func(types.Fact) bool) []types.Fact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Fact
	for i := 0; i < r.size; i++ {
		f := r.buf[(r.head+i)%len(r.buf)]
		if keep(f) {
			out = append(out, f)
		}
	}
	return out
}

// Len returns the number of retained facts
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the ring capacity
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Total returns the number of facts ever appended
func (r *Ring) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Evicted returns the number of facts dropped at capacity
func (r *Ring) Evicted() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted
}

// Reset drops all retained facts. Counters are kept.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.buf {
		r.buf[i] = nil
	}
	r.head = 0
	r.size = 0
	metrics.HistorySize.Set(0)
}
