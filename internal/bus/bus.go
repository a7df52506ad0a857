// Package bus fans messages out to subscribers without ever blocking the
// publisher. A subscriber whose queue is full misses the message; others
// are unaffected.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jack-at-someai/core/internal/metrics"
)

type subscriber struct {
	id    string
	ch    chan<- Message
	stats SubscriberStats

	delivered prometheus.Counter
	dropped   prometheus.Counter
}

// Bus distributes messages to subscriber channels
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	seq            uint64
	totalPublished uint64
	closed         bool
}

// New creates a bus
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers a channel. Messages are sent without blocking; size
// the channel buffer for the subscriber's expected lag.
func (b *Bus) Subscribe(id string, ch chan<- Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	if ch == nil {
		return ErrNilChannel
	}

	b.subscribers[id] = &subscriber{
		id:        id,
		ch:        ch,
		delivered: metrics.BusDelivered.WithLabelValues(id),
		dropped:   metrics.BusDropped.WithLabelValues(id),
	}
	return nil
}

// Unsubscribe removes a subscriber. Its channel is not closed.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	metrics.BusDelivered.DeleteLabelValues(id)
	metrics.BusDropped.DeleteLabelValues(id)
	return nil
}

// Publish distributes msg to all subscribers and returns the assigned
// sequence number. It never blocks.
func (b *Bus) Publish(msg Message) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}

	msg.Seq = atomic.AddUint64(&b.seq, 1)
	atomic.AddUint64(&b.totalPublished, 1)

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- msg:
			atomic.AddUint64(&sub.stats.Sent, 1)
			sub.delivered.Inc()
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
			sub.dropped.Inc()
		}
	}
	return msg.Seq
}

// Stats returns statistics for a subscriber
func (b *Bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, nil
}

// Subscribers returns the number of registered subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// TotalPublished returns the number of messages published
func (b *Bus) TotalPublished() uint64 {
	return atomic.LoadUint64(&b.totalPublished)
}

// Close shuts down the bus. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.subscribers = nil
}
