package bus

import (
	"errors"
	"time"

	"github.com/jack-at-someai/core/internal/types"
)

var (
	ErrBusClosed          = errors.New("bus: bus is closed")
	ErrSubscriberExists   = errors.New("bus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("bus: subscriber not found")
	ErrNilChannel         = errors.New("bus: nil channel provided")
)

// Message is one unit of fan-out: either a fact or a named event
type Message struct {
	// Seq is assigned by the bus, increasing in publish order
	Seq uint64
	// Type is the fact kind (NODE, SIGNAL, ...) or the event name (MEETING_STARTED, ...)
	Type string
	// Fact is set for fact messages
	Fact types.Fact
	// Event carries the payload of non-fact messages
	Event interface{}
	// Timestamp is the fact timestamp, or publish time for events
	Timestamp time.Time
}

// FactMessage wraps a fact
func FactMessage(f types.Fact) Message {
	return Message{Type: f.Kind().String(), Fact: f, Timestamp: f.Timestamp()}
}

// EventMessage wraps a named event
func EventMessage(name string, data interface{}) Message {
	return Message{Type: name, Event: data, Timestamp: time.Now()}
}

// IsFact reports whether the message carries a fact
func (m Message) IsFact() bool {
	return m.Fact != nil
}

// SubscriberStats tracks distribution metrics for one subscriber
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}
