// Package emitter delivers bus messages to external subscribers: WebSocket
// clients, an MQTT broker and a Redis stream.
package emitter

import (
	"encoding/json"
	"time"

	"github.com/jack-at-someai/core/internal/bus"
	"github.com/jack-at-someai/core/internal/krf"
)

// Envelope is the JSON shape shared by every transport. Facts carry their
// KRF rendering; events leave it empty.
type Envelope struct {
	Type      string      `json:"type"`
	Seq       uint64      `json:"seq,omitempty"`
	KRF       string      `json:"krf,omitempty"`
	Timestamp float64     `json:"timestamp"` // unix seconds, millisecond precision
	Data      interface{} `json:"data,omitempty"`
}

// NewEnvelope converts a bus message
func NewEnvelope(msg bus.Message) Envelope {
	env := Envelope{
		Type:      msg.Type,
		Seq:       msg.Seq,
		Timestamp: unixSeconds(msg.Timestamp),
	}
	if msg.IsFact() {
		env.KRF = krf.Encode(msg.Fact)
		env.Data = msg.Fact
	} else {
		env.Data = msg.Event
	}
	return env
}

// EventEnvelope builds an envelope for a message that never went through
// the bus, e.g. STATE_SYNC for a single client
func EventEnvelope(eventType string, data interface{}) Envelope {
	return Envelope{
		Type:      eventType,
		Timestamp: unixSeconds(time.Now()),
		Data:      data,
	}
}

// JSON encodes the envelope
func (e Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
