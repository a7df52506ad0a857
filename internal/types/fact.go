package types

import (
	"fmt"
	"time"
)

// Kind discriminates the variants of Fact
type Kind int

const (
	KindNode Kind = iota
	KindEdge
	KindMetric
	KindSignal
	KindProtocol
)

// String returns the wire name of the kind
func (k Kind) String() string {
	switch k {
	case KindNode:
		return "NODE"
	case KindEdge:
		return "EDGE"
	case KindMetric:
		return "METRIC"
	case KindSignal:
		return "SIGNAL"
	case KindProtocol:
		return "PROTOCOL"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a wire name back to its Kind
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "NODE":
		return KindNode, true
	case "EDGE":
		return KindEdge, true
	case "METRIC":
		return KindMetric, true
	case "SIGNAL":
		return KindSignal, true
	case "PROTOCOL":
		return KindProtocol, true
	}
	return 0, false
}

// Fact is an immutable timestamped assertion derived from observations.
//
// The concrete variants are NodeFact, EdgeFact, MetricFact, SignalFact and
// ProtocolFact. Consumers switch on the concrete type.
type Fact interface {
	Kind() Kind
	Timestamp() time.Time
	// Subject is the node the fact is about (the phase id for ProtocolFact)
	Subject() string
}

// NodeFact announces a subject seen for the first time in a session
type NodeFact struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	SourceID string    `json:"camera,omitempty"`
	At       time.Time `json:"-"`
}

func (f NodeFact) Kind() Kind           { return KindNode }
func (f NodeFact) Timestamp() time.Time { return f.At }
func (f NodeFact) Subject() string      { return f.ID }

// EdgeFact relates two subjects, e.g. co-attendance in one frame
type EdgeFact struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	Relation string    `json:"type"`
	SourceID string    `json:"camera,omitempty"`
	At       time.Time `json:"-"`
}

func (f EdgeFact) Kind() Kind           { return KindEdge }
func (f EdgeFact) Timestamp() time.Time { return f.At }
func (f EdgeFact) Subject() string      { return f.From }

// MetricFact is a scalar measurement on a node.
// Individual carries per-member values for aggregate metrics.
type MetricFact struct {
	Node       string             `json:"node"`
	Metric     string             `json:"metric"`
	Value      float64            `json:"value"`
	Individual map[string]float64 `json:"individual,omitempty"`
	At         time.Time          `json:"-"`
}

func (f MetricFact) Kind() Kind           { return KindMetric }
func (f MetricFact) Timestamp() time.Time { return f.At }
func (f MetricFact) Subject() string      { return f.Node }

// SignalFact is one categorical score observed on a subject
type SignalFact struct {
	Node       string    `json:"node"`
	Category   string    `json:"category"`
	Value      float64   `json:"value"`
	Confidence float64   `json:"confidence"`
	Primary    bool      `json:"primary"`
	SourceID   string    `json:"camera,omitempty"`
	At         time.Time `json:"-"`
}

func (f SignalFact) Kind() Kind           { return KindSignal }
func (f SignalFact) Timestamp() time.Time { return f.At }
func (f SignalFact) Subject() string      { return f.Node }

// Label returns the signal label, e.g. EMOTION:HAPPY
func (f SignalFact) Label() string {
	return SignalLabel(f.Category)
}

// ProtocolFact reports a significant divergence from the expectation schedule
type ProtocolFact struct {
	PhaseID    string        `json:"phase"`
	Metric     string        `json:"metric"`
	Expected   float64       `json:"expected"`
	Actual     float64       `json:"actual"`
	Divergence float64       `json:"divergence"`
	Elapsed    time.Duration `json:"-"`
	At         time.Time     `json:"-"`
}

func (f ProtocolFact) Kind() Kind           { return KindProtocol }
func (f ProtocolFact) Timestamp() time.Time { return f.At }
func (f ProtocolFact) Subject() string      { return f.PhaseID }
