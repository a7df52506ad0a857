package krf

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jack-at-someai/core/internal/types"
)

var ts = time.UnixMilli(1708621921123)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		fact types.Fact
	}{
		{"node", types.NodeFact{ID: "Jim", Type: types.NodeTypePerson, SourceID: "cam1", At: ts}},
		{"node quoted id", types.NodeFact{ID: "Person 42", Type: types.NodeTypePerson, At: ts}},
		{"node numeric id", types.NodeFact{ID: "42", Type: types.NodeTypePerson, At: ts}},
		{"edge", types.EdgeFact{From: "Jim", To: "Jack", Relation: types.RelationCoAttending, SourceID: "cam1", At: ts}},
		{"metric", types.MetricFact{Node: "Jim", Metric: types.MetricEngagement, Value: 0.873, At: ts}},
		{"room metric", types.MetricFact{
			Node:       types.RoomNode,
			Metric:     types.MetricAvgEngagement,
			Value:      0.7,
			Individual: map[string]float64{"Jim": 0.87, "Jack": 0.53},
			At:         ts,
		}},
		{"signal", types.SignalFact{Node: "Jim", Category: "happy", Value: 0.82, Confidence: 0.91, Primary: true, SourceID: "cam1", At: ts}},
		{"signal secondary", types.SignalFact{Node: "Jim", Category: "sad", Value: 0.02, Confidence: 0.91, At: ts}},
		{"signal mixed case category", types.SignalFact{Node: "Jim", Category: "Happy", Value: 0.6, Confidence: 0.8, Primary: true, At: ts}},
		{"signal category with space", types.SignalFact{Node: "Jim", Category: "very happy", Value: 0.4, Confidence: 0.8, At: ts}},
		{"signal category with parens", types.SignalFact{Node: "Jim", Category: "Smile (Broad)", Value: 0.4, Confidence: 0.8, SourceID: "cam1", At: ts}},
		{"edge relation with parens", types.EdgeFact{From: "Jim", To: "Jack", Relation: "LOOKS(AT)", At: ts}},
		{"metric with space", types.MetricFact{Node: "Jim", Metric: "ATTENTION SCORE", Value: 0.3, At: ts}},
		{"metric with quote", types.MetricFact{Node: "Jim", Metric: `SAY"HI"`, Value: 0.3, At: ts}},
		{"protocol metric with space", types.ProtocolFact{
			PhaseID:    "q&a",
			Metric:     "ATTENTION SCORE",
			Expected:   0.5,
			Actual:     0.25,
			Divergence: -0.25,
			Elapsed:    time.Second,
			At:         ts,
		}},
		{"protocol", types.ProtocolFact{
			PhaseID:    "intro",
			Metric:     types.MetricEngagement,
			Expected:   0.8,
			Actual:     0.62,
			Divergence: -0.18,
			Elapsed:    12500 * time.Millisecond,
			At:         ts,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := Encode(tt.fact)
			got, ok := Decode(text)
			if !ok {
				t.Fatalf("Decode(%q) failed", text)
			}
			if got.Kind() != tt.fact.Kind() {
				t.Errorf("Kind() = %v, want %v", got.Kind(), tt.fact.Kind())
			}
			if !got.Timestamp().Equal(tt.fact.Timestamp()) {
				t.Errorf("Timestamp() = %v, want %v", got.Timestamp(), tt.fact.Timestamp())
			}
			if !reflect.DeepEqual(normalize(got), normalize(tt.fact)) {
				t.Errorf("Decode(Encode()) = %+v, want %+v", got, tt.fact)
			}
		})
	}
}

// normalize strips the location from timestamps so DeepEqual compares instants
func normalize(f types.Fact) types.Fact {
	switch v := f.(type) {
	case types.NodeFact:
		v.At = v.At.UTC()
		return v
	case types.EdgeFact:
		v.At = v.At.UTC()
		return v
	case types.MetricFact:
		v.At = v.At.UTC()
		return v
	case types.SignalFact:
		v.At = v.At.UTC()
		return v
	case types.ProtocolFact:
		v.At = v.At.UTC()
		return v
	}
	return f
}

func TestEncodeFormat(t *testing.T) {
	tests := []struct {
		name string
		fact types.Fact
		want string
	}{
		{
			name: "node",
			fact: types.NodeFact{ID: "Jim", Type: "Person", SourceID: "cam1", At: ts},
			want: `(isa Jim Person 1708621921.123 :camera "cam1")`,
		},
		{
			name: "signal",
			fact: types.SignalFact{Node: "Jim", Category: "happy", Value: 0.5, Confidence: 1, At: ts},
			want: `(signal Jim :EMOTION:HAPPY 0.5 1708621921.123 :confidence 1)`,
		},
		{
			name: "metric",
			fact: types.MetricFact{Node: "Jim", Metric: "ENGAGEMENT", Value: 0.25, At: time.UnixMilli(5)},
			want: `(metric Jim :ENGAGEMENT 0.25 0.005)`,
		},
		{
			name: "quoted metric",
			fact: types.MetricFact{Node: "Jim", Metric: "ATTENTION SCORE", Value: 0.25, At: time.UnixMilli(5)},
			want: `(metric Jim "ATTENTION SCORE" 0.25 0.005)`,
		},
		{
			name: "signal keeps category case",
			fact: types.SignalFact{Node: "Jim", Category: "Happy", Value: 0.5, Confidence: 1, At: ts},
			want: `(signal Jim :EMOTION:HAPPY 0.5 1708621921.123 :confidence 1 :category "Happy")`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Encode(tt.fact); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeBundle(t *testing.T) {
	f := types.EdgeFact{From: "a", To: "b", Relation: "CO_ATTENDING", At: ts}
	text := EncodeBundle(DefaultMicrotheory, f)
	if !strings.HasPrefix(text, "(in-microtheory CharlotteMt)\n") {
		t.Fatalf("EncodeBundle() = %q, missing context line", text)
	}
	got, ok := Decode(text)
	if !ok {
		t.Fatalf("Decode(bundle) failed")
	}
	if got.Kind() != types.KindEdge {
		t.Errorf("Kind() = %v, want EDGE", got.Kind())
	}
}

func TestDecodeProtocolWithoutDivergence(t *testing.T) {
	got, ok := Decode(`(protocol-divergence "q&a" :ENGAGEMENT :expected 0.6 :actual 0.35 1708621921.000)`)
	if !ok {
		t.Fatal("Decode() failed")
	}
	p := got.(types.ProtocolFact)
	if p.Divergence != -0.25 {
		t.Errorf("Divergence = %v, want -0.25", p.Divergence)
	}
	if p.PhaseID != "q&a" {
		t.Errorf("PhaseID = %q, want q&a", p.PhaseID)
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"(in-microtheory CharlotteMt)",
		"; comment only",
		"(isa Jim",
		"isa Jim Person 1",
		"(isa Jim Person)",
		"(isa Jim Person notatime)",
		"(unknown a b c)",
		"(metric Jim ENGAGEMENT 0.5 1.0)",
		"(metric Jim :ENGAGEMENT high 1.0)",
		"(edge a b :X 1.0 :camera)",
		"(signal Jim :EMOTION:HAPPY 0.5 1.0 :confidence)",
		"(protocol-divergence \"intro\" :ENGAGEMENT :expected 0.5)",
		"(isa (nested) Person 1.0)",
		"(isa \"unterminated Person 1.0)",
		")(",
	}
	for _, in := range inputs {
		if f, ok := Decode(in); ok || f != nil {
			t.Errorf("Decode(%q) = %v, %v, want nil, false", in, f, ok)
		}
	}
}

func TestParseMillis(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1708621921.123", 1708621921123},
		{"1708621921", 1708621921000},
		{"1.5", 1500},
		{"1.23456", 1234},
		{"-2.5", -2500},
		{".25", 250},
	}
	for _, tt := range tests {
		got, err := parseMillis(tt.in)
		if err != nil {
			t.Errorf("parseMillis(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseMillis(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
