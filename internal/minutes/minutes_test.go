package minutes

import (
	"reflect"
	"testing"
	"time"

	"github.com/jack-at-someai/core/internal/protocol"
	"github.com/jack-at-someai/core/internal/types"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func at(secs int) time.Time {
	return t0.Add(time.Duration(secs) * time.Second)
}

func ptr[T any](v T) *T {
	return &v
}

func twoPhaseTimeline() []protocol.TimelineEntry {
	return []protocol.TimelineEntry{
		{
			PhaseID:          "intro",
			Label:            "Intro",
			ExpectedDuration: time.Minute,
			ActualDuration:   time.Minute,
			EnteredAt:        ptr(at(0)),
			ExitedAt:         ptr(at(60)),
			Expected:         map[string]float64{"engagement": 0.6},
			ActualAverages:   map[string]*float64{"engagement": ptr(0.5)},
		},
		{
			PhaseID:          "demo",
			Label:            "Demo",
			ExpectedDuration: time.Minute,
			ActualDuration:   time.Minute,
			EnteredAt:        ptr(at(60)),
			ExitedAt:         ptr(at(120)),
			Expected:         map[string]float64{"engagement": 0.8},
			ActualAverages:   map[string]*float64{"engagement": ptr(0.9)},
		},
	}
}

func engagement(node string, secs int, v float64) types.MetricFact {
	return types.MetricFact{Node: node, Metric: types.MetricEngagement, Value: v, At: at(secs)}
}

func primary(node, category string, confidence float64, secs int) types.SignalFact {
	return types.SignalFact{Node: node, Category: category, Value: 0.9, Confidence: confidence, Primary: true, At: at(secs)}
}

func meetingFacts() []types.Fact {
	return []types.Fact{
		engagement("Bob", -10, 0.2), // before the run
		types.NodeFact{ID: "Jim", Type: types.NodeTypePerson, At: at(1)},
		engagement("Jim", 10, 0.5),
		primary("Jim", "neutral", 0.9, 15),
		engagement("Jim", 20, 0.5),
		engagement("Jim", 30, 0.5),
		types.MetricFact{Node: types.RoomNode, Metric: types.MetricAvgEngagement, Value: 0.5, At: at(30)},
		engagement("Jim", 70, 0.9),
		primary("Jim", "happy", 0.8, 75),
		types.SignalFact{Node: "Jim", Category: "sad", Value: 0.1, Confidence: 0.8, At: at(75)}, // not primary
		engagement("Jim", 80, 0.9),
	}
}

func TestGenerateMeeting(t *testing.T) {
	m := Generate(Input{
		Meeting:  "boardroom",
		RunID:    "run-1",
		Timeline: twoPhaseTimeline(),
		Facts:    meetingFacts(),
	})

	if m.Meeting != "boardroom" || m.RunID != "run-1" {
		t.Errorf("header = %q/%q", m.Meeting, m.RunID)
	}
	if m.Date != "2026-03-02" {
		t.Errorf("Date = %q, want 2026-03-02", m.Date)
	}
	if m.StartedAt == nil || !m.StartedAt.Equal(at(0)) || m.EndedAt == nil || !m.EndedAt.Equal(at(120)) {
		t.Errorf("run window = %v..%v", m.StartedAt, m.EndedAt)
	}
	if m.DurationMinutes != 2 {
		t.Errorf("DurationMinutes = %d, want 2", m.DurationMinutes)
	}
	if m.OverallEngagement != 0.66 || m.ExpectedEngagement != 0.7 {
		t.Errorf("engagement = %v (expected %v), want 0.66 (0.7)", m.OverallEngagement, m.ExpectedEngagement)
	}
	if m.PeakPhase != "demo" {
		t.Errorf("PeakPhase = %q, want demo", m.PeakPhase)
	}

	wantAttendees := []Attendee{{
		Name:            "Jim",
		AvgEngagement:   0.66,
		Samples:         5,
		PeakPhase:       "demo",
		DominantEmotion: "happy",
		EmotionSummary:  "Predominantly happy (50%)",
	}}
	if !reflect.DeepEqual(m.Attendees, wantAttendees) {
		t.Errorf("Attendees = %+v, want %+v", m.Attendees, wantAttendees)
	}

	if len(m.Phases) != 2 {
		t.Fatalf("Phases = %d, want 2", len(m.Phases))
	}
	wantIntro := []string{
		"Jim: engagement dip 0.50 at 0:10",
		"Jim: engagement dip 0.50 at 0:20",
		"Jim: engagement dip 0.50 at 0:30",
	}
	if !reflect.DeepEqual(m.Phases[0].Notable, wantIntro) {
		t.Errorf("intro notable = %q, want %q", m.Phases[0].Notable, wantIntro)
	}
	wantDemo := []string{
		"Jim: high engagement 0.90 at 1:10",
		"Jim: high engagement 0.90 at 1:20",
		"Jim: happy (0.80) at 1:15",
	}
	if !reflect.DeepEqual(m.Phases[1].Notable, wantDemo) {
		t.Errorf("demo notable = %q, want %q", m.Phases[1].Notable, wantDemo)
	}
	if m.Phases[1].AvgEngagement == nil || *m.Phases[1].AvgEngagement != 0.9 || m.Phases[1].ExpectedEngagement != 0.8 {
		t.Errorf("demo phase = %+v", m.Phases[1])
	}

	wantItems := []ActionItems{{
		Name: "Jim",
		Items: []string{
			"Schedule dedicated follow-up on demo: peak engagement 0.90 during this phase",
			"Follow up on intro concerns: engagement dip at 0:10",
			"Explore happy reaction: high confidence 0.80",
		},
	}}
	if !reflect.DeepEqual(m.ActionItems, wantItems) {
		t.Errorf("ActionItems = %+v, want %+v", m.ActionItems, wantItems)
	}

	wantSummary := "1 attendees. Overall engagement 0.66 (expected 0.70). Peak during demo phase. 3 action items."
	if m.Summary != wantSummary {
		t.Errorf("Summary = %q, want %q", m.Summary, wantSummary)
	}
}

func TestGenerateNotableCapped(t *testing.T) {
	var facts []types.Fact
	// Alternating highs and lows, all notable against a mean of 0.5
	for i := 0; i < 20; i++ {
		v := 0.9
		if i%2 == 1 {
			v = 0.1
		}
		facts = append(facts, engagement("Jim", i+1, v))
	}

	m := Generate(Input{Timeline: twoPhaseTimeline(), Facts: facts})
	if got := len(m.Phases[0].Notable); got != maxNotable {
		t.Errorf("notable = %d, want %d", got, maxNotable)
	}
}

func TestGenerateTooFewSamplesNotNotable(t *testing.T) {
	facts := []types.Fact{engagement("Jim", 5, 0.1), engagement("Jim", 6, 0.9)}

	m := Generate(Input{Timeline: twoPhaseTimeline(), Facts: facts})
	if got := len(m.Phases[0].Notable); got != 0 {
		t.Errorf("notable = %q, want none", m.Phases[0].Notable)
	}
}

func TestGenerateNotStarted(t *testing.T) {
	timeline := []protocol.TimelineEntry{{PhaseID: "intro", Label: "Intro", Expected: map[string]float64{"engagement": 0.4}}}
	now := time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC)

	m := Generate(Input{
		Timeline: timeline,
		Facts:    []types.Fact{engagement("Ann", -3600, 0.7)},
		Now:      now,
	})

	if m.StartedAt != nil || m.EndedAt != nil {
		t.Errorf("run window = %v..%v, want none", m.StartedAt, m.EndedAt)
	}
	if m.Date != "2026-05-06" {
		t.Errorf("Date = %q, want today", m.Date)
	}
	if m.DurationMinutes != 1 {
		t.Errorf("DurationMinutes = %d, want 1", m.DurationMinutes)
	}
	// Without a run every fact counts
	if len(m.Attendees) != 1 || m.Attendees[0].Name != "Ann" || m.Attendees[0].PeakPhase != "" {
		t.Errorf("Attendees = %+v", m.Attendees)
	}
	if m.Phases[0].AvgEngagement != nil || len(m.Phases[0].Notable) != 0 {
		t.Errorf("phase = %+v", m.Phases[0])
	}
	if m.Summary != "1 attendees. Overall engagement 0.70 (expected 0.40). Peak during no phase. 0 action items." {
		t.Errorf("Summary = %q", m.Summary)
	}
}

func TestGenerateEmpty(t *testing.T) {
	m := Generate(Input{})

	if m.Attendees == nil || m.Phases == nil || m.ActionItems == nil {
		t.Errorf("Generate() slices must be non-nil for JSON: %+v", m)
	}
	if m.OverallEngagement != 0 || m.ExpectedEngagement != 0 {
		t.Errorf("engagement = %v/%v, want 0/0", m.OverallEngagement, m.ExpectedEngagement)
	}
}

func TestSummarizeEmotions(t *testing.T) {
	e := func(cats ...string) []emotion {
		out := make([]emotion, len(cats))
		for i, c := range cats {
			out[i] = emotion{category: c}
		}
		return out
	}

	tests := []struct {
		name         string
		in           []emotion
		wantDominant string
		wantSummary  string
	}{
		{"none", nil, "", "No emotion data captured"},
		{"all neutral", e("neutral", "neutral"), "neutral", "Predominantly neutral"},
		{"single", e("happy", "neutral", "neutral"), "happy", "Predominantly happy (33%)"},
		{"secondary", e("sad", "happy", "sad", "neutral"), "sad", "Predominantly sad (50%), with happy moments"},
		{"tie alphabetical", e("surprise", "angry"), "angry", "Predominantly angry (50%), with surprise moments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dominant, summary := summarizeEmotions(tt.in)
			if dominant != tt.wantDominant || summary != tt.wantSummary {
				t.Errorf("summarizeEmotions() = %q, %q, want %q, %q", dominant, summary, tt.wantDominant, tt.wantSummary)
			}
		})
	}
}

func TestOffset(t *testing.T) {
	tests := []struct {
		t, start time.Time
		want     string
	}{
		{at(0), t0, "0:00"},
		{at(75), t0, "1:15"},
		{at(3601), t0, "60:01"},
		{at(-5), t0, "0:00"},
		{at(5), time.Time{}, "?"},
	}

	for _, tt := range tests {
		if got := offset(tt.t, tt.start); got != tt.want {
			t.Errorf("offset(%v) = %q, want %q", tt.t.Sub(tt.start), got, tt.want)
		}
	}
}

func TestRecorderMatchesGenerate(t *testing.T) {
	r := NewRecorder()
	for _, f := range meetingFacts() {
		r.Add(f)
	}

	in := Input{Meeting: "boardroom", RunID: "run-1", Timeline: twoPhaseTimeline()}
	got := r.Generate(in)
	in.Facts = meetingFacts()
	want := Generate(in)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Recorder.Generate() = %+v, want %+v", got, want)
	}
	if n := r.Samples(); n != 6 {
		t.Errorf("Samples() = %d, want 6", n)
	}
}

func TestRecorderKeepsEveryFact(t *testing.T) {
	timeline := []protocol.TimelineEntry{{
		PhaseID:        "talk",
		Label:          "Talk",
		EnteredAt:      ptr(at(0)),
		ExitedAt:       ptr(at(3600)),
		ActualDuration: time.Hour,
		Expected:       map[string]float64{"engagement": 0.5},
	}}

	r := NewRecorder()
	for i := 0; i < 3600; i++ {
		r.Add(engagement("Ann", i, 0.5))
		r.Add(engagement("Bob", i, 0.7))
	}

	m := r.Generate(Input{Timeline: timeline})
	want := []struct {
		name    string
		samples int
		avg     float64
	}{
		{"Ann", 3600, 0.5},
		{"Bob", 3600, 0.7},
	}
	if len(m.Attendees) != len(want) {
		t.Fatalf("Attendees = %+v, want %d", m.Attendees, len(want))
	}
	for i, w := range want {
		a := m.Attendees[i]
		if a.Name != w.name || a.Samples != w.samples || a.AvgEngagement != w.avg {
			t.Errorf("Attendees[%d] = {%s, %d, %v}, want {%s, %d, %v}", i, a.Name, a.Samples, a.AvgEngagement, w.name, w.samples, w.avg)
		}
	}
	if m.OverallEngagement != 0.6 {
		t.Errorf("OverallEngagement = %v, want 0.6", m.OverallEngagement)
	}
}

func TestRecorderAttendeeOrder(t *testing.T) {
	r := NewRecorder()
	r.Add(types.NodeFact{ID: "Ann", Type: types.NodeTypePerson, At: at(-5)}) // before the run
	r.Add(types.NodeFact{ID: "Bob", Type: types.NodeTypePerson, At: at(5)})
	r.Add(engagement("Ann", 30, 0.5))
	r.Add(engagement("Bob", 40, 0.5))
	r.Add(types.NodeFact{ID: "Room", Type: "Room", At: at(1)}) // not a person
	r.Add(primary("Cat", "happy", 0.9, 10))                    // signals alone do not make an attendee

	m := r.Generate(Input{Timeline: twoPhaseTimeline()})
	var names []string
	for _, a := range m.Attendees {
		names = append(names, a.Name)
	}
	if want := []string{"Bob", "Ann"}; !reflect.DeepEqual(names, want) {
		t.Errorf("attendees = %v, want %v", names, want)
	}
}

func TestRecorderReset(t *testing.T) {
	r := NewRecorder()
	for _, f := range meetingFacts() {
		r.Add(f)
	}
	r.Reset()

	if n := r.Samples(); n != 0 {
		t.Errorf("Samples() after Reset = %d, want 0", n)
	}
	if m := r.Generate(Input{Timeline: twoPhaseTimeline()}); len(m.Attendees) != 0 {
		t.Errorf("Attendees after Reset = %+v, want none", m.Attendees)
	}
}
