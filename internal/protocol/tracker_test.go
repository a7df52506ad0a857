package protocol

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 2, 22, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// threePhases is A(60s), B(120s), C(30s)
func threePhases() *Schedule {
	return &Schedule{
		Name: "test",
		Phases: []Phase{
			{ID: "A", Label: "Intro", Duration: 60 * time.Second, Expected: map[string]float64{"engagement": 0.8}},
			{ID: "B", Label: "Discussion", Duration: 120 * time.Second, Expected: map[string]float64{"engagement": 0.6}},
			{ID: "C", Label: "Wrap-up", Duration: 30 * time.Second, Expected: map[string]float64{}},
		},
	}
}

func TestTrackerPhaseResolution(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    string
	}{
		{0, "A"},
		{59 * time.Second, "A"},
		{60 * time.Second, "B"},
		{179 * time.Second, "B"},
		{180 * time.Second, "C"},
		{209 * time.Second, "C"},
		{10 * time.Hour, "C"},
	}

	for _, tt := range tests {
		clock := newFakeClock()
		tr := NewTracker(threePhases(), WithClock(clock.Now))
		if err := tr.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		clock.Advance(tt.elapsed)
		if got := tr.CurrentPhase().ID; got != tt.want {
			t.Errorf("CurrentPhase() at %v = %s, want %s", tt.elapsed, got, tt.want)
		}
	}
}

func TestTrackerMonotonicAdvance(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(threePhases(), WithClock(clock.Now))
	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}

	clock.Advance(190 * time.Second)
	if got := tr.CurrentPhase().ID; got != "C" {
		t.Fatalf("CurrentPhase() = %s, want C", got)
	}

	// A clock going backwards never rewinds the phase
	clock.Advance(-150 * time.Second)
	if got := tr.CurrentPhase().ID; got != "C" {
		t.Errorf("CurrentPhase() after clock rewind = %s, want C", got)
	}
}

func TestTrackerStartTwice(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(threePhases(), WithClock(clock.Now))
	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}
	clock.Advance(70 * time.Second)
	tr.CurrentPhase()

	err := tr.Start()
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Start() twice error = %v, want ErrAlreadyRunning", err)
	}
	var are *AlreadyRunningError
	if !errors.As(err, &are) || are.RunID == "" {
		t.Errorf("errors.As(AlreadyRunningError) = %v", are)
	}

	// State untouched
	if got := tr.State(); got != Running {
		t.Errorf("State() = %v, want RUNNING", got)
	}
	if got := tr.CurrentPhase().ID; got != "B" {
		t.Errorf("CurrentPhase() = %s, want B", got)
	}
}

// A(60s) expecting 0.8, B(120s) expecting 0.6; samples of 0.7 at t=30s and t=90s
func TestTrackerDivergenceScenario(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(threePhases(), WithClock(clock.Now))
	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}

	clock.Advance(30 * time.Second)
	r1 := tr.CheckDivergence("engagement", 0.7)
	if r1.PhaseID != "A" || r1.Divergence != -0.1 {
		t.Errorf("CheckDivergence at 30s = {%s, %v}, want {A, -0.1}", r1.PhaseID, r1.Divergence)
	}
	if r1.Elapsed != 30*time.Second {
		t.Errorf("Elapsed = %v, want 30s", r1.Elapsed)
	}

	clock.Advance(60 * time.Second)
	r2 := tr.CheckDivergence("engagement", 0.7)
	if r2.PhaseID != "B" || r2.Divergence != 0.1 {
		t.Errorf("CheckDivergence at 90s = {%s, %v}, want {B, 0.1}", r2.PhaseID, r2.Divergence)
	}

	timeline := tr.End()
	if len(timeline) != 3 {
		t.Fatalf("len(End()) = %d, want 3", len(timeline))
	}
	if timeline[0].SampleCount != 1 || timeline[1].SampleCount != 1 || timeline[2].SampleCount != 0 {
		t.Errorf("sample counts = %d,%d,%d, want 1,1,0",
			timeline[0].SampleCount, timeline[1].SampleCount, timeline[2].SampleCount)
	}
	if avg := timeline[0].ActualAverages["engagement"]; avg == nil || *avg != 0.7 {
		t.Errorf("phase A average = %v, want 0.7", avg)
	}
	// Timings close when the advance is observed, here at 90s
	if timeline[0].ActualDuration != 90*time.Second {
		t.Errorf("phase A duration = %v, want 90s", timeline[0].ActualDuration)
	}
	if timeline[1].EnteredAt == nil || timeline[1].ActualDuration != 0 {
		t.Errorf("phase B = {entered %v, duration %v}, want entered with 0s", timeline[1].EnteredAt, timeline[1].ActualDuration)
	}
	if timeline[2].ActualDuration != 0 || timeline[2].EnteredAt != nil {
		t.Errorf("phase C = {duration %v, entered %v}, want never entered", timeline[2].ActualDuration, timeline[2].EnteredAt)
	}
}

func TestTrackerDivergenceRounding(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(threePhases(), WithClock(clock.Now))
	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}

	rec := tr.CheckDivergence("engagement", 0.123456)
	if rec.Actual != 0.1235 {
		t.Errorf("Actual = %v, want 0.1235", rec.Actual)
	}
	if rec.Divergence != -0.6765 {
		t.Errorf("Divergence = %v, want -0.6765", rec.Divergence)
	}

	// Undeclared metric expects 0
	rec = tr.CheckDivergence("attention", 0.4)
	if rec.Expected != 0 || rec.Divergence != 0.4 {
		t.Errorf("undeclared metric = {expected %v, divergence %v}, want {0, 0.4}", rec.Expected, rec.Divergence)
	}
}

func TestTrackerBeforeStart(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(threePhases(), WithClock(clock.Now))

	if got := tr.State(); got != NotStarted {
		t.Fatalf("State() = %v, want NOT_STARTED", got)
	}
	clock.Advance(10 * time.Minute)
	if got := tr.CurrentPhase().ID; got != "A" {
		t.Errorf("CurrentPhase() before Start = %s, want A", got)
	}

	rec := tr.CheckDivergence("engagement", 0.5)
	if rec.PhaseID != "A" || rec.Elapsed != 0 {
		t.Errorf("CheckDivergence before Start = {%s, %v}, want {A, 0}", rec.PhaseID, rec.Elapsed)
	}

	// End without Start is safe
	timeline := tr.End()
	if len(timeline) != 3 {
		t.Errorf("len(End()) = %d, want 3", len(timeline))
	}
	if got := tr.State(); got != NotStarted {
		t.Errorf("State() after End without Start = %v, want NOT_STARTED", got)
	}
}

func TestTrackerTimelineNullAverages(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(threePhases(), WithClock(clock.Now))
	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}

	timeline := tr.Timeline()
	avg, ok := timeline[1].ActualAverages["engagement"]
	if !ok {
		t.Fatal("phase B averages missing engagement key")
	}
	if avg != nil {
		t.Errorf("phase B average = %v, want nil", *avg)
	}
	if timeline[1].SampleCount != 0 {
		t.Errorf("phase B SampleCount = %d, want 0", timeline[1].SampleCount)
	}
}

func TestTrackerRecordsStayWithTheirPhase(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(threePhases(), WithClock(clock.Now))
	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 21; i++ {
		tr.CheckDivergence("engagement", 0.5)
		clock.Advance(10 * time.Second)
	}

	for _, e := range tr.End() {
		for _, r := range e.Records {
			if r.PhaseID != e.PhaseID {
				t.Errorf("record for %s filed under %s", r.PhaseID, e.PhaseID)
			}
		}
	}
}

func TestTrackerCheckDivergenceIfRunning(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(threePhases(), WithClock(clock.Now))

	if _, ok := tr.CheckDivergenceIfRunning("engagement", 0.5); ok {
		t.Error("CheckDivergenceIfRunning() before Start ok = true, want false")
	}

	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}
	clock.Advance(10 * time.Second)
	rec, ok := tr.CheckDivergenceIfRunning("engagement", 0.5)
	if !ok || rec.PhaseID != "A" || rec.Divergence != -0.3 {
		t.Errorf("CheckDivergenceIfRunning() while running = {%s, %v}, %v, want {A, -0.3}, true", rec.PhaseID, rec.Divergence, ok)
	}

	clock.Advance(10 * time.Second)
	tr.End()
	clock.Advance(10 * time.Second)
	if _, ok := tr.CheckDivergenceIfRunning("engagement", 0.9); ok {
		t.Error("CheckDivergenceIfRunning() after End ok = true, want false")
	}

	// The ended run keeps exactly the record taken while running
	if got := tr.Timeline()[0].SampleCount; got != 1 {
		t.Errorf("phase A SampleCount after End = %d, want 1", got)
	}
}

func TestTrackerEndThenRestart(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(threePhases(), WithClock(clock.Now))
	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}
	clock.Advance(100 * time.Second)
	tr.CheckDivergence("engagement", 0.9)
	clock.Advance(40 * time.Second)
	tr.End()

	if got := tr.State(); got != Ended {
		t.Fatalf("State() = %v, want ENDED", got)
	}
	// Ended trackers keep their final phase
	clock.Advance(time.Hour)
	if got := tr.CurrentPhase().ID; got != "B" {
		t.Errorf("CurrentPhase() after End = %s, want B", got)
	}
	// A second End is a no-op
	if tl := tr.End(); tl[1].ActualDuration != 40*time.Second {
		t.Errorf("phase B duration after second End = %v, want 40s", tl[1].ActualDuration)
	}

	if err := tr.Start(); err != nil {
		t.Fatalf("Start() after End error = %v", err)
	}
	if got := tr.CurrentPhase().ID; got != "A" {
		t.Errorf("CurrentPhase() after restart = %s, want A", got)
	}
	for _, e := range tr.Timeline() {
		if e.SampleCount != 0 {
			t.Errorf("phase %s has %d samples after restart, want 0", e.PhaseID, e.SampleCount)
		}
	}
}

func TestTrackerStatus(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(threePhases(), WithClock(clock.Now))
	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}
	clock.Advance(65 * time.Second)

	st := tr.Status()
	if st.State != "RUNNING" || st.PhaseID != "B" || st.PhaseIndex != 1 || st.PhaseLabel != "Discussion" {
		t.Errorf("Status() = %+v, want RUNNING at B (1, Discussion)", st)
	}
	if st.Elapsed != 65*time.Second {
		t.Errorf("Status().Elapsed = %v, want 65s", st.Elapsed)
	}
}

func TestAveragesRounded(t *testing.T) {
	rec := func(metric string, actual float64) DivergenceRecord {
		return DivergenceRecord{Metric: metric, Actual: actual}
	}

	tests := []struct {
		name    string
		records []DivergenceRecord
		want    map[string]float64
	}{
		{"thirds", []DivergenceRecord{rec("engagement", 0.1), rec("engagement", 0.2), rec("engagement", 0.2)}, map[string]float64{"engagement": 0.1667}},
		{"exact", []DivergenceRecord{rec("engagement", 0.5), rec("engagement", 0.7)}, map[string]float64{"engagement": 0.6}},
		{"two metrics", []DivergenceRecord{rec("engagement", 0.33333), rec("attention", 0.12346)}, map[string]float64{"engagement": 0.3333, "attention": 0.1235}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := averages(map[string]float64{"engagement": 0.5}, tt.records)
			for metric, want := range tt.want {
				if got[metric] == nil || *got[metric] != want {
					t.Errorf("averages()[%s] = %v, want %v", metric, got[metric], want)
				}
			}
		})
	}
}
