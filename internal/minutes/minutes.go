// Package minutes summarises a protocol run from its timeline and the facts
// published while it ran.
package minutes

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jack-at-someai/core/internal/protocol"
	"github.com/jack-at-someai/core/internal/types"
)

const (
	notableDelta      = 0.15 // distance from an attendee's mean that makes a sample notable
	maxNotable        = 10   // per phase
	minNotableSamples = 3
	emotionSpike      = 0.7
	emotionOrder      = 0.75
	peakMargin        = 0.05
	dipMargin         = 0.10
)

// Attendee summarises one subject
type Attendee struct {
	Name            string  `json:"name"`
	AvgEngagement   float64 `json:"avg_engagement"`
	Samples         int     `json:"samples"`
	PeakPhase       string  `json:"peak_phase,omitempty"`
	DominantEmotion string  `json:"dominant_emotion"`
	EmotionSummary  string  `json:"emotion_summary"`
}

// PhaseSummary summarises one phase of the run
type PhaseSummary struct {
	ID                 string        `json:"id"`
	Label              string        `json:"label"`
	ExpectedDuration   time.Duration `json:"expected_duration"`
	ActualDuration     time.Duration `json:"actual_duration"`
	ExpectedEngagement float64       `json:"expected_engagement"`
	AvgEngagement      *float64      `json:"avg_engagement"`
	Notable            []string      `json:"notable_signals"`
}

// ActionItems are the follow-ups suggested for one attendee
type ActionItems struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

// Minutes is the structured record of a run
type Minutes struct {
	Meeting            string         `json:"meeting"`
	RunID              string         `json:"run_id,omitempty"`
	Date               string         `json:"date"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	EndedAt            *time.Time     `json:"ended_at,omitempty"`
	DurationMinutes    int            `json:"duration_minutes"`
	OverallEngagement  float64        `json:"overall_engagement"`
	ExpectedEngagement float64        `json:"expected_engagement"`
	PeakPhase          string         `json:"peak_phase,omitempty"`
	Attendees          []Attendee     `json:"attendees"`
	Phases             []PhaseSummary `json:"phases"`
	ActionItems        []ActionItems  `json:"action_items"`
	Summary            string         `json:"summary"`
}

// Input is everything Generate needs
type Input struct {
	Meeting  string
	RunID    string
	Metric   string // schedule metric holding engagement (default: engagement)
	Timeline []protocol.TimelineEntry
	Facts    []types.Fact
	Now      time.Time // closes a phase that is still open (default: time.Now)
}

type sample struct {
	at    time.Time
	value float64
}

type emotion struct {
	at         time.Time
	category   string
	confidence float64
}

type window struct {
	from, to time.Time // to is zero while open
}

func (w window) contains(t time.Time) bool {
	if t.Before(w.from) {
		return false
	}
	return w.to.IsZero() || t.Before(w.to)
}

// Recorder accumulates what minutes need from a fact stream. It keeps
// engagement samples and primary emotions rather than whole facts and
// never evicts, so a long run is summarised in full. Safe for concurrent
// use.
type Recorder struct {
	mu       sync.Mutex
	order    []string
	nodes    map[string][]time.Time // NODE fact times per person
	samples  map[string][]sample
	emotions map[string][]emotion
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	r := &Recorder{}
	r.resetLocked()
	return r
}

// Add records a fact. Facts that do not feed minutes are ignored.
func (r *Recorder) Add(f types.Fact) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch v := f.(type) {
	case types.NodeFact:
		if v.Type == types.NodeTypePerson {
			r.seeLocked(v.ID)
			r.nodes[v.ID] = append(r.nodes[v.ID], v.At)
		}
	case types.MetricFact:
		if v.Metric != types.MetricEngagement || v.Node == types.RoomNode {
			return
		}
		r.seeLocked(v.Node)
		r.samples[v.Node] = append(r.samples[v.Node], sample{at: v.At, value: v.Value})
	case types.SignalFact:
		if v.Primary {
			r.emotions[v.Node] = append(r.emotions[v.Node], emotion{at: v.At, category: v.Category, confidence: v.Confidence})
		}
	}
}

// Reset forgets everything recorded
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

// Samples returns the number of engagement samples recorded
func (r *Recorder) Samples() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.samples {
		n += len(s)
	}
	return n
}

// Generate builds minutes from the recorded facts. in.Facts is ignored.
func (r *Recorder) Generate(in Input) Minutes {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generateLocked(in)
}

func (r *Recorder) resetLocked() {
	r.order = nil
	r.nodes = make(map[string][]time.Time)
	r.samples = make(map[string][]sample)
	r.emotions = make(map[string][]emotion)
}

func (r *Recorder) seeLocked(name string) {
	if _, ok := r.nodes[name]; ok {
		return
	}
	if _, ok := r.samples[name]; ok {
		return
	}
	r.order = append(r.order, name)
}

// Generate builds minutes from in.Facts. Only facts inside the run (first
// phase entry to last phase exit) are used; without a started run every
// fact counts.
func Generate(in Input) Minutes {
	r := NewRecorder()
	for _, f := range in.Facts {
		r.Add(f)
	}
	return r.Generate(in)
}

func (r *Recorder) generateLocked(in Input) Minutes {
	if in.Metric == "" {
		in.Metric = "engagement"
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}

	windows := phaseWindows(in.Timeline)
	run, started := runWindow(windows)
	inRun := func(t time.Time) bool {
		return !started || run.contains(t)
	}

	type firstSeen struct {
		name string
		at   time.Time
	}
	var (
		seen      []firstSeen
		samples   = make(map[string][]sample)
		emotions  = make(map[string][]emotion)
		allValues []float64
	)
	for _, name := range r.order {
		var at time.Time
		present := false
		for _, t := range r.nodes[name] {
			if inRun(t) {
				at, present = t, true
				break
			}
		}
		for _, x := range r.samples[name] {
			if !inRun(x.at) {
				continue
			}
			if !present || x.at.Before(at) {
				at, present = x.at, true
			}
			samples[name] = append(samples[name], x)
			allValues = append(allValues, x.value)
		}
		if !present {
			continue
		}
		for _, e := range r.emotions[name] {
			if inRun(e.at) {
				emotions[name] = append(emotions[name], e)
			}
		}
		seen = append(seen, firstSeen{name: name, at: at})
	}

	// Attendees in order of first appearance within the run
	sort.SliceStable(seen, func(i, j int) bool {
		return seen[i].at.Before(seen[j].at)
	})
	order := make([]string, len(seen))
	for i, s := range seen {
		order[i] = s.name
	}

	m := Minutes{
		Meeting:           in.Meeting,
		RunID:             in.RunID,
		OverallEngagement: types.Round(mean(allValues), 2),
		Attendees:         []Attendee{},
		Phases:            []PhaseSummary{},
		ActionItems:       []ActionItems{},
	}

	if started {
		from := run.from
		m.StartedAt = &from
		if !run.to.IsZero() {
			to := run.to
			m.EndedAt = &to
		}
		m.Date = from.Format("2006-01-02")
	} else {
		m.Date = in.Now.Format("2006-01-02")
	}

	// Phases
	var (
		expected []float64
		total    time.Duration
		peakVal  = -1.0
	)
	for i, e := range in.Timeline {
		ps := PhaseSummary{
			ID:                 e.PhaseID,
			Label:              e.Label,
			ExpectedDuration:   e.ExpectedDuration,
			ActualDuration:     e.ActualDuration,
			ExpectedEngagement: e.Expected[in.Metric],
			AvgEngagement:      e.ActualAverages[in.Metric],
			Notable:            []string{},
		}
		expected = append(expected, ps.ExpectedEngagement)
		total += e.ActualDuration

		if ps.AvgEngagement != nil {
			avg := types.Round(*ps.AvgEngagement, 2)
			ps.AvgEngagement = &avg
			if *ps.AvgEngagement > peakVal {
				peakVal = *ps.AvgEngagement
				m.PeakPhase = e.PhaseID
			}
		}
		if windows[i] != nil {
			ps.Notable = notable(order, samples, emotions, *windows[i], run.from)
		}
		m.Phases = append(m.Phases, ps)
	}
	m.ExpectedEngagement = types.Round(mean(expected), 2)
	m.DurationMinutes = int(total.Minutes() + 0.5)
	if m.DurationMinutes < 1 {
		m.DurationMinutes = 1
	}

	// Attendees and follow-ups
	actionCount := 0
	for _, name := range order {
		values := make([]float64, len(samples[name]))
		for i, s := range samples[name] {
			values[i] = s.value
		}
		dominant, summary := summarizeEmotions(emotions[name])

		m.Attendees = append(m.Attendees, Attendee{
			Name:            name,
			AvgEngagement:   types.Round(mean(values), 2),
			Samples:         len(values),
			PeakPhase:       peakPhase(samples[name], in.Timeline, windows),
			DominantEmotion: dominant,
			EmotionSummary:  summary,
		})

		items := actionItems(samples[name], emotions[name], in.Timeline, windows, run.from)
		actionCount += len(items)
		m.ActionItems = append(m.ActionItems, ActionItems{Name: name, Items: items})
	}

	peak := "no"
	if m.PeakPhase != "" {
		peak = strings.ReplaceAll(m.PeakPhase, "_", " ")
	}
	m.Summary = fmt.Sprintf("%d attendees. Overall engagement %.2f (expected %.2f). Peak during %s phase. %d action items.",
		len(m.Attendees), m.OverallEngagement, m.ExpectedEngagement, peak, actionCount)

	return m
}

// phaseWindows returns one window per timeline entry, nil for phases never entered
func phaseWindows(timeline []protocol.TimelineEntry) []*window {
	out := make([]*window, len(timeline))
	for i, e := range timeline {
		if e.EnteredAt == nil {
			continue
		}
		w := &window{from: *e.EnteredAt}
		if e.ExitedAt != nil {
			w.to = *e.ExitedAt
		}
		out[i] = w
	}
	return out
}

func runWindow(windows []*window) (window, bool) {
	var run window
	started := false
	for _, w := range windows {
		if w == nil {
			continue
		}
		if !started {
			run.from = w.from
			started = true
		}
		run.to = w.to
	}
	return run, started
}

func notable(order []string, samples map[string][]sample, emotions map[string][]emotion, w window, start time.Time) []string {
	out := []string{}

	for _, name := range order {
		s := samples[name]
		if len(s) < minNotableSamples {
			continue
		}
		values := make([]float64, len(s))
		for i := range s {
			values[i] = s[i].value
		}
		avg := mean(values)

		for _, x := range s {
			if !w.contains(x.at) {
				continue
			}
			switch {
			case x.value >= avg+notableDelta:
				out = append(out, fmt.Sprintf("%s: high engagement %.2f at %s", name, x.value, offset(x.at, start)))
			case x.value <= avg-notableDelta:
				out = append(out, fmt.Sprintf("%s: engagement dip %.2f at %s", name, x.value, offset(x.at, start)))
			}
		}

		for _, e := range emotions[name] {
			if !w.contains(e.at) || e.confidence < emotionSpike || e.category == "neutral" {
				continue
			}
			out = append(out, fmt.Sprintf("%s: %s (%.2f) at %s", name, e.category, e.confidence, offset(e.at, start)))
		}
	}

	if len(out) > maxNotable {
		out = out[:maxNotable]
	}
	return out
}

func peakPhase(s []sample, timeline []protocol.TimelineEntry, windows []*window) string {
	best, bestAvg := "", -1.0
	for i, w := range windows {
		if w == nil {
			continue
		}
		values := inWindow(s, *w)
		if len(values) == 0 {
			continue
		}
		if avg := mean(values); avg > bestAvg {
			best, bestAvg = timeline[i].PhaseID, avg
		}
	}
	return best
}

func actionItems(s []sample, emotions []emotion, timeline []protocol.TimelineEntry, windows []*window, start time.Time) []string {
	items := []string{}
	if len(s) == 0 {
		return items
	}

	values := make([]float64, len(s))
	for i := range s {
		values[i] = s[i].value
	}
	avg := mean(values)

	peakIdx, peakAvg := -1, -1.0
	for i, w := range windows {
		if w == nil {
			continue
		}
		if v := inWindow(s, *w); len(v) > 0 {
			if a := mean(v); a > peakAvg {
				peakIdx, peakAvg = i, a
			}
		}
	}
	if peakIdx >= 0 && peakAvg > avg+peakMargin {
		items = append(items, fmt.Sprintf("Schedule dedicated follow-up on %s: peak engagement %.2f during this phase",
			strings.ToLower(timeline[peakIdx].Label), peakAvg))
	}

	for i, w := range windows {
		if w == nil {
			continue
		}
		var low *sample
		var phaseValues []float64
		for j := range s {
			if !w.contains(s[j].at) {
				continue
			}
			phaseValues = append(phaseValues, s[j].value)
			if low == nil || s[j].value < low.value {
				low = &s[j]
			}
		}
		if len(phaseValues) == 0 || mean(phaseValues) >= avg-dipMargin {
			continue
		}
		items = append(items, fmt.Sprintf("Follow up on %s concerns: engagement dip at %s",
			strings.ToLower(timeline[i].Label), offset(low.at, start)))
	}

	for _, e := range emotions {
		if e.confidence >= emotionOrder && (e.category == "surprise" || e.category == "happy") {
			items = append(items, fmt.Sprintf("Explore %s reaction: high confidence %.2f", e.category, e.confidence))
			break
		}
	}

	return items
}

// summarizeEmotions ranks primary emotions, ignoring neutral
func summarizeEmotions(emotions []emotion) (dominant, summary string) {
	if len(emotions) == 0 {
		return "", "No emotion data captured"
	}

	counts := make(map[string]int)
	for _, e := range emotions {
		counts[e.category]++
	}

	type ranked struct {
		category string
		count    int
	}
	var r []ranked
	for c, n := range counts {
		if c != "neutral" {
			r = append(r, ranked{c, n})
		}
	}
	if len(r) == 0 {
		return "neutral", "Predominantly neutral"
	}
	sort.Slice(r, func(i, j int) bool {
		if r[i].count != r[j].count {
			return r[i].count > r[j].count
		}
		return r[i].category < r[j].category
	})

	pct := int(float64(100*r[0].count)/float64(len(emotions)) + 0.5)
	if len(r) >= 2 {
		return r[0].category, fmt.Sprintf("Predominantly %s (%d%%), with %s moments", r[0].category, pct, r[1].category)
	}
	return r[0].category, fmt.Sprintf("Predominantly %s (%d%%)", r[0].category, pct)
}

func inWindow(s []sample, w window) []float64 {
	var out []float64
	for _, x := range s {
		if w.contains(x.at) {
			out = append(out, x.value)
		}
	}
	return out
}

// offset formats t relative to start as m:ss
func offset(t, start time.Time) string {
	if start.IsZero() {
		return "?"
	}
	d := t.Sub(start)
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
