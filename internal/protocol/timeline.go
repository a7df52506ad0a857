package protocol

import (
	"time"

	"github.com/jack-at-someai/core/internal/types"
)

// TimelineEntry summarises one phase of a run
type TimelineEntry struct {
	PhaseID          string              `json:"phase"`
	Label            string              `json:"label"`
	Description      string              `json:"description,omitempty"`
	ExpectedDuration time.Duration       `json:"expected_duration"`
	ActualDuration   time.Duration       `json:"actual_duration"`
	EnteredAt        *time.Time          `json:"entered_at,omitempty"`
	ExitedAt         *time.Time          `json:"exited_at,omitempty"`
	Expected         map[string]float64  `json:"expected"`
	ActualAverages   map[string]*float64 `json:"actual_averages"`
	SampleCount      int                 `json:"sample_count"`
	Records          []DivergenceRecord  `json:"divergence_records"`
}

// Timeline returns one entry per phase, in schedule order
func (t *Tracker) Timeline() []TimelineEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.timelineLocked(t.now())
}

func (t *Tracker) timelineLocked(now time.Time) []TimelineEntry {
	entries := make([]TimelineEntry, 0, len(t.schedule.Phases))

	for _, p := range t.schedule.Phases {
		records := t.records[p.ID]

		entry := TimelineEntry{
			PhaseID:          p.ID,
			Label:            p.Label,
			Description:      p.Description,
			ExpectedDuration: p.Duration,
			Expected:         copyExpected(p.Expected),
			ActualAverages:   averages(p.Expected, records),
			SampleCount:      len(records),
			Records:          append([]DivergenceRecord(nil), records...),
		}

		if timing, ok := t.timingFor(p.ID); ok {
			entered := timing.EnteredAt
			entry.EnteredAt = &entered
			end := now
			if timing.ExitedAt != nil {
				exited := *timing.ExitedAt
				entry.ExitedAt = &exited
				end = exited
			}
			entry.ActualDuration = end.Sub(entered)
		}

		entries = append(entries, entry)
	}
	return entries
}

// timingFor returns the timing of a phase in the current run
func (t *Tracker) timingFor(phaseID string) (PhaseTiming, bool) {
	for i := len(t.timings) - 1; i >= 0; i-- {
		if t.timings[i].PhaseID == phaseID {
			return t.timings[i], true
		}
	}
	return PhaseTiming{}, false
}

// averages returns the mean actual value per metric, rounded to 4
// places. Metrics the phase
// expects but never sampled map to nil.
func averages(expected map[string]float64, records []DivergenceRecord) map[string]*float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range records {
		sums[r.Metric] += r.Actual
		counts[r.Metric]++
	}

	out := make(map[string]*float64, len(expected)+len(counts))
	for m := range expected {
		out[m] = nil
	}
	for m, n := range counts {
		avg := types.Round(sums[m]/float64(n), 4)
		out[m] = &avg
	}
	return out
}

func copyExpected(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
