package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jack-at-someai/core/internal/types"
)

// State is the lifecycle state of a tracker
type State int

const (
	NotStarted State = iota
	Running
	Ended
)

// String returns the state name
func (s State) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Running:
		return "RUNNING"
	case Ended:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// ErrAlreadyRunning matches AlreadyRunningError via errors.Is
var ErrAlreadyRunning = errors.New("protocol: already running")

// AlreadyRunningError is returned by Start while a run is in progress
type AlreadyRunningError struct {
	RunID     string
	StartedAt time.Time
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("protocol: run %s already running since %s", e.RunID, e.StartedAt.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrAlreadyRunning) succeed
func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// DivergenceRecord is one expected-vs-actual comparison
type DivergenceRecord struct {
	PhaseID    string        `json:"phase"`
	Metric     string        `json:"metric"`
	Expected   float64       `json:"expected"`
	Actual     float64       `json:"actual"`
	Divergence float64       `json:"divergence"`
	Timestamp  time.Time     `json:"timestamp"`
	Elapsed    time.Duration `json:"elapsed"`
}

// PhaseTiming records when a phase was entered and left
type PhaseTiming struct {
	PhaseID   string     `json:"phase"`
	EnteredAt time.Time  `json:"entered_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker advances through the schedule by elapsed wall-clock time.
//
// States: NOT_STARTED -> RUNNING -> ENDED. Starting again after ENDED
// begins a fresh run.
type Tracker struct {
	schedule *Schedule
	now      func() time.Time

	mu        sync.Mutex
	state     State
	index     int
	runID     string
	startedAt time.Time
	endedAt   time.Time
	timings   []PhaseTiming
	records   map[string][]DivergenceRecord
}

// NewTracker creates a tracker for a validated schedule
func NewTracker(schedule *Schedule, opts ...Option) *Tracker {
	t := &Tracker{
		schedule: schedule,
		now:      time.Now,
		records:  make(map[string][]DivergenceRecord),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins a run at phase 0
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Running {
		return &AlreadyRunningError{RunID: t.runID, StartedAt: t.startedAt}
	}

	now := t.now()
	t.state = Running
	t.index = 0
	t.runID = uuid.NewString()
	t.startedAt = now
	t.endedAt = time.Time{}
	t.timings = []PhaseTiming{{PhaseID: t.schedule.Phases[0].ID, EnteredAt: now}}
	t.records = make(map[string][]DivergenceRecord)

	slog.Info("protocol: run started",
		"run_id", t.runID,
		"schedule", t.schedule.Name,
		"phases", len(t.schedule.Phases),
		"planned_duration", t.schedule.TotalDuration(),
	)
	return nil
}

// CurrentPhase resolves the phase for the current elapsed time, advancing
// (never rewinding) when the schedule says so. Past the end of the schedule
// the last phase stays current.
func (t *Tracker) CurrentPhase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.resolveLocked(t.now())
}

// CheckDivergence compares an observed metric with the current phase's
// expectation (0 when the phase declares none) and records the result.
// Before Start the first phase is used with zero elapsed time.
func (t *Tracker) CheckDivergence(metric string, actual float64) DivergenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkLocked(metric, actual)
}

// CheckDivergenceIfRunning checks and records in one step while the run is
// RUNNING. Otherwise nothing is recorded and ok is false, so a check racing
// End never lands in a closed run.
func (t *Tracker) CheckDivergenceIfRunning(metric string, actual float64) (rec DivergenceRecord, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Running {
		return DivergenceRecord{}, false
	}
	return t.checkLocked(metric, actual), true
}

func (t *Tracker) checkLocked(metric string, actual float64) DivergenceRecord {
	now := t.now()
	phase := t.resolveLocked(now)

	rec := DivergenceRecord{
		PhaseID:    phase.ID,
		Metric:     metric,
		Expected:   phase.Expected[metric],
		Actual:     types.Round(actual, 4),
		Divergence: types.Round(actual-phase.Expected[metric], 4),
		Timestamp:  now,
		Elapsed:    t.elapsedLocked(now),
	}
	t.records[phase.ID] = append(t.records[phase.ID], rec)
	return rec
}

// End closes the run and returns the final timeline. Safe to call when not running.
func (t *Tracker) End() []TimelineEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.state == Running {
		t.resolveLocked(now)
		t.closeOpenTimingLocked(now)
		t.state = Ended
		t.endedAt = now

		slog.Info("protocol: run ended",
			"run_id", t.runID,
			"elapsed", now.Sub(t.startedAt),
			"final_phase", t.schedule.Phases[t.index].ID,
		)
	}
	return t.timelineLocked(now)
}

// State returns the current lifecycle state
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Schedule returns the schedule being tracked
func (t *Tracker) Schedule() *Schedule {
	return t.schedule
}

// Status is a point-in-time summary of the tracker
type Status struct {
	State      string        `json:"state"`
	RunID      string        `json:"run_id,omitempty"`
	PhaseIndex int           `json:"phase_index"`
	PhaseID    string        `json:"phase"`
	PhaseLabel string        `json:"phase_label"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Status resolves the current phase and returns a summary
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	phase := t.resolveLocked(now)
	return Status{
		State:      t.state.String(),
		RunID:      t.runID,
		PhaseIndex: t.index,
		PhaseID:    phase.ID,
		PhaseLabel: phase.Label,
		StartedAt:  t.startedAt,
		Elapsed:    t.elapsedLocked(now),
	}
}

func (t *Tracker) resolveLocked(now time.Time) Phase {
	phases := t.schedule.Phases
	if t.state != Running {
		return phases[t.index]
	}

	elapsed := now.Sub(t.startedAt)
	target := len(phases) - 1
	var cumulative time.Duration
	for i, p := range phases {
		cumulative += p.Duration
		if elapsed < cumulative {
			target = i
			break
		}
	}

	if target > t.index {
		t.closeOpenTimingLocked(now)
		t.timings = append(t.timings, PhaseTiming{PhaseID: phases[target].ID, EnteredAt: now})

		slog.Info("protocol: phase advanced",
			"run_id", t.runID,
			"from", phases[t.index].ID,
			"to", phases[target].ID,
			"elapsed", elapsed,
		)
		t.index = target
	}
	return phases[t.index]
}

func (t *Tracker) closeOpenTimingLocked(now time.Time) {
	if n := len(t.timings); n > 0 && t.timings[n-1].ExitedAt == nil {
		exited := now
		t.timings[n-1].ExitedAt = &exited
	}
}

func (t *Tracker) elapsedLocked(now time.Time) time.Duration {
	switch t.state {
	case Running:
		return now.Sub(t.startedAt)
	case Ended:
		return t.endedAt.Sub(t.startedAt)
	default:
		return 0
	}
}
