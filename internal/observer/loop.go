// Package observer runs the fixed-cadence loop that turns the latest frame
// of every source into facts.
package observer

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jack-at-someai/core/internal/detect"
	"github.com/jack-at-someai/core/internal/metrics"
	"github.com/jack-at-someai/core/internal/protocol"
	"github.com/jack-at-someai/core/internal/types"
)

// Snapshotter supplies the latest payload of every source
type Snapshotter interface {
	Snapshot() map[string]types.Payload
}

// Tracker is the part of the protocol tracker the loop consults
type Tracker interface {
	CheckDivergenceIfRunning(metric string, actual float64) (protocol.DivergenceRecord, bool)
}

// Publisher receives every derived fact, in derivation order
type Publisher interface {
	Publish(f types.Fact)
}

// Config contains loop settings
type Config struct {
	Interval            time.Duration      // Tick period (default: 300ms)
	DivergenceThreshold float64            // |divergence| above this emits PROTOCOL (default: 0.1)
	DivergenceMetric    string             // Schedule metric fed with the composite score (default: engagement)
	Weights             map[string]float64 // Engagement weights (default: DefaultWeights)
}

// DefaultConfig returns default loop configuration
func DefaultConfig() Config {
	return Config{
		Interval:            300 * time.Millisecond,
		DivergenceThreshold: 0.1,
		DivergenceMetric:    "engagement",
		Weights:             DefaultWeights,
	}
}

// Loop derives facts from detections once per interval.
//
// Per detection it publishes, in order: NODE (first sighting in the
// session), one SIGNAL per category, the ENGAGEMENT METRIC and, while the
// tracker runs, a PROTOCOL fact for significant divergence. After each
// source's detections come the CO_ATTENDING edges, and after all sources
// the room-level AVG_ENGAGEMENT metric.
type Loop struct {
	cfg      Config
	source   Snapshotter
	detector detect.Detector
	tracker  Tracker
	pub      Publisher
	now      func() time.Time

	mu     sync.RWMutex
	known  map[string]string  // subject -> source first seen on
	latest map[string]float64 // subject -> latest composite score
	ticks  uint64
}

// Option configures a Loop
type Option func(*Loop)

// WithClock replaces time.Now for fact timestamps
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		l.now = now
	}
}

// New creates a loop. tracker may be nil when no schedule is loaded.
func New(cfg Config, source Snapshotter, detector detect.Detector, tracker Tracker, pub Publisher, opts ...Option) *Loop {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.DivergenceThreshold <= 0 {
		cfg.DivergenceThreshold = d.DivergenceThreshold
	}
	if cfg.DivergenceMetric == "" {
		cfg.DivergenceMetric = d.DivergenceMetric
	}
	if cfg.Weights == nil {
		cfg.Weights = d.Weights
	}

	l := &Loop{
		cfg:      cfg,
		source:   source,
		detector: detector,
		tracker:  tracker,
		pub:      pub,
		now:      time.Now,
		known:    make(map[string]string),
		latest:   make(map[string]float64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run ticks until ctx is cancelled. A tick that overruns the interval is
// followed immediately by the next one.
func (l *Loop) Run(ctx context.Context) {
	slog.Info("observer: loop started", "interval", l.cfg.Interval)

	for {
		if ctx.Err() != nil {
			slog.Info("observer: loop stopped", "ticks", l.Ticks())
			return
		}

		start := time.Now()
		l.Tick(ctx)
		elapsed := time.Since(start)
		metrics.TickDuration.Observe(elapsed.Seconds())

		sleep := l.cfg.Interval - elapsed
		if sleep < 0 {
			sleep = 0
		}

		select {
		case <-ctx.Done():
		case <-time.After(sleep):
		}
	}
}

// Tick runs one observation pass over the current snapshot
func (l *Loop) Tick(ctx context.Context) {
	now := l.now()
	payloads := l.source.Snapshot()

	ids := make([]string, 0, len(payloads))
	for id := range payloads {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		detections, err := l.detector.Detect(ctx, payloads[id])
		if err != nil {
			metrics.DetectErrors.WithLabelValues(id).Inc()
			slog.Warn("observer: detection failed, skipping source this tick",
				"source", id,
				"error", err,
			)
			continue
		}

		for _, d := range detections {
			l.observe(id, d, now)
		}
		l.coAttendance(id, detections, now)
	}

	l.room(now)

	l.mu.Lock()
	l.ticks++
	l.mu.Unlock()
}

func (l *Loop) observe(sourceID string, d types.Detection, now time.Time) {
	subject := d.SubjectID

	l.mu.Lock()
	_, seen := l.known[subject]
	if !seen {
		l.known[subject] = sourceID
	}
	l.mu.Unlock()

	if !seen {
		slog.Info("observer: new subject", "subject", subject, "source", sourceID)
		l.publish(types.NodeFact{ID: subject, Type: types.NodeTypePerson, SourceID: sourceID, At: now})
	}

	categories := make([]string, 0, len(d.CategoryScores))
	for c := range d.CategoryScores {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		l.publish(types.SignalFact{
			Node:       subject,
			Category:   c,
			Value:      d.CategoryScores[c],
			Confidence: d.Confidence,
			Primary:    c == d.PrimaryCategory,
			SourceID:   sourceID,
			At:         now,
		})
	}

	score := Engagement(d.CategoryScores, l.cfg.Weights)
	l.mu.Lock()
	l.latest[subject] = score
	l.mu.Unlock()

	l.publish(types.MetricFact{Node: subject, Metric: types.MetricEngagement, Value: score, At: now})

	if l.tracker == nil {
		return
	}
	rec, ok := l.tracker.CheckDivergenceIfRunning(l.cfg.DivergenceMetric, score)
	if ok && math.Abs(rec.Divergence) > l.cfg.DivergenceThreshold {
		l.publish(types.ProtocolFact{
			PhaseID:    rec.PhaseID,
			Metric:     strings.ToUpper(rec.Metric),
			Expected:   rec.Expected,
			Actual:     rec.Actual,
			Divergence: rec.Divergence,
			Elapsed:    rec.Elapsed,
			At:         now,
		})
	}
}

// coAttendance links every pair of distinct subjects seen in one frame
func (l *Loop) coAttendance(sourceID string, detections []types.Detection, now time.Time) {
	for i := 0; i < len(detections); i++ {
		for j := i + 1; j < len(detections); j++ {
			from, to := detections[i].SubjectID, detections[j].SubjectID
			if from == to {
				continue
			}
			l.publish(types.EdgeFact{
				From:     from,
				To:       to,
				Relation: types.RelationCoAttending,
				SourceID: sourceID,
				At:       now,
			})
		}
	}
}

// room publishes the mean of every subject's latest score
func (l *Loop) room(now time.Time) {
	l.mu.RLock()
	if len(l.latest) == 0 {
		l.mu.RUnlock()
		return
	}
	individual := make(map[string]float64, len(l.latest))
	var sum float64
	for subject, score := range l.latest {
		individual[subject] = score
		sum += score
	}
	l.mu.RUnlock()

	l.publish(types.MetricFact{
		Node:       types.RoomNode,
		Metric:     types.MetricAvgEngagement,
		Value:      types.Round(sum/float64(len(individual)), 3),
		Individual: individual,
		At:         now,
	})
}

func (l *Loop) publish(f types.Fact) {
	metrics.FactsPublished.WithLabelValues(f.Kind().String()).Inc()
	l.pub.Publish(f)
}

// ResetSession forgets known subjects and scores, so the next sighting of
// every subject publishes a NODE fact again
func (l *Loop) ResetSession() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.known = make(map[string]string)
	l.latest = make(map[string]float64)
}

// KnownSubjects returns the subjects seen this session, sorted
func (l *Loop) KnownSubjects() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.known))
	for s := range l.known {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// LatestScores returns each subject's most recent composite score
func (l *Loop) LatestScores() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]float64, len(l.latest))
	for s, v := range l.latest {
		out[s] = v
	}
	return out
}

// Ticks returns the number of completed ticks
func (l *Loop) Ticks() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ticks
}
