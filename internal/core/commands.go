package core

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jack-at-someai/core/internal/bus"
	"github.com/jack-at-someai/core/internal/config"
	"github.com/jack-at-someai/core/internal/krf"
	"github.com/jack-at-someai/core/internal/metrics"
	"github.com/jack-at-someai/core/internal/minutes"
	"github.com/jack-at-someai/core/internal/protocol"
	"github.com/jack-at-someai/core/internal/types"
)

// defaultFactsLimit caps get_facts when no limit is given
const defaultFactsLimit = 100

// Events published on the bus next to facts
const (
	EventMeetingStarted = "MEETING_STARTED"
	EventMeetingEnded   = "MEETING_ENDED"
)

// startMeeting starts a protocol run. Subjects already known are forgotten
// so the run's facts begin with their NODE facts. The fact history and the
// minutes recorder restart with the run.
func (c *Charlotte) startMeeting() (map[string]interface{}, error) {
	if c.tracker == nil {
		return nil, ErrNoSchedule
	}
	if c.tracker.State() != protocol.Running {
		c.recorder.Reset()
	}
	if err := c.tracker.Start(); err != nil {
		return nil, err
	}
	c.history.Reset()
	c.loop.ResetSession()
	metrics.MeetingActive.Set(1)

	st := c.tracker.Status()
	schedule := c.tracker.Schedule()
	data := map[string]interface{}{
		"run_id":           st.RunID,
		"meeting":          c.meetingName(),
		"phase":            st.PhaseID,
		"phases":           len(schedule.Phases),
		"planned_duration": schedule.TotalDuration().String(),
		"started_at":       st.StartedAt,
	}
	c.bus.Publish(bus.EventMessage(EventMeetingStarted, data))

	slog.Info("meeting started", "run_id", st.RunID, "meeting", c.meetingName())
	return data, nil
}

// endMeeting closes the run and publishes its minutes
func (c *Charlotte) endMeeting() (map[string]interface{}, error) {
	if c.tracker == nil {
		return nil, ErrNoSchedule
	}
	if c.tracker.State() != protocol.Running {
		return nil, ErrNoMeeting
	}

	runID := c.tracker.Status().RunID
	timeline := c.tracker.End()
	metrics.MeetingActive.Set(0)

	m := c.generateMinutes(runID, timeline)
	data := map[string]interface{}{
		"run_id":  runID,
		"minutes": m,
	}
	c.bus.Publish(bus.EventMessage(EventMeetingEnded, data))

	slog.Info("meeting ended",
		"run_id", runID,
		"duration_minutes", m.DurationMinutes,
		"attendees", len(m.Attendees),
		"overall_engagement", m.OverallEngagement,
	)
	return data, nil
}

// getMinutes returns minutes for the current or last run
func (c *Charlotte) getMinutes() (map[string]interface{}, error) {
	if c.tracker == nil {
		return nil, ErrNoSchedule
	}
	st := c.tracker.Status()
	if st.State == protocol.NotStarted.String() {
		return nil, fmt.Errorf("no meeting has been started")
	}

	return map[string]interface{}{
		"run_id":  st.RunID,
		"state":   st.State,
		"minutes": c.generateMinutes(st.RunID, c.tracker.Timeline()),
	}, nil
}

func (c *Charlotte) generateMinutes(runID string, timeline []protocol.TimelineEntry) minutes.Minutes {
	return c.recorder.Generate(minutes.Input{
		Meeting:  c.meetingName(),
		RunID:    runID,
		Metric:   c.cfg.Observer.DivergenceMetric,
		Timeline: timeline,
		Now:      time.Now(),
	})
}

// getFacts returns the newest retained facts, oldest first, optionally of
// one kind
func (c *Charlotte) getFacts(kind string, limit int) (map[string]interface{}, error) {
	if limit <= 0 {
		limit = defaultFactsLimit
	}

	var facts []types.Fact
	if kind == "" {
		facts = c.history.All()
	} else {
		k, ok := types.ParseKind(strings.ToUpper(kind))
		if !ok {
			return nil, fmt.Errorf("unknown fact kind %q", kind)
		}
		facts = c.history.Filter(func(f types.Fact) bool { return f.Kind() == k })
	}
	if len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}

	out := make([]map[string]interface{}, len(facts))
	for i, f := range facts {
		out[i] = map[string]interface{}{
			"type":      f.Kind().String(),
			"krf":       krf.Encode(f),
			"timestamp": float64(f.Timestamp().UnixMilli()) / 1000,
			"data":      f,
		}
	}
	return map[string]interface{}{
		"facts":   out,
		"count":   len(out),
		"evicted": c.history.Evicted(),
	}, nil
}

func (c *Charlotte) meetingName() string {
	if c.tracker != nil && c.tracker.Schedule().Name != "" {
		return c.tracker.Schedule().Name
	}
	return c.cfg.RoomID
}

// getStatus returns the current service status
func (c *Charlotte) getStatus() map[string]interface{} {
	c.mu.RLock()
	uptime := time.Since(c.started).Seconds()
	running := c.isRunning
	c.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id":    c.cfg.InstanceID,
		"room_id":        c.cfg.RoomID,
		"uptime_s":       uptime,
		"running":        running,
		"sources":        c.registry.Health(),
		"persons":        c.loop.KnownSubjects(),
		"engagement":     c.loop.LatestScores(),
		"ticks":          c.loop.Ticks(),
		"fact_count":     c.history.Total(),
		"meeting_active": c.meetingActive(),
		"history": map[string]interface{}{
			"size":     c.history.Len(),
			"capacity": c.history.Cap(),
			"evicted":  c.history.Evicted(),
		},
		"minutes_samples": c.recorder.Samples(),
		"bus": map[string]interface{}{
			"published":   c.bus.TotalPublished(),
			"subscribers": c.bus.Subscribers(),
		},
		"websocket_clients": c.ws.Clients(),
	}

	if c.tracker != nil {
		status["meeting"] = c.tracker.Status()
	}
	if c.mqtt != nil {
		status["mqtt"] = c.mqtt.Stats()
	}
	return status
}

// registerSource adds or updates a source at runtime
func (c *Charlotte) registerSource(id, endpoint string) error {
	if err := config.ValidateEndpoint(endpoint); err != nil {
		return err
	}
	return c.registry.Register(id, endpoint)
}

// deregisterSource removes a source and stops its worker. Unknown ids
// are a no-op.
func (c *Charlotte) deregisterSource(id string) (bool, error) {
	return c.registry.Deregister(id), nil
}

// stateSync builds the snapshot sent to a WebSocket client on connect
func (c *Charlotte) stateSync() map[string]interface{} {
	state := map[string]interface{}{
		"persons":        c.loop.KnownSubjects(),
		"engagement":     c.loop.LatestScores(),
		"meeting_active": c.meetingActive(),
		"fact_count":     c.history.Total(),
		"camera_status":  c.registry.Health(),
	}
	if c.tracker != nil {
		state["meeting"] = c.tracker.Status()
	}
	return state
}
