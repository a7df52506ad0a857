// Package core wires the ingest registry, the observation loop, the
// protocol tracker and the transports into one service.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jack-at-someai/core/internal/bus"
	"github.com/jack-at-someai/core/internal/config"
	"github.com/jack-at-someai/core/internal/control"
	"github.com/jack-at-someai/core/internal/detect"
	"github.com/jack-at-someai/core/internal/emitter"
	"github.com/jack-at-someai/core/internal/history"
	"github.com/jack-at-someai/core/internal/minutes"
	"github.com/jack-at-someai/core/internal/observer"
	"github.com/jack-at-someai/core/internal/protocol"
	"github.com/jack-at-someai/core/internal/stream"
	"github.com/jack-at-someai/core/internal/types"
)

var (
	// ErrNoSchedule is returned by meeting commands when no schedule is loaded
	ErrNoSchedule = errors.New("no protocol schedule configured")
	// ErrNoMeeting is returned by end_meeting outside a running meeting
	ErrNoMeeting = errors.New("no meeting in progress")
)

// Charlotte is the main service orchestrator
type Charlotte struct {
	cfg *config.Config

	// Core components
	registry *stream.Registry
	tracker  *protocol.Tracker // nil without a schedule
	detector detect.Detector
	process  *detect.Process // set in process mode
	loop     *observer.Loop
	bus      *bus.Bus
	history  *history.Ring
	recorder *minutes.Recorder // facts of the current run
	handler  *control.Handler

	// Transports
	ws       *emitter.WebSocketServer
	mqtt     *emitter.MQTTEmitter // nil when no broker is configured
	listener *control.MQTTListener
	redis    *emitter.RedisEmitter // nil when no addr is configured
	server   *http.Server
	addr     net.Addr

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc
}

// Option configures a Charlotte instance
type Option func(*options)

type options struct {
	detector detect.Detector
	schedule *protocol.Schedule
	stream   *stream.Config
}

// WithDetector replaces the configured detector
func WithDetector(d detect.Detector) Option {
	return func(o *options) {
		o.detector = d
	}
}

// WithSchedule uses s instead of loading protocol.schedule_path
func WithSchedule(s *protocol.Schedule) Option {
	return func(o *options) {
		o.schedule = s
	}
}

// WithStreamConfig overrides the supervisor settings derived from config
func WithStreamConfig(cfg stream.Config) Option {
	return func(o *options) {
		o.stream = &cfg
	}
}

// NewCharlotte loads the configuration file and creates the service
func NewCharlotte(configPath string, opts ...Option) (*Charlotte, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return New(cfg, opts...)
}

// New creates the service from a validated configuration. Configured
// sources are registered but nothing connects until Run.
func New(cfg *config.Config, opts ...Option) (*Charlotte, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"room_id", cfg.RoomID,
		"sources", len(cfg.Sources),
	)

	c := &Charlotte{
		cfg:      cfg,
		bus:      bus.New(),
		history:  history.New(cfg.History.Capacity),
		recorder: minutes.NewRecorder(),
	}

	streamCfg := streamConfig(cfg)
	if o.stream != nil {
		streamCfg = *o.stream
	}
	c.registry = stream.NewRegistry(streamCfg)
	for _, src := range cfg.Sources {
		if err := c.registry.Register(src.ID, src.Endpoint); err != nil {
			return nil, fmt.Errorf("failed to register source %q: %w", src.ID, err)
		}
	}

	schedule := o.schedule
	if schedule == nil && cfg.Protocol.SchedulePath != "" {
		s, err := protocol.LoadSchedule(cfg.Protocol.SchedulePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load protocol schedule: %w", err)
		}
		schedule = s
	}
	if schedule != nil {
		c.tracker = protocol.NewTracker(schedule)
		slog.Info("protocol schedule loaded",
			"name", schedule.Name,
			"phases", len(schedule.Phases),
			"planned_duration", schedule.TotalDuration(),
		)
	} else {
		slog.Warn("no protocol schedule configured, meeting commands disabled")
	}

	if err := c.initializeDetector(o.detector); err != nil {
		return nil, fmt.Errorf("failed to initialize detector: %w", err)
	}

	// A nil *protocol.Tracker must not become a non-nil interface
	var tracker observer.Tracker
	if c.tracker != nil {
		tracker = c.tracker
	}
	c.loop = observer.New(observer.Config{
		Interval:            cfg.ObserverInterval(),
		DivergenceThreshold: cfg.Observer.DivergenceThreshold,
		DivergenceMetric:    cfg.Observer.DivergenceMetric,
		Weights:             observer.DefaultWeights,
	}, c.registry, c.detector, tracker, &factPublisher{
		bus:       c.bus,
		history:   c.history,
		recorder:  c.recorder,
		recording: c.meetingActive,
	})

	c.handler = control.NewHandler(control.CommandCallbacks{
		OnStartMeeting:     c.startMeeting,
		OnEndMeeting:       c.endMeeting,
		OnGetStatus:        c.getStatus,
		OnGetMinutes:       c.getMinutes,
		OnRegisterSource:   c.registerSource,
		OnDeregisterSource: c.deregisterSource,
		OnGetFacts:         c.getFacts,
	})

	c.ws = emitter.NewWebSocketServer(emitter.WSConfig{
		ClientBuffer:   cfg.HTTP.ClientBuffer,
		CommandRate:    cfg.HTTP.CommandRate,
		CommandBurst:   cfg.HTTP.CommandBurst,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, c.bus, c.handler, c.stateSync)

	if cfg.MQTT.Broker != "" {
		c.mqtt = emitter.NewMQTTEmitter(cfg.MQTT)
	}
	if cfg.Redis.Addr != "" {
		c.redis = emitter.NewRedisEmitter(cfg.Redis)
	}

	return c, nil
}

// initializeDetector picks the detection function for the configured mode
func (c *Charlotte) initializeDetector(override detect.Detector) error {
	if override != nil {
		c.detector = override
		slog.Info("detector configured", "mode", "custom")
		return nil
	}

	switch c.cfg.Detector.Mode {
	case config.DetectorProcess:
		c.process = detect.NewProcess(detect.ProcessConfig{
			Command: c.cfg.Detector.Command,
			Timeout: c.cfg.DetectorTimeout(),
		})
		c.detector = c.process
		slog.Info("detector configured",
			"mode", config.DetectorProcess,
			"command", c.cfg.Detector.Command,
			"timeout", c.cfg.DetectorTimeout(),
		)
	case config.DetectorSimulated, "":
		c.detector = detect.NewSimulated(c.cfg.Detector.Seed, c.cfg.Detector.SubjectsPerSource)
		slog.Info("detector configured",
			"mode", config.DetectorSimulated,
			"seed", c.cfg.Detector.Seed,
			"subjects_per_source", c.cfg.Detector.SubjectsPerSource,
		)
	default:
		return fmt.Errorf("unknown detector mode %q", c.cfg.Detector.Mode)
	}
	return nil
}

// Run starts the service and blocks until ctx is cancelled
func (c *Charlotte) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	c.isRunning = true
	c.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelCtx = cancel
	c.mu.Unlock()

	slog.Info("charlotte service starting", "instance_id", c.cfg.InstanceID)

	if c.process != nil {
		if err := c.process.Start(ctx); err != nil {
			return fmt.Errorf("failed to start detector worker: %w", err)
		}
	}

	if err := c.startHTTPServer(); err != nil {
		return err
	}

	if c.mqtt != nil {
		if err := c.mqtt.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		c.listener = control.NewMQTTListener(c.mqtt.Client(), c.cfg.MQTT.Topics.Control, c.cfg.MQTT.QoS, c.handler)
		if err := c.listener.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
		c.forward(ctx, c.mqtt)
	}

	if c.redis != nil {
		// The client redials on every send, so an unreachable server only
		// costs sink errors
		if err := c.redis.Connect(ctx); err != nil {
			slog.Warn("redis unavailable, will keep retrying", "error", err)
		}
		c.forward(ctx, c.redis)
	}

	c.registry.Start(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop.Run(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.logStats(ctx, 30*time.Second)
	}()

	slog.Info("charlotte service running",
		"sources", len(c.registry.IDs()),
		"meetings_enabled", c.tracker != nil,
		"mqtt", c.mqtt != nil,
		"redis", c.redis != nil,
	)

	<-ctx.Done()

	slog.Info("charlotte service run loop exiting")
	return nil
}

func (c *Charlotte) forward(ctx context.Context, sink emitter.Sink) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := emitter.Forward(ctx, c.bus, sink, emitter.DefaultSinkBuffer); err != nil {
			slog.Error("sink forwarding failed", "sink", sink.Name(), "error", err)
		}
	}()
}

// Shutdown stops every component in reverse start order
func (c *Charlotte) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancelCtx
	c.mu.Unlock()

	slog.Info("shutting down charlotte service")

	// 1. Stop producing: the loop and the sinks exit on cancel
	if cancel != nil {
		cancel()
	}

	// 2. Stop accepting clients
	c.ws.Close()
	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			slog.Error("failed to stop http server", "error", err)
		}
	}
	if c.listener != nil {
		c.listener.Stop()
	}

	// 3. Wait for goroutines to finish
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all goroutines finished")
	case <-ctx.Done():
		slog.Warn("goroutines still running at shutdown deadline")
	}

	// 4. Stop ingest and the detector worker
	c.registry.Stop()
	if c.process != nil {
		if err := c.process.Close(); err != nil {
			slog.Error("failed to stop detector worker", "error", err)
		}
	}

	// 5. Close external connections
	if c.mqtt != nil {
		c.mqtt.Disconnect()
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			slog.Error("failed to close redis client", "error", err)
		}
	}
	c.bus.Close()

	c.mu.Lock()
	uptime := time.Since(c.started)
	c.isRunning = false
	c.mu.Unlock()

	slog.Info("charlotte service shutdown complete", "uptime", uptime)
	return ctx.Err()
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (c *Charlotte) ShutdownTimeout() time.Duration {
	return c.cfg.ShutdownTimeout()
}

// Addr returns the address the HTTP server listens on, nil before Run
func (c *Charlotte) Addr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// logStats periodically logs per-source ingest health
func (c *Charlotte) logStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, h := range c.registry.Health() {
				slog.Info("source stats",
					"source", id,
					"state", h.State,
					"rate", h.Rate,
					"frames", h.Frames,
					"reconnects", h.Reconnects,
				)
			}
			slog.Info("fact stats",
				"published", c.history.Total(),
				"evicted", c.history.Evicted(),
				"subscribers", c.bus.Subscribers(),
				"ticks", c.loop.Ticks(),
			)
		}
	}
}

// factPublisher records facts in the history and fans them out. Facts
// published while a meeting runs also feed its minutes.
type factPublisher struct {
	bus       *bus.Bus
	history   *history.Ring
	recorder  *minutes.Recorder
	recording func() bool
}

func (p *factPublisher) Publish(f types.Fact) {
	p.history.Append(f)
	if p.recording() {
		p.recorder.Add(f)
	}
	p.bus.Publish(bus.FactMessage(f))
}

func streamConfig(cfg *config.Config) stream.Config {
	return stream.Config{
		ConnectTimeout: time.Duration(cfg.Stream.ConnectTimeoutS) * time.Second,
		ReadTimeout:    time.Duration(cfg.Stream.ReadTimeoutS) * time.Second,
		Backoff:        time.Duration(cfg.Stream.BackoffS) * time.Second,
		BackoffStep:    time.Duration(cfg.Stream.BackoffStepMS) * time.Millisecond,
		StopTimeout:    time.Duration(cfg.Stream.StopTimeoutS) * time.Second,
		MaxBuffer:      cfg.Stream.MaxBufferBytes,
		RateWindow:     cfg.Stream.RateWindow,
	}
}

func (c *Charlotte) meetingActive() bool {
	return c.tracker != nil && c.tracker.State() == protocol.Running
}
