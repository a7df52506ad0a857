// Package stream supervises MJPEG sources: one worker goroutine per source
// keeps the latest decoded frame in the registry and reconnects on failure.
package stream

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jack-at-someai/core/internal/metrics"
	"github.com/jack-at-someai/core/internal/types"
)

// Config contains supervisor timing and buffer settings
type Config struct {
	ConnectTimeout time.Duration // Dial + response header timeout (default: 10s)
	ReadTimeout    time.Duration // Max gap between received chunks (default: 10s)
	Backoff        time.Duration // Fixed delay between reconnects (default: 5s)
	BackoffStep    time.Duration // Granularity of shutdown checks during backoff (default: 250ms)
	StopTimeout    time.Duration // Max wait for a worker on deregister (default: 6s)
	ChunkSize      int           // Read size (default: 4096)
	MaxBuffer      int           // Cap for a partial frame (default: 8 MiB)
	RateWindow     int           // Frames in the rolling rate (default: 10)
	Decoder        Decoder       // Frame decoder (default: JPEGDecoder)
	Client         *http.Client  // Optional; built from ConnectTimeout when nil
}

// DefaultConfig returns default supervisor configuration
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    10 * time.Second,
		Backoff:        5 * time.Second,
		BackoffStep:    250 * time.Millisecond,
		StopTimeout:    6 * time.Second,
		ChunkSize:      4096,
		MaxBuffer:      8 << 20,
		RateWindow:     DefaultRateWindow,
		Decoder:        JPEGDecoder{},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = d.BackoffStep
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = d.MaxBuffer
	}
	if c.RateWindow < 2 {
		c.RateWindow = d.RateWindow
	}
	if c.Decoder == nil {
		c.Decoder = d.Decoder
	}
	if c.Client == nil {
		c.Client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: c.ConnectTimeout}).DialContext,
				ResponseHeaderTimeout: c.ConnectTimeout,
				TLSHandshakeTimeout:   c.ConnectTimeout,
			},
		}
	}
}

// source is the registry bookkeeping for one registered id.
// All fields are guarded by Registry.mu.
type source struct {
	id       string
	endpoint string
	worker   *worker

	payload    *types.Payload
	seq        uint64
	state      State
	connected  bool
	rate       float64
	lastUpdate time.Time

	frames       uint64
	decodeErrors uint64
	reconnects   uint32
	lastError    string
}

// Registry holds the active sources, their latest payloads and health, and
// owns the worker goroutines that feed them
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	sources map[string]*source
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewRegistry creates a registry. Workers start with Start.
func NewRegistry(cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:     cfg,
		sources: make(map[string]*source),
	}
}

// Start launches a worker for every registered source.
// Sources registered later get a worker immediately.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	for _, s := range r.sources {
		r.startWorkerLocked(s)
	}

	slog.Info("stream: registry started", "sources", len(r.sources))
}

// Stop cancels every worker and waits for them up to the stop timeout.
// Registrations are kept; a later Start resumes them.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	workers := make([]*worker, 0, len(r.sources))
	for _, s := range r.sources {
		if s.worker != nil {
			workers = append(workers, s.worker)
		}
	}
	r.mu.Unlock()

	deadline := time.After(r.cfg.StopTimeout)
	for _, w := range workers {
		select {
		case <-w.done:
		case <-deadline:
			slog.Warn("stream: workers did not stop within timeout",
				"timeout", r.cfg.StopTimeout)
			return
		}
	}

	slog.Info("stream: registry stopped", "workers", len(workers))
}

// Register adds or updates a source.
//
// If a live worker already streams id from the same endpoint, a
// *DuplicateSourceError is returned and nothing changes. A different
// endpoint replaces the stored one; the running worker switches to it on
// its next connect cycle.
func (r *Registry) Register(id, endpoint string) error {
	if id == "" || endpoint == "" {
		return ErrInvalidSource
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sources[id]
	if exists && s.worker.alive() && s.endpoint == endpoint {
		return &DuplicateSourceError{ID: id, Endpoint: endpoint}
	}

	if !exists {
		s = &source{id: id, state: StateStopped}
		r.sources[id] = s
	}
	previous := s.endpoint
	s.endpoint = endpoint

	if r.running && !s.worker.alive() {
		r.startWorkerLocked(s)
	}

	if exists && previous != endpoint {
		slog.Info("stream: source endpoint updated", "source", id, "endpoint", endpoint, "previous", previous)
	} else {
		slog.Info("stream: source registered", "source", id, "endpoint", endpoint)
	}
	return nil
}

// Deregister removes a source and waits up to the stop timeout for its
// worker to exit. Unknown ids are ignored and report false.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	s, exists := r.sources[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.sources, id)
	w := s.worker
	r.mu.Unlock()

	metrics.ForgetSource(id)

	if w == nil {
		slog.Info("stream: source deregistered", "source", id)
		return true
	}

	w.cancel()
	select {
	case <-w.done:
		slog.Info("stream: source deregistered", "source", id)
	case <-time.After(r.cfg.StopTimeout):
		slog.Warn("stream: worker did not stop within timeout, abandoning",
			"source", id,
			"timeout", r.cfg.StopTimeout)
	}
	return true
}

// Snapshot returns the latest payload of every source that has one
func (r *Registry) Snapshot() map[string]types.Payload {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]types.Payload, len(r.sources))
	for id, s := range r.sources {
		if s.payload != nil {
			out[id] = *s.payload
		}
	}
	return out
}

// Health returns the health of every registered source
func (r *Registry) Health() map[string]types.SourceHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]types.SourceHealth, len(r.sources))
	for id, s := range r.sources {
		out[id] = types.SourceHealth{
			ID:           id,
			Endpoint:     s.endpoint,
			State:        s.state.String(),
			Connected:    s.connected,
			Rate:         s.rate,
			LastUpdate:   s.lastUpdate,
			Frames:       s.frames,
			DecodeErrors: s.decodeErrors,
			Reconnects:   s.reconnects,
			LastError:    s.lastError,
		}
	}
	return out
}

// IDs returns the registered source ids in sorted order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) startWorkerLocked(s *source) {
	w := newWorker(r.ctx, s.id, r)
	s.worker = w
	go w.run()
}

// update applies fn to the source owned by w. It reports false once w no
// longer owns the source (deregistered or replaced), which stops the worker.
func (r *Registry) update(w *worker, fn func(s *source)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sources[w.id]
	if !ok || s.worker != w {
		return false
	}
	fn(s)
	return true
}

// endpoint returns the current endpoint for a worker's source
func (r *Registry) endpoint(w *worker) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sources[w.id]
	if !ok || s.worker != w || !r.running {
		return "", false
	}
	return s.endpoint, true
}

// owns reports whether w is still the worker of its source
func (r *Registry) owns(w *worker) bool {
	_, ok := r.endpoint(w)
	return ok
}
