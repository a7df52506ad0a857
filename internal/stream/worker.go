package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jack-at-someai/core/internal/metrics"
)

// State is the lifecycle state of a source worker
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateBackoff
	StateStopped
)

// String returns the state name reported in health
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateBackoff:
		return "BACKOFF"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// worker streams one source: CONNECTING -> STREAMING -> BACKOFF -> CONNECTING ...
// and STOPPED once cancelled or deregistered
type worker struct {
	id     string
	reg    *Registry
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Reused across connections, reset on each connect
	scanner *Scanner
	window  *RateWindow
}

func newWorker(parent context.Context, id string, reg *Registry) *worker {
	ctx, cancel := context.WithCancel(parent)
	return &worker{
		id:      id,
		reg:     reg,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		scanner: NewScanner(reg.cfg.MaxBuffer),
		window:  NewRateWindow(reg.cfg.RateWindow),
	}
}

// alive reports whether the worker goroutine is still running
func (w *worker) alive() bool {
	if w == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *worker) run() {
	defer close(w.done)
	defer w.stopped()

	for {
		if w.ctx.Err() != nil {
			return
		}
		endpoint, ok := w.reg.endpoint(w)
		if !ok {
			return
		}

		w.setState(StateConnecting)
		slog.Info("stream: connecting", "source", w.id, "endpoint", endpoint)

		err := w.stream(endpoint)
		w.disconnected(err)

		if w.ctx.Err() != nil || !w.reg.owns(w) {
			return
		}

		slog.Warn("stream: source disconnected, backing off",
			"source", w.id,
			"error", err,
			"category", ClassifyError(err).String(),
			"delay", w.reg.cfg.Backoff,
		)

		if !waitBackoff(w.ctx, w.reg.cfg.Backoff, w.reg.cfg.BackoffStep, func() bool { return w.reg.owns(w) }) {
			return
		}
	}
}

// stream runs one connection until it fails. It always returns a non-nil error.
func (w *worker) stream(endpoint string) error {
	cfg := w.reg.cfg

	ctx, cancel := context.WithCancel(w.ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("stream: invalid endpoint: %w", err)
	}
	resp, err := cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	// Per-read watchdog: cancelling the request aborts a blocked Read
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(cfg.ReadTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	if !w.reg.update(w, func(s *source) {
		s.state = StateStreaming
		s.connected = true
	}) {
		return context.Canceled
	}
	metrics.SourceConnected.WithLabelValues(w.id).Set(1)
	slog.Info("stream: streaming", "source", w.id, "endpoint", endpoint)

	// A partial frame from the previous connection never completes, and
	// the rate restarts from the first frame of this one
	w.scanner.Reset()
	w.window.Reset()
	chunk := make([]byte, cfg.ChunkSize)

	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			watchdog.Reset(cfg.ReadTimeout)

			frames, scanErr := w.scanner.Feed(chunk[:n])
			for _, data := range frames {
				if !w.handleFrame(data, w.window) {
					return context.Canceled
				}
			}
			if scanErr != nil {
				return scanErr
			}
		}

		if readErr != nil {
			if pending := w.scanner.Buffered(); pending > 0 {
				slog.Debug("stream: discarding partial frame", "source", w.id, "bytes", pending)
			}
			switch {
			case timedOut.Load():
				return ErrReadTimeout
			case errors.Is(readErr, io.EOF):
				return ErrStreamEnded
			default:
				return readErr
			}
		}
	}
}

// handleFrame decodes one frame span and stores it. Returns false once the
// worker no longer owns its source.
func (w *worker) handleFrame(data []byte, window *RateWindow) bool {
	payload, err := w.reg.cfg.Decoder.Decode(data)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(w.id).Inc()
		slog.Debug("stream: frame decode failed", "source", w.id, "size", len(data), "error", err)
		return w.reg.update(w, func(s *source) { s.decodeErrors++ })
	}

	now := time.Now()
	rate := window.Add(now)

	owned := w.reg.update(w, func(s *source) {
		s.seq++
		payload.SourceID = w.id
		payload.Seq = s.seq
		payload.Timestamp = now
		payload.TraceID = uuid.NewString()

		s.payload = &payload
		s.connected = true
		s.rate = rate
		s.lastUpdate = now
		s.frames++
	})
	if owned {
		metrics.FramesDecoded.WithLabelValues(w.id).Inc()
		metrics.SourceRate.WithLabelValues(w.id).Set(rate)
	}
	return owned
}

// disconnected records the end of a connection attempt and enters BACKOFF
func (w *worker) disconnected(err error) {
	category := ClassifyError(err)
	owned := w.reg.update(w, func(s *source) {
		s.connected = false
		s.rate = 0
		if category != ErrCategoryCanceled {
			s.state = StateBackoff
			s.reconnects++
			if err != nil {
				s.lastError = err.Error()
			}
		}
	})
	if !owned {
		return
	}
	metrics.SourceConnected.WithLabelValues(w.id).Set(0)
	metrics.SourceRate.WithLabelValues(w.id).Set(0)
	if category != ErrCategoryCanceled {
		metrics.StreamErrors.WithLabelValues(w.id, category.String()).Inc()
	}
}

func (w *worker) setState(state State) {
	w.reg.update(w, func(s *source) { s.state = state })
}

// stopped marks the source STOPPED if this worker still owns it
func (w *worker) stopped() {
	w.reg.update(w, func(s *source) {
		s.state = StateStopped
		s.connected = false
		s.rate = 0
	})
	slog.Debug("stream: worker stopped", "source", w.id)
}
