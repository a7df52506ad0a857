package emitter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jack-at-someai/core/internal/bus"
	"github.com/jack-at-someai/core/internal/metrics"
)

// Sink is an external destination for envelopes
type Sink interface {
	Name() string
	Send(ctx context.Context, env Envelope) error
}

// DefaultSinkBuffer is the bus queue size for a sink subscription
const DefaultSinkBuffer = 1024

// Forward subscribes sink to the bus and delivers every message until ctx
// is cancelled. A failing sink loses the message; the next one is tried
// as usual.
func Forward(ctx context.Context, b *bus.Bus, sink Sink, buffer int) error {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	id := "sink:" + sink.Name()
	ch := make(chan bus.Message, buffer)
	if err := b.Subscribe(id, ch); err != nil {
		return fmt.Errorf("subscribe %s: %w", id, err)
	}
	defer b.Unsubscribe(id)

	slog.Info("emitter: forwarding to sink", "sink", sink.Name())

	failing := false
	for {
		select {
		case <-ctx.Done():
			slog.Info("emitter: sink stopped", "sink", sink.Name())
			return nil
		case msg := <-ch:
			err := sink.Send(ctx, NewEnvelope(msg))
			switch {
			case err != nil:
				metrics.SinkErrors.WithLabelValues(sink.Name()).Inc()
				if !failing {
					slog.Warn("emitter: sink delivery failing", "sink", sink.Name(), "error", err)
					failing = true
				} else {
					slog.Debug("emitter: sink delivery failed", "sink", sink.Name(), "type", msg.Type, "error", err)
				}
			case failing:
				slog.Info("emitter: sink delivery recovered", "sink", sink.Name())
				failing = false
			}
		}
	}
}
