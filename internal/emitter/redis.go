package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jack-at-someai/core/internal/config"
	"github.com/jack-at-someai/core/internal/krf"
	"github.com/jack-at-someai/core/internal/types"
)

// RedisEmitter mirrors envelopes into a capped Redis stream. Trimming is
// approximate, so the stream may briefly exceed MaxLen. Fact entries carry
// their KRF inside an in-microtheory bundle.
type RedisEmitter struct {
	client      *redis.Client
	stream      string
	maxLen      int64
	microtheory string
}

// NewRedisEmitter creates a stream sink. No connection is made until
// Connect or the first Send.
func NewRedisEmitter(cfg config.RedisConfig) *RedisEmitter {
	microtheory := cfg.Microtheory
	if microtheory == "" {
		microtheory = krf.DefaultMicrotheory
	}
	return &RedisEmitter{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  5 * time.Second,
			WriteTimeout: 2 * time.Second,
			ReadTimeout:  2 * time.Second,
		}),
		stream:      cfg.Stream,
		maxLen:      cfg.MaxLen,
		microtheory: microtheory,
	}
}

// Name identifies the sink in logs and metrics
func (e *RedisEmitter) Name() string {
	return "redis"
}

// Connect verifies the server is reachable
func (e *RedisEmitter) Connect(ctx context.Context) error {
	if err := e.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	slog.Info("emitter: redis stream sink ready",
		"addr", e.client.Options().Addr,
		"stream", e.stream,
		"max_len", e.maxLen,
	)
	return nil
}

// Send appends one entry to the stream
func (e *RedisEmitter) Send(ctx context.Context, env Envelope) error {
	values, err := streamValues(env, e.microtheory)
	if err != nil {
		return err
	}

	err = e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: e.stream,
		MaxLen: e.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", e.stream, err)
	}
	return nil
}

// Close releases the connection pool
func (e *RedisEmitter) Close() error {
	return e.client.Close()
}

// streamValues flattens an envelope into stream entry fields
func streamValues(env Envelope, microtheory string) (map[string]interface{}, error) {
	payload, err := env.JSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	text := env.KRF
	if f, ok := env.Data.(types.Fact); ok {
		text = krf.EncodeBundle(microtheory, f)
	}
	return map[string]interface{}{
		"type":      env.Type,
		"seq":       env.Seq,
		"krf":       text,
		"timestamp": env.Timestamp,
		"json":      string(payload),
	}, nil
}
