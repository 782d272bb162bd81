package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Transport delivers a serialized envelope to the external event channel.
// Publish must be safe for concurrent use; the dispatcher treats any error
// as a retryable delivery failure.
type Transport interface {
	Publish(ctx context.Context, subject string, envelope []byte) error
	Name() string
}

// LogTransport writes events to the structured log. Default when no Redis
// URL is configured; also useful in tests.
type LogTransport struct {
	Logger *slog.Logger
}

func (t *LogTransport) Publish(_ context.Context, subject string, envelope []byte) error {
	t.Logger.Info("event published", "subject", subject, "envelope", string(envelope))
	return nil
}

func (t *LogTransport) Name() string { return "log" }

// RedisTransport appends events to a Redis stream per subject family. Streams
// give consumers replay and consumer-group semantics that plain pub/sub lacks.
type RedisTransport struct {
	client    *redis.Client
	streamKey string
	maxLen    int64
}

// NewRedisTransport connects to Redis and verifies reachability.
func NewRedisTransport(ctx context.Context, url, streamKey string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("outbox: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("outbox: ping redis: %w", err)
	}
	return &RedisTransport{client: client, streamKey: streamKey, maxLen: 100_000}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, subject string, envelope []byte) error {
	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.streamKey,
		MaxLen: t.maxLen,
		Approx: true,
		Values: map[string]any{
			"subject":  subject,
			"envelope": envelope,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("outbox: xadd %s: %w", t.streamKey, err)
	}
	return nil
}

func (t *RedisTransport) Name() string { return "redis" }

// Close releases the Redis connection.
func (t *RedisTransport) Close() error { return t.client.Close() }
