package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentlanes/agentlanes/engine"
)

// DefaultStreamMaxLen bounds the stream so an abandoned topic cannot grow
// without limit. Trimming is approximate (XADD MAXLEN ~).
const DefaultStreamMaxLen = 10_000

// RedisPublisher appends events to a Redis Stream, one XADD per event, so
// external consumers (dashboards, auditors) can tail executions with XREAD.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisPublisher publishes to the named stream.
func NewRedisPublisher(client *redis.Client, stream string, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{
		client: client,
		stream: stream,
		maxLen: DefaultStreamMaxLen,
		logger: logger.With(zap.String("component", "redis_publisher")),
	}
}

// Emit appends the event. Publish failures are logged and dropped; the
// execution does not depend on the stream being reachable.
func (p *RedisPublisher) Emit(ev engine.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("event encoding failed", zap.String("channel", ev.Channel), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"channel":      ev.Channel,
			"execution_id": ev.ExecutionID,
			"event":        payload,
		},
	}).Err()
	if err != nil {
		p.logger.Warn("stream publish failed", zap.String("stream", p.stream), zap.Error(err))
	}
}

// Close releases the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
