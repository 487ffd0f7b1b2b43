package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/strategy_layer/pkg/logger"
)

// StreamAdder is the slice of the redis client used by RedisSink.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends events to a Redis stream.
type RedisSink struct {
	Client  StreamAdder
	Stream  string
	MaxLen  int64
	Timeout time.Duration
	log     *logger.Logger
}

var _ Sink = (*RedisSink)(nil)

// NewRedisSink writes to stream through client.
func NewRedisSink(client StreamAdder, stream string, maxLen int64, log *logger.Logger) *RedisSink {
	if log == nil {
		log = logger.NewDefault("events-redis")
	}
	return &RedisSink{
		Client:  client,
		Stream:  stream,
		MaxLen:  maxLen,
		Timeout: 2 * time.Second,
		log:     log,
	}
}

// DialRedis opens a client from a redis:// URL.
func DialRedis(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

// Emit implements Sink. Failures are logged and dropped.
func (s *RedisSink) Emit(ctx context.Context, event Event) {
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		s.log.WithError(err).WithField("event_id", event.ID).Warn("encode event attributes")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: s.Stream,
		MaxLen: s.MaxLen,
		Approx: s.MaxLen > 0,
		Values: map[string]interface{}{
			"id":          event.ID,
			"type":        string(event.Type),
			"timestamp":   event.Timestamp.UTC().Format(time.RFC3339Nano),
			"strategy_id": event.StrategyID,
			"token_id":    event.TokenID,
			"actor":       event.Actor,
			"attributes":  string(attrs),
		},
	}
	if err := s.Client.XAdd(ctx, args).Err(); err != nil {
		s.log.WithError(err).
			WithField("event_id", event.ID).
			WithField("stream", s.Stream).
			Warn("publish event to redis")
	}
}
