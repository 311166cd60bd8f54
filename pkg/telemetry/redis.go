package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream decision events are appended to.
const DefaultStream = "arbiter:decisions"

// RedisSink appends events to a capped Redis stream for downstream
// consumers (dashboards, alerting).
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects a sink to the given stream. stream == "" uses
// DefaultStream; maxLen <= 0 leaves the stream uncapped.
func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Write(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("telemetry: marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"decision_id": ev.DecisionID,
			"verdict":     string(ev.Verdict),
			"event":       string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("telemetry: xadd: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error { return s.client.Close() }
