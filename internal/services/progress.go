package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"aerostic/backend/internal/logging"
)

// ProgressEvent is one live update about an execution.
type ProgressEvent struct {
	ExecutionID string         `json:"executionId"`
	Event       string         `json:"event"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ProgressSubscriber streams the live events of one execution. The returned
// function ends the subscription and closes the channel.
type ProgressSubscriber interface {
	Subscribe(ctx context.Context, executionID string) (<-chan ProgressEvent, func(), error)
}

// NopProgressSink discards events.
type NopProgressSink struct{}

// EmitExecutionEvent does nothing.
func (NopProgressSink) EmitExecutionEvent(context.Context, string, string, map[string]any) {}

// RedisProgressSink publishes events on a per-execution Redis channel so
// every API instance can stream them.
type RedisProgressSink struct {
	client *redis.Client
	prefix string
	logger *logging.Logger
}

// NewRedisProgressSink creates a sink publishing on <prefix>:<executionId>.
func NewRedisProgressSink(client *redis.Client, prefix string, logger *logging.Logger) *RedisProgressSink {
	if prefix == "" {
		prefix = "automation:executions"
	}
	return &RedisProgressSink{client: client, prefix: prefix, logger: logger}
}

func (s *RedisProgressSink) channel(executionID string) string {
	return s.prefix + ":" + executionID
}

// EmitExecutionEvent publishes the event. Failures are logged and dropped.
func (s *RedisProgressSink) EmitExecutionEvent(ctx context.Context, executionID, event string, payload map[string]any) {
	data, err := json.Marshal(ProgressEvent{ExecutionID: executionID, Event: event, Payload: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		s.logger.Warn("Failed to encode progress event", "execution_id", executionID, "event", event, "error", err)
		return
	}
	if err := s.client.Publish(context.WithoutCancel(ctx), s.channel(executionID), data).Err(); err != nil {
		s.logger.Warn("Failed to publish progress event", "execution_id", executionID, "event", event, "error", err)
	}
}

// Subscribe listens on the execution's channel.
func (s *RedisProgressSink) Subscribe(ctx context.Context, executionID string) (<-chan ProgressEvent, func(), error) {
	sub := s.client.Subscribe(ctx, s.channel(executionID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan ProgressEvent, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

// LocalProgressBroker fans events out to in-process subscribers. It serves
// single-process deployments and tests.
type LocalProgressBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan ProgressEvent]struct{}
}

// NewLocalProgressBroker creates an empty broker.
func NewLocalProgressBroker() *LocalProgressBroker {
	return &LocalProgressBroker{subs: make(map[string]map[chan ProgressEvent]struct{})}
}

// EmitExecutionEvent delivers the event to current subscribers without
// blocking; slow subscribers miss events.
func (b *LocalProgressBroker) EmitExecutionEvent(_ context.Context, executionID, event string, payload map[string]any) {
	ev := ProgressEvent{ExecutionID: executionID, Event: event, Payload: payload, Timestamp: time.Now().UTC()}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[executionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a subscriber for one execution.
func (b *LocalProgressBroker) Subscribe(_ context.Context, executionID string) (<-chan ProgressEvent, func(), error) {
	ch := make(chan ProgressEvent, 64)
	b.mu.Lock()
	if b.subs[executionID] == nil {
		b.subs[executionID] = make(map[chan ProgressEvent]struct{})
	}
	b.subs[executionID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[executionID], ch)
			if len(b.subs[executionID]) == 0 {
				delete(b.subs, executionID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}
