package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultChannelPrefix prefixes redis pub/sub channels, one per event type.
	DefaultChannelPrefix = "pos.events"
	// TaskEventDelivered is the asynq task type carrying an Envelope.
	TaskEventDelivered = "pos:event"
	// QueueEvents is the asynq queue used for event tasks.
	QueueEvents = "events"
)

// RedisSubscriber republishes envelopes on redis pub/sub.
type RedisSubscriber struct {
	client *redis.Client
	prefix string
}

// NewRedisSubscriber constructs a RedisSubscriber.
func NewRedisSubscriber(client *redis.Client, prefix string) *RedisSubscriber {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisSubscriber{client: client, prefix: prefix}
}

// Channel returns the channel used for t.
func (s *RedisSubscriber) Channel(t Type) string {
	return s.prefix + "." + string(t)
}

// Handle implements Subscriber.
func (s *RedisSubscriber) Handle(ctx context.Context, env Envelope) error {
	if s == nil || s.client == nil {
		return errors.New("events: redis client not configured")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.Channel(env.Type), raw).Err()
}

// Enqueuer is the subset of *asynq.Client used by AsynqSubscriber.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqSubscriber hands envelopes to background workers through asynq.
type AsynqSubscriber struct {
	client Enqueuer
	queue  string
}

// NewAsynqSubscriber constructs an AsynqSubscriber.
func NewAsynqSubscriber(client Enqueuer, queue string) *AsynqSubscriber {
	if queue == "" {
		queue = QueueEvents
	}
	return &AsynqSubscriber{client: client, queue: queue}
}

// NewEventTask wraps env in an asynq task. The envelope ID doubles as the
// task ID so a redelivered envelope is not enqueued twice.
func NewEventTask(env Envelope) (*asynq.Task, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskEventDelivered, raw, asynq.TaskID(env.ID.String())), nil
}

// ParseEventTask decodes the envelope carried by t.
func ParseEventTask(t *asynq.Task) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(t.Payload(), &env); err != nil {
		return Envelope{}, fmt.Errorf("events: parse task: %w", err)
	}
	return env, nil
}

// Handle implements Subscriber.
func (s *AsynqSubscriber) Handle(ctx context.Context, env Envelope) error {
	if s == nil || s.client == nil {
		return errors.New("events: asynq client not configured")
	}
	task, err := NewEventTask(env)
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task, asynq.Queue(s.queue), asynq.MaxRetry(5))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// LogSubscriber writes every envelope to a structured log.
type LogSubscriber struct {
	logger *slog.Logger
}

// NewLogSubscriber constructs a LogSubscriber.
func NewLogSubscriber(logger *slog.Logger) *LogSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSubscriber{logger: logger}
}

// Handle implements Subscriber.
func (s *LogSubscriber) Handle(ctx context.Context, env Envelope) error {
	s.logger.InfoContext(ctx, "register event",
		slog.String("event_type", string(env.Type)),
		slog.String("event_id", env.ID.String()),
		slog.String("store_id", env.StoreID),
		slog.Time("occurred_at", env.OccurredAt),
	)
	return nil
}
