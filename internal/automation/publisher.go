package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"relay-crm/shared/config"
	"relay-crm/shared/metricsx"
)

// Enqueuer is the slice of asynq.Client the publisher needs; tests substitute
// an in-memory fake.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Publisher is the producer-facing entry point. Publish appends one durable
// job and returns without waiting for any rule to evaluate; the enqueue wait
// is bounded so a stalled queue fails fast instead of stalling the caller.
type Publisher struct {
	client         Enqueuer
	queue          string
	maxRetry       int
	jobTimeout     time.Duration
	publishTimeout time.Duration
}

func NewPublisher(client Enqueuer, cfg config.Config) *Publisher {
	return &Publisher{
		client:         client,
		queue:          cfg.AsynqQueue,
		maxRetry:       cfg.QueueMaxRetry,
		jobTimeout:     time.Duration(cfg.ActionTimeoutMS) * time.Millisecond * 6,
		publishTimeout: time.Duration(cfg.PublishTimeoutMS) * time.Millisecond,
	}
}

func (p *Publisher) Publish(ctx context.Context, eventType EventType, orgID uuid.UUID, data any) (uuid.UUID, error) {
	if !eventType.Valid() {
		return uuid.Nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if orgID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("organization id is required")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode event data: %w", err)
	}
	env := Envelope{
		EventID:   uuid.New(),
		Type:      eventType,
		OrgID:     orgID,
		Timestamp: time.Now().UTC().UnixMilli(),
		Data:      raw,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode event envelope: %w", err)
	}

	task := asynq.NewTask(TaskTypeEvent, payload,
		asynq.Queue(p.queue),
		asynq.MaxRetry(p.maxRetry),
		asynq.Timeout(p.jobTimeout),
		asynq.TaskID(env.EventID.String()),
	)

	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	if _, err := p.client.EnqueueContext(ctx, task); err != nil {
		metricsx.IncPublishFailure()
		return uuid.Nil, fmt.Errorf("enqueue automation event: %w", err)
	}
	metricsx.IncEventPublished(string(eventType))
	return env.EventID, nil
}
