package queue

import (
	"context"
	"encoding/json"
	"time"
)

const DefaultRolloutQueue = "rollout-jobs"

// RolloutJob asks the worker to open a pull request. Payload holds the
// kind-specific request body.
type RolloutJob struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Delivery is a job read from the stream. It must be acked once handled.
type Delivery struct {
	MessageID string
	Job       RolloutJob
}

type QueueStats struct {
	Stream      string `json:"stream"`
	StreamDepth int64  `json:"streamDepth"`
	Pending     int64  `json:"pending"`
}

type Producer interface {
	EnqueueRolloutJob(ctx context.Context, job RolloutJob) error
	Close() error
}

type Consumer interface {
	Read(ctx context.Context, count int64, block time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, messageIDs ...string) error
}

type StatsProvider interface {
	QueueStats(ctx context.Context) (QueueStats, error)
}

type NoopProducer struct{}

func NewNoopProducer() *NoopProducer {
	return &NoopProducer{}
}

func (p *NoopProducer) EnqueueRolloutJob(_ context.Context, _ RolloutJob) error {
	return nil
}

func (p *NoopProducer) Close() error {
	return nil
}
