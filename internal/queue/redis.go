package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueue carries rollout jobs on a Redis stream read through a consumer
// group named "<stream>:group".
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	logger   *zap.Logger

	ensureMu     sync.Mutex
	groupEnsured bool
}

func NewRedisQueue(addr, password string, db int, stream string, logger *zap.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	if strings.TrimSpace(stream) == "" {
		stream = DefaultRolloutQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{
		client:   client,
		stream:   stream,
		group:    stream + ":group",
		consumer: "worker-" + uuid.NewString()[:8],
		logger:   logger,
	}, nil
}

func (q *RedisQueue) EnqueueRolloutJob(ctx context.Context, job RolloutJob) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"payload": string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("enqueue rollout job: %w", err)
	}
	return nil
}

// Read blocks up to block for new entries. Entries whose payload cannot be
// decoded are acked and dropped so they do not stay pending forever.
func (q *RedisQueue) Read(ctx context.Context, count int64, block time.Duration) ([]Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rollout jobs: %w", err)
	}

	var deliveries []Delivery
	for _, stream := range streams {
		for _, message := range stream.Messages {
			job, err := decodeJob(message.Values)
			if err != nil {
				q.logger.Warn("dropping malformed rollout job", zap.String("message_id", message.ID), zap.Error(err))
				if ackErr := q.Ack(ctx, message.ID); ackErr != nil {
					return deliveries, ackErr
				}
				continue
			}
			deliveries = append(deliveries, Delivery{MessageID: message.ID, Job: job})
		}
	}
	return deliveries, nil
}

func (q *RedisQueue) Ack(ctx context.Context, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.stream, q.group, messageIDs...).Err(); err != nil {
		return fmt.Errorf("ack rollout jobs: %w", err)
	}
	return nil
}

func (q *RedisQueue) QueueStats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{Stream: q.stream}

	exists, err := q.client.Exists(ctx, q.stream).Result()
	if err != nil {
		return stats, fmt.Errorf("stream lookup: %w", err)
	}
	if exists == 0 {
		return stats, nil
	}

	depth, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return stats, fmt.Errorf("stream depth: %w", err)
	}
	stats.StreamDepth = depth

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	switch {
	case err == nil:
		stats.Pending = pending.Count
	case isNoGroup(err):
	default:
		return stats, fmt.Errorf("stream pending: %w", err)
	}
	return stats, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	q.ensureMu.Lock()
	defer q.ensureMu.Unlock()
	if q.groupEnsured {
		return nil
	}

	keyType, err := q.client.Type(ctx, q.stream).Result()
	if err != nil {
		return err
	}
	if keyType != "none" && keyType != "stream" {
		return fmt.Errorf("unsupported redis key type=%s for queue %s", keyType, q.stream)
	}

	if err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err(); err != nil &&
		!strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	q.groupEnsured = true
	return nil
}

func decodeJob(values map[string]any) (RolloutJob, error) {
	raw, ok := values["payload"].(string)
	if !ok {
		return RolloutJob{}, fmt.Errorf("missing payload field")
	}
	var job RolloutJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return RolloutJob{}, err
	}
	if job.Kind == "" {
		return RolloutJob{}, fmt.Errorf("missing job kind")
	}
	return job, nil
}

func isNoGroup(err error) bool {
	return strings.Contains(err.Error(), "NOGROUP")
}
