package rollout

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"lpvalidation/services/analytics/internal/queue"
	"lpvalidation/services/analytics/internal/telemetry"
)

const (
	workerReadBlock   = 5 * time.Second
	workerErrorPause  = 2 * time.Second
	workerJobDeadline = 2 * time.Minute
)

// Worker drains the rollout queue one job at a time. Jobs are acked after
// handling whatever the outcome; a failed rollout leaves its branch behind
// and is not replayed.
type Worker struct {
	automation *Automation
	consumer   queue.Consumer
	logger     *zap.Logger
	metrics    *telemetry.Metrics
}

func NewWorker(automation *Automation, consumer queue.Consumer, logger *zap.Logger, metrics *telemetry.Metrics) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{automation: automation, consumer: consumer, logger: logger, metrics: metrics}
}

func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.ProcessBatch(ctx, workerReadBlock); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Warn("rollout worker read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(workerErrorPause):
			}
		}
	}
}

// ProcessBatch reads one job and handles it. It returns the number of jobs
// handled.
func (w *Worker) ProcessBatch(ctx context.Context, block time.Duration) (int, error) {
	deliveries, err := w.consumer.Read(ctx, 1, block)
	if err != nil {
		return 0, err
	}

	for _, delivery := range deliveries {
		w.handle(ctx, delivery)
		if err := w.consumer.Ack(ctx, delivery.MessageID); err != nil {
			return 0, err
		}
	}
	return len(deliveries), nil
}

func (w *Worker) handle(ctx context.Context, delivery queue.Delivery) {
	jobCtx, cancel := context.WithTimeout(ctx, workerJobDeadline)
	defer cancel()

	result, err := w.automation.HandleJob(jobCtx, delivery.Job)
	if err != nil {
		w.metrics.JobProcessed(false)
		w.logger.Error("rollout job rejected",
			zap.String("job_id", delivery.Job.ID),
			zap.String("kind", delivery.Job.Kind),
			zap.Error(err),
		)
		return
	}

	w.metrics.JobProcessed(result.Success)
	w.logger.Info("rollout job handled",
		zap.String("job_id", delivery.Job.ID),
		zap.String("kind", delivery.Job.Kind),
		zap.Bool("success", result.Success),
		zap.String("pr_url", result.PRURL),
		zap.String("error", result.Error),
	)
}
