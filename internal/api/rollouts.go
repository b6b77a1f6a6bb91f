package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"lpvalidation/services/analytics/internal/queue"
	"lpvalidation/services/analytics/internal/rollout"
)

const queueBacklogThreshold = 100

type optimizationRolloutRequest struct {
	rollout.OptimizationResult
	Options rollout.Options `json:"options"`
}

func (h *Handler) createOptimizationRollout(w http.ResponseWriter, r *http.Request) {
	if !h.rolloutsEnabled(w) {
		return
	}

	var request optimizationRolloutRequest
	if !decodeBody(w, r, &request) {
		return
	}
	if err := request.OptimizationResult.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	if h.runInline(r) {
		result := h.rollouts.CreateOptimizationPR(r.Context(), request.OptimizationResult, request.Options)
		writeJSON(w, http.StatusOK, result)
		return
	}

	job, err := h.rollouts.NewOptimizationJob(request.OptimizationResult, request.Options)
	if err != nil {
		h.writeServiceError(w, "encode rollout job", err)
		return
	}
	h.enqueue(r.Context(), w, job)
}

func (h *Handler) createPhaseTransitionRollout(w http.ResponseWriter, r *http.Request) {
	if !h.rolloutsEnabled(w) {
		return
	}

	var result rollout.PhaseTransitionResult
	if !decodeBody(w, r, &result) {
		return
	}
	if err := result.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	if h.runInline(r) {
		writeJSON(w, http.StatusOK, h.rollouts.CreatePhaseTransitionPR(r.Context(), result))
		return
	}

	job, err := h.rollouts.NewPhaseTransitionJob(result)
	if err != nil {
		h.writeServiceError(w, "encode rollout job", err)
		return
	}
	h.enqueue(r.Context(), w, job)
}

func (h *Handler) enqueue(ctx context.Context, w http.ResponseWriter, job queue.RolloutJob) {
	if err := h.rolloutProducer.EnqueueRolloutJob(ctx, job); err != nil {
		h.logger.Error("enqueue rollout job failed",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
			zap.Error(err),
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rollout queue unavailable"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  job.ID,
		"kind":   job.Kind,
		"status": "queued",
	})
}

// runInline reports whether a rollout request is handled in the request
// instead of through the queue.
func (h *Handler) runInline(r *http.Request) bool {
	if sync, err := strconv.ParseBool(r.URL.Query().Get("sync")); err == nil && sync {
		return true
	}
	if h.rolloutProducer == nil {
		return true
	}
	_, noop := h.rolloutProducer.(*queue.NoopProducer)
	return noop
}

func (h *Handler) rolloutsEnabled(w http.ResponseWriter) bool {
	if h.rollouts == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rollout automation unavailable"})
		return false
	}
	return true
}

func (h *Handler) testConnection(w http.ResponseWriter, r *http.Request) {
	if !h.rolloutsEnabled(w) {
		return
	}

	status := h.rollouts.TestConnection(r.Context())
	code := http.StatusOK
	if !status.Success {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, status)
}

func (h *Handler) getQueueHealth(w http.ResponseWriter, r *http.Request) {
	if h.queueStatsProvider == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue stats unavailable"})
		return
	}

	stats, err := loadQueueStats(r.Context(), h.queueStatsProvider)
	if err != nil {
		h.logger.Warn("queue stats failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue stats unavailable"})
		return
	}

	status := "ok"
	if stats.Pending >= queueBacklogThreshold {
		status = "backlogged"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"stats":       stats,
		"collectedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

func loadQueueStats(parent context.Context, provider queue.StatsProvider) (queue.QueueStats, error) {
	ctx := parent
	cancel := func() {}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		ctx, cancel = context.WithTimeout(ctx, 1200*time.Millisecond)
	}
	defer cancel()

	return provider.QueueStats(ctx)
}
