package rollout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"lpvalidation/services/analytics/internal/queue"
)

type optimizationJob struct {
	Result  OptimizationResult `json:"result"`
	Options Options            `json:"options"`
}

func (a *Automation) NewOptimizationJob(result OptimizationResult, opts Options) (queue.RolloutJob, error) {
	return a.newJob(KindOptimization, optimizationJob{Result: result, Options: opts})
}

func (a *Automation) NewPhaseTransitionJob(result PhaseTransitionResult) (queue.RolloutJob, error) {
	return a.newJob(KindPhaseTransition, result)
}

func (a *Automation) newJob(kind Kind, body any) (queue.RolloutJob, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return queue.RolloutJob{}, fmt.Errorf("encode %s job: %w", kind, err)
	}
	return queue.RolloutJob{
		ID:         uuid.NewString(),
		Kind:       string(kind),
		Payload:    payload,
		EnqueuedAt: a.now().UTC(),
	}, nil
}

// HandleJob runs a queued rollout. An error means the job itself was
// unreadable; an unsuccessful rollout is reported in the PRResult.
func (a *Automation) HandleJob(ctx context.Context, job queue.RolloutJob) (PRResult, error) {
	switch Kind(job.Kind) {
	case KindOptimization:
		var body optimizationJob
		if err := json.Unmarshal(job.Payload, &body); err != nil {
			return PRResult{}, fmt.Errorf("decode optimization job %s: %w", job.ID, err)
		}
		return a.CreateOptimizationPR(ctx, body.Result, body.Options), nil
	case KindPhaseTransition:
		var body PhaseTransitionResult
		if err := json.Unmarshal(job.Payload, &body); err != nil {
			return PRResult{}, fmt.Errorf("decode phase transition job %s: %w", job.ID, err)
		}
		return a.CreatePhaseTransitionPR(ctx, body), nil
	default:
		return PRResult{}, fmt.Errorf("unknown rollout job kind %q", job.Kind)
	}
}
