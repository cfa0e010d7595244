package confidence

import (
	"context"

	"github.com/ShayCichocki/steward/pkg/models"
)

// OutcomeRecorder persists the outcome of every dispatched action.
type OutcomeRecorder interface {
	RecordExecution(ctx context.Context, agent, action string, actx models.ActionContext,
		success bool, durationMs int64, mode models.ExecutionMode) error
}

// invalidatingRecorder drops the cached scores for an agent and action whenever
// an outcome for them is recorded, whether or not persistence succeeds.
type invalidatingRecorder struct {
	next   OutcomeRecorder
	scorer *Scorer
}

// Recorder wraps next so every recorded outcome invalidates the matching cache entries.
func (s *Scorer) Recorder(next OutcomeRecorder) OutcomeRecorder {
	return &invalidatingRecorder{next: next, scorer: s}
}

func (r *invalidatingRecorder) RecordExecution(ctx context.Context, agent, action string, actx models.ActionContext,
	success bool, durationMs int64, mode models.ExecutionMode) error {
	defer r.scorer.InvalidateAction(agent, action)
	return r.next.RecordExecution(ctx, agent, action, actx, success, durationMs, mode)
}
