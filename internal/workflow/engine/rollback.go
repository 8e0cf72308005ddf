package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/models"
	"github.com/enerflow/enerflow/internal/workflow/saga"
)

// Rollback compensates completed steps in reverse completion order, back to
// (and excluding) toStepID; an empty target rolls back the whole workflow.
// Each compensation is committed to the log as it happens, so an interrupted
// rollback shows exactly how far it got. The first compensation failure
// aborts the rollback and fails the workflow.
func (e *Engine) Rollback(ctx context.Context, tc tenant.Context, workflowID, toStepID string) (*models.WorkflowInstance, error) {
	if !tc.Can(tenant.PermWorkflowRollback) {
		return nil, models.NewError(models.KindPermissionDenied,
			"actor %s may not roll back workflows", tc.Actor.ID)
	}

	release, err := e.locks.acquire(ctx, workflowID, e.opts.LockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	state, err := e.loadState(ctx, tc, workflowID)
	if err != nil {
		return nil, err
	}
	if state.Status.IsTerminal() {
		return nil, models.NewError(models.KindInvalidTransition,
			"workflow is %s and cannot be rolled back", state.Status).
			WithWorkflow(workflowID, state.CurrentStepID)
	}
	template, err := e.template(state)
	if err != nil {
		return nil, err
	}

	plan, err := e.saga.Plan(state, template, toStepID)
	if err != nil {
		return nil, err
	}
	log := e.logger.WithWorkflowID(workflowID)
	log.Info("Starting rollback",
		zap.String("to_step_id", toStepID),
		zap.Int("steps_to_compensate", len(plan)))

	if err := e.runCompensation(ctx, tc, state, plan, toStepID, e.recorder(ctx, tc, state)); err != nil {
		return state, err
	}

	log.Info("Rollback complete", zap.String("to_step_id", toStepID))
	return state, nil
}

// recorder appends one event at a time under the lock the caller holds, so a
// partially executed compensation is visible in the log.
func (e *Engine) recorder(ctx context.Context, tc tenant.Context, state *models.WorkflowInstance) saga.Recorder {
	return func(eventType models.EventType, stepID string, payload map[string]any) error {
		seq, err := e.events.NextSequence(ctx, state.ID)
		if err != nil {
			return err
		}
		ev := e.newEvent(state, seq, eventType, stepID, payload, tc.Actor)
		return e.commit(ctx, tc, state, []*models.WorkflowEvent{ev})
	}
}

// runCompensation executes a prepared plan and closes the log with
// WORKFLOW_ROLLED_BACK, or WORKFLOW_FAILED when a compensation fails.
func (e *Engine) runCompensation(ctx context.Context, tc tenant.Context, state *models.WorkflowInstance,
	plan []*models.StepDefinition, toStepID string, record saga.Recorder,
) error {
	if sagaErr := e.saga.Compensate(ctx, tc.Actor, state, plan, record); sagaErr != nil {
		if err := record(models.EventWorkflowFailed, "", map[string]any{
			"error": sagaErr.Error(),
		}); err != nil {
			return err
		}
		return sagaErr
	}
	return record(models.EventWorkflowRolledBack, "", map[string]any{
		"to_step_id": toStepID,
	})
}
