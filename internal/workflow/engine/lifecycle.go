package engine

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/models"
)

// mutate runs a lifecycle mutation under the workflow lock: load, decide,
// append, project.
func (e *Engine) mutate(ctx context.Context, tc tenant.Context, workflowID string, perm tenant.Permission,
	fn func(state *models.WorkflowInstance, template *models.WorkflowTemplate, seq int64) ([]*models.WorkflowEvent, error),
) (*models.WorkflowInstance, error) {
	if !tc.Can(perm) {
		return nil, models.NewError(models.KindPermissionDenied,
			"actor %s lacks %s", tc.Actor.ID, perm)
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
	template, err := e.template(state)
	if err != nil {
		return nil, err
	}
	seq, err := e.events.NextSequence(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	events, err := fn(state, template, seq)
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx, tc, state, events); err != nil {
		return nil, err
	}
	return state, nil
}

// Pause suspends an in-progress workflow at the workflow level. Pausing a
// workflow that is already paused is a no-op.
func (e *Engine) Pause(ctx context.Context, tc tenant.Context, workflowID string) (*models.WorkflowInstance, error) {
	return e.mutate(ctx, tc, workflowID, tenant.PermWorkflowExecute,
		func(state *models.WorkflowInstance, _ *models.WorkflowTemplate, seq int64) ([]*models.WorkflowEvent, error) {
			if state.Status == models.StatusPaused {
				return nil, nil
			}
			if state.Status != models.StatusInProgress {
				return nil, models.NewError(models.KindInvalidTransition,
					"only an in_progress workflow can be paused, not %s", state.Status).
					WithWorkflow(workflowID, state.CurrentStepID)
			}
			return []*models.WorkflowEvent{
				e.newEvent(state, seq, models.EventWorkflowPaused, "", nil, tc.Actor),
			}, nil
		})
}

// Resume reactivates a paused or rolled back workflow. Resuming a workflow
// that is already in progress is a no-op.
func (e *Engine) Resume(ctx context.Context, tc tenant.Context, workflowID string) (*models.WorkflowInstance, error) {
	return e.mutate(ctx, tc, workflowID, tenant.PermWorkflowExecute,
		func(state *models.WorkflowInstance, _ *models.WorkflowTemplate, seq int64) ([]*models.WorkflowEvent, error) {
			if state.Status == models.StatusInProgress {
				return nil, nil
			}
			if state.Status != models.StatusPaused && state.Status != models.StatusRolledBack {
				return nil, models.NewError(models.KindInvalidTransition,
					"only a paused or rolled back workflow can be resumed, not %s", state.Status).
					WithWorkflow(workflowID, state.CurrentStepID)
			}
			return []*models.WorkflowEvent{
				e.newEvent(state, seq, models.EventWorkflowResumed, "", nil, tc.Actor),
			}, nil
		})
}

// Cancel terminates a workflow without compensation. Completed steps keep
// their external effects; a rollback before cancellation undoes them.
func (e *Engine) Cancel(ctx context.Context, tc tenant.Context, workflowID, reason string) (*models.WorkflowInstance, error) {
	return e.mutate(ctx, tc, workflowID, tenant.PermWorkflowCancel,
		func(state *models.WorkflowInstance, _ *models.WorkflowTemplate, seq int64) ([]*models.WorkflowEvent, error) {
			if state.Status.IsTerminal() {
				return nil, models.NewError(models.KindInvalidTransition,
					"workflow is already %s", state.Status).WithWorkflow(workflowID, state.CurrentStepID)
			}
			return []*models.WorkflowEvent{
				e.newEvent(state, seq, models.EventWorkflowCancelled, "", map[string]any{"reason": reason}, tc.Actor),
			}, nil
		})
}

// Validate checks submission readiness without changing status: every
// required step completed and every template rule satisfied. The result is
// recorded in the log either way.
func (e *Engine) Validate(ctx context.Context, tc tenant.Context, workflowID string) (*models.WorkflowInstance, error) {
	var failures []models.FieldError
	state, err := e.mutate(ctx, tc, workflowID, tenant.PermWorkflowRead,
		func(state *models.WorkflowInstance, template *models.WorkflowTemplate, seq int64) ([]*models.WorkflowEvent, error) {
			failures = submissionFailures(state, template)
			if len(failures) > 0 {
				var errs []any
				for _, fe := range failures {
					errs = append(errs, map[string]any{"field": fe.Field, "message": fe.Message})
				}
				return []*models.WorkflowEvent{
					e.newEvent(state, seq, models.EventValidationFailed, "", map[string]any{"errors": errs}, tc.Actor),
				}, nil
			}
			return []*models.WorkflowEvent{
				e.newEvent(state, seq, models.EventValidationPassed, "", nil, tc.Actor),
			}, nil
		})
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		return state, models.ValidationError("workflow is not ready for submission", failures).
			WithWorkflow(workflowID, state.CurrentStepID)
	}
	return state, nil
}

// Submit hands the workflow over for regulatory review. Submission revalidates
// under the lock; a workflow that fails validation stays where it is.
func (e *Engine) Submit(ctx context.Context, tc tenant.Context, workflowID string) (*models.WorkflowInstance, error) {
	return e.mutate(ctx, tc, workflowID, tenant.PermWorkflowSubmit,
		func(state *models.WorkflowInstance, template *models.WorkflowTemplate, seq int64) ([]*models.WorkflowEvent, error) {
			if state.Status != models.StatusInProgress && state.Status != models.StatusAwaitingValidation {
				return nil, models.NewError(models.KindInvalidTransition,
					"a %s workflow cannot be submitted", state.Status).
					WithWorkflow(workflowID, state.CurrentStepID)
			}
			if failures := submissionFailures(state, template); len(failures) > 0 {
				return nil, models.ValidationError("workflow is not ready for submission", failures).
					WithWorkflow(workflowID, state.CurrentStepID)
			}
			return []*models.WorkflowEvent{
				e.newEvent(state, seq, models.EventValidationPassed, "", nil, tc.Actor),
				e.newEvent(state, seq+1, models.EventWorkflowSubmitted, "", nil, tc.Actor),
			}, nil
		})
}

// Approve completes a submitted workflow.
func (e *Engine) Approve(ctx context.Context, tc tenant.Context, workflowID, comments string) (*models.WorkflowInstance, error) {
	state, err := e.mutate(ctx, tc, workflowID, tenant.PermWorkflowApprove,
		func(state *models.WorkflowInstance, _ *models.WorkflowTemplate, seq int64) ([]*models.WorkflowEvent, error) {
			if state.Status != models.StatusSubmitted {
				return nil, models.NewError(models.KindInvalidTransition,
					"only a submitted workflow can be approved, not %s", state.Status).
					WithWorkflow(workflowID, state.CurrentStepID)
			}
			return []*models.WorkflowEvent{
				e.newEvent(state, seq, models.EventWorkflowCompleted, "", map[string]any{"comments": comments}, tc.Actor),
			}, nil
		})
	if err != nil {
		return nil, err
	}
	e.logger.Info("Workflow completed",
		zap.String("workflow_id", workflowID),
		zap.String("tenant_id", state.TenantID))
	return state, nil
}

// Reject returns a submitted workflow for correction. The workflow lands on
// returnTo when one is given, compensating every step completed after it;
// with no target it steps back past the most recent completion.
func (e *Engine) Reject(ctx context.Context, tc tenant.Context, workflowID, comments, returnTo string) (*models.WorkflowInstance, error) {
	if !tc.Can(tenant.PermWorkflowApprove) {
		return nil, models.NewError(models.KindPermissionDenied,
			"actor %s may not reject workflows", tc.Actor.ID)
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
	if state.Status != models.StatusSubmitted {
		return nil, models.NewError(models.KindInvalidTransition,
			"only a submitted workflow can be rejected, not %s", state.Status).
			WithWorkflow(workflowID, state.CurrentStepID)
	}
	template, err := e.template(state)
	if err != nil {
		return nil, err
	}
	if returnTo == "" {
		returnTo = stepBeforeLastCompleted(state)
	}
	plan, err := e.saga.Plan(state, template, returnTo)
	if err != nil {
		return nil, err
	}

	record := e.recorder(ctx, tc, state)
	if err := record(models.EventWorkflowResumed, "", map[string]any{
		"rejected":  true,
		"comments":  comments,
		"return_to": returnTo,
	}); err != nil {
		return nil, err
	}
	if err := e.runCompensation(ctx, tc, state, plan, returnTo, record); err != nil {
		return state, err
	}

	e.logger.Info("Workflow rejected",
		zap.String("workflow_id", workflowID),
		zap.String("return_to", returnTo))
	return state, nil
}

// stepBeforeLastCompleted returns the step completed immediately before the
// most recent completion, or empty when fewer than two steps have completed.
func stepBeforeLastCompleted(state *models.WorkflowInstance) string {
	type done struct {
		id string
		at time.Time
	}
	var completed []done
	for id, st := range state.StepStates {
		if st.Status == models.StepStatusCompleted && st.CompletedAt != nil {
			completed = append(completed, done{id: id, at: *st.CompletedAt})
		}
	}
	if len(completed) < 2 {
		return ""
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].at.Before(completed[j].at) })
	return completed[len(completed)-2].id
}

// submissionFailures collects everything blocking submission.
func submissionFailures(state *models.WorkflowInstance, template *models.WorkflowTemplate) []models.FieldError {
	var failures []models.FieldError
	for _, def := range template.Steps {
		if !def.Required {
			continue
		}
		st := state.StepStates[def.ID]
		if st == nil || st.Status != models.StepStatusCompleted {
			failures = append(failures, models.FieldError{
				Field:   def.ID,
				Message: "required step is not completed",
			})
		}
	}
	for _, rule := range template.Rules {
		if fe, ok := ruleFailure(state, template, rule); !ok {
			failures = append(failures, fe)
		}
	}
	return failures
}

// ruleFailure evaluates one template rule; ok means the rule passed.
func ruleFailure(state *models.WorkflowInstance, template *models.WorkflowTemplate, rule models.TemplateRule) (models.FieldError, bool) {
	switch rule.Kind {
	case "required_steps_completed":
		for _, def := range template.Steps {
			if !def.Required {
				continue
			}
			st := state.StepStates[def.ID]
			if st == nil || st.Status != models.StepStatusCompleted {
				return models.FieldError{Field: rule.ID, Message: ruleMessage(rule)}, false
			}
		}
		return models.FieldError{}, true

	case "field_equals":
		stepID, _ := rule.Config["step_id"].(string)
		field, _ := rule.Config["field"].(string)
		want := rule.Config["value"]
		st := state.StepStates[stepID]
		if st == nil || st.Data == nil || st.Data[field] != want {
			return models.FieldError{Field: rule.ID, Message: ruleMessage(rule)}, false
		}
		return models.FieldError{}, true

	default:
		// An unknown rule kind fails closed: it cannot be silently satisfied.
		return models.FieldError{Field: rule.ID, Message: "unknown rule kind " + rule.Kind}, false
	}
}

func ruleMessage(rule models.TemplateRule) string {
	if rule.Message != "" {
		return rule.Message
	}
	return "rule " + rule.ID + " is not satisfied"
}
