package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/models"
	"github.com/enerflow/enerflow/internal/workflow/statemachine"
	"github.com/enerflow/enerflow/internal/workflow/steps"
)

// ExecuteStep runs one step of a workflow. The step handler runs outside the
// workflow lock; the lock is held only to append the start marker and, once
// the handler returns, its outcome. A workflow changed by someone else in
// between is a conflicting write.
func (e *Engine) ExecuteStep(ctx context.Context, tc tenant.Context, workflowID, stepID string, input map[string]any) (*models.WorkflowInstance, error) {
	if !tc.Can(tenant.PermWorkflowExecute) {
		return nil, models.NewError(models.KindPermissionDenied, "actor %s may not execute steps", tc.Actor.ID)
	}

	state, step, err := e.startStep(ctx, tc, workflowID, stepID)
	if err != nil {
		return nil, err
	}

	handler, err := e.handlers.Get(step.Type)
	if err != nil {
		return nil, e.failStep(ctx, tc, workflowID, stepID, nil, err.Error())
	}

	req := &steps.Request{Workflow: state, Step: step, Input: input, Actor: tc.Actor}
	outcome, handlerErr := e.runHandler(ctx, step, func(ctx context.Context) (*steps.Outcome, error) {
		return handler.Execute(ctx, req)
	})
	return e.finishStep(ctx, tc, workflowID, step, outcome, handlerErr)
}

// startStep validates the transition and appends WORKFLOW_STARTED (on the
// first step) and STEP_STARTED under the workflow lock.
func (e *Engine) startStep(ctx context.Context, tc tenant.Context, workflowID, stepID string) (*models.WorkflowInstance, *models.StepDefinition, error) {
	release, err := e.locks.acquire(ctx, workflowID, e.opts.LockWait)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	state, err := e.loadState(ctx, tc, workflowID)
	if err != nil {
		return nil, nil, err
	}
	template, err := e.template(state)
	if err != nil {
		return nil, nil, err
	}
	if state.Status == models.StatusPaused {
		return nil, nil, models.NewError(models.KindInvalidTransition,
			"workflow is paused").WithWorkflow(workflowID, stepID)
	}
	// A step already in progress belongs to another caller whose handler is
	// still in flight; the loser appends nothing. Recorded validation errors
	// mean the step is waiting for corrected data, not executing.
	if st := state.StepStates[stepID]; st != nil &&
		st.Status == models.StepStatusInProgress && len(st.ValidationErrors) == 0 {
		return nil, nil, models.NewError(models.KindConflictingWrite,
			"step %s is already executing", stepID).WithWorkflow(workflowID, stepID)
	}
	machine := statemachine.New(state, template)
	if err := machine.ValidateTransition(stepID); err != nil {
		return nil, nil, err
	}
	step := template.Step(stepID)

	seq, err := e.events.NextSequence(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	var events []*models.WorkflowEvent
	if state.Status == models.StatusDraft || state.Status == models.StatusRolledBack {
		events = append(events, e.newEvent(state, seq, models.EventWorkflowStarted, "", nil, tc.Actor))
		seq++
	}
	events = append(events, e.newEvent(state, seq, models.EventStepStarted, stepID, nil, tc.Actor))

	if err := e.commit(ctx, tc, state, events); err != nil {
		return nil, nil, err
	}
	return state, step, nil
}

// runHandler executes a handler function under the step's timeout.
func (e *Engine) runHandler(ctx context.Context, step *models.StepDefinition, fn func(ctx context.Context) (*steps.Outcome, error)) (*steps.Outcome, error) {
	timeout := e.opts.DefaultStepTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := fn(hctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, models.NewError(models.KindTimeout, "step exceeded its %s timeout", timeout)
	}
	return outcome, err
}

// finishStep reacquires the lock and records the handler's outcome. The
// workflow must still be where startStep left it; any interleaved mutation
// turns the outcome into a conflicting write.
func (e *Engine) finishStep(ctx context.Context, tc tenant.Context, workflowID string, step *models.StepDefinition, outcome *steps.Outcome, handlerErr error) (*models.WorkflowInstance, error) {
	release, err := e.locks.acquire(ctx, workflowID, e.opts.LockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	state, err := e.loadState(ctx, tc, workflowID)
	if err != nil {
		return nil, err
	}
	st := state.StepStates[step.ID]
	if st == nil || st.Status != models.StepStatusInProgress {
		return nil, models.NewError(models.KindConflictingWrite,
			"workflow changed while the step was executing").WithWorkflow(workflowID, step.ID)
	}
	template, err := e.template(state)
	if err != nil {
		return nil, err
	}
	seq, err := e.events.NextSequence(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if handlerErr != nil {
		return state, e.recordFailure(ctx, tc, state, step.ID, seq, handlerErr)
	}

	var events []*models.WorkflowEvent
	for _, rec := range outcome.Records {
		events = append(events, e.newEvent(state, seq, rec.Type, step.ID, rec.Payload, tc.Actor))
		seq++
	}

	switch {
	case outcome.Suspend != nil:
		expiry := e.bookmarkExpiry(outcome.Suspend.ExpiresIn)
		b, err := e.bookmarks.Create(ctx, workflowID, step.ID, outcome.Suspend.Kind, outcome.Suspend.ExpectedPayload, expiry)
		if err != nil {
			return nil, err
		}
		events = append(events, e.newEvent(state, seq, models.EventStepPaused, step.ID, map[string]any{
			"bookmark_id": b.ID,
			"kind":        string(b.Kind),
		}, tc.Actor))

	case outcome.Failed:
		events = append(events, e.newEvent(state, seq, models.EventStepFailed, step.ID, map[string]any{
			"error": outcome.FailureReason,
		}, tc.Actor))

	case outcome.Completed:
		next := outcome.NextStepID
		if next != "" && !template.CanTransition(step.ID, next) {
			return nil, models.NewError(models.KindInvalidTransition,
				"step %s is not reachable from %s", next, step.ID).WithWorkflow(workflowID, step.ID)
		}
		payload := map[string]any{"data": outcome.Data}
		if next != "" {
			payload["next_step_id"] = next
		}
		if len(template.Transitions(step.ID)) == 0 {
			payload["final"] = true
		}
		events = append(events, e.newEvent(state, seq, models.EventStepCompleted, step.ID, payload, tc.Actor))

	default:
		return nil, models.NewError(models.KindIntegrity,
			"step handler returned an empty outcome").WithWorkflow(workflowID, step.ID)
	}

	if err := e.commit(ctx, tc, state, events); err != nil {
		return nil, err
	}
	if outcome.Failed {
		return state, models.NewError(models.KindExternalPermanent, "%s", outcome.FailureReason).
			WithWorkflow(workflowID, step.ID)
	}
	return state, nil
}

// recordFailure appends the events describing a handler error and returns the
// error. Validation failures leave the step in progress so the data can be
// corrected and resubmitted; everything else fails the step.
func (e *Engine) recordFailure(ctx context.Context, tc tenant.Context, state *models.WorkflowInstance, stepID string, seq int64, handlerErr error) error {
	var events []*models.WorkflowEvent
	if models.IsKind(handlerErr, models.KindValidation) {
		var fieldErrs []any
		var structured *models.Error
		if errors.As(handlerErr, &structured) {
			for _, fe := range structured.FieldErrors {
				fieldErrs = append(fieldErrs, map[string]any{"field": fe.Field, "message": fe.Message})
			}
		}
		events = append(events, e.newEvent(state, seq, models.EventValidationFailed, stepID, map[string]any{
			"errors": fieldErrs,
		}, tc.Actor))
	} else {
		events = append(events, e.newEvent(state, seq, models.EventStepFailed, stepID, map[string]any{
			"error": handlerErr.Error(),
		}, tc.Actor))
	}
	if err := e.commit(ctx, tc, state, events); err != nil {
		return err
	}
	return handlerErr
}

// failStep records a step failure outside the normal outcome path.
func (e *Engine) failStep(ctx context.Context, tc tenant.Context, workflowID, stepID string, state *models.WorkflowInstance, reason string) error {
	release, err := e.locks.acquire(ctx, workflowID, e.opts.LockWait)
	if err != nil {
		return err
	}
	defer release()

	if state == nil {
		state, err = e.loadState(ctx, tc, workflowID)
		if err != nil {
			return err
		}
	}
	seq, err := e.events.NextSequence(ctx, workflowID)
	if err != nil {
		return err
	}
	ev := e.newEvent(state, seq, models.EventStepFailed, stepID, map[string]any{"error": reason}, tc.Actor)
	if err := e.commit(ctx, tc, state, []*models.WorkflowEvent{ev}); err != nil {
		return err
	}
	return models.NewError(models.KindExternalPermanent, "%s", reason).WithWorkflow(workflowID, stepID)
}

func (e *Engine) bookmarkExpiry(requested time.Duration) *time.Time {
	d := requested
	if d <= 0 {
		d = e.opts.BookmarkExpiry
	}
	if d <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(d)
	return &t
}

// ResumeBookmark delivers an external signal to a suspended step. The
// bookmark is consumed exactly once; a second delivery fails without touching
// the workflow.
func (e *Engine) ResumeBookmark(ctx context.Context, tc tenant.Context, bookmarkID string, payload map[string]any) (*models.WorkflowInstance, error) {
	b, err := e.bookmarks.Get(ctx, bookmarkID)
	if err != nil {
		return nil, err
	}

	state, step, err := e.resumeStart(ctx, tc, b)
	if err != nil {
		return nil, err
	}

	handler, err := e.handlers.Get(step.Type)
	if err != nil {
		return nil, err
	}
	req := &steps.Request{Workflow: state, Step: step, Actor: tc.Actor}
	outcome, handlerErr := e.runHandler(ctx, step, func(ctx context.Context) (*steps.Outcome, error) {
		return handler.Resume(ctx, req, payload)
	})
	return e.finishStep(ctx, tc, b.WorkflowID, step, outcome, handlerErr)
}

// resumeStart consumes the bookmark and appends STEP_RESUMED under the lock.
func (e *Engine) resumeStart(ctx context.Context, tc tenant.Context, b *models.Bookmark) (*models.WorkflowInstance, *models.StepDefinition, error) {
	release, err := e.locks.acquire(ctx, b.WorkflowID, e.opts.LockWait)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	state, err := e.loadState(ctx, tc, b.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	if err := e.checkResumePermission(tc, b); err != nil {
		return nil, nil, err
	}
	if state.Status.IsTerminal() {
		return nil, nil, models.NewError(models.KindInvalidTransition,
			"workflow is %s and admits no further transitions", state.Status).
			WithWorkflow(state.ID, b.StepID)
	}
	template, err := e.template(state)
	if err != nil {
		return nil, nil, err
	}
	step := template.Step(b.StepID)
	if step == nil {
		return nil, nil, models.NewError(models.KindIntegrity,
			"bookmark references unknown step %s", b.StepID).WithWorkflow(state.ID, b.StepID)
	}

	if _, err := e.bookmarks.Consume(ctx, b.ID); err != nil {
		return nil, nil, err
	}

	seq, err := e.events.NextSequence(ctx, state.ID)
	if err != nil {
		return nil, nil, err
	}
	ev := e.newEvent(state, seq, models.EventStepResumed, b.StepID, map[string]any{
		"bookmark_id": b.ID,
	}, tc.Actor)
	if err := e.commit(ctx, tc, state, []*models.WorkflowEvent{ev}); err != nil {
		return nil, nil, err
	}

	e.logger.Info("Resumed suspended step",
		zap.String("workflow_id", state.ID),
		zap.String("step_id", b.StepID),
		zap.String("bookmark_id", b.ID))
	return state, step, nil
}

// checkResumePermission maps the bookmark kind to the permission it needs:
// approvals require approve, everything else requires execute.
func (e *Engine) checkResumePermission(tc tenant.Context, b *models.Bookmark) error {
	perm := tenant.PermWorkflowExecute
	if b.Kind == models.BookmarkKindApproval {
		perm = tenant.PermWorkflowApprove
	}
	if !tc.Can(perm) {
		return models.NewError(models.KindPermissionDenied,
			"actor %s may not resume %s bookmarks", tc.Actor.ID, b.Kind)
	}
	return nil
}
