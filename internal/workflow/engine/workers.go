package engine

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/models"
	"github.com/enerflow/enerflow/internal/workflow/steps"
)

// systemContext is the cross-tenant identity background workers run under.
func systemContext(id string) (tenant.Context, error) {
	return tenant.NewContext(tenant.Actor{ID: id, Role: tenant.RoleMarketOps})
}

// RunBookmarkSweeper expires overdue bookmarks on the given interval until
// the context is cancelled. Timer bookmarks fire their step's resumption;
// every other kind fails the waiting step.
func (e *Engine) RunBookmarkSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.SweepBookmarks(ctx); err != nil {
				e.logger.Error("Bookmark sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepBookmarks performs one expiry pass.
func (e *Engine) SweepBookmarks(ctx context.Context) error {
	tc, err := systemContext("system:bookmark-sweeper")
	if err != nil {
		return err
	}
	swept, err := e.bookmarks.Sweep(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, b := range swept {
		if err := e.handleExpiredBookmark(ctx, tc, b); err != nil {
			e.logger.Error("Failed to handle expired bookmark",
				zap.String("bookmark_id", b.ID),
				zap.String("workflow_id", b.WorkflowID),
				zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) handleExpiredBookmark(ctx context.Context, tc tenant.Context, b *models.Bookmark) error {
	if b.Kind == models.BookmarkKindTimer {
		return e.fireTimer(ctx, tc, b)
	}

	release, err := e.locks.acquire(ctx, b.WorkflowID, e.opts.LockWait)
	if err != nil {
		return err
	}
	defer release()

	state, err := e.loadState(ctx, tc, b.WorkflowID)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return nil
	}
	seq, err := e.events.NextSequence(ctx, b.WorkflowID)
	if err != nil {
		return err
	}
	ev := e.newEvent(state, seq, models.EventStepFailed, b.StepID, map[string]any{
		"error": "bookmark expired before the awaited signal arrived",
	}, tc.Actor)
	return e.commit(ctx, tc, state, []*models.WorkflowEvent{ev})
}

// fireTimer resumes a timer step whose wait elapsed. The sweep already
// consumed the bookmark, so the handler resumes directly.
func (e *Engine) fireTimer(ctx context.Context, tc tenant.Context, b *models.Bookmark) error {
	state, err := e.loadState(ctx, tc, b.WorkflowID)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		return nil
	}
	template, err := e.template(state)
	if err != nil {
		return err
	}
	step := template.Step(b.StepID)
	if step == nil {
		return models.NewError(models.KindIntegrity,
			"bookmark references unknown step %s", b.StepID).WithWorkflow(state.ID, b.StepID)
	}
	handler, err := e.handlers.Get(step.Type)
	if err != nil {
		return err
	}

	if err := func() error {
		release, err := e.locks.acquire(ctx, b.WorkflowID, e.opts.LockWait)
		if err != nil {
			return err
		}
		defer release()
		seq, err := e.events.NextSequence(ctx, b.WorkflowID)
		if err != nil {
			return err
		}
		ev := e.newEvent(state, seq, models.EventStepResumed, b.StepID, map[string]any{
			"bookmark_id": b.ID,
		}, tc.Actor)
		return e.commit(ctx, tc, state, []*models.WorkflowEvent{ev})
	}(); err != nil {
		return err
	}

	req := &steps.Request{Workflow: state, Step: step, Actor: tc.Actor}
	outcome, handlerErr := e.runHandler(ctx, step, func(ctx context.Context) (*steps.Outcome, error) {
		return handler.Resume(ctx, req, map[string]any{"timer_fired": true})
	})
	_, err = e.finishStep(ctx, tc, b.WorkflowID, step, outcome, handlerErr)
	return err
}

// RecoverInFlight re-issues steps that were mid-execution when the service
// died: in progress in the projected state with no bookmark to wait on. The
// idempotency key derived from the step identity lets a handler observe a
// call that already succeeded externally; only a permanent handler failure
// fails the step.
func (e *Engine) RecoverInFlight(ctx context.Context) (int, error) {
	tc, err := systemContext("system:crash-recovery")
	if err != nil {
		return 0, err
	}
	positions, err := e.events.Positions(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, pos := range positions {
		n, err := e.recoverWorkflow(ctx, tc, pos.WorkflowID)
		if err != nil {
			e.logger.Error("Crash recovery failed for workflow",
				zap.String("workflow_id", pos.WorkflowID), zap.Error(err))
			continue
		}
		recovered += n
	}
	if recovered > 0 {
		e.logger.Info("Crash recovery re-issued interrupted steps", zap.Int("steps", recovered))
	}
	return recovered, nil
}

func (e *Engine) recoverWorkflow(ctx context.Context, tc tenant.Context, workflowID string) (int, error) {
	interrupted, err := e.interruptedSteps(ctx, tc, workflowID)
	if err != nil || len(interrupted) == 0 {
		return 0, err
	}

	recovered := 0
	for _, stepID := range interrupted {
		if err := e.reissueStep(ctx, tc, workflowID, stepID); err != nil {
			e.logger.Warn("Re-issued step did not complete",
				zap.String("workflow_id", workflowID),
				zap.String("step_id", stepID),
				zap.Error(err))
		}
		recovered++
	}
	return recovered, nil
}

// interruptedSteps finds steps whose STEP_STARTED is the last word in the
// log: started before the restart, no outcome recorded, nothing to wait on.
func (e *Engine) interruptedSteps(ctx context.Context, tc tenant.Context, workflowID string) ([]string, error) {
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
		return nil, nil
	}

	var interrupted []string
	for stepID, st := range state.StepStates {
		if st.Status != models.StepStatusInProgress {
			continue
		}
		b, err := e.bookmarks.ActiveForStep(ctx, workflowID, stepID)
		if err != nil {
			return nil, err
		}
		if b == nil {
			interrupted = append(interrupted, stepID)
		}
	}
	sort.Strings(interrupted)
	return interrupted, nil
}

// reissueStep runs the handler again for an interrupted step. The original
// request input is gone with the crashed process; handlers either observe the
// prior call through its idempotency key, derive what they need from the
// workflow, or park behind a bookmark to wait for fresh input.
func (e *Engine) reissueStep(ctx context.Context, tc tenant.Context, workflowID, stepID string) error {
	state, err := e.loadState(ctx, tc, workflowID)
	if err != nil {
		return err
	}
	template, err := e.template(state)
	if err != nil {
		return err
	}
	step := template.Step(stepID)
	if step == nil {
		return models.NewError(models.KindIntegrity,
			"interrupted step %s is not defined in template %s", stepID, template.Key()).
			WithWorkflow(workflowID, stepID)
	}
	handler, err := e.handlers.Get(step.Type)
	if err != nil {
		return err
	}

	req := &steps.Request{Workflow: state, Step: step, Actor: tc.Actor}
	outcome, handlerErr := e.runHandler(ctx, step, func(ctx context.Context) (*steps.Outcome, error) {
		return handler.Execute(ctx, req)
	})
	_, err = e.finishStep(ctx, tc, workflowID, step, outcome, handlerErr)
	return err
}

// RunRetentionPurge deletes the event logs of workflows that reached a
// terminal status longer ago than the retention window. Runs daily.
func (e *Engine) RunRetentionPurge(ctx context.Context, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.PurgeExpired(ctx, retention); err != nil {
				e.logger.Error("Retention purge failed", zap.Error(err))
			}
		}
	}
}

// PurgeExpired performs one retention pass.
func (e *Engine) PurgeExpired(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention)
	ids, err := e.index.TerminalBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return e.events.PurgeWorkflows(ctx, ids)
}
