// Package saga coordinates rollback compensation. Completed steps are undone
// strictly in reverse completion order, and the first compensation failure
// aborts the whole rollback.
package saga

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/common/logger"
	"github.com/enerflow/enerflow/internal/common/retry"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/models"
	"github.com/enerflow/enerflow/internal/workflow/steps"
)

// Recorder receives the compensation events the coordinator produces. The
// engine appends them to the log under its workflow lock.
type Recorder func(eventType models.EventType, stepID string, payload map[string]any) error

// Coordinator plans and runs compensations.
type Coordinator struct {
	registry *steps.Registry
	policy   retry.Policy
	logger   *logger.Logger
}

// NewCoordinator creates a saga coordinator over the handler registry.
func NewCoordinator(registry *steps.Registry, policy retry.Policy, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		registry: registry,
		policy:   policy,
		logger:   log.WithFields(zap.String("component", "saga")),
	}
}

// Plan returns the steps to compensate for a rollback to toStepID, in reverse
// completion order. Steps at or before the target in template order keep
// their effects; everything completed past it is undone. An empty toStepID
// plans a rollback of the entire workflow.
func (c *Coordinator) Plan(state *models.WorkflowInstance, template *models.WorkflowTemplate, toStepID string) ([]*models.StepDefinition, error) {
	targetOrder := -1
	if toStepID != "" {
		target := template.Step(toStepID)
		if target == nil {
			return nil, models.NewError(models.KindInvalidTransition,
				"rollback target %s is not defined in template %s", toStepID, template.Key()).
				WithWorkflow(state.ID, state.CurrentStepID)
		}
		if st := state.StepStates[toStepID]; st == nil || st.Status != models.StepStatusCompleted {
			return nil, models.NewError(models.KindInvalidTransition,
				"rollback target %s has never completed", toStepID).
				WithWorkflow(state.ID, state.CurrentStepID)
		}
		targetOrder = target.Order
	}

	type done struct {
		def   *models.StepDefinition
		state *models.StepState
	}
	var completedSteps []done
	for stepID, st := range state.StepStates {
		if st.Status != models.StepStatusCompleted || st.CompletedAt == nil {
			continue
		}
		def := template.Step(stepID)
		if def == nil || def.Order <= targetOrder {
			continue
		}
		completedSteps = append(completedSteps, done{def: def, state: st})
	}

	sort.Slice(completedSteps, func(i, j int) bool {
		a, b := completedSteps[i].state.CompletedAt, completedSteps[j].state.CompletedAt
		if a.Equal(*b) {
			// Same timestamp: fall back to reverse template order.
			return completedSteps[i].def.Order > completedSteps[j].def.Order
		}
		return a.After(*b)
	})

	plan := make([]*models.StepDefinition, 0, len(completedSteps))
	for _, d := range completedSteps {
		plan = append(plan, d.def)
	}
	return plan, nil
}

// Compensate undoes the planned steps one by one. Each compensation is
// retried per the policy; when one still fails, the remaining steps are left
// untouched and the failure is returned so the engine can fail the workflow.
func (c *Coordinator) Compensate(ctx context.Context, actor tenant.Actor, state *models.WorkflowInstance, plan []*models.StepDefinition, record Recorder) error {
	log := c.logger.WithWorkflowID(state.ID)
	for _, def := range plan {
		handler, err := c.registry.Get(def.Type)
		if err != nil {
			return err
		}

		req := &steps.Request{Workflow: state, Step: def, Actor: actor}
		err = c.policy.Do(ctx, func(ctx context.Context) error {
			compErr := handler.Compensate(ctx, req)
			if compErr != nil && !models.IsKind(compErr, models.KindExternalTransient) {
				return retry.Permanent(compErr)
			}
			return compErr
		})
		if err != nil {
			log.Error("Compensation failed, aborting rollback",
				zap.String("step_id", def.ID), zap.Error(err))
			if recErr := record(models.EventStepCompensated, def.ID, map[string]any{
				"success": false,
				"error":   err.Error(),
			}); recErr != nil {
				return recErr
			}
			return models.WrapError(models.KindExternalPermanent, err,
				"compensation of step %s failed", def.ID).WithWorkflow(state.ID, def.ID)
		}

		if err := record(models.EventStepCompensated, def.ID, map[string]any{"success": true}); err != nil {
			return err
		}
		log.Info("Compensated step", zap.String("step_id", def.ID))
	}
	return nil
}
