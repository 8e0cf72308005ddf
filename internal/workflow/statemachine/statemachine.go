// Package statemachine validates workflow transitions against a template and
// applies events to state. Apply is the single projection used by the event
// store's replay, the state store's fold, and crash recovery, so its
// semantics define what the rest of the system considers "the state".
package statemachine

import (
	"github.com/enerflow/enerflow/internal/workflow/models"
)

// Machine binds an instance state to its template for transition checks.
type Machine struct {
	state    *models.WorkflowInstance
	template *models.WorkflowTemplate
}

// New creates a machine over the given state and template.
func New(state *models.WorkflowInstance, template *models.WorkflowTemplate) *Machine {
	return &Machine{state: state, template: template}
}

// CurrentStep returns the definition of the current step, or nil in draft.
func (m *Machine) CurrentStep() *models.StepDefinition {
	if m.state.CurrentStepID == "" {
		return nil
	}
	return m.template.Step(m.state.CurrentStepID)
}

// CanTransition reports whether the workflow may move to the given step.
func (m *Machine) CanTransition(toStepID string) bool {
	return m.ValidateTransition(toStepID) == nil
}

// ValidateTransition checks a requested transition and returns a structured
// error naming the reason it is rejected.
func (m *Machine) ValidateTransition(toStepID string) error {
	if m.state.Status.IsTerminal() {
		return models.NewError(models.KindInvalidTransition,
			"workflow is %s and admits no further transitions", m.state.Status).
			WithWorkflow(m.state.ID, m.state.CurrentStepID)
	}

	target := m.template.Step(toStepID)
	if target == nil {
		return models.NewError(models.KindInvalidTransition,
			"step %s is not defined in template %s", toStepID, m.template.Key()).
			WithWorkflow(m.state.ID, m.state.CurrentStepID)
	}

	// From draft only the template's first step is reachable.
	if m.state.CurrentStepID == "" {
		first := m.template.FirstStep()
		if first == nil || first.ID != toStepID {
			return models.NewError(models.KindInvalidTransition,
				"step %s is not the entry step of template %s", toStepID, m.template.Key()).
				WithWorkflow(m.state.ID, "")
		}
		return nil
	}

	// Re-executing the current step (retry after failure) is always allowed.
	if toStepID == m.state.CurrentStepID {
		return nil
	}

	if !m.template.CanTransition(m.state.CurrentStepID, toStepID) {
		return models.NewError(models.KindInvalidTransition,
			"step %s is not reachable from %s", toStepID, m.state.CurrentStepID).
			WithWorkflow(m.state.ID, m.state.CurrentStepID)
	}
	return nil
}

// NewInitialState returns the canonical initial state for a workflow id.
// Everything else about the instance is established by WORKFLOW_CREATED.
func NewInitialState(workflowID string) *models.WorkflowInstance {
	return &models.WorkflowInstance{
		ID:         workflowID,
		StepStates: make(map[string]*models.StepState),
	}
}

// Replay folds events into the canonical initial state. Replaying [1..n]
// always yields the same state for the same events.
func Replay(workflowID string, events []*models.WorkflowEvent) (*models.WorkflowInstance, error) {
	state := NewInitialState(workflowID)
	for _, ev := range events {
		if err := Apply(state, ev); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// Apply folds one event into the state. It is total over the defined event
// types; unknown types are rejected rather than ignored, because silently
// skipping an event would make replay diverge from the projected state.
func Apply(state *models.WorkflowInstance, ev *models.WorkflowEvent) error {
	if !ev.Type.IsKnown() {
		return models.NewError(models.KindIntegrity, "unknown event type %q at sequence %d", ev.Type, ev.SequenceNo).
			WithWorkflow(ev.WorkflowID, ev.StepID)
	}
	if state.StepStates == nil {
		state.StepStates = make(map[string]*models.StepState)
	}

	switch ev.Type {
	case models.EventWorkflowCreated:
		applyCreated(state, ev)
	case models.EventWorkflowStarted:
		state.Status = models.StatusInProgress
	case models.EventWorkflowPaused:
		state.Status = models.StatusPaused
	case models.EventWorkflowResumed:
		state.Status = models.StatusInProgress
	case models.EventWorkflowSubmitted:
		state.Status = models.StatusSubmitted
	case models.EventWorkflowCompleted:
		state.Status = models.StatusCompleted
	case models.EventWorkflowFailed:
		state.Status = models.StatusFailed
	case models.EventWorkflowCancelled:
		state.Status = models.StatusCancelled
		if reason := ev.PayloadString("reason"); reason != "" {
			metadata(state)["cancel_reason"] = reason
		}
	case models.EventWorkflowRolledBack:
		state.CurrentStepID = ev.PayloadString("to_step_id")
		if state.CurrentStepID == "" {
			// Full rollback: the workflow stands where it was created.
			state.Status = models.StatusRolledBack
		} else {
			state.Status = models.StatusInProgress
		}

	case models.EventStepStarted:
		st := stepState(state, ev.StepID)
		st.Status = models.StepStatusInProgress
		at := ev.OccurredAt
		st.StartedAt = &at
		st.Error = ""
		// A fresh attempt supersedes errors from the previous one.
		st.ValidationErrors = nil
		state.CurrentStepID = ev.StepID
	case models.EventStepCompleted:
		st := stepState(state, ev.StepID)
		st.Status = models.StepStatusCompleted
		at := ev.OccurredAt
		st.CompletedAt = &at
		st.CompletedBy = ev.PerformedBy
		if data := ev.PayloadMap("data"); data != nil {
			st.Data = data
		}
		if next := ev.PayloadString("next_step_id"); next != "" {
			state.CurrentStepID = next
		}
		if final, _ := ev.Payload["final"].(bool); final {
			state.Status = models.StatusAwaitingValidation
		}
	case models.EventStepFailed:
		st := stepState(state, ev.StepID)
		st.Status = models.StepStatusFailed
		st.Error = ev.PayloadString("error")
	case models.EventStepValidated:
		st := stepState(state, ev.StepID)
		st.ValidationErrors = nil
	case models.EventStepPaused:
		st := stepState(state, ev.StepID)
		st.Status = models.StepStatusPaused
		at := ev.OccurredAt
		st.PausedAt = &at
	case models.EventStepResumed:
		st := stepState(state, ev.StepID)
		st.Status = models.StepStatusInProgress
		st.PausedAt = nil
	case models.EventStepSkipped:
		st := stepState(state, ev.StepID)
		st.Status = models.StepStatusSkipped
	case models.EventStepCompensated:
		applyCompensated(state, ev)

	case models.EventApprovalRequested:
		st := stepState(state, ev.StepID)
		if st.Data == nil {
			st.Data = make(map[string]any)
		}
		st.Data["approval_requested"] = true
	case models.EventApprovalGranted:
		st := stepState(state, ev.StepID)
		if st.Data == nil {
			st.Data = make(map[string]any)
		}
		st.Data["approved"] = true
		st.Data["approved_by"] = ev.PerformedBy
	case models.EventApprovalRejected:
		st := stepState(state, ev.StepID)
		if st.Data == nil {
			st.Data = make(map[string]any)
		}
		st.Data["approved"] = false
		st.Data["rejected_by"] = ev.PerformedBy
		if comments := ev.PayloadString("comments"); comments != "" {
			st.Data["rejection_comments"] = comments
		}

	case models.EventDataUpdated:
		st := stepState(state, ev.StepID)
		if st.Data == nil {
			st.Data = make(map[string]any)
		}
		for k, v := range ev.PayloadMap("data") {
			st.Data[k] = v
		}
	case models.EventValidationFailed:
		if ev.StepID != "" {
			st := stepState(state, ev.StepID)
			st.ValidationErrors = fieldErrors(ev)
		} else {
			metadata(state)["validation_errors"] = ev.Payload["errors"]
		}
	case models.EventValidationPassed:
		if ev.StepID != "" {
			st := stepState(state, ev.StepID)
			st.ValidationErrors = nil
		} else if state.Metadata != nil {
			delete(state.Metadata, "validation_errors")
		}

	case models.EventAPICallStarted:
		// Marker for crash recovery; no state change beyond the audit trail.
	case models.EventAPICallCompleted:
		st := stepState(state, ev.StepID)
		if st.Data == nil {
			st.Data = make(map[string]any)
		}
		if resp := ev.PayloadMap("response"); resp != nil {
			st.Data["response"] = resp
		}
	case models.EventAPICallFailed:
		st := stepState(state, ev.StepID)
		st.Error = ev.PayloadString("error")

	case models.EventNotificationSent:
		st := stepState(state, ev.StepID)
		if st.Data == nil {
			st.Data = make(map[string]any)
		}
		st.Data["delivered"] = true
		if id := ev.PayloadString("message_id"); id != "" {
			st.Data["message_id"] = id
		}
	case models.EventNotificationFailed:
		st := stepState(state, ev.StepID)
		if st.Data == nil {
			st.Data = make(map[string]any)
		}
		st.Data["delivered"] = false
	}

	state.ProjectedSeq = ev.SequenceNo
	state.UpdatedAt = ev.OccurredAt
	return nil
}

func applyCreated(state *models.WorkflowInstance, ev *models.WorkflowEvent) {
	state.TenantID = ev.TenantID
	state.TemplateID = ev.PayloadString("template_id")
	state.MarketRole = models.MarketRole(ev.PayloadString("market_role"))
	if v, ok := ev.Payload["template_version"].(float64); ok {
		state.TemplateVersion = int(v)
	} else if v, ok := ev.Payload["template_version"].(int); ok {
		state.TemplateVersion = v
	}
	state.Status = models.StatusDraft
	state.CreatedBy = ev.PerformedBy
	state.CreatedAt = ev.OccurredAt

	// Pre-seed pending step states so validators and the UI see the shape.
	if stepIDs, ok := ev.Payload["step_ids"].([]any); ok {
		for _, raw := range stepIDs {
			if id, ok := raw.(string); ok {
				state.StepStates[id] = &models.StepState{StepID: id, Status: models.StepStatusPending}
			}
		}
	} else if stepIDs, ok := ev.Payload["step_ids"].([]string); ok {
		for _, id := range stepIDs {
			state.StepStates[id] = &models.StepState{StepID: id, Status: models.StepStatusPending}
		}
	}
}

func applyCompensated(state *models.WorkflowInstance, ev *models.WorkflowEvent) {
	succeeded := true
	if v, ok := ev.Payload["success"].(bool); ok {
		succeeded = v
	}
	st := stepState(state, ev.StepID)
	if succeeded {
		// Compensation undoes the step's effects: back to pending, data gone.
		st.Status = models.StepStatusPending
		st.Data = nil
		st.CompletedAt = nil
		st.CompletedBy = ""
		st.Error = ""
	} else {
		st.Status = models.StepStatusFailed
		st.Error = ev.PayloadString("error")
	}
}

func stepState(state *models.WorkflowInstance, stepID string) *models.StepState {
	st, ok := state.StepStates[stepID]
	if !ok {
		st = &models.StepState{StepID: stepID, Status: models.StepStatusPending}
		state.StepStates[stepID] = st
	}
	return st
}

func metadata(state *models.WorkflowInstance) map[string]any {
	if state.Metadata == nil {
		state.Metadata = make(map[string]any)
	}
	return state.Metadata
}

func fieldErrors(ev *models.WorkflowEvent) []models.FieldError {
	raw, ok := ev.Payload["errors"].([]any)
	if !ok {
		return nil
	}
	out := make([]models.FieldError, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fe := models.FieldError{}
		fe.Field, _ = m["field"].(string)
		fe.Message, _ = m["message"].(string)
		out = append(out, fe)
	}
	return out
}
