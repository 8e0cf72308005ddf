package models

import "time"

// EventType enumerates every event the engine can append. The state machine's
// apply function is total over this set; anything else is rejected.
type EventType string

const (
	EventWorkflowCreated    EventType = "WORKFLOW_CREATED"
	EventWorkflowStarted    EventType = "WORKFLOW_STARTED"
	EventWorkflowPaused     EventType = "WORKFLOW_PAUSED"
	EventWorkflowResumed    EventType = "WORKFLOW_RESUMED"
	EventWorkflowSubmitted  EventType = "WORKFLOW_SUBMITTED"
	EventWorkflowCompleted  EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed     EventType = "WORKFLOW_FAILED"
	EventWorkflowCancelled  EventType = "WORKFLOW_CANCELLED"
	EventWorkflowRolledBack EventType = "WORKFLOW_ROLLED_BACK"

	EventStepStarted     EventType = "STEP_STARTED"
	EventStepCompleted   EventType = "STEP_COMPLETED"
	EventStepFailed      EventType = "STEP_FAILED"
	EventStepValidated   EventType = "STEP_VALIDATED"
	EventStepPaused      EventType = "STEP_PAUSED"
	EventStepResumed     EventType = "STEP_RESUMED"
	EventStepSkipped     EventType = "STEP_SKIPPED"
	EventStepCompensated EventType = "STEP_COMPENSATED"

	EventApprovalRequested EventType = "APPROVAL_REQUESTED"
	EventApprovalGranted   EventType = "APPROVAL_GRANTED"
	EventApprovalRejected  EventType = "APPROVAL_REJECTED"

	EventDataUpdated      EventType = "DATA_UPDATED"
	EventValidationFailed EventType = "VALIDATION_FAILED"
	EventValidationPassed EventType = "VALIDATION_PASSED"

	EventAPICallStarted   EventType = "API_CALL_STARTED"
	EventAPICallCompleted EventType = "API_CALL_COMPLETED"
	EventAPICallFailed    EventType = "API_CALL_FAILED"

	EventNotificationSent   EventType = "NOTIFICATION_SENT"
	EventNotificationFailed EventType = "NOTIFICATION_FAILED"
)

// knownEventTypes is the closed set the apply function accepts.
var knownEventTypes = map[EventType]struct{}{
	EventWorkflowCreated: {}, EventWorkflowStarted: {}, EventWorkflowPaused: {},
	EventWorkflowResumed: {}, EventWorkflowSubmitted: {}, EventWorkflowCompleted: {},
	EventWorkflowFailed: {}, EventWorkflowCancelled: {}, EventWorkflowRolledBack: {},
	EventStepStarted: {}, EventStepCompleted: {}, EventStepFailed: {},
	EventStepValidated: {}, EventStepPaused: {}, EventStepResumed: {},
	EventStepSkipped: {}, EventStepCompensated: {},
	EventApprovalRequested: {}, EventApprovalGranted: {}, EventApprovalRejected: {},
	EventDataUpdated: {}, EventValidationFailed: {}, EventValidationPassed: {},
	EventAPICallStarted: {}, EventAPICallCompleted: {}, EventAPICallFailed: {},
	EventNotificationSent: {}, EventNotificationFailed: {},
}

// IsKnown reports whether the event type belongs to the defined set.
func (t EventType) IsKnown() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// WorkflowEvent is an immutable record of a state change. The event log is
// the authoritative source of truth; all projections derive from it.
type WorkflowEvent struct {
	EventID     string         `json:"event_id"`
	WorkflowID  string         `json:"workflow_id"`
	TenantID    string         `json:"tenant_id"`
	SequenceNo  int64          `json:"sequence_no"`
	Type        EventType      `json:"event_type"`
	StepID      string         `json:"step_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	PerformedBy string         `json:"performed_by"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// PayloadString returns the string payload value at key, or "".
func (e *WorkflowEvent) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadMap returns the map payload value at key, or nil.
func (e *WorkflowEvent) PayloadMap(key string) map[string]any {
	if e.Payload == nil {
		return nil
	}
	m, _ := e.Payload[key].(map[string]any)
	return m
}
