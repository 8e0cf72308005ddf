// Package models defines the workflow domain entities: templates, instances,
// step states, events, and bookmarks.
package models

import (
	"fmt"
	"time"
)

// MarketRole classifies a tenant's participation in the energy market and
// selects which onboarding templates apply.
type MarketRole string

const (
	MarketRoleBRP MarketRole = "BRP" // balance responsible party
	MarketRoleBSP MarketRole = "BSP" // balancing service provider
	MarketRoleGU  MarketRole = "GU"  // grid user
	MarketRoleACH MarketRole = "ACH" // access contract holder
	MarketRoleCRM MarketRole = "CRM" // capacity remuneration mechanism participant
	MarketRoleESP MarketRole = "ESP" // energy service provider
	MarketRoleDSO MarketRole = "DSO" // distribution system operator
	MarketRoleTSO MarketRole = "TSO" // transmission system operator
	MarketRoleSA  MarketRole = "SA"  // scheduling agent
	MarketRoleOPA MarketRole = "OPA" // outage planning agent
	MarketRoleVSP MarketRole = "VSP" // voltage service provider
)

// IsValid reports whether the market role is one of the known roles.
func (r MarketRole) IsValid() bool {
	switch r {
	case MarketRoleBRP, MarketRoleBSP, MarketRoleGU, MarketRoleACH, MarketRoleCRM,
		MarketRoleESP, MarketRoleDSO, MarketRoleTSO, MarketRoleSA, MarketRoleOPA, MarketRoleVSP:
		return true
	default:
		return false
	}
}

// WorkflowStatus is the workflow-level lifecycle status.
type WorkflowStatus string

const (
	StatusDraft              WorkflowStatus = "draft"
	StatusInProgress         WorkflowStatus = "in_progress"
	StatusPaused             WorkflowStatus = "paused"
	StatusAwaitingValidation WorkflowStatus = "awaiting_validation"
	StatusSubmitted          WorkflowStatus = "submitted"
	StatusCompleted          WorkflowStatus = "completed"
	StatusFailed             WorkflowStatus = "failed"
	StatusRolledBack         WorkflowStatus = "rolled_back"
	StatusCancelled          WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepType identifies the handler responsible for executing a step.
type StepType string

const (
	StepTypeForm         StepType = "form"
	StepTypeApproval     StepType = "approval"
	StepTypeAPICall      StepType = "api_call"
	StepTypeNotification StepType = "notification"
	StepTypeValidation   StepType = "validation"
	StepTypeDecision     StepType = "decision"
	StepTypeManual       StepType = "manual"
)

// StepStatus is the per-step lifecycle status.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusPaused     StepStatus = "paused"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// WorkflowTemplate is the versioned, immutable definition of steps,
// transitions, and rules for a given market role. A new version supersedes
// but never modifies prior versions.
type WorkflowTemplate struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	MarketRole  MarketRole       `json:"market_role"`
	Version     int              `json:"version"`
	Steps       []StepDefinition `json:"steps"`
	Rules       []TemplateRule   `json:"rules,omitempty"`
	Active      bool             `json:"active"`
	AllowEmpty  bool             `json:"allow_empty"` // zero-step template may be submitted
	PublishedAt time.Time        `json:"published_at"`
}

// Key returns the (market_role, version) registry key.
func (t *WorkflowTemplate) Key() TemplateKey {
	return TemplateKey{MarketRole: t.MarketRole, Version: t.Version}
}

// TemplateKey uniquely identifies a template version.
type TemplateKey struct {
	MarketRole MarketRole
	Version    int
}

func (k TemplateKey) String() string {
	return fmt.Sprintf("%s/v%d", k.MarketRole, k.Version)
}

// Step returns the step definition with the given id, or nil.
func (t *WorkflowTemplate) Step(stepID string) *StepDefinition {
	for i := range t.Steps {
		if t.Steps[i].ID == stepID {
			return &t.Steps[i]
		}
	}
	return nil
}

// FirstStep returns the first step by order, or nil for a zero-step template.
func (t *WorkflowTemplate) FirstStep() *StepDefinition {
	var first *StepDefinition
	for i := range t.Steps {
		if first == nil || t.Steps[i].Order < first.Order {
			first = &t.Steps[i]
		}
	}
	return first
}

// Transitions returns the set of step ids reachable from the given step.
func (t *WorkflowTemplate) Transitions(fromStepID string) []string {
	step := t.Step(fromStepID)
	if step == nil {
		return nil
	}
	return step.AllowedTransitions
}

// CanTransition reports whether toStep is reachable from fromStep.
func (t *WorkflowTemplate) CanTransition(fromStepID, toStepID string) bool {
	for _, id := range t.Transitions(fromStepID) {
		if id == toStepID {
			return true
		}
	}
	return false
}

// StepDefinition describes one step of a template.
type StepDefinition struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Type               StepType       `json:"type"`
	Config             map[string]any `json:"config,omitempty"`
	Required           bool           `json:"required"`
	Order              int            `json:"order"`
	AllowedTransitions []string       `json:"allowed_transitions,omitempty"`
	Compensation       string         `json:"compensation,omitempty"` // compensation handler reference
	RequiredDelivery   bool           `json:"required_delivery,omitempty"`
	TimeoutSeconds     int            `json:"timeout_seconds,omitempty"` // start-to-close; 0 means engine default
}

// TemplateRule is a template-level validation rule applied at submit time.
type TemplateRule struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"` // e.g. required_steps_completed, field_equals
	Config  map[string]any `json:"config,omitempty"`
	Message string         `json:"message,omitempty"`
}

// WorkflowInstance is a running execution of a template on behalf of a tenant.
// TenantID and TemplateVersion are immutable after creation.
type WorkflowInstance struct {
	ID              string                `json:"id"`
	TenantID        string                `json:"tenant_id"`
	TemplateID      string                `json:"template_id"`
	TemplateVersion int                   `json:"template_version"`
	MarketRole      MarketRole            `json:"market_role"`
	Status          WorkflowStatus        `json:"status"`
	CurrentStepID   string                `json:"current_step_id,omitempty"`
	StepStates      map[string]*StepState `json:"step_states"`
	Metadata        map[string]any        `json:"metadata,omitempty"`
	// Version is the optimistic concurrency counter of the state document.
	Version int `json:"version"`
	// ProjectedSeq is the last event sequence number folded into this document.
	ProjectedSeq int64     `json:"projected_seq"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StepState tracks the runtime state of a single step.
type StepState struct {
	StepID           string         `json:"step_id"`
	Status           StepStatus     `json:"status"`
	Data             map[string]any `json:"data,omitempty"`
	ValidationErrors []FieldError   `json:"validation_errors,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	PausedAt         *time.Time     `json:"paused_at,omitempty"`
	CompletedBy      string         `json:"completed_by,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// IndexRow is the relational projection of a workflow instance header.
type IndexRow struct {
	ID            string         `db:"id" json:"id"`
	TenantID      string         `db:"tenant_id" json:"tenant_id"`
	TemplateID    string         `db:"template_id" json:"template_id"`
	MarketRole    MarketRole     `db:"market_role" json:"market_role"`
	Status        WorkflowStatus `db:"status" json:"status"`
	CurrentStepID string         `db:"current_step_id" json:"current_step_id,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// BookmarkKind identifies the external signal a suspended step waits for.
type BookmarkKind string

const (
	BookmarkKindForm      BookmarkKind = "form"
	BookmarkKindApproval  BookmarkKind = "approval"
	BookmarkKindAPIReturn BookmarkKind = "api_return"
	BookmarkKindTimer     BookmarkKind = "timer"
)

// Bookmark is a durable marker that a step is suspended awaiting an external
// signal. Exactly one active bookmark exists per paused step, and each
// bookmark is consumed exactly once.
type Bookmark struct {
	ID              string         `json:"bookmark_id"`
	WorkflowID      string         `json:"workflow_id"`
	StepID          string         `json:"step_id"`
	Kind            BookmarkKind   `json:"kind"`
	ExpectedPayload map[string]any `json:"expected_payload_shape,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	ConsumedAt      *time.Time     `json:"consumed_at,omitempty"`
}

// Active reports whether the bookmark can still be consumed at the given time.
func (b *Bookmark) Active(now time.Time) bool {
	if b.ConsumedAt != nil {
		return false
	}
	if b.ExpiresAt != nil && now.After(*b.ExpiresAt) {
		return false
	}
	return true
}

// Snapshot is an optional replay optimization: the instance state as of a
// sequence number. Snapshots are derived data and may be deleted at any time.
type Snapshot struct {
	WorkflowID string            `json:"workflow_id"`
	SequenceNo int64             `json:"sequence_no"`
	State      *WorkflowInstance `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
}
