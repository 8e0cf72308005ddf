// Package steps defines the step handler contract and the built-in handlers
// for each step type. Handlers perform the step's work and report an outcome;
// they never touch the event log or the stores, which belong to the engine.
package steps

import (
	"context"
	"time"

	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/models"
)

// Request carries everything a handler needs to execute one step.
type Request struct {
	Workflow *models.WorkflowInstance
	Step     *models.StepDefinition
	Input    map[string]any
	Actor    tenant.Actor
}

// Suspension asks the engine to park the step behind a bookmark.
type Suspension struct {
	Kind            models.BookmarkKind
	ExpectedPayload map[string]any
	ExpiresIn       time.Duration // zero means no expiry
}

// Record is an auxiliary event a handler wants appended alongside the step
// outcome, such as an external call marker.
type Record struct {
	Type    models.EventType
	Payload map[string]any
}

// Outcome is a handler's result. Exactly one of Completed, Suspend, or Failed
// is set; infrastructure problems are reported through the returned error
// instead, so the engine can tell a business failure from a broken handler.
type Outcome struct {
	Completed     bool
	Data          map[string]any
	NextStepID    string // decision steps may override the default transition
	Suspend       *Suspension
	Failed        bool
	FailureReason string
	Records       []Record
}

// Handler executes steps of one type.
type Handler interface {
	// Type names the step type this handler serves.
	Type() models.StepType

	// Execute runs the step. Returning an Outcome with Suspend set parks
	// the step; the engine resumes it through Resume when the bookmark is
	// consumed.
	Execute(ctx context.Context, req *Request) (*Outcome, error)

	// Resume continues a step previously suspended by Execute, with the
	// payload delivered to the bookmark.
	Resume(ctx context.Context, req *Request, payload map[string]any) (*Outcome, error)

	// Compensate undoes a completed step during rollback. Handlers without
	// external effects return nil.
	Compensate(ctx context.Context, req *Request) error
}

// completed is a convenience constructor for a plain completion outcome.
func completed(data map[string]any) *Outcome {
	return &Outcome{Completed: true, Data: data}
}

// noSuspend is embedded by handlers that never park; its Resume rejects.
type noSuspend struct{}

func (noSuspend) Resume(_ context.Context, req *Request, _ map[string]any) (*Outcome, error) {
	return nil, models.NewError(models.KindInvalidTransition,
		"step does not support resumption").WithWorkflow(req.Workflow.ID, req.Step.ID)
}

// noCompensate is embedded by handlers without external effects.
type noCompensate struct{}

func (noCompensate) Compensate(context.Context, *Request) error { return nil }
