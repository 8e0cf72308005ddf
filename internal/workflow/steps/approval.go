package steps

import (
	"context"

	"github.com/enerflow/enerflow/internal/workflow/models"
)

// ApprovalHandler executes approval steps. Execution always parks the step
// behind an approval bookmark; the decision arrives through Resume when an
// approver consumes it.
type ApprovalHandler struct {
	noCompensate
}

// NewApprovalHandler creates the approval step handler.
func NewApprovalHandler() *ApprovalHandler { return &ApprovalHandler{} }

func (h *ApprovalHandler) Type() models.StepType { return models.StepTypeApproval }

func (h *ApprovalHandler) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	return &Outcome{
		Suspend: &Suspension{
			Kind: models.BookmarkKindApproval,
			ExpectedPayload: map[string]any{
				"approved": "bool",
				"comments": "string",
			},
			ExpiresIn: expiry(req.Step),
		},
		Records: []Record{{Type: models.EventApprovalRequested, Payload: map[string]any{
			"approver_role": req.Step.Config["approver_role"],
		}}},
	}, nil
}

func (h *ApprovalHandler) Resume(ctx context.Context, req *Request, payload map[string]any) (*Outcome, error) {
	approved, ok := payload["approved"].(bool)
	if !ok {
		return nil, models.ValidationError("approval payload requires an approved flag",
			[]models.FieldError{{Field: "approved", Message: "must be a boolean"}}).
			WithWorkflow(req.Workflow.ID, req.Step.ID)
	}
	comments, _ := payload["comments"].(string)

	if !approved {
		return &Outcome{
			Failed:        true,
			FailureReason: "approval was rejected",
			Records:       []Record{{Type: models.EventApprovalRejected, Payload: map[string]any{"comments": comments}}},
		}, nil
	}
	return &Outcome{
		Completed: true,
		Data:      map[string]any{"approved": true, "comments": comments},
		Records:   []Record{{Type: models.EventApprovalGranted, Payload: map[string]any{"comments": comments}}},
	}, nil
}
