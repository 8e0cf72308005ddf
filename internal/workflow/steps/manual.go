package steps

import (
	"context"

	"github.com/enerflow/enerflow/internal/workflow/models"
)

// ManualHandler executes manual steps: an operator marks the step done,
// optionally attaching free-form data. Without input the step parks behind a
// form bookmark until an operator supplies it.
type ManualHandler struct {
	noCompensate
}

// NewManualHandler creates the manual step handler.
func NewManualHandler() *ManualHandler { return &ManualHandler{} }

func (h *ManualHandler) Type() models.StepType { return models.StepTypeManual }

func (h *ManualHandler) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	if req.Input == nil {
		return &Outcome{Suspend: &Suspension{
			Kind:      models.BookmarkKindForm,
			ExpiresIn: expiry(req.Step),
		}}, nil
	}
	return completed(req.Input), nil
}

func (h *ManualHandler) Resume(ctx context.Context, req *Request, payload map[string]any) (*Outcome, error) {
	return completed(payload), nil
}
