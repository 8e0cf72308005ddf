package steps

import (
	"context"

	"github.com/enerflow/enerflow/internal/workflow/models"
)

// DecisionHandler executes decision steps, selecting the next step from the
// config's branch table:
//
//	branches:
//	  - when: {step_id: portfolio, field: expected_volume_mw, gte: 100}
//	    then: major_review
//	default: notify
//
// The chosen branch must still be an allowed transition; the engine enforces
// that when it follows NextStepID.
type DecisionHandler struct {
	noSuspend
	noCompensate
}

// NewDecisionHandler creates the decision step handler.
func NewDecisionHandler() *DecisionHandler { return &DecisionHandler{} }

func (h *DecisionHandler) Type() models.StepType { return models.StepTypeDecision }

func (h *DecisionHandler) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	next := h.choose(req)
	if next == "" {
		return nil, models.NewError(models.KindValidation,
			"decision step matched no branch and declares no default").
			WithWorkflow(req.Workflow.ID, req.Step.ID)
	}
	return &Outcome{
		Completed:  true,
		NextStepID: next,
		Data:       map[string]any{"chosen": next},
	}, nil
}

func (h *DecisionHandler) choose(req *Request) string {
	branches, _ := req.Step.Config["branches"].([]any)
	for _, raw := range branches {
		branch, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		when, _ := branch["when"].(map[string]any)
		then, _ := branch["then"].(string)
		if then != "" && h.matches(req, when) {
			return then
		}
	}
	def, _ := req.Step.Config["default"].(string)
	return def
}

func (h *DecisionHandler) matches(req *Request, when map[string]any) bool {
	if when == nil {
		return false
	}
	stepID, _ := when["step_id"].(string)
	field, _ := when["field"].(string)
	st, ok := req.Workflow.StepStates[stepID]
	if !ok || st.Data == nil {
		return false
	}
	value, present := st.Data[field]
	if !present {
		return false
	}

	if want, has := when["equals"]; has {
		return value == want
	}
	if want, has := numeric(when["gte"]); has {
		got, ok := numeric(value)
		return ok && got >= want
	}
	if want, has := numeric(when["lt"]); has {
		got, ok := numeric(value)
		return ok && got < want
	}
	return false
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
