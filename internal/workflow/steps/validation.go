package steps

import (
	"context"

	"github.com/enerflow/enerflow/internal/workflow/models"
)

// ValidationHandler executes validation steps, checking data collected by
// earlier steps. The step config names the checks:
//
//	required_steps: step ids that must be completed
//	required_fields: "step_id.field" paths that must be present and non-empty
type ValidationHandler struct {
	noSuspend
	noCompensate
}

// NewValidationHandler creates the validation step handler.
func NewValidationHandler() *ValidationHandler { return &ValidationHandler{} }

func (h *ValidationHandler) Type() models.StepType { return models.StepTypeValidation }

func (h *ValidationHandler) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	var failures []models.FieldError

	for _, stepID := range stringSlice(req.Step.Config["required_steps"]) {
		st, ok := req.Workflow.StepStates[stepID]
		if !ok || st.Status != models.StepStatusCompleted {
			failures = append(failures, models.FieldError{
				Field:   stepID,
				Message: "step must be completed",
			})
		}
	}

	for _, path := range stringSlice(req.Step.Config["required_fields"]) {
		stepID, field, ok := splitPath(path)
		if !ok {
			failures = append(failures, models.FieldError{Field: path, Message: "invalid field path"})
			continue
		}
		st, found := req.Workflow.StepStates[stepID]
		if !found || st.Data == nil {
			failures = append(failures, models.FieldError{Field: path, Message: "field is missing"})
			continue
		}
		if v, present := st.Data[field]; !present || v == nil || v == "" {
			failures = append(failures, models.FieldError{Field: path, Message: "field is missing"})
		}
	}

	if len(failures) > 0 {
		return nil, models.ValidationError("validation step found incomplete data", failures).
			WithWorkflow(req.Workflow.ID, req.Step.ID)
	}
	return &Outcome{
		Completed: true,
		Data:      map[string]any{"checks": len(stringSlice(req.Step.Config["required_steps"])) + len(stringSlice(req.Step.Config["required_fields"]))},
		Records:   []Record{{Type: models.EventValidationPassed, Payload: nil}},
	}, nil
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func splitPath(path string) (stepID, field string, ok bool) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if i == 0 || i == len(path)-1 {
				return "", "", false
			}
			return path[:i], path[i+1:], true
		}
	}
	return "", "", false
}
