package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/enerflow/enerflow/internal/workflow/models"
)

// FormHandler executes form steps. Submitted data is validated against the
// JSON schema in the step config; a step executed without data parks behind
// a form bookmark until the data arrives.
type FormHandler struct {
	noCompensate
}

// NewFormHandler creates the form step handler.
func NewFormHandler() *FormHandler { return &FormHandler{} }

func (h *FormHandler) Type() models.StepType { return models.StepTypeForm }

func (h *FormHandler) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	if req.Input == nil {
		return &Outcome{Suspend: &Suspension{
			Kind:            models.BookmarkKindForm,
			ExpectedPayload: schemaShape(req.Step),
			ExpiresIn:       expiry(req.Step),
		}}, nil
	}
	return h.validate(req, req.Input)
}

func (h *FormHandler) Resume(ctx context.Context, req *Request, payload map[string]any) (*Outcome, error) {
	return h.validate(req, payload)
}

func (h *FormHandler) validate(req *Request, data map[string]any) (*Outcome, error) {
	schema, err := compileSchema(req.Step)
	if err != nil {
		return nil, err
	}
	if schema != nil {
		// Round-trip through JSON so YAML-sourced numbers and submitted
		// values validate identically.
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal form data: %w", err)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to normalize form data: %w", err)
		}
		if err := schema.Validate(doc); err != nil {
			return nil, models.ValidationError("form data failed validation", fieldErrors(err)).
				WithWorkflow(req.Workflow.ID, req.Step.ID)
		}
	}
	return completed(data), nil
}

// compileSchema builds the step's JSON schema, or nil when the step config
// declares none.
func compileSchema(step *models.StepDefinition) (*jsonschema.Schema, error) {
	raw, ok := step.Config["schema"]
	if !ok {
		return nil, nil
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "enerflow://steps/" + step.ID + "/schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(doc))); err != nil {
		return nil, fmt.Errorf("failed to load step schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, models.WrapError(models.KindValidation, err, "step %s carries an invalid schema", step.ID)
	}
	return schema, nil
}

// fieldErrors flattens a jsonschema validation error into per-field failures.
func fieldErrors(err error) []models.FieldError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []models.FieldError{{Field: "", Message: err.Error()}}
	}
	var out []models.FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := strings.TrimPrefix(e.InstanceLocation, "/")
			field = strings.ReplaceAll(field, "/", ".")
			out = append(out, models.FieldError{Field: field, Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

// schemaShape exposes the expected payload shape on the bookmark so callers
// know what to submit.
func schemaShape(step *models.StepDefinition) map[string]any {
	raw, ok := step.Config["schema"].(map[string]any)
	if !ok {
		return nil
	}
	return raw
}

// expiry reads the optional expiry_hours step config.
func expiry(step *models.StepDefinition) time.Duration {
	switch v := step.Config["expiry_hours"].(type) {
	case int:
		return time.Duration(v) * time.Hour
	case float64:
		return time.Duration(v * float64(time.Hour))
	default:
		return 0
	}
}
