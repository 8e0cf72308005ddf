package steps

import (
	"context"
	"fmt"

	"github.com/enerflow/enerflow/internal/common/retry"
	"github.com/enerflow/enerflow/internal/workflow/models"
)

// CallSpec describes one call to the external market system.
type CallSpec struct {
	Method         string
	Endpoint       string
	Body           map[string]any
	IdempotencyKey string
}

// Provisioner talks to the external market system. Implementations classify
// failures as ExternalTransient or ExternalPermanent so the handler knows
// what to retry.
type Provisioner interface {
	Call(ctx context.Context, spec CallSpec) (map[string]any, error)
	Revert(ctx context.Context, spec CallSpec) error
}

// APICallHandler executes api_call steps against the external market system.
// Calls carry an idempotency key derived from the workflow and step, so a
// retry after a crash cannot provision twice.
type APICallHandler struct {
	client Provisioner
	policy retry.Policy
}

// NewAPICallHandler creates the api_call step handler.
func NewAPICallHandler(client Provisioner, policy retry.Policy) *APICallHandler {
	return &APICallHandler{client: client, policy: policy}
}

func (h *APICallHandler) Type() models.StepType { return models.StepTypeAPICall }

func (h *APICallHandler) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	spec := h.spec(req)
	records := []Record{{Type: models.EventAPICallStarted, Payload: map[string]any{
		"endpoint":        spec.Endpoint,
		"method":          spec.Method,
		"idempotency_key": spec.IdempotencyKey,
	}}}

	var response map[string]any
	err := h.policy.Do(ctx, func(ctx context.Context) error {
		var callErr error
		response, callErr = h.client.Call(ctx, spec)
		if callErr != nil && !models.IsKind(callErr, models.KindExternalTransient) {
			return retry.Permanent(callErr)
		}
		return callErr
	})
	if err != nil {
		records = append(records, Record{Type: models.EventAPICallFailed, Payload: map[string]any{
			"error": err.Error(),
		}})
		return &Outcome{
			Failed:        true,
			FailureReason: fmt.Sprintf("external call failed: %v", err),
			Records:       records,
		}, nil
	}

	records = append(records, Record{Type: models.EventAPICallCompleted, Payload: map[string]any{
		"response": response,
	}})
	return &Outcome{
		Completed: true,
		Data:      map[string]any{"response": response},
		Records:   records,
	}, nil
}

func (h *APICallHandler) Resume(ctx context.Context, req *Request, payload map[string]any) (*Outcome, error) {
	// An api_return bookmark delivers the asynchronous result directly.
	return &Outcome{
		Completed: true,
		Data:      map[string]any{"response": payload},
		Records:   []Record{{Type: models.EventAPICallCompleted, Payload: map[string]any{"response": payload}}},
	}, nil
}

// Compensate reverts the external call during rollback, using a distinct
// idempotency key so the revert is also safe to retry.
func (h *APICallHandler) Compensate(ctx context.Context, req *Request) error {
	spec := h.spec(req)
	spec.IdempotencyKey += ":revert"
	err := h.policy.Do(ctx, func(ctx context.Context) error {
		revertErr := h.client.Revert(ctx, spec)
		if revertErr != nil && !models.IsKind(revertErr, models.KindExternalTransient) {
			return retry.Permanent(revertErr)
		}
		return revertErr
	})
	if err != nil {
		return models.WrapError(models.KindExternalPermanent, err,
			"failed to revert external call").WithWorkflow(req.Workflow.ID, req.Step.ID)
	}
	return nil
}

func (h *APICallHandler) spec(req *Request) CallSpec {
	method, _ := req.Step.Config["method"].(string)
	if method == "" {
		method = "POST"
	}
	endpoint, _ := req.Step.Config["endpoint"].(string)
	return CallSpec{
		Method:   method,
		Endpoint: endpoint,
		Body:     req.Input,
		// The step identity is the idempotency key: re-executing the same
		// step of the same workflow must be a no-op upstream.
		IdempotencyKey: req.Workflow.ID + ":" + req.Step.ID,
	}
}
