package steps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enerflow/enerflow/internal/common/retry"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/models"
)

func request(step *models.StepDefinition, input map[string]any) *Request {
	return &Request{
		Workflow: &models.WorkflowInstance{
			ID:         "wf-1",
			TenantID:   "tenant-a",
			StepStates: map[string]*models.StepState{},
		},
		Step:  step,
		Input: input,
		Actor: tenant.Actor{ID: "actor-1", Role: tenant.RoleTenantOperator, TenantID: "tenant-a"},
	}
}

func formStep() *models.StepDefinition {
	return &models.StepDefinition{
		ID:   "company_info",
		Type: models.StepTypeForm,
		Config: map[string]any{
			"schema": map[string]any{
				"type":     "object",
				"required": []any{"legal_name"},
				"properties": map[string]any{
					"legal_name":          map[string]any{"type": "string", "minLength": 1},
					"registration_number": map[string]any{"type": "string"},
				},
			},
			"expiry_hours": 24,
		},
	}
}

func TestFormHandler_SuspendsWithoutInput(t *testing.T) {
	h := NewFormHandler()
	out, err := h.Execute(context.Background(), request(formStep(), nil))
	require.NoError(t, err)
	require.NotNil(t, out.Suspend)
	assert.Equal(t, models.BookmarkKindForm, out.Suspend.Kind)
	assert.Equal(t, 24*time.Hour, out.Suspend.ExpiresIn)
	assert.NotNil(t, out.Suspend.ExpectedPayload)
	assert.False(t, out.Completed)
}

func TestFormHandler_ValidInputCompletes(t *testing.T) {
	h := NewFormHandler()
	out, err := h.Execute(context.Background(), request(formStep(), map[string]any{
		"legal_name": "Acme Energy BV",
	}))
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.Equal(t, "Acme Energy BV", out.Data["legal_name"])
}

func TestFormHandler_SchemaViolation(t *testing.T) {
	h := NewFormHandler()
	_, err := h.Execute(context.Background(), request(formStep(), map[string]any{
		"registration_number": "BE0123",
	}))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))

	var serr *models.Error
	require.True(t, errors.As(err, &serr))
	assert.NotEmpty(t, serr.FieldErrors)
}

func TestFormHandler_ResumeValidatesPayload(t *testing.T) {
	h := NewFormHandler()
	out, err := h.Resume(context.Background(), request(formStep(), nil), map[string]any{
		"legal_name": "Acme Energy BV",
	})
	require.NoError(t, err)
	assert.True(t, out.Completed)

	_, err = h.Resume(context.Background(), request(formStep(), nil), map[string]any{})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestApprovalHandler_AlwaysSuspends(t *testing.T) {
	h := NewApprovalHandler()
	step := &models.StepDefinition{ID: "compliance", Type: models.StepTypeApproval,
		Config: map[string]any{"approver_role": "compliance_reviewer"}}

	out, err := h.Execute(context.Background(), request(step, map[string]any{"ignored": true}))
	require.NoError(t, err)
	require.NotNil(t, out.Suspend)
	assert.Equal(t, models.BookmarkKindApproval, out.Suspend.Kind)
	require.Len(t, out.Records, 1)
	assert.Equal(t, models.EventApprovalRequested, out.Records[0].Type)
}

func TestApprovalHandler_ResumeGranted(t *testing.T) {
	h := NewApprovalHandler()
	step := &models.StepDefinition{ID: "compliance", Type: models.StepTypeApproval}

	out, err := h.Resume(context.Background(), request(step, nil), map[string]any{
		"approved": true,
		"comments": "documents verified",
	})
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.Equal(t, true, out.Data["approved"])
	require.Len(t, out.Records, 1)
	assert.Equal(t, models.EventApprovalGranted, out.Records[0].Type)
}

func TestApprovalHandler_ResumeRejected(t *testing.T) {
	h := NewApprovalHandler()
	step := &models.StepDefinition{ID: "compliance", Type: models.StepTypeApproval}

	out, err := h.Resume(context.Background(), request(step, nil), map[string]any{
		"approved": false,
		"comments": "missing registration extract",
	})
	require.NoError(t, err)
	assert.True(t, out.Failed)
	assert.False(t, out.Completed)
	require.Len(t, out.Records, 1)
	assert.Equal(t, models.EventApprovalRejected, out.Records[0].Type)
}

func TestApprovalHandler_ResumeRequiresApprovedFlag(t *testing.T) {
	h := NewApprovalHandler()
	step := &models.StepDefinition{ID: "compliance", Type: models.StepTypeApproval}

	_, err := h.Resume(context.Background(), request(step, nil), map[string]any{"comments": "?"})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))
}

func TestValidationHandler(t *testing.T) {
	h := NewValidationHandler()
	step := &models.StepDefinition{ID: "check", Type: models.StepTypeValidation, Config: map[string]any{
		"required_steps":  []any{"company_info"},
		"required_fields": []any{"company_info.legal_name"},
	}}

	req := request(step, nil)
	_, err := h.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))

	req.Workflow.StepStates["company_info"] = &models.StepState{
		StepID: "company_info",
		Status: models.StepStatusCompleted,
		Data:   map[string]any{"legal_name": "Acme Energy BV"},
	}
	out, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Completed)
	require.Len(t, out.Records, 1)
	assert.Equal(t, models.EventValidationPassed, out.Records[0].Type)
}

func TestDecisionHandler_Branches(t *testing.T) {
	h := NewDecisionHandler()
	step := &models.StepDefinition{ID: "route", Type: models.StepTypeDecision, Config: map[string]any{
		"branches": []any{
			map[string]any{
				"when": map[string]any{"step_id": "portfolio", "field": "expected_volume_mw", "gte": 100},
				"then": "major_review",
			},
		},
		"default": "notify",
	}}

	req := request(step, nil)
	req.Workflow.StepStates["portfolio"] = &models.StepState{
		StepID: "portfolio",
		Status: models.StepStatusCompleted,
		Data:   map[string]any{"expected_volume_mw": float64(250)},
	}
	out, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "major_review", out.NextStepID)

	req.Workflow.StepStates["portfolio"].Data["expected_volume_mw"] = float64(10)
	out, err = h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "notify", out.NextStepID)
}

func TestDecisionHandler_NoMatchNoDefault(t *testing.T) {
	h := NewDecisionHandler()
	step := &models.StepDefinition{ID: "route", Type: models.StepTypeDecision, Config: map[string]any{}}

	_, err := h.Execute(context.Background(), request(step, nil))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))
}

// fakeProvisioner counts calls and fails a configured number of times first.
type fakeProvisioner struct {
	calls       int
	reverts     int
	failFirst   int
	failWith    error
	lastKey     string
	lastRevert  string
	lastPayload map[string]any
}

func (f *fakeProvisioner) Call(_ context.Context, spec CallSpec) (map[string]any, error) {
	f.calls++
	f.lastKey = spec.IdempotencyKey
	f.lastPayload = spec.Body
	if f.calls <= f.failFirst {
		return nil, f.failWith
	}
	return map[string]any{"participant_id": "mp-42"}, nil
}

func (f *fakeProvisioner) Revert(_ context.Context, spec CallSpec) error {
	f.reverts++
	f.lastRevert = spec.IdempotencyKey
	return nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestAPICallHandler_RetriesTransientFailures(t *testing.T) {
	client := &fakeProvisioner{
		failFirst: 2,
		failWith:  models.NewError(models.KindExternalTransient, "market system is unreachable"),
	}
	h := NewAPICallHandler(client, fastPolicy())
	step := &models.StepDefinition{ID: "provision", Type: models.StepTypeAPICall,
		Config: map[string]any{"endpoint": "/participants", "method": "POST"}}

	out, err := h.Execute(context.Background(), request(step, map[string]any{"grid_area": "BE"}))
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.Equal(t, 3, client.calls)
	assert.Equal(t, "wf-1:provision", client.lastKey)

	// The call markers bracket the outcome.
	require.Len(t, out.Records, 2)
	assert.Equal(t, models.EventAPICallStarted, out.Records[0].Type)
	assert.Equal(t, models.EventAPICallCompleted, out.Records[1].Type)
}

func TestAPICallHandler_PermanentFailureFailsFast(t *testing.T) {
	client := &fakeProvisioner{
		failFirst: 10,
		failWith:  models.NewError(models.KindExternalPermanent, "market system rejected the call with status 422"),
	}
	h := NewAPICallHandler(client, fastPolicy())
	step := &models.StepDefinition{ID: "provision", Type: models.StepTypeAPICall,
		Config: map[string]any{"endpoint": "/participants"}}

	out, err := h.Execute(context.Background(), request(step, nil))
	require.NoError(t, err)
	assert.True(t, out.Failed)
	assert.Equal(t, 1, client.calls)
	require.Len(t, out.Records, 2)
	assert.Equal(t, models.EventAPICallFailed, out.Records[1].Type)
}

func TestAPICallHandler_ExhaustedRetriesFail(t *testing.T) {
	client := &fakeProvisioner{
		failFirst: 10,
		failWith:  models.NewError(models.KindExternalTransient, "market system is unreachable"),
	}
	h := NewAPICallHandler(client, fastPolicy())
	step := &models.StepDefinition{ID: "provision", Type: models.StepTypeAPICall,
		Config: map[string]any{"endpoint": "/participants"}}

	out, err := h.Execute(context.Background(), request(step, nil))
	require.NoError(t, err)
	assert.True(t, out.Failed)
	assert.Equal(t, 3, client.calls)
}

func TestAPICallHandler_CompensateUsesRevertKey(t *testing.T) {
	client := &fakeProvisioner{}
	h := NewAPICallHandler(client, fastPolicy())
	step := &models.StepDefinition{ID: "provision", Type: models.StepTypeAPICall,
		Config: map[string]any{"endpoint": "/participants"}}

	require.NoError(t, h.Compensate(context.Background(), request(step, nil)))
	assert.Equal(t, 1, client.reverts)
	assert.Equal(t, "wf-1:provision:revert", client.lastRevert)
}

// fakeNotifier records sends and optionally fails.
type fakeNotifier struct {
	sent int
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, _ Notification) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent++
	return "msg-1", nil
}

func TestNotificationHandler_Delivers(t *testing.T) {
	n := &fakeNotifier{}
	h := NewNotificationHandler(n)
	step := &models.StepDefinition{ID: "notify", Type: models.StepTypeNotification,
		Config: map[string]any{"channel": "email", "recipient": "ops@example.com"}}

	out, err := h.Execute(context.Background(), request(step, nil))
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.Equal(t, "msg-1", out.Data["message_id"])
	require.Len(t, out.Records, 1)
	assert.Equal(t, models.EventNotificationSent, out.Records[0].Type)
}

func TestNotificationHandler_OptionalDeliveryFailureCompletes(t *testing.T) {
	n := &fakeNotifier{err: errors.New("smtp unavailable")}
	h := NewNotificationHandler(n)
	step := &models.StepDefinition{ID: "notify", Type: models.StepTypeNotification}

	out, err := h.Execute(context.Background(), request(step, nil))
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.Equal(t, false, out.Data["delivered"])
	require.Len(t, out.Records, 1)
	assert.Equal(t, models.EventNotificationFailed, out.Records[0].Type)
}

func TestNotificationHandler_RequiredDeliveryFailureFails(t *testing.T) {
	n := &fakeNotifier{err: errors.New("smtp unavailable")}
	h := NewNotificationHandler(n)
	step := &models.StepDefinition{ID: "notify", Type: models.StepTypeNotification, RequiredDelivery: true}

	out, err := h.Execute(context.Background(), request(step, nil))
	require.NoError(t, err)
	assert.True(t, out.Failed)
}

func TestManualHandler(t *testing.T) {
	h := NewManualHandler()
	step := &models.StepDefinition{ID: "sign", Type: models.StepTypeManual}

	out, err := h.Execute(context.Background(), request(step, nil))
	require.NoError(t, err)
	require.NotNil(t, out.Suspend)

	out, err = h.Execute(context.Background(), request(step, map[string]any{"done": true}))
	require.NoError(t, err)
	assert.True(t, out.Completed)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewFormHandler())

	h, err := reg.Get(models.StepTypeForm)
	require.NoError(t, err)
	assert.Equal(t, models.StepTypeForm, h.Type())

	_, err = reg.Get(models.StepTypeAPICall)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))
}
