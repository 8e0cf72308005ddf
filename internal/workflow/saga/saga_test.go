package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enerflow/enerflow/internal/common/retry"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/models"
	"github.com/enerflow/enerflow/internal/workflow/steps"
)

// compensatingHandler records compensation order and can fail on one step.
type compensatingHandler struct {
	typ         models.StepType
	compensated *[]string
	failOn      string
}

func (h *compensatingHandler) Type() models.StepType { return h.typ }

func (h *compensatingHandler) Execute(context.Context, *steps.Request) (*steps.Outcome, error) {
	return &steps.Outcome{Completed: true}, nil
}

func (h *compensatingHandler) Resume(context.Context, *steps.Request, map[string]any) (*steps.Outcome, error) {
	return &steps.Outcome{Completed: true}, nil
}

func (h *compensatingHandler) Compensate(_ context.Context, req *steps.Request) error {
	if req.Step.ID == h.failOn {
		return models.NewError(models.KindExternalPermanent, "deprovision refused")
	}
	*h.compensated = append(*h.compensated, req.Step.ID)
	return nil
}

func testTemplate() *models.WorkflowTemplate {
	return &models.WorkflowTemplate{
		ID:         "tpl-1",
		MarketRole: models.MarketRoleBRP,
		Version:    1,
		Steps: []models.StepDefinition{
			{ID: "company_info", Type: models.StepTypeForm, Order: 1},
			{ID: "portfolio", Type: models.StepTypeForm, Order: 2},
			{ID: "provision", Type: models.StepTypeAPICall, Order: 3},
			{ID: "notify", Type: models.StepTypeNotification, Order: 4},
		},
	}
}

func completedState(completions map[string]time.Time) *models.WorkflowInstance {
	state := &models.WorkflowInstance{
		ID:         "wf-1",
		TenantID:   "tenant-a",
		Status:     models.StatusInProgress,
		StepStates: map[string]*models.StepState{},
	}
	for stepID, at := range completions {
		ts := at
		state.StepStates[stepID] = &models.StepState{
			StepID:      stepID,
			Status:      models.StepStatusCompleted,
			CompletedAt: &ts,
		}
	}
	return state
}

func coordinator(compensated *[]string, failOn string) *Coordinator {
	reg := steps.NewRegistry()
	for _, typ := range []models.StepType{models.StepTypeForm, models.StepTypeAPICall, models.StepTypeNotification} {
		reg.Register(&compensatingHandler{typ: typ, compensated: compensated, failOn: failOn})
	}
	return NewCoordinator(reg, retry.Policy{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, nil)
}

func TestPlan_ReverseCompletionOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	state := completedState(map[string]time.Time{
		"company_info": base,
		"portfolio":    base.Add(time.Hour),
		"provision":    base.Add(2 * time.Hour),
	})
	var compensated []string
	c := coordinator(&compensated, "")

	plan, err := c.Plan(state, testTemplate(), "")
	require.NoError(t, err)
	require.Len(t, plan, 3)
	assert.Equal(t, "provision", plan[0].ID)
	assert.Equal(t, "portfolio", plan[1].ID)
	assert.Equal(t, "company_info", plan[2].ID)
}

func TestPlan_PartialRollbackKeepsEarlierSteps(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	state := completedState(map[string]time.Time{
		"company_info": base,
		"portfolio":    base.Add(time.Hour),
		"provision":    base.Add(2 * time.Hour),
	})
	var compensated []string
	c := coordinator(&compensated, "")

	plan, err := c.Plan(state, testTemplate(), "portfolio")
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "provision", plan[0].ID)
}

func TestPlan_SameTimestampFallsBackToTemplateOrder(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	state := completedState(map[string]time.Time{
		"company_info": at,
		"portfolio":    at,
	})
	var compensated []string
	c := coordinator(&compensated, "")

	plan, err := c.Plan(state, testTemplate(), "")
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, "portfolio", plan[0].ID)
	assert.Equal(t, "company_info", plan[1].ID)
}

func TestPlan_UndefinedTargetRejected(t *testing.T) {
	state := completedState(nil)
	var compensated []string
	c := coordinator(&compensated, "")

	_, err := c.Plan(state, testTemplate(), "no_such_step")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
}

func TestPlan_UncompletedTargetRejected(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	state := completedState(map[string]time.Time{
		"company_info": base,
	})
	var compensated []string
	c := coordinator(&compensated, "")

	// portfolio is defined in the template but never completed.
	_, err := c.Plan(state, testTemplate(), "portfolio")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
}

func TestCompensate_RunsPlanInOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	state := completedState(map[string]time.Time{
		"company_info": base,
		"provision":    base.Add(time.Hour),
	})
	var compensated []string
	c := coordinator(&compensated, "")

	plan, err := c.Plan(state, testTemplate(), "")
	require.NoError(t, err)

	var recorded []string
	record := func(_ models.EventType, stepID string, payload map[string]any) error {
		require.Equal(t, true, payload["success"])
		recorded = append(recorded, stepID)
		return nil
	}
	actor := tenant.Actor{ID: "ops", Role: tenant.RoleMarketOps}
	require.NoError(t, c.Compensate(context.Background(), actor, state, plan, record))

	assert.Equal(t, []string{"provision", "company_info"}, compensated)
	assert.Equal(t, []string{"provision", "company_info"}, recorded)
}

func TestCompensate_FailFastStopsRollback(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	state := completedState(map[string]time.Time{
		"company_info": base,
		"portfolio":    base.Add(time.Hour),
		"provision":    base.Add(2 * time.Hour),
	})
	var compensated []string
	c := coordinator(&compensated, "portfolio")

	plan, err := c.Plan(state, testTemplate(), "")
	require.NoError(t, err)

	type rec struct {
		stepID  string
		success bool
	}
	var recorded []rec
	record := func(_ models.EventType, stepID string, payload map[string]any) error {
		ok, _ := payload["success"].(bool)
		recorded = append(recorded, rec{stepID: stepID, success: ok})
		return nil
	}
	actor := tenant.Actor{ID: "ops", Role: tenant.RoleMarketOps}
	err = c.Compensate(context.Background(), actor, state, plan, record)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindExternalPermanent))

	// provision was undone, portfolio failed, company_info was never touched.
	assert.Equal(t, []string{"provision"}, compensated)
	require.Len(t, recorded, 2)
	assert.Equal(t, rec{"provision", true}, recorded[0])
	assert.Equal(t, rec{"portfolio", false}, recorded[1])
}
