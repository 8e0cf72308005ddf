package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enerflow/enerflow/internal/common/retry"
	"github.com/enerflow/enerflow/internal/db"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/bookmarks"
	"github.com/enerflow/enerflow/internal/workflow/eventstore"
	"github.com/enerflow/enerflow/internal/workflow/indexstore"
	"github.com/enerflow/enerflow/internal/workflow/models"
	"github.com/enerflow/enerflow/internal/workflow/projection"
	"github.com/enerflow/enerflow/internal/workflow/saga"
	"github.com/enerflow/enerflow/internal/workflow/statestore"
	"github.com/enerflow/enerflow/internal/workflow/steps"
	"github.com/enerflow/enerflow/internal/workflow/templates"
)

var fastPolicy = retry.Policy{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

// fakeProvisioner stands in for the external market registry. When the gate
// channels are set, Call signals entry and blocks until released, so a test
// can hold a handler in flight.
type fakeProvisioner struct {
	mu      sync.Mutex
	calls   []string
	reverts []string
	entered chan struct{}
	proceed chan struct{}
}

func (p *fakeProvisioner) Call(_ context.Context, spec steps.CallSpec) (map[string]any, error) {
	p.mu.Lock()
	p.calls = append(p.calls, spec.IdempotencyKey)
	entered, proceed := p.entered, p.proceed
	p.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-proceed
	}
	return map[string]any{"registration_id": "reg-001"}, nil
}

func (p *fakeProvisioner) Revert(_ context.Context, spec steps.CallSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reverts = append(p.reverts, spec.IdempotencyKey)
	return nil
}

// onboardingTemplate is a three step BRP template: a form, an external
// registration call, and a final compliance approval.
func onboardingTemplate() *models.WorkflowTemplate {
	return &models.WorkflowTemplate{
		ID:         "tpl-brp-onboarding",
		Name:       "BRP onboarding",
		MarketRole: models.MarketRoleBRP,
		Version:    1,
		Active:     true,
		Steps: []models.StepDefinition{
			{
				ID:       "company_info",
				Name:     "Company information",
				Type:     models.StepTypeForm,
				Required: true,
				Order:    1,
				Config: map[string]any{
					"schema": map[string]any{
						"type":     "object",
						"required": []any{"company_name"},
						"properties": map[string]any{
							"company_name": map[string]any{"type": "string"},
						},
					},
				},
				AllowedTransitions: []string{"provision"},
			},
			{
				ID:                 "provision",
				Name:               "Register participant",
				Type:               models.StepTypeAPICall,
				Required:           true,
				Order:              2,
				Config:             map[string]any{"endpoint": "/registry/participants"},
				AllowedTransitions: []string{"review"},
			},
			{
				ID:       "review",
				Name:     "Compliance review",
				Type:     models.StepTypeApproval,
				Required: true,
				Order:    3,
			},
		},
	}
}

type fixture struct {
	engine    *Engine
	events    *eventstore.Store
	states    *statestore.Store
	index     *indexstore.Store
	projector *projection.Projector
	bookmarks *bookmarks.Manager
	registry  *templates.Registry
	handlers  *steps.Registry
	saga      *saga.Coordinator
	prov      *fakeProvisioner
}

func defaultOptions() Options {
	return Options{
		Retry:              fastPolicy,
		DefaultStepTimeout: 5 * time.Second,
		BookmarkExpiry:     time.Hour,
		LockWait:           200 * time.Millisecond,
		ConflictRetries:    2,
	}
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	docPool, err := db.OpenSQLitePool(filepath.Join(dir, "doc.db"))
	require.NoError(t, err)
	indexPool, err := db.OpenSQLitePool(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = docPool.Close()
		_ = indexPool.Close()
	})

	events, err := eventstore.NewStore(docPool, nil)
	require.NoError(t, err)
	states, err := statestore.NewStore(docPool)
	require.NoError(t, err)
	index, err := indexstore.NewStore(indexPool)
	require.NoError(t, err)
	bm, err := bookmarks.NewManager(docPool, nil)
	require.NoError(t, err)

	registry := templates.NewRegistry(nil, nil)
	require.NoError(t, registry.Register(onboardingTemplate()))

	prov := &fakeProvisioner{}
	handlers := steps.NewRegistry()
	handlers.Register(steps.NewFormHandler())
	handlers.Register(steps.NewApprovalHandler())
	handlers.Register(steps.NewAPICallHandler(prov, fastPolicy))

	f := &fixture{
		events:    events,
		states:    states,
		index:     index,
		projector: projection.NewProjector(states, index, nil),
		bookmarks: bm,
		registry:  registry,
		handlers:  handlers,
		saga:      saga.NewCoordinator(handlers, fastPolicy, nil),
		prov:      prov,
	}
	f.engine = f.newEngine(defaultOptions())
	return f
}

func (f *fixture) newEngine(opts Options) *Engine {
	return New(f.events, f.index, f.projector, f.bookmarks, f.registry, f.handlers, f.saga, nil, opts, nil)
}

func adminContext(t *testing.T, tenantID string) tenant.Context {
	t.Helper()
	tc, err := tenant.NewContext(tenant.Actor{ID: "admin-" + tenantID, Role: tenant.RoleTenantAdmin, TenantID: tenantID})
	require.NoError(t, err)
	return tc
}

func reviewerContext(t *testing.T, tenantID string) tenant.Context {
	t.Helper()
	tc, err := tenant.NewContext(tenant.Actor{ID: "rev-" + tenantID, Role: tenant.RoleComplianceReviewer, TenantID: tenantID})
	require.NoError(t, err)
	return tc
}

func opsContext(t *testing.T) tenant.Context {
	t.Helper()
	tc, err := tenant.NewContext(tenant.Actor{ID: "ops-1", Role: tenant.RoleMarketOps})
	require.NoError(t, err)
	return tc
}

func companyInfo() map[string]any {
	return map[string]any{"company_name": "Nordgrid Energi AB"}
}

// createWorkflow starts a BRP workflow for tenant-a.
func createWorkflow(t *testing.T, f *fixture, tc tenant.Context) *models.WorkflowInstance {
	t.Helper()
	state, err := f.engine.Create(context.Background(), tc, CreateRequest{MarketRole: models.MarketRoleBRP})
	require.NoError(t, err)
	return state
}

// advanceToReview completes the form and provisioning steps.
func advanceToReview(t *testing.T, f *fixture, tc tenant.Context, workflowID string) *models.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.ExecuteStep(ctx, tc, workflowID, "company_info", companyInfo())
	require.NoError(t, err)
	state, err := f.engine.ExecuteStep(ctx, tc, workflowID, "provision", nil)
	require.NoError(t, err)
	return state
}

// submitWorkflow completes every step through the review approval and submits.
func submitWorkflow(t *testing.T, f *fixture, admin, reviewer tenant.Context, workflowID string) {
	t.Helper()
	ctx := context.Background()
	advanceToReview(t, f, admin, workflowID)
	_, err := f.engine.ExecuteStep(ctx, admin, workflowID, "review", nil)
	require.NoError(t, err)
	active, err := f.engine.Bookmarks(ctx, admin, workflowID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	_, err = f.engine.ResumeBookmark(ctx, reviewer, active[0].ID, map[string]any{"approved": true})
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, admin, workflowID)
	require.NoError(t, err)
}

// countEvents tallies history events of one type, optionally for one step.
func countEvents(t *testing.T, f *fixture, tc tenant.Context, workflowID string, typ models.EventType, stepID string) int {
	t.Helper()
	history, err := f.engine.History(context.Background(), tc, workflowID, 0, 0)
	require.NoError(t, err)
	n := 0
	for _, ev := range history {
		if ev.Type == typ && (stepID == "" || ev.StepID == stepID) {
			n++
		}
	}
	return n
}

func TestCreate_BindsTenantAndSeedsSteps(t *testing.T) {
	f := setup(t)
	admin := adminContext(t, "tenant-a")

	// A tenant-bound actor creates within its own tenant regardless of the
	// requested target.
	state, err := f.engine.Create(context.Background(), admin, CreateRequest{
		MarketRole: models.MarketRoleBRP,
		TenantID:   "tenant-z",
		Metadata:   map[string]any{"source": "portal"},
	})
	require.NoError(t, err)

	assert.Equal(t, "tenant-a", state.TenantID)
	assert.Equal(t, models.StatusDraft, state.Status)
	assert.Equal(t, 1, state.TemplateVersion)
	assert.Equal(t, models.MarketRoleBRP, state.MarketRole)
	require.Len(t, state.StepStates, 3)
	for _, st := range state.StepStates {
		assert.Equal(t, models.StepStatusPending, st.Status)
	}

	rows, total, err := f.engine.List(context.Background(), admin, indexstore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, state.ID, rows[0].ID)
}

func TestCreate_OpsMustNameTargetTenant(t *testing.T) {
	f := setup(t)
	ops := opsContext(t)

	_, err := f.engine.Create(context.Background(), ops, CreateRequest{MarketRole: models.MarketRoleBRP})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))

	state, err := f.engine.Create(context.Background(), ops, CreateRequest{
		MarketRole: models.MarketRoleBRP,
		TenantID:   "tenant-b",
	})
	require.NoError(t, err)
	assert.Equal(t, "tenant-b", state.TenantID)
}

func TestCreate_OperatorLacksPermission(t *testing.T) {
	f := setup(t)
	tc, err := tenant.NewContext(tenant.Actor{ID: "op-1", Role: tenant.RoleTenantOperator, TenantID: "tenant-a"})
	require.NoError(t, err)

	_, err = f.engine.Create(context.Background(), tc, CreateRequest{MarketRole: models.MarketRoleBRP})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindPermissionDenied))
}

func TestOnboarding_RunsToCompletion(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	reviewer := reviewerContext(t, "tenant-a")

	wf := createWorkflow(t, f, admin)
	state := advanceToReview(t, f, admin, wf.ID)
	assert.Equal(t, models.StatusInProgress, state.Status)
	assert.Equal(t, models.StepStatusCompleted, state.StepStates["company_info"].Status)
	assert.Equal(t, models.StepStatusCompleted, state.StepStates["provision"].Status)
	assert.Equal(t, []string{wf.ID + ":provision"}, f.prov.calls)

	// The approval step parks behind a bookmark until a reviewer decides.
	state, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "review", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPaused, state.StepStates["review"].Status)

	active, err := f.engine.Bookmarks(ctx, admin, wf.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, models.BookmarkKindApproval, active[0].Kind)

	state, err = f.engine.ResumeBookmark(ctx, reviewer, active[0].ID, map[string]any{
		"approved": true,
		"comments": "registration documents verified",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingValidation, state.Status)

	state, err = f.engine.Submit(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, state.Status)

	state, err = f.engine.Approve(ctx, reviewer, wf.ID, "welcome aboard")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Status)

	// The log is densely numbered from 1 and starts with the creation event.
	history, err := f.engine.History(ctx, admin, wf.ID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, models.EventWorkflowCreated, history[0].Type)
	for i, ev := range history {
		assert.Equal(t, int64(i+1), ev.SequenceNo)
	}

	// Replaying the full log lands on the same terminal state.
	replayed, err := f.engine.Replay(ctx, admin, wf.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, replayed.Status)
}

func TestExecuteStep_RejectsNonEntryStepFromDraft(t *testing.T) {
	f := setup(t)
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	_, err := f.engine.ExecuteStep(context.Background(), admin, wf.ID, "provision", nil)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
}

func TestExecuteStep_FormValidationFailureAllowsRetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	_, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", map[string]any{"company": "wrong field"})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))

	// The step stays current, so corrected data can be resubmitted.
	state, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", companyInfo())
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, state.StepStates["company_info"].Status)
}

func TestSuspendAndResume_FormBookmarkConsumedOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	state, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPaused, state.StepStates["company_info"].Status)

	active, err := f.engine.Bookmarks(ctx, admin, wf.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, models.BookmarkKindForm, active[0].Kind)

	state, err = f.engine.ResumeBookmark(ctx, admin, active[0].ID, companyInfo())
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, state.StepStates["company_info"].Status)

	// The bookmark was consumed by the first delivery.
	_, err = f.engine.ResumeBookmark(ctx, admin, active[0].ID, companyInfo())
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindBookmarkAlreadyConsumed))
}

func TestResumeBookmark_ApprovalRequiresApprovePermission(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	reviewer := reviewerContext(t, "tenant-a")

	wf := createWorkflow(t, f, admin)
	advanceToReview(t, f, admin, wf.ID)
	_, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "review", nil)
	require.NoError(t, err)

	active, err := f.engine.Bookmarks(ctx, admin, wf.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)

	_, err = f.engine.ResumeBookmark(ctx, admin, active[0].ID, map[string]any{"approved": true})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindPermissionDenied))

	// The refused delivery did not consume the bookmark.
	state, err := f.engine.ResumeBookmark(ctx, reviewer, active[0].ID, map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingValidation, state.Status)
}

func TestSubmit_FailsWhenRequiredStepsIncomplete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	_, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", companyInfo())
	require.NoError(t, err)

	_, err = f.engine.Submit(ctx, admin, wf.ID)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))

	var serr *models.Error
	require.ErrorAs(t, err, &serr)
	fields := make([]string, 0, len(serr.FieldErrors))
	for _, fe := range serr.FieldErrors {
		fields = append(fields, fe.Field)
	}
	assert.ElementsMatch(t, []string{"provision", "review"}, fields)
}

func TestValidate_RecordsOutcomeWithoutChangingStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	_, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", companyInfo())
	require.NoError(t, err)

	state, err := f.engine.Validate(ctx, admin, wf.ID)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidation))
	assert.Equal(t, models.StatusInProgress, state.Status)

	history, err := f.engine.History(ctx, admin, wf.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, models.EventValidationFailed, history[len(history)-1].Type)
}

func TestReject_ReturnsSubmittedWorkflowForCorrection(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	reviewer := reviewerContext(t, "tenant-a")

	wf := createWorkflow(t, f, admin)
	submitWorkflow(t, f, admin, reviewer, wf.ID)

	// Returning to the already completed review step compensates nothing and
	// keeps every completion in place.
	state, err := f.engine.Reject(ctx, reviewer, wf.ID, "portfolio figures inconsistent", "review")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, state.Status)
	assert.Equal(t, "review", state.CurrentStepID)
	assert.Empty(t, f.prov.reverts)

	// After correction the workflow can be submitted again.
	state, err = f.engine.Submit(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, state.Status)
}

func TestReject_ReturnToCompensatesSkippedSteps(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	reviewer := reviewerContext(t, "tenant-a")

	wf := createWorkflow(t, f, admin)
	submitWorkflow(t, f, admin, reviewer, wf.ID)

	state, err := f.engine.Reject(ctx, reviewer, wf.ID, "company details do not match the registry", "company_info")
	require.NoError(t, err)

	// Everything completed after the target was undone, in reverse order.
	assert.Equal(t, []string{wf.ID + ":provision:revert"}, f.prov.reverts)
	assert.Equal(t, models.StatusInProgress, state.Status)
	assert.Equal(t, "company_info", state.CurrentStepID)
	assert.Equal(t, models.StepStatusCompleted, state.StepStates["company_info"].Status)
	assert.Equal(t, models.StepStatusPending, state.StepStates["provision"].Status)
	assert.Equal(t, models.StepStatusPending, state.StepStates["review"].Status)
}

func TestReject_DefaultStepsBackPastLastCompletion(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	reviewer := reviewerContext(t, "tenant-a")

	wf := createWorkflow(t, f, admin)
	submitWorkflow(t, f, admin, reviewer, wf.ID)

	// No target: the most recent completion (review) is undone and the
	// workflow lands on the step completed before it.
	state, err := f.engine.Reject(ctx, reviewer, wf.ID, "second opinion required", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, state.Status)
	assert.Equal(t, "provision", state.CurrentStepID)
	assert.Equal(t, models.StepStatusPending, state.StepStates["review"].Status)
	assert.Equal(t, models.StepStatusCompleted, state.StepStates["provision"].Status)
	assert.Empty(t, f.prov.reverts)
}

func TestReject_UncompletedReturnTargetRefused(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	reviewer := reviewerContext(t, "tenant-a")

	wf := createWorkflow(t, f, admin)
	submitWorkflow(t, f, admin, reviewer, wf.ID)

	_, err := f.engine.Reject(ctx, reviewer, wf.ID, "", "no_such_step")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))

	// The refused rejection left the workflow submitted.
	state, err := f.engine.Get(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, state.Status)
}

func TestPauseResumeCancel_Lifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	_, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", companyInfo())
	require.NoError(t, err)

	state, err := f.engine.Pause(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, state.Status)

	// A paused workflow refuses step execution.
	_, err = f.engine.ExecuteStep(ctx, admin, wf.ID, "provision", nil)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))

	state, err = f.engine.Resume(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, state.Status)

	state, err = f.engine.Cancel(ctx, admin, wf.ID, "participant withdrew the application")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, state.Status)
	// Cancellation keeps external effects: nothing was deprovisioned.
	assert.Empty(t, f.prov.reverts)

	_, err = f.engine.ExecuteStep(ctx, admin, wf.ID, "provision", nil)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
}

func TestPauseResume_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	_, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", companyInfo())
	require.NoError(t, err)

	state, err := f.engine.Pause(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, state.Status)

	// A second pause is a no-op, not an error, and appends nothing.
	state, err = f.engine.Pause(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, state.Status)
	assert.Equal(t, 1, countEvents(t, f, admin, wf.ID, models.EventWorkflowPaused, ""))

	state, err = f.engine.Resume(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, state.Status)

	state, err = f.engine.Resume(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, state.Status)
	assert.Equal(t, 1, countEvents(t, f, admin, wf.ID, models.EventWorkflowResumed, ""))
}

func TestResume_ReactivatesRolledBackWorkflow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)
	advanceToReview(t, f, admin, wf.ID)

	state, err := f.engine.Rollback(ctx, admin, wf.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, state.Status)

	state, err = f.engine.Resume(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, state.Status)
	assert.Empty(t, state.CurrentStepID)

	// Execution restarts from the entry step.
	state, err = f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", companyInfo())
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, state.StepStates["company_info"].Status)
}

func TestExecuteStep_ConcurrentDuplicateAppendsNoEvent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	_, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", companyInfo())
	require.NoError(t, err)

	f.prov.entered = make(chan struct{})
	f.prov.proceed = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "provision", nil)
		done <- err
	}()
	// The first caller is inside the handler with the workflow lock released.
	<-f.prov.entered

	_, err = f.engine.ExecuteStep(ctx, admin, wf.ID, "provision", nil)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflictingWrite))

	close(f.prov.proceed)
	require.NoError(t, <-done)

	// Exactly one caller left a trace in the log.
	assert.Equal(t, 1, countEvents(t, f, admin, wf.ID, models.EventStepStarted, "provision"))
	assert.Equal(t, 1, countEvents(t, f, admin, wf.ID, models.EventStepCompleted, "provision"))
}

func TestRollback_CompensatesBackToTargetStep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)
	advanceToReview(t, f, admin, wf.ID)

	state, err := f.engine.Rollback(ctx, admin, wf.ID, "company_info")
	require.NoError(t, err)

	assert.Equal(t, []string{wf.ID + ":provision:revert"}, f.prov.reverts)
	assert.Equal(t, models.StatusInProgress, state.Status)
	assert.Equal(t, "company_info", state.CurrentStepID)
	assert.Equal(t, models.StepStatusPending, state.StepStates["provision"].Status)
	assert.Equal(t, models.StepStatusCompleted, state.StepStates["company_info"].Status)

	history, err := f.engine.History(ctx, admin, wf.ID, 0, 0)
	require.NoError(t, err)
	var compensated []string
	for _, ev := range history {
		if ev.Type == models.EventStepCompensated {
			compensated = append(compensated, ev.StepID)
		}
	}
	assert.Equal(t, []string{"provision"}, compensated)

	// The step can be re-executed under the same idempotency key.
	state, err = f.engine.ExecuteStep(ctx, admin, wf.ID, "provision", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, state.StepStates["provision"].Status)
	assert.Equal(t, []string{wf.ID + ":provision", wf.ID + ":provision"}, f.prov.calls)
}

func TestRollback_FullRollbackAllowsRestart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)
	advanceToReview(t, f, admin, wf.ID)

	state, err := f.engine.Rollback(ctx, admin, wf.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, state.Status)
	assert.Empty(t, state.CurrentStepID)
	assert.Equal(t, models.StepStatusPending, state.StepStates["company_info"].Status)
	assert.Equal(t, models.StepStatusPending, state.StepStates["provision"].Status)

	// A rolled back workflow restarts from the entry step.
	state, err = f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", companyInfo())
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, state.Status)
}

func TestRollback_TargetMustHaveCompleted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	_, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", companyInfo())
	require.NoError(t, err)

	// provision is defined in the template but never ran.
	_, err = f.engine.Rollback(ctx, admin, wf.ID, "provision")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
}

func TestRollback_RequiresPermission(t *testing.T) {
	f := setup(t)
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	tc, err := tenant.NewContext(tenant.Actor{ID: "op-1", Role: tenant.RoleTenantOperator, TenantID: "tenant-a"})
	require.NoError(t, err)

	_, err = f.engine.Rollback(context.Background(), tc, wf.ID, "")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindPermissionDenied))
}

func TestGet_ForeignTenantReadsAsNotFound(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	adminA := adminContext(t, "tenant-a")
	adminB := adminContext(t, "tenant-b")
	ops := opsContext(t)

	wf := createWorkflow(t, f, adminA)

	_, err := f.engine.Get(ctx, adminB, wf.ID)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))

	_, err = f.engine.History(ctx, adminB, wf.ID, 0, 0)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))

	// A foreign tenant's listing never includes the workflow.
	rows, total, err := f.engine.List(ctx, adminB, indexstore.Filter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, rows)

	// market_ops sees across tenants.
	state, err := f.engine.Get(ctx, ops, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, state.ID)
}

func TestAuditTrail_PermissionAndScope(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	reviewer := reviewerContext(t, "tenant-a")

	wf := createWorkflow(t, f, admin)
	_, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", companyInfo())
	require.NoError(t, err)

	_, err = f.engine.AuditTrail(ctx, admin, "tenant-a", time.Time{}, time.Time{}, 0)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindPermissionDenied))

	events, err := f.engine.AuditTrail(ctx, reviewer, "tenant-a", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, "tenant-a", ev.TenantID)
	}
}

func TestReplay_PointInTimeState(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)
	advanceToReview(t, f, admin, wf.ID)

	// As of the creation event the workflow was still a draft.
	state, err := f.engine.Replay(ctx, admin, wf.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, state.Status)
}

func TestExecuteStep_LockedWorkflowIsAConflictingWrite(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	release, err := f.engine.locks.acquire(ctx, wf.ID, time.Second)
	require.NoError(t, err)
	defer release()

	_, err = f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", companyInfo())
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflictingWrite))
}

func TestRecoverInFlight_ReissuesInterruptedAPICall(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	_, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", companyInfo())
	require.NoError(t, err)

	// Start the provisioning step without recording its outcome, as a crash
	// mid-handler would leave it.
	_, _, err = f.engine.startStep(ctx, admin, wf.ID, "provision")
	require.NoError(t, err)
	require.Empty(t, f.prov.calls)

	recovered, err := f.engine.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	// The handler ran again under the step's idempotency key and completed.
	assert.Equal(t, []string{wf.ID + ":provision"}, f.prov.calls)
	state, err := f.engine.Get(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, state.StepStates["provision"].Status)
	assert.Equal(t, models.StatusInProgress, state.Status)
}

func TestRecoverInFlight_ReissuedFormParksBehindBookmark(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	// The form's input died with the process; the re-issued step waits for a
	// fresh submission instead of failing.
	_, _, err := f.engine.startStep(ctx, admin, wf.ID, "company_info")
	require.NoError(t, err)

	recovered, err := f.engine.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	state, err := f.engine.Get(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPaused, state.StepStates["company_info"].Status)

	active, err := f.engine.Bookmarks(ctx, admin, wf.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, models.BookmarkKindForm, active[0].Kind)

	state, err = f.engine.ResumeBookmark(ctx, admin, active[0].ID, companyInfo())
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, state.StepStates["company_info"].Status)
}

func TestRecoverInFlight_LeavesBookmarkedStepsAlone(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	// Suspended behind a form bookmark: waiting, not interrupted.
	_, err := f.engine.ExecuteStep(ctx, admin, wf.ID, "company_info", nil)
	require.NoError(t, err)

	recovered, err := f.engine.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	state, err := f.engine.Get(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPaused, state.StepStates["company_info"].Status)
}

func TestSweepBookmarks_FailsExpiredWaits(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")

	opts := defaultOptions()
	opts.BookmarkExpiry = 20 * time.Millisecond
	eng := f.newEngine(opts)

	wf, err := eng.Create(ctx, admin, CreateRequest{MarketRole: models.MarketRoleBRP})
	require.NoError(t, err)
	_, err = eng.ExecuteStep(ctx, admin, wf.ID, "company_info", nil)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, eng.SweepBookmarks(ctx))

	state, err := eng.Get(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, state.StepStates["company_info"].Status)

	active, err := eng.Bookmarks(ctx, admin, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPurgeExpired_RemovesTerminalLogs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	admin := adminContext(t, "tenant-a")
	wf := createWorkflow(t, f, admin)

	_, err := f.engine.Cancel(ctx, admin, wf.ID, "duplicate application")
	require.NoError(t, err)

	// A negative retention window makes the cancelled workflow eligible.
	require.NoError(t, f.engine.PurgeExpired(ctx, -time.Hour))

	// With the log gone the workflow's history no longer exists.
	_, err = f.engine.History(ctx, admin, wf.ID, 0, 0)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))
}
