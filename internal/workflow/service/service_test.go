package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enerflow/enerflow/internal/common/retry"
	"github.com/enerflow/enerflow/internal/db"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/bookmarks"
	"github.com/enerflow/enerflow/internal/workflow/engine"
	"github.com/enerflow/enerflow/internal/workflow/eventstore"
	"github.com/enerflow/enerflow/internal/workflow/indexstore"
	"github.com/enerflow/enerflow/internal/workflow/models"
	"github.com/enerflow/enerflow/internal/workflow/projection"
	"github.com/enerflow/enerflow/internal/workflow/saga"
	"github.com/enerflow/enerflow/internal/workflow/statestore"
	"github.com/enerflow/enerflow/internal/workflow/steps"
	"github.com/enerflow/enerflow/internal/workflow/templates"
)

func onboardingTemplate() *models.WorkflowTemplate {
	return &models.WorkflowTemplate{
		ID:         "tpl-brp-onboarding",
		Name:       "BRP onboarding",
		MarketRole: models.MarketRoleBRP,
		Version:    1,
		Active:     true,
		Steps: []models.StepDefinition{
			{ID: "company_info", Name: "Company information", Type: models.StepTypeForm, Required: true, Order: 1},
		},
	}
}

func setup(t *testing.T) *Service {
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
	tenants, err := tenant.NewStore(indexPool)
	require.NoError(t, err)

	registry := templates.NewRegistry(nil, nil)
	require.NoError(t, registry.Register(onboardingTemplate()))

	handlers := steps.NewRegistry()
	handlers.Register(steps.NewFormHandler())

	policy := retry.Policy{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	eng := engine.New(events, index, projection.NewProjector(states, index, nil), bm,
		registry, handlers, saga.NewCoordinator(handlers, policy, nil), nil, engine.Options{Retry: policy}, nil)

	return New(eng, registry, tenants, nil)
}

func opsContext(t *testing.T) tenant.Context {
	t.Helper()
	tc, err := tenant.NewContext(tenant.Actor{ID: "ops-1", Role: tenant.RoleMarketOps})
	require.NoError(t, err)
	return tc
}

func adminContext(t *testing.T, tenantID string) tenant.Context {
	t.Helper()
	tc, err := tenant.NewContext(tenant.Actor{ID: "admin-" + tenantID, Role: tenant.RoleTenantAdmin, TenantID: tenantID})
	require.NoError(t, err)
	return tc
}

func TestCreateWorkflow_ChecksTenantLifecycle(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	ops := opsContext(t)

	reg, err := svc.CreateTenant(ctx, ops, "Nordgrid Energi AB")
	require.NoError(t, err)
	admin := adminContext(t, reg.ID)

	// An onboarding tenant may start its onboarding workflow.
	wf, err := svc.CreateWorkflow(ctx, admin, engine.CreateRequest{MarketRole: models.MarketRoleBRP})
	require.NoError(t, err)
	assert.Equal(t, reg.ID, wf.TenantID)

	require.NoError(t, svc.UpdateTenantStatus(ctx, ops, reg.ID, tenant.StatusSuspended))

	_, err = svc.CreateWorkflow(ctx, admin, engine.CreateRequest{MarketRole: models.MarketRoleBRP})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindPermissionDenied))

	require.NoError(t, svc.UpdateTenantStatus(ctx, ops, reg.ID, tenant.StatusActive))

	_, err = svc.CreateWorkflow(ctx, admin, engine.CreateRequest{MarketRole: models.MarketRoleBRP})
	require.NoError(t, err)
}

func TestCreateWorkflow_UnknownTenantRefused(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	ops := opsContext(t)

	_, err := svc.CreateWorkflow(ctx, ops, engine.CreateRequest{
		MarketRole: models.MarketRoleBRP,
		TenantID:   "tenant-ghost",
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))
}
