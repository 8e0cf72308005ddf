package statestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enerflow/enerflow/internal/db"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewStore(pool)
	require.NoError(t, err)
	return store
}

func tenantContext(t *testing.T, tenantID string) tenant.Context {
	t.Helper()
	tc, err := tenant.NewContext(tenant.Actor{ID: "op-" + tenantID, Role: tenant.RoleTenantOperator, TenantID: tenantID})
	require.NoError(t, err)
	return tc
}

func instance(workflowID, tenantID string) *models.WorkflowInstance {
	return &models.WorkflowInstance{
		ID:           workflowID,
		TenantID:     tenantID,
		TemplateID:   "tpl-1",
		MarketRole:   models.MarketRoleBRP,
		Status:       models.StatusDraft,
		StepStates:   map[string]*models.StepState{},
		ProjectedSeq: 1,
	}
}

func TestSave_InsertAndUpdate(t *testing.T) {
	store := setupStore(t)
	tc := tenantContext(t, "tenant-a")
	ctx := context.Background()

	state := instance("wf-1", "tenant-a")
	require.NoError(t, store.Save(ctx, tc, state))
	assert.Equal(t, 1, state.Version)

	state.Status = models.StatusInProgress
	state.ProjectedSeq = 2
	require.NoError(t, store.Save(ctx, tc, state))
	assert.Equal(t, 2, state.Version)

	loaded, err := store.Get(ctx, tc, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, loaded.Status)
	assert.Equal(t, 2, loaded.Version)
	assert.Equal(t, int64(2), loaded.ProjectedSeq)
}

func TestSave_StaleVersionRejected(t *testing.T) {
	store := setupStore(t)
	tc := tenantContext(t, "tenant-a")
	ctx := context.Background()

	state := instance("wf-1", "tenant-a")
	require.NoError(t, store.Save(ctx, tc, state))

	// A second writer loads the same version and wins the race.
	other, err := store.Get(ctx, tc, "wf-1")
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, tc, other))

	// The first writer's version is now behind.
	state.Status = models.StatusPaused
	err = store.Save(ctx, tc, state)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindStaleWrite))
}

func TestSave_DuplicateInsertIsStale(t *testing.T) {
	store := setupStore(t)
	tc := tenantContext(t, "tenant-a")
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, tc, instance("wf-1", "tenant-a")))
	err := store.Save(ctx, tc, instance("wf-1", "tenant-a"))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindStaleWrite))
}

func TestSave_DeniedForForeignTenant(t *testing.T) {
	store := setupStore(t)
	tc := tenantContext(t, "tenant-a")

	err := store.Save(context.Background(), tc, instance("wf-1", "tenant-b"))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindTenantAccessDenied))
}

func TestGet_ForeignTenantReadsAsNotFound(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, tenantContext(t, "tenant-a"), instance("wf-1", "tenant-a")))

	_, err := store.Get(ctx, tenantContext(t, "tenant-b"), "wf-1")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))

	ops, err := tenant.NewContext(tenant.Actor{ID: "ops", Role: tenant.RoleMarketOps})
	require.NoError(t, err)
	loaded, err := store.Get(ctx, ops, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", loaded.ID)
}

func TestListHeaders(t *testing.T) {
	store := setupStore(t)
	tc := tenantContext(t, "tenant-a")
	ctx := context.Background()

	a := instance("wf-1", "tenant-a")
	a.ProjectedSeq = 3
	require.NoError(t, store.Save(ctx, tc, a))
	b := instance("wf-2", "tenant-a")
	b.ProjectedSeq = 7
	require.NoError(t, store.Save(ctx, tc, b))

	headers, err := store.ListHeaders(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 2)

	bySeq := make(map[string]int64)
	for _, h := range headers {
		bySeq[h.WorkflowID] = h.ProjectedSeq
	}
	assert.Equal(t, int64(3), bySeq["wf-1"])
	assert.Equal(t, int64(7), bySeq["wf-2"])
}

func TestDelete(t *testing.T) {
	store := setupStore(t)
	tc := tenantContext(t, "tenant-a")
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, tc, instance("wf-1", "tenant-a")))
	require.NoError(t, store.Delete(ctx, tc, "wf-1"))

	_, err := store.Get(ctx, tc, "wf-1")
	assert.True(t, models.IsKind(err, models.KindNotFound))

	err = store.Delete(ctx, tc, "wf-1")
	assert.True(t, models.IsKind(err, models.KindNotFound))
}
