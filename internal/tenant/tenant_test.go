package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorValidate_TenantBinding(t *testing.T) {
	tests := []struct {
		name    string
		actor   Actor
		wantErr bool
	}{
		{"market_ops without tenant", Actor{ID: "ops-1", Role: RoleMarketOps}, false},
		{"market_ops with tenant", Actor{ID: "ops-1", Role: RoleMarketOps, TenantID: "tenant-a"}, true},
		{"tenant_admin with tenant", Actor{ID: "adm-1", Role: RoleTenantAdmin, TenantID: "tenant-a"}, false},
		{"tenant_admin without tenant", Actor{ID: "adm-1", Role: RoleTenantAdmin}, true},
		{"unknown role", Actor{ID: "x", Role: Role("superuser"), TenantID: "tenant-a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.actor.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestActorCan_Permissions(t *testing.T) {
	viewer := Actor{ID: "v", Role: RoleTenantViewer, TenantID: "tenant-a"}
	assert.True(t, viewer.Can(PermWorkflowRead))
	assert.False(t, viewer.Can(PermWorkflowExecute))
	assert.False(t, viewer.Can(PermAuditRead))

	reviewer := Actor{ID: "r", Role: RoleComplianceReviewer, TenantID: "tenant-a"}
	assert.True(t, reviewer.Can(PermWorkflowApprove))
	assert.True(t, reviewer.Can(PermAuditRead))
	assert.False(t, reviewer.Can(PermWorkflowCreate))

	ops := Actor{ID: "o", Role: RoleMarketOps}
	assert.True(t, ops.Can(PermWorkflowRollback))
	assert.True(t, ops.Can(PermAuditRead))
}

func TestContext_CanAccess(t *testing.T) {
	bound, err := NewContext(Actor{ID: "a", Role: RoleTenantOperator, TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.True(t, bound.CanAccess("tenant-a"))
	assert.False(t, bound.CanAccess("tenant-b"))
	assert.False(t, bound.CanAccess(""))
	assert.False(t, bound.CrossTenant())

	ops, err := NewContext(Actor{ID: "o", Role: RoleMarketOps})
	require.NoError(t, err)
	assert.True(t, ops.CanAccess("tenant-a"))
	assert.True(t, ops.CanAccess("tenant-b"))
	assert.True(t, ops.CrossTenant())
}

func TestNewContext_RejectsInvalidActor(t *testing.T) {
	_, err := NewContext(Actor{ID: "a", Role: RoleTenantOperator})
	assert.Error(t, err)
}
