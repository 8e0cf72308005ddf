// Package tenant defines market-participant tenants, actors, and the
// per-operation tenant context enforced at every store boundary.
package tenant

import (
	"fmt"
	"time"
)

// Status represents a tenant's position in its lifecycle.
type Status string

const (
	StatusOnboarding Status = "onboarding"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusSuspended  Status = "suspended"
)

// IsValid reports whether the status is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusOnboarding, StatusActive, StatusInactive, StatusSuspended:
		return true
	default:
		return false
	}
}

// Tenant is a market-participant organization; the isolation unit. The
// identifier is immutable, the status is not.
type Tenant struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Status    Status    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Role classifies what an actor may do. market_ops is the only cross-tenant
// role; all others are bound to exactly one tenant.
type Role string

const (
	RoleMarketOps          Role = "market_ops"
	RoleTenantAdmin        Role = "tenant_admin"
	RoleTenantOperator     Role = "tenant_operator"
	RoleTenantViewer       Role = "tenant_viewer"
	RoleComplianceReviewer Role = "compliance_reviewer"
)

// IsValid reports whether the role is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleMarketOps, RoleTenantAdmin, RoleTenantOperator, RoleTenantViewer, RoleComplianceReviewer:
		return true
	default:
		return false
	}
}

// CrossTenant reports whether the role sees all tenants.
func (r Role) CrossTenant() bool { return r == RoleMarketOps }

// Permission names an operation an actor may perform.
type Permission string

const (
	PermWorkflowCreate   Permission = "workflow:create"
	PermWorkflowExecute  Permission = "workflow:execute"
	PermWorkflowRead     Permission = "workflow:read"
	PermWorkflowSubmit   Permission = "workflow:submit"
	PermWorkflowApprove  Permission = "workflow:approve"
	PermWorkflowRollback Permission = "workflow:rollback"
	PermWorkflowCancel   Permission = "workflow:cancel"
	PermAuditRead        Permission = "audit:read"
)

// rolePermissions maps each role to the operations it allows. The mapping is
// fixed at compile time; there is no dynamic grant model.
var rolePermissions = map[Role]map[Permission]struct{}{
	RoleMarketOps: {
		PermWorkflowCreate: {}, PermWorkflowExecute: {}, PermWorkflowRead: {},
		PermWorkflowSubmit: {}, PermWorkflowApprove: {}, PermWorkflowRollback: {},
		PermWorkflowCancel: {}, PermAuditRead: {},
	},
	RoleTenantAdmin: {
		PermWorkflowCreate: {}, PermWorkflowExecute: {}, PermWorkflowRead: {},
		PermWorkflowSubmit: {}, PermWorkflowRollback: {}, PermWorkflowCancel: {},
	},
	RoleTenantOperator: {
		PermWorkflowExecute: {}, PermWorkflowRead: {}, PermWorkflowSubmit: {},
	},
	RoleTenantViewer: {
		PermWorkflowRead: {},
	},
	RoleComplianceReviewer: {
		PermWorkflowRead: {}, PermWorkflowApprove: {}, PermAuditRead: {},
	},
}

// Actor is the user or system principal on whose behalf an operation runs.
type Actor struct {
	ID       string `db:"id" json:"id"`
	Role     Role   `db:"role" json:"role"`
	TenantID string `db:"tenant_id" json:"tenant_id,omitempty"` // empty for market_ops
}

// Validate enforces the tenant-binding invariant: market_ops must not be
// bound to a tenant, every other role must be bound to exactly one.
func (a Actor) Validate() error {
	if !a.Role.IsValid() {
		return fmt.Errorf("unknown role %q", a.Role)
	}
	if a.Role.CrossTenant() && a.TenantID != "" {
		return fmt.Errorf("market_ops actor %s must not carry a tenant binding", a.ID)
	}
	if !a.Role.CrossTenant() && a.TenantID == "" {
		return fmt.Errorf("actor %s with role %s requires a tenant binding", a.ID, a.Role)
	}
	return nil
}

// Can reports whether the actor's role allows the operation.
func (a Actor) Can(p Permission) bool {
	perms, ok := rolePermissions[a.Role]
	if !ok {
		return false
	}
	_, ok = perms[p]
	return ok
}
