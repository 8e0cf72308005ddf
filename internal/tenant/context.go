package tenant

// Context carries the tenant and actor for one operation. It is built per
// request, never shared, and passed explicitly to every store access so that
// isolation is enforced at the store layer rather than by callers remembering
// to filter.
type Context struct {
	Actor Actor
}

// NewContext builds a tenant context for the actor, validating the actor's
// tenant binding.
func NewContext(actor Actor) (Context, error) {
	if err := actor.Validate(); err != nil {
		return Context{}, err
	}
	return Context{Actor: actor}, nil
}

// CrossTenant reports whether the context sees every tenant.
func (c Context) CrossTenant() bool { return c.Actor.Role.CrossTenant() }

// TenantID returns the single tenant the context is bound to, or "" for a
// cross-tenant context.
func (c Context) TenantID() string { return c.Actor.TenantID }

// CanAccess reports whether rows of the given tenant are visible.
func (c Context) CanAccess(tenantID string) bool {
	if c.CrossTenant() {
		return true
	}
	return tenantID != "" && tenantID == c.Actor.TenantID
}

// Can reports whether the operation is allowed for this context's actor.
func (c Context) Can(p Permission) bool { return c.Actor.Can(p) }
