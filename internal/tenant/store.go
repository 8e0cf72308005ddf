package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/enerflow/enerflow/internal/db"
	"github.com/enerflow/enerflow/internal/workflow/models"
)

// Store persists tenants and actors in the relational store.
type Store struct {
	pool *db.Pool
}

// NewStore creates the tenant store and initializes its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize tenant schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tenant tables if they don't exist.
func (s *Store) initSchema() error {
	w := s.pool.Writer()

	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS actors (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		tenant_id TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actors_tenant ON actors(tenant_id);
	`
	if _, err := w.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tenant tables: %w", err)
	}
	return nil
}

// Create inserts a new tenant in onboarding status.
func (s *Store) Create(ctx context.Context, name string) (*Tenant, error) {
	now := time.Now().UTC()
	t := &Tenant{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    StatusOnboarding,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Writer().ExecContext(ctx,
		s.pool.Writer().Rebind(`INSERT INTO tenants (id, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		t.ID, t.Name, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert tenant: %w", err)
	}
	return t, nil
}

// Get retrieves a tenant by id.
func (s *Store) Get(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	r := s.pool.Reader()
	err := r.GetContext(ctx, &t, r.Rebind(`SELECT id, name, status, created_at, updated_at FROM tenants WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, "tenant %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

// UpdateStatus moves a tenant to a new lifecycle status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid tenant status %q", status)
	}
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx,
		w.Rebind(`UPDATE tenants SET status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update tenant status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewError(models.KindNotFound, "tenant %s not found", id)
	}
	return nil
}

// CreateActor registers an actor after validating its tenant binding.
func (s *Store) CreateActor(ctx context.Context, actor Actor) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	var tenantID any
	if actor.TenantID != "" {
		tenantID = actor.TenantID
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx,
		w.Rebind(`INSERT INTO actors (id, role, tenant_id, created_at) VALUES (?, ?, ?, ?)`),
		actor.ID, actor.Role, tenantID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert actor: %w", err)
	}
	return nil
}

// GetActor retrieves an actor by id.
func (s *Store) GetActor(ctx context.Context, id string) (*Actor, error) {
	var row struct {
		ID       string         `db:"id"`
		Role     string         `db:"role"`
		TenantID sql.NullString `db:"tenant_id"`
	}
	r := s.pool.Reader()
	err := r.GetContext(ctx, &row, r.Rebind(`SELECT id, role, tenant_id FROM actors WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, "actor %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get actor: %w", err)
	}
	return &Actor{ID: row.ID, Role: Role(row.Role), TenantID: row.TenantID.String}, nil
}
