// Package indexstore maintains the relational index of workflow headers used
// for listing and filtering. Rows are projections of the event log, and every
// query is scoped to the caller's tenant set inside the store itself.
package indexstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/enerflow/enerflow/internal/db"
	"github.com/enerflow/enerflow/internal/db/dialect"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/models"
)

// Store is the workflow index store.
type Store struct {
	pool *db.Pool
}

// NewStore creates the index store and initializes its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize index schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_index (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		template_id TEXT NOT NULL,
		market_role TEXT NOT NULL,
		status TEXT NOT NULL,
		current_step_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_wf_tenant_status ON workflow_index(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_wf_tenant_created ON workflow_index(tenant_id, created_at);
	`
	if _, err := s.pool.Writer().Exec(schema); err != nil {
		return fmt.Errorf("failed to create index table: %w", err)
	}
	return nil
}

// Upsert writes a header row. Re-applying the same projection is a no-op, so
// the projector can safely retry after a crash.
func (s *Store) Upsert(ctx context.Context, tc tenant.Context, row *models.IndexRow) error {
	if !tc.CanAccess(row.TenantID) {
		return models.NewError(models.KindTenantAccessDenied, "write denied for tenant %s", row.TenantID).
			WithWorkflow(row.ID, "")
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO workflow_index (id, tenant_id, template_id, market_role, status, current_step_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			current_step_id = excluded.current_step_id,
			updated_at = excluded.updated_at`),
		row.ID, row.TenantID, row.TemplateID, row.MarketRole, row.Status,
		row.CurrentStepID, row.CreatedAt.UTC(), row.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert index row: %w", err)
	}
	return nil
}

// Get loads one header row. Rows outside the caller's tenant set read as not
// found.
func (s *Store) Get(ctx context.Context, tc tenant.Context, id string) (*models.IndexRow, error) {
	query := `SELECT id, tenant_id, template_id, market_role, status, current_step_id, created_at, updated_at
		FROM workflow_index WHERE id = ?`
	args := []any{id}
	if !tc.CrossTenant() {
		query += ` AND tenant_id = ?`
		args = append(args, tc.TenantID())
	}
	var row models.IndexRow
	r := s.pool.Reader()
	err := r.GetContext(ctx, &row, r.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get index row: %w", err)
	}
	return &row, nil
}

// UpdateStatus sets a row's status and current step. Setting the same values
// again succeeds without effect.
func (s *Store) UpdateStatus(ctx context.Context, tc tenant.Context, id string, status models.WorkflowStatus, currentStepID string) error {
	query := `UPDATE workflow_index SET status = ?, current_step_id = ?, updated_at = ? WHERE id = ?`
	args := []any{status, currentStepID, time.Now().UTC(), id}
	if !tc.CrossTenant() {
		query += ` AND tenant_id = ?`
		args = append(args, tc.TenantID())
	}
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update index status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewError(models.KindNotFound, "workflow %s not found", id)
	}
	return nil
}

// Delete removes a header row.
func (s *Store) Delete(ctx context.Context, tc tenant.Context, id string) error {
	query := `DELETE FROM workflow_index WHERE id = ?`
	args := []any{id}
	if !tc.CrossTenant() {
		query += ` AND tenant_id = ?`
		args = append(args, tc.TenantID())
	}
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to delete index row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewError(models.KindNotFound, "workflow %s not found", id)
	}
	return nil
}

// Filter narrows Query and Count results. The tenant scope always comes from
// the tenant context, not from the filter; TenantID only narrows further for
// cross-tenant callers.
type Filter struct {
	TenantID      string
	Status        models.WorkflowStatus
	MarketRole    models.MarketRole
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Search        string // matches id and template_id
	Limit         int
	Offset        int
}

func (f *Filter) where(tc tenant.Context, driver string) (string, []any) {
	clauses := []string{"1 = 1"}
	var args []any

	if !tc.CrossTenant() {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, tc.TenantID())
	} else if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.MarketRole != "" {
		clauses = append(clauses, "market_role = ?")
		args = append(args, f.MarketRole)
	}
	if !f.CreatedAfter.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.CreatedAfter.UTC())
	}
	if !f.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.CreatedBefore.UTC())
	}
	if f.Search != "" {
		like := dialect.Like(driver)
		clauses = append(clauses, fmt.Sprintf("(id %s ? OR template_id %s ?)", like, like))
		pattern := "%" + f.Search + "%"
		args = append(args, pattern, pattern)
	}

	where := clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

// Query lists header rows matching the filter, newest first.
func (s *Store) Query(ctx context.Context, tc tenant.Context, f Filter) ([]*models.IndexRow, error) {
	where, args := f.where(tc, s.pool.DriverName())
	query := `SELECT id, tenant_id, template_id, market_role, status, current_step_id, created_at, updated_at
		FROM workflow_index WHERE ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(` OFFSET %d`, f.Offset)
		}
	}
	var rows []*models.IndexRow
	r := s.pool.Reader()
	if err := r.SelectContext(ctx, &rows, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	return rows, nil
}

// Count returns the number of rows matching the filter.
func (s *Store) Count(ctx context.Context, tc tenant.Context, f Filter) (int, error) {
	where, args := f.where(tc, s.pool.DriverName())
	var n int
	r := s.pool.Reader()
	if err := r.GetContext(ctx, &n, r.Rebind(`SELECT COUNT(*) FROM workflow_index WHERE `+where), args...); err != nil {
		return 0, fmt.Errorf("failed to count index rows: %w", err)
	}
	return n, nil
}

// TerminalBefore lists workflows in a terminal status last updated before the
// cutoff. Used by the retention purge.
func (s *Store) TerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	r := s.pool.Reader()
	err := r.SelectContext(ctx, &ids, r.Rebind(
		`SELECT id FROM workflow_index WHERE status IN (?, ?, ?) AND updated_at < ?`),
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal workflows: %w", err)
	}
	return ids, nil
}
