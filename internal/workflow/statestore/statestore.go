// Package statestore persists workflow state documents. A document is a
// projection of the event log; the log wins whenever the two disagree. Writes
// use a version counter for optimistic concurrency.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/enerflow/enerflow/internal/db"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/models"
)

// Store is the workflow state document store.
type Store struct {
	pool *db.Pool
}

// NewStore creates the state store and initializes its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize state store schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_state (
		workflow_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		doc TEXT NOT NULL,
		version INTEGER NOT NULL,
		projected_seq INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_state_tenant ON workflow_state(tenant_id);
	`
	if _, err := s.pool.Writer().Exec(schema); err != nil {
		return fmt.Errorf("failed to create state table: %w", err)
	}
	return nil
}

// Save writes a state document. A document with Version 0 is inserted; any
// other version must match the stored version exactly or the write is stale.
// On success the document's Version is advanced in place.
func (s *Store) Save(ctx context.Context, tc tenant.Context, state *models.WorkflowInstance) error {
	if !tc.CanAccess(state.TenantID) {
		return models.NewError(models.KindTenantAccessDenied, "write denied for tenant %s", state.TenantID).
			WithWorkflow(state.ID, "")
	}

	next := state.Version + 1
	stored := *state
	stored.Version = next
	doc, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal state document: %w", err)
	}
	now := time.Now().UTC()
	w := s.pool.Writer()

	if state.Version == 0 {
		_, err := w.ExecContext(ctx,
			w.Rebind(`INSERT INTO workflow_state (workflow_id, tenant_id, doc, version, projected_seq, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
			state.ID, state.TenantID, string(doc), next, state.ProjectedSeq, now)
		if err != nil {
			return models.WrapError(models.KindStaleWrite, err,
				"state document for workflow %s already exists", state.ID)
		}
		state.Version = next
		return nil
	}

	res, err := w.ExecContext(ctx,
		w.Rebind(`UPDATE workflow_state SET doc = ?, version = ?, projected_seq = ?, updated_at = ? WHERE workflow_id = ? AND version = ?`),
		string(doc), next, state.ProjectedSeq, now, state.ID, state.Version)
	if err != nil {
		return fmt.Errorf("failed to update state document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewError(models.KindStaleWrite,
			"state document for workflow %s was modified concurrently", state.ID).
			WithWorkflow(state.ID, "")
	}
	state.Version = next
	return nil
}

// Get loads a state document. A document outside the caller's tenant set
// reads as not found.
func (s *Store) Get(ctx context.Context, tc tenant.Context, workflowID string) (*models.WorkflowInstance, error) {
	query := `SELECT doc FROM workflow_state WHERE workflow_id = ?`
	args := []any{workflowID}
	if !tc.CrossTenant() {
		query += ` AND tenant_id = ?`
		args = append(args, tc.TenantID())
	}

	var doc string
	r := s.pool.Reader()
	err := r.GetContext(ctx, &doc, r.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, "workflow %s not found", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state document: %w", err)
	}

	var state models.WorkflowInstance
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return nil, models.WrapError(models.KindIntegrity, err,
			"state document for workflow %s is unreadable", workflowID)
	}
	return &state, nil
}

// Delete removes a state document.
func (s *Store) Delete(ctx context.Context, tc tenant.Context, workflowID string) error {
	query := `DELETE FROM workflow_state WHERE workflow_id = ?`
	args := []any{workflowID}
	if !tc.CrossTenant() {
		query += ` AND tenant_id = ?`
		args = append(args, tc.TenantID())
	}
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to delete state document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewError(models.KindNotFound, "workflow %s not found", workflowID)
	}
	return nil
}

// Header is the projection position of one state document.
type Header struct {
	WorkflowID   string `db:"workflow_id"`
	TenantID     string `db:"tenant_id"`
	Version      int    `db:"version"`
	ProjectedSeq int64  `db:"projected_seq"`
}

// ListHeaders returns every document's projection position. Used by the
// recovery worker to find documents lagging behind the log.
func (s *Store) ListHeaders(ctx context.Context) ([]Header, error) {
	var out []Header
	r := s.pool.Reader()
	err := r.SelectContext(ctx, &out,
		`SELECT workflow_id, tenant_id, version, projected_seq FROM workflow_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to list state headers: %w", err)
	}
	return out, nil
}
