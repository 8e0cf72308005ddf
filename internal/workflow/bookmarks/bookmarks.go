// Package bookmarks manages durable suspension points. A bookmark marks a
// step waiting on an external signal; consuming it is the only way to resume
// that wait, and each bookmark is consumed exactly once.
package bookmarks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/common/logger"
	"github.com/enerflow/enerflow/internal/db"
	"github.com/enerflow/enerflow/internal/workflow/models"
)

// Manager persists and consumes bookmarks.
type Manager struct {
	pool   *db.Pool
	logger *logger.Logger
}

// NewManager creates the bookmark manager and initializes its schema.
func NewManager(pool *db.Pool, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "bookmarks")),
	}
	if err := m.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize bookmark schema: %w", err)
	}
	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bookmarks (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		expected_payload TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		consumed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_bookmarks_workflow ON bookmarks(workflow_id, consumed_at);
	`
	if _, err := m.pool.Writer().Exec(schema); err != nil {
		return fmt.Errorf("failed to create bookmark table: %w", err)
	}
	return nil
}

// Create registers a bookmark for a suspended step. A step can carry at most
// one active bookmark; creating a second is a conflict.
func (m *Manager) Create(ctx context.Context, workflowID, stepID string, kind models.BookmarkKind, expected map[string]any, expiresAt *time.Time) (*models.Bookmark, error) {
	w := m.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin bookmark transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	err = tx.GetContext(ctx, &active,
		tx.Rebind(`SELECT COUNT(*) FROM bookmarks WHERE workflow_id = ? AND step_id = ? AND consumed_at IS NULL`),
		workflowID, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active bookmarks: %w", err)
	}
	if active > 0 {
		return nil, models.NewError(models.KindConflict,
			"step already holds an active bookmark").WithWorkflow(workflowID, stepID)
	}

	payload, err := json.Marshal(expected)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal expected payload shape: %w", err)
	}
	b := &models.Bookmark{
		ID:              uuid.New().String(),
		WorkflowID:      workflowID,
		StepID:          stepID,
		Kind:            kind,
		ExpectedPayload: expected,
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       expiresAt,
	}
	_, err = tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO bookmarks (id, workflow_id, step_id, kind, expected_payload, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		b.ID, b.WorkflowID, b.StepID, b.Kind, string(payload), b.CreatedAt, b.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert bookmark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit bookmark: %w", err)
	}

	m.logger.Debug("Created bookmark",
		zap.String("bookmark_id", b.ID),
		zap.String("workflow_id", workflowID),
		zap.String("step_id", stepID),
		zap.String("kind", string(kind)))
	return b, nil
}

// Get loads a bookmark by id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Bookmark, error) {
	return m.getOn(ctx, m.pool.Reader(), id)
}

type getter interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
}

func (m *Manager) getOn(ctx context.Context, q getter, id string) (*models.Bookmark, error) {
	var row struct {
		ID              string     `db:"id"`
		WorkflowID      string     `db:"workflow_id"`
		StepID          string     `db:"step_id"`
		Kind            string     `db:"kind"`
		ExpectedPayload string     `db:"expected_payload"`
		CreatedAt       time.Time  `db:"created_at"`
		ExpiresAt       *time.Time `db:"expires_at"`
		ConsumedAt      *time.Time `db:"consumed_at"`
	}
	err := q.GetContext(ctx, &row,
		q.Rebind(`SELECT id, workflow_id, step_id, kind, expected_payload, created_at, expires_at, consumed_at FROM bookmarks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, "bookmark %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bookmark: %w", err)
	}

	var expected map[string]any
	if row.ExpectedPayload != "" {
		if err := json.Unmarshal([]byte(row.ExpectedPayload), &expected); err != nil {
			return nil, models.WrapError(models.KindIntegrity, err, "bookmark %s payload shape is unreadable", id)
		}
	}
	return &models.Bookmark{
		ID:              row.ID,
		WorkflowID:      row.WorkflowID,
		StepID:          row.StepID,
		Kind:            models.BookmarkKind(row.Kind),
		ExpectedPayload: expected,
		CreatedAt:       row.CreatedAt,
		ExpiresAt:       row.ExpiresAt,
		ConsumedAt:      row.ConsumedAt,
	}, nil
}

// Consume marks a bookmark consumed and returns it. A consumed bookmark
// cannot be consumed again, and an expired bookmark is refused; the guard
// update makes concurrent consumers race for a single winner.
func (m *Manager) Consume(ctx context.Context, id string) (*models.Bookmark, error) {
	now := time.Now().UTC()
	w := m.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin consume transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	b, err := m.getOn(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if b.ConsumedAt != nil {
		return nil, models.NewError(models.KindBookmarkAlreadyConsumed,
			"bookmark %s was already consumed", id).WithWorkflow(b.WorkflowID, b.StepID)
	}
	if b.ExpiresAt != nil && now.After(*b.ExpiresAt) {
		return nil, models.NewError(models.KindBookmarkExpired,
			"bookmark %s expired at %s", id, b.ExpiresAt.Format(time.RFC3339)).WithWorkflow(b.WorkflowID, b.StepID)
	}

	res, err := tx.ExecContext(ctx,
		tx.Rebind(`UPDATE bookmarks SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`), now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to consume bookmark: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, models.NewError(models.KindBookmarkAlreadyConsumed,
			"bookmark %s was already consumed", id).WithWorkflow(b.WorkflowID, b.StepID)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit consume: %w", err)
	}

	b.ConsumedAt = &now
	return b, nil
}

// ActiveForWorkflow lists a workflow's unconsumed bookmarks.
func (m *Manager) ActiveForWorkflow(ctx context.Context, workflowID string) ([]*models.Bookmark, error) {
	var ids []string
	r := m.pool.Reader()
	err := r.SelectContext(ctx, &ids,
		r.Rebind(`SELECT id FROM bookmarks WHERE workflow_id = ? AND consumed_at IS NULL ORDER BY created_at ASC`), workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active bookmarks: %w", err)
	}
	out := make([]*models.Bookmark, 0, len(ids))
	for _, id := range ids {
		b, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ActiveForStep returns the step's active bookmark, or nil.
func (m *Manager) ActiveForStep(ctx context.Context, workflowID, stepID string) (*models.Bookmark, error) {
	var id string
	r := m.pool.Reader()
	err := r.GetContext(ctx, &id,
		r.Rebind(`SELECT id FROM bookmarks WHERE workflow_id = ? AND step_id = ? AND consumed_at IS NULL LIMIT 1`),
		workflowID, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find step bookmark: %w", err)
	}
	return m.Get(ctx, id)
}

// Sweep consumes every bookmark whose expiry has passed and returns them, so
// the engine can fail or time out the waiting steps. Each sweep run claims a
// bookmark at most once.
func (m *Manager) Sweep(ctx context.Context, now time.Time) ([]*models.Bookmark, error) {
	now = now.UTC()
	var ids []string
	r := m.pool.Reader()
	err := r.SelectContext(ctx, &ids,
		r.Rebind(`SELECT id FROM bookmarks WHERE consumed_at IS NULL AND expires_at IS NOT NULL AND expires_at < ?`), now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired bookmarks: %w", err)
	}

	var swept []*models.Bookmark
	w := m.pool.Writer()
	for _, id := range ids {
		res, err := w.ExecContext(ctx,
			w.Rebind(`UPDATE bookmarks SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`), now, id)
		if err != nil {
			return swept, fmt.Errorf("failed to expire bookmark %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		b, err := m.Get(ctx, id)
		if err != nil {
			return swept, err
		}
		swept = append(swept, b)
	}
	if len(swept) > 0 {
		m.logger.Info("Expired bookmarks", zap.Int("count", len(swept)))
	}
	return swept, nil
}
