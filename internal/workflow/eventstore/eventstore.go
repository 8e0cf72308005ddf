// Package eventstore persists the append-only workflow event log. The log is
// the authoritative record: state documents and index rows are projections of
// it, and replaying a workflow's events always reproduces its state.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/common/logger"
	"github.com/enerflow/enerflow/internal/db"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/models"
)

// Store is the event store over the document database.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// NewStore creates the event store and initializes its schema.
func NewStore(pool *db.Pool, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	s := &Store{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "eventstore")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize event store schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_events (
		event_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		sequence_no INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		performed_by TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		UNIQUE (workflow_id, sequence_no)
	);
	CREATE INDEX IF NOT EXISTS idx_events_workflow ON workflow_events(workflow_id, sequence_no);
	CREATE INDEX IF NOT EXISTS idx_events_tenant ON workflow_events(tenant_id, occurred_at);

	CREATE TABLE IF NOT EXISTS workflow_snapshots (
		workflow_id TEXT NOT NULL,
		sequence_no INTEGER NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (workflow_id, sequence_no)
	);
	`
	if _, err := s.pool.Writer().Exec(schema); err != nil {
		return fmt.Errorf("failed to create event tables: %w", err)
	}
	return nil
}

// Append writes a single event. The event's sequence number must be exactly
// one past the last appended sequence for its workflow; a gap or a duplicate
// is rejected, so concurrent writers cannot interleave.
func (s *Store) Append(ctx context.Context, tc tenant.Context, ev *models.WorkflowEvent) error {
	return s.AppendMany(ctx, tc, []*models.WorkflowEvent{ev})
}

// AppendMany writes a batch of events for one workflow atomically. All events
// must share the workflow id and carry consecutive sequence numbers.
func (s *Store) AppendMany(ctx context.Context, tc tenant.Context, events []*models.WorkflowEvent) error {
	if len(events) == 0 {
		return nil
	}
	workflowID := events[0].WorkflowID
	for i, ev := range events {
		if ev.WorkflowID != workflowID {
			return models.NewError(models.KindIntegrity, "batch mixes workflows %s and %s", workflowID, ev.WorkflowID)
		}
		if !ev.Type.IsKnown() {
			return models.NewError(models.KindValidation, "unknown event type %q", ev.Type).WithWorkflow(workflowID, ev.StepID)
		}
		if !tc.CanAccess(ev.TenantID) {
			return models.NewError(models.KindTenantAccessDenied, "append denied for tenant %s", ev.TenantID).WithWorkflow(workflowID, ev.StepID)
		}
		if i > 0 && ev.SequenceNo != events[i-1].SequenceNo+1 {
			return models.NewError(models.KindIntegrity, "batch sequence numbers are not consecutive").WithWorkflow(workflowID, "")
		}
	}

	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	last, err := lastSequence(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	if events[0].SequenceNo != last+1 {
		return models.NewError(models.KindConflictingWrite,
			"expected sequence %d, log is at %d", events[0].SequenceNo, last).WithWorkflow(workflowID, "")
	}

	stmt := tx.Rebind(`INSERT INTO workflow_events
		(event_id, workflow_id, tenant_id, sequence_no, event_type, step_id, payload, performed_by, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, stmt,
			ev.EventID, ev.WorkflowID, ev.TenantID, ev.SequenceNo, ev.Type,
			ev.StepID, string(payload), ev.PerformedBy, ev.OccurredAt.UTC()); err != nil {
			if isUniqueViolation(err) {
				return models.NewError(models.KindConflictingWrite,
					"sequence %d already written", ev.SequenceNo).WithWorkflow(workflowID, ev.StepID)
			}
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

// NextSequence returns the sequence number the next event must carry.
func (s *Store) NextSequence(ctx context.Context, workflowID string) (int64, error) {
	last, err := lastSequence(ctx, s.pool.Reader(), workflowID)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

type querier interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
}

func lastSequence(ctx context.Context, q querier, workflowID string) (int64, error) {
	var last int64
	err := q.GetContext(ctx, &last,
		q.Rebind(`SELECT COALESCE(MAX(sequence_no), 0) FROM workflow_events WHERE workflow_id = ?`), workflowID)
	if err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return last, nil
}

// GetEvents returns a workflow's events in sequence order. fromSeq and toSeq
// bound the range inclusively; zero means unbounded. A workflow outside the
// caller's tenant set reads as not found, never as denied.
func (s *Store) GetEvents(ctx context.Context, tc tenant.Context, workflowID string, fromSeq, toSeq int64) ([]*models.WorkflowEvent, error) {
	query := `SELECT event_id, workflow_id, tenant_id, sequence_no, event_type, step_id, payload, performed_by, occurred_at
		FROM workflow_events WHERE workflow_id = ?`
	args := []any{workflowID}
	if !tc.CrossTenant() {
		query += ` AND tenant_id = ?`
		args = append(args, tc.TenantID())
	}
	if fromSeq > 0 {
		query += ` AND sequence_no >= ?`
		args = append(args, fromSeq)
	}
	if toSeq > 0 {
		query += ` AND sequence_no <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY sequence_no ASC`

	events, err := s.queryEvents(ctx, query, args)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 && fromSeq <= 1 {
		return nil, models.NewError(models.KindNotFound, "workflow %s not found", workflowID)
	}
	return events, nil
}

// GetEventsByTenant returns a tenant's events across workflows for audit
// queries, newest last, bounded by the optional time range and limit.
func (s *Store) GetEventsByTenant(ctx context.Context, tc tenant.Context, tenantID string, since, until time.Time, limit int) ([]*models.WorkflowEvent, error) {
	if !tc.CanAccess(tenantID) {
		return nil, models.NewError(models.KindNotFound, "tenant %s not found", tenantID)
	}
	query := `SELECT event_id, workflow_id, tenant_id, sequence_no, event_type, step_id, payload, performed_by, occurred_at
		FROM workflow_events WHERE tenant_id = ?`
	args := []any{tenantID}
	if !since.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, since.UTC())
	}
	if !until.IsZero() {
		query += ` AND occurred_at <= ?`
		args = append(args, until.UTC())
	}
	query += ` ORDER BY occurred_at ASC, sequence_no ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return s.queryEvents(ctx, query, args)
}

type eventRow struct {
	EventID     string    `db:"event_id"`
	WorkflowID  string    `db:"workflow_id"`
	TenantID    string    `db:"tenant_id"`
	SequenceNo  int64     `db:"sequence_no"`
	EventType   string    `db:"event_type"`
	StepID      string    `db:"step_id"`
	Payload     string    `db:"payload"`
	PerformedBy string    `db:"performed_by"`
	OccurredAt  time.Time `db:"occurred_at"`
}

func (s *Store) queryEvents(ctx context.Context, query string, args []any) ([]*models.WorkflowEvent, error) {
	r := s.pool.Reader()
	var rows []eventRow
	if err := r.SelectContext(ctx, &rows, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	out := make([]*models.WorkflowEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *eventRow) toEvent() (*models.WorkflowEvent, error) {
	var payload map[string]any
	if r.Payload != "" {
		if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
			return nil, models.WrapError(models.KindIntegrity, err,
				"event %s carries unreadable payload", r.EventID)
		}
	}
	return &models.WorkflowEvent{
		EventID:     r.EventID,
		WorkflowID:  r.WorkflowID,
		TenantID:    r.TenantID,
		SequenceNo:  r.SequenceNo,
		Type:        models.EventType(r.EventType),
		StepID:      r.StepID,
		Payload:     payload,
		PerformedBy: r.PerformedBy,
		OccurredAt:  r.OccurredAt,
	}, nil
}

// Position is a workflow's place in the log.
type Position struct {
	WorkflowID string `db:"workflow_id"`
	TenantID   string `db:"tenant_id"`
	LastSeq    int64  `db:"last_seq"`
}

// Positions returns every workflow's last appended sequence number. The
// recovery worker compares these against projected state documents.
func (s *Store) Positions(ctx context.Context) ([]Position, error) {
	var out []Position
	r := s.pool.Reader()
	err := r.SelectContext(ctx, &out,
		`SELECT workflow_id, MAX(tenant_id) AS tenant_id, MAX(sequence_no) AS last_seq
		 FROM workflow_events GROUP BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list log positions: %w", err)
	}
	return out, nil
}

// SaveSnapshot stores the state as of a sequence number. Snapshots are a
// replay optimization only and may be discarded freely.
func (s *Store) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot state: %w", err)
	}
	w := s.pool.Writer()
	_, err = w.ExecContext(ctx,
		w.Rebind(`INSERT INTO workflow_snapshots (workflow_id, sequence_no, state, created_at) VALUES (?, ?, ?, ?)`),
		snap.WorkflowID, snap.SequenceNo, string(state), time.Now().UTC())
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot at or below upToSeq, or nil.
func (s *Store) LatestSnapshot(ctx context.Context, workflowID string, upToSeq int64) (*models.Snapshot, error) {
	query := `SELECT workflow_id, sequence_no, state, created_at FROM workflow_snapshots WHERE workflow_id = ?`
	args := []any{workflowID}
	if upToSeq > 0 {
		query += ` AND sequence_no <= ?`
		args = append(args, upToSeq)
	}
	query += ` ORDER BY sequence_no DESC LIMIT 1`

	var row struct {
		WorkflowID string    `db:"workflow_id"`
		SequenceNo int64     `db:"sequence_no"`
		State      string    `db:"state"`
		CreatedAt  time.Time `db:"created_at"`
	}
	r := s.pool.Reader()
	err := r.GetContext(ctx, &row, r.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	var state models.WorkflowInstance
	if err := json.Unmarshal([]byte(row.State), &state); err != nil {
		return nil, models.WrapError(models.KindIntegrity, err, "snapshot %s@%d is unreadable", workflowID, row.SequenceNo)
	}
	return &models.Snapshot{
		WorkflowID: row.WorkflowID,
		SequenceNo: row.SequenceNo,
		State:      &state,
		CreatedAt:  row.CreatedAt,
	}, nil
}

// DeleteSnapshotsFrom drops snapshots at or above the sequence number. Called
// after a rollback, where later snapshots describe undone state.
func (s *Store) DeleteSnapshotsFrom(ctx context.Context, workflowID string, fromSeq int64) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx,
		w.Rebind(`DELETE FROM workflow_snapshots WHERE workflow_id = ? AND sequence_no >= ?`),
		workflowID, fromSeq)
	if err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return nil
}

// PurgeWorkflows deletes the logs of the given workflows. The caller is
// responsible for selecting only terminal workflows past the retention window.
func (s *Store) PurgeWorkflows(ctx context.Context, workflowIDs []string) error {
	if len(workflowIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM workflow_events WHERE workflow_id IN (?)`, workflowIDs)
	if err != nil {
		return fmt.Errorf("failed to build purge query: %w", err)
	}
	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx, w.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to purge events: %w", err)
	}
	query, args, err = sqlx.In(`DELETE FROM workflow_snapshots WHERE workflow_id IN (?)`, workflowIDs)
	if err != nil {
		return fmt.Errorf("failed to build snapshot purge query: %w", err)
	}
	if _, err := w.ExecContext(ctx, w.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to purge snapshots: %w", err)
	}
	s.logger.Info("Purged workflow event logs", zap.Int("workflows", len(workflowIDs)))
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
