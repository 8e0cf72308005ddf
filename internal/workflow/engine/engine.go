// Package engine orchestrates workflow execution: it validates operations
// against the template and tenant context, appends events to the log, and
// keeps the derived projections current. The event append is the commit
// point of every mutation; everything after it is idempotent repair.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/common/logger"
	"github.com/enerflow/enerflow/internal/common/retry"
	"github.com/enerflow/enerflow/internal/events/bus"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/bookmarks"
	"github.com/enerflow/enerflow/internal/workflow/eventstore"
	"github.com/enerflow/enerflow/internal/workflow/indexstore"
	"github.com/enerflow/enerflow/internal/workflow/models"
	"github.com/enerflow/enerflow/internal/workflow/projection"
	"github.com/enerflow/enerflow/internal/workflow/saga"
	"github.com/enerflow/enerflow/internal/workflow/statemachine"
	"github.com/enerflow/enerflow/internal/workflow/steps"
	"github.com/enerflow/enerflow/internal/workflow/templates"
)

// Options tunes engine behavior. Zero values fall back to safe defaults.
type Options struct {
	Retry              retry.Policy
	DefaultStepTimeout time.Duration
	BookmarkExpiry     time.Duration // default expiry when a step declares none
	SnapshotInterval   int64         // snapshot every N events; 0 disables
	LockWait           time.Duration
	ConflictRetries    int
}

func (o Options) withDefaults() Options {
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = retry.DefaultPolicy
	}
	if o.DefaultStepTimeout <= 0 {
		o.DefaultStepTimeout = 5 * time.Minute
	}
	if o.LockWait <= 0 {
		o.LockWait = 2 * time.Second
	}
	if o.ConflictRetries <= 0 {
		o.ConflictRetries = 3
	}
	return o
}

// Engine is the workflow orchestrator.
type Engine struct {
	events    *eventstore.Store
	index     *indexstore.Store
	projector *projection.Projector
	bookmarks *bookmarks.Manager
	templates *templates.Registry
	handlers  *steps.Registry
	saga      *saga.Coordinator
	eventBus  bus.EventBus
	opts      Options
	locks     *lockTable
	logger    *logger.Logger
}

// New creates the engine.
func New(
	events *eventstore.Store,
	index *indexstore.Store,
	projector *projection.Projector,
	bm *bookmarks.Manager,
	reg *templates.Registry,
	handlers *steps.Registry,
	sagaCoord *saga.Coordinator,
	eventBus bus.EventBus,
	opts Options,
	log *logger.Logger,
) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		events:    events,
		index:     index,
		projector: projector,
		bookmarks: bm,
		templates: reg,
		handlers:  handlers,
		saga:      sagaCoord,
		eventBus:  eventBus,
		opts:      opts.withDefaults(),
		locks:     newLockTable(),
		logger:    log.WithFields(zap.String("component", "engine")),
	}
}

// CreateRequest carries the inputs for a new workflow.
type CreateRequest struct {
	MarketRole      models.MarketRole
	TemplateVersion int // 0 selects the latest active version
	TenantID        string
	Metadata        map[string]any
}

// Create starts a new workflow from a template. Tenant-bound actors always
// create within their own tenant; market_ops must name the target tenant.
func (e *Engine) Create(ctx context.Context, tc tenant.Context, req CreateRequest) (*models.WorkflowInstance, error) {
	if !tc.Can(tenant.PermWorkflowCreate) {
		return nil, models.NewError(models.KindPermissionDenied, "actor %s may not create workflows", tc.Actor.ID)
	}
	tenantID := req.TenantID
	if !tc.CrossTenant() {
		tenantID = tc.TenantID()
	}
	if tenantID == "" {
		return nil, models.NewError(models.KindValidation, "a tenant id is required")
	}

	var (
		template *models.WorkflowTemplate
		err      error
	)
	if req.TemplateVersion > 0 {
		template, err = e.templates.Get(req.MarketRole, req.TemplateVersion)
	} else {
		template, err = e.templates.Latest(req.MarketRole)
	}
	if err != nil {
		return nil, err
	}

	workflowID := uuid.New().String()
	stepIDs := make([]any, 0, len(template.Steps))
	for _, s := range template.Steps {
		stepIDs = append(stepIDs, s.ID)
	}
	created := &models.WorkflowEvent{
		EventID:    uuid.New().String(),
		WorkflowID: workflowID,
		TenantID:   tenantID,
		SequenceNo: 1,
		Type:       models.EventWorkflowCreated,
		Payload: map[string]any{
			"template_id":      template.ID,
			"template_version": template.Version,
			"market_role":      string(template.MarketRole),
			"step_ids":         stepIDs,
			"metadata":         req.Metadata,
		},
		PerformedBy: tc.Actor.ID,
		OccurredAt:  time.Now().UTC(),
	}

	if err := e.events.Append(ctx, tc, created); err != nil {
		return nil, err
	}
	state := statemachine.NewInitialState(workflowID)
	if err := e.project(ctx, tc, state, []*models.WorkflowEvent{created}); err != nil {
		return nil, err
	}
	e.publish(ctx, created)

	e.logger.Info("Created workflow",
		zap.String("workflow_id", workflowID),
		zap.String("tenant_id", tenantID),
		zap.String("template", template.Key().String()))
	return state, nil
}

// Get returns the current state of a workflow. A document missing from the
// state store while the log has events is rebuilt from a replay, covering the
// crash window between append and projection.
func (e *Engine) Get(ctx context.Context, tc tenant.Context, workflowID string) (*models.WorkflowInstance, error) {
	if !tc.Can(tenant.PermWorkflowRead) {
		return nil, models.NewError(models.KindPermissionDenied, "actor %s may not read workflows", tc.Actor.ID)
	}
	state, err := e.loadState(ctx, tc, workflowID)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// List queries the workflow index.
func (e *Engine) List(ctx context.Context, tc tenant.Context, f indexstore.Filter) ([]*models.IndexRow, int, error) {
	if !tc.Can(tenant.PermWorkflowRead) {
		return nil, 0, models.NewError(models.KindPermissionDenied, "actor %s may not read workflows", tc.Actor.ID)
	}
	rows, err := e.index.Query(ctx, tc, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.index.Count(ctx, tc, f)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// History returns a workflow's event log slice.
func (e *Engine) History(ctx context.Context, tc tenant.Context, workflowID string, fromSeq, toSeq int64) ([]*models.WorkflowEvent, error) {
	if !tc.Can(tenant.PermWorkflowRead) {
		return nil, models.NewError(models.KindPermissionDenied, "actor %s may not read workflows", tc.Actor.ID)
	}
	return e.events.GetEvents(ctx, tc, workflowID, fromSeq, toSeq)
}

// AuditTrail returns a tenant's events across workflows.
func (e *Engine) AuditTrail(ctx context.Context, tc tenant.Context, tenantID string, since, until time.Time, limit int) ([]*models.WorkflowEvent, error) {
	if !tc.Can(tenant.PermAuditRead) {
		return nil, models.NewError(models.KindPermissionDenied, "actor %s may not read audit trails", tc.Actor.ID)
	}
	return e.events.GetEventsByTenant(ctx, tc, tenantID, since, until, limit)
}

// Replay reconstructs a workflow's state as of a sequence number without
// touching the stored projections.
func (e *Engine) Replay(ctx context.Context, tc tenant.Context, workflowID string, upToSeq int64) (*models.WorkflowInstance, error) {
	if !tc.Can(tenant.PermWorkflowRead) {
		return nil, models.NewError(models.KindPermissionDenied, "actor %s may not read workflows", tc.Actor.ID)
	}
	return e.events.Replay(ctx, tc, workflowID, upToSeq)
}

// Bookmarks lists a workflow's active bookmarks.
func (e *Engine) Bookmarks(ctx context.Context, tc tenant.Context, workflowID string) ([]*models.Bookmark, error) {
	if !tc.Can(tenant.PermWorkflowRead) {
		return nil, models.NewError(models.KindPermissionDenied, "actor %s may not read workflows", tc.Actor.ID)
	}
	if _, err := e.loadState(ctx, tc, workflowID); err != nil {
		return nil, err
	}
	return e.bookmarks.ActiveForWorkflow(ctx, workflowID)
}

// loadState fetches the projected state, falling back to a replay when the
// document is missing but the log is not.
func (e *Engine) loadState(ctx context.Context, tc tenant.Context, workflowID string) (*models.WorkflowInstance, error) {
	state, err := e.projector.Get(ctx, tc, workflowID)
	if err == nil {
		return state, nil
	}
	if !models.IsKind(err, models.KindNotFound) {
		return nil, err
	}

	replayed, replayErr := e.events.Replay(ctx, tc, workflowID, 0)
	if replayErr != nil {
		return nil, err
	}
	if rebuildErr := e.projector.Rebuild(ctx, tc, replayed); rebuildErr != nil {
		e.logger.Warn("Failed to rebuild missing projection",
			zap.String("workflow_id", workflowID), zap.Error(rebuildErr))
	}
	return replayed, nil
}

// template resolves the pinned template version of a workflow.
func (e *Engine) template(state *models.WorkflowInstance) (*models.WorkflowTemplate, error) {
	return e.templates.Get(state.MarketRole, state.TemplateVersion)
}

// newEvent builds the next event for a workflow.
func (e *Engine) newEvent(state *models.WorkflowInstance, seq int64, t models.EventType, stepID string, payload map[string]any, actor tenant.Actor) *models.WorkflowEvent {
	return &models.WorkflowEvent{
		EventID:     uuid.New().String(),
		WorkflowID:  state.ID,
		TenantID:    state.TenantID,
		SequenceNo:  seq,
		Type:        t,
		StepID:      stepID,
		Payload:     payload,
		PerformedBy: actor.ID,
		OccurredAt:  time.Now().UTC(),
	}
}

// commit appends the events, projects them, and publishes them. The append
// is the commit point; a projection failure after it is logged and left to
// the recovery worker rather than surfaced as an operation failure.
func (e *Engine) commit(ctx context.Context, tc tenant.Context, state *models.WorkflowInstance, events []*models.WorkflowEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := e.events.AppendMany(ctx, tc, events); err != nil {
		return err
	}
	if err := e.project(ctx, tc, state, events); err != nil {
		e.logger.Error("Projection failed after commit; recovery will repair it",
			zap.String("workflow_id", state.ID), zap.Error(err))
	}
	for _, ev := range events {
		e.publish(ctx, ev)
	}
	return nil
}

// project folds events into the state and persists the projections, retrying
// stale writes by rebuilding from a replay.
func (e *Engine) project(ctx context.Context, tc tenant.Context, state *models.WorkflowInstance, events []*models.WorkflowEvent) error {
	var err error
	for attempt := 0; attempt <= e.opts.ConflictRetries; attempt++ {
		err = e.projector.Apply(ctx, tc, state, events)
		if err == nil {
			e.maybeSnapshot(ctx, state)
			return nil
		}
		if !models.IsKind(err, models.KindStaleWrite) {
			return err
		}
		replayed, replayErr := e.events.Replay(ctx, tc, state.ID, 0)
		if replayErr != nil {
			return replayErr
		}
		if rebuildErr := e.projector.Rebuild(ctx, tc, replayed); rebuildErr != nil {
			err = rebuildErr
			continue
		}
		*state = *replayed
		return nil
	}
	return err
}

func (e *Engine) maybeSnapshot(ctx context.Context, state *models.WorkflowInstance) {
	interval := e.opts.SnapshotInterval
	if interval <= 0 || state.ProjectedSeq == 0 || state.ProjectedSeq%interval != 0 {
		return
	}
	snap := &models.Snapshot{
		WorkflowID: state.ID,
		SequenceNo: state.ProjectedSeq,
		State:      state,
	}
	if err := e.events.SaveSnapshot(ctx, snap); err != nil {
		e.logger.Warn("Failed to save snapshot",
			zap.String("workflow_id", state.ID), zap.Error(err))
	}
}

// publish announces an appended event on the bus, best effort.
func (e *Engine) publish(ctx context.Context, ev *models.WorkflowEvent) {
	if e.eventBus == nil {
		return
	}
	subject := bus.SubjectWorkflowEvents + "." + string(ev.Type)
	msg := bus.NewEvent(string(ev.Type), "workflow-engine", map[string]any{
		"event_id":    ev.EventID,
		"workflow_id": ev.WorkflowID,
		"tenant_id":   ev.TenantID,
		"sequence_no": ev.SequenceNo,
		"step_id":     ev.StepID,
	})
	if err := e.eventBus.Publish(ctx, subject, msg); err != nil {
		e.logger.Warn("Failed to publish workflow event",
			zap.String("workflow_id", ev.WorkflowID),
			zap.String("event_type", string(ev.Type)),
			zap.Error(err))
	}
}
