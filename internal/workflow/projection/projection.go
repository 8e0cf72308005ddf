// Package projection derives the state documents and index rows from the
// event log and repairs them when they fall behind. Projections are
// idempotent: re-applying already-projected events changes nothing.
package projection

import (
	"context"

	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/common/logger"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/indexstore"
	"github.com/enerflow/enerflow/internal/workflow/models"
	"github.com/enerflow/enerflow/internal/workflow/statemachine"
	"github.com/enerflow/enerflow/internal/workflow/statestore"
)

// Projector folds appended events into the state document and index row.
type Projector struct {
	states *statestore.Store
	index  *indexstore.Store
	logger *logger.Logger
}

// NewProjector creates a projector over the two derived stores.
func NewProjector(states *statestore.Store, index *indexstore.Store, log *logger.Logger) *Projector {
	if log == nil {
		log = logger.Default()
	}
	return &Projector{
		states: states,
		index:  index,
		logger: log.WithFields(zap.String("component", "projection")),
	}
}

// Get loads the projected state document.
func (p *Projector) Get(ctx context.Context, tc tenant.Context, workflowID string) (*models.WorkflowInstance, error) {
	return p.states.Get(ctx, tc, workflowID)
}

// Apply folds events into the in-memory state and persists both projections.
// Events at or below the state's projected sequence are skipped, so replaying
// a partially projected batch after a crash is safe.
func (p *Projector) Apply(ctx context.Context, tc tenant.Context, state *models.WorkflowInstance, events []*models.WorkflowEvent) error {
	for _, ev := range events {
		if ev.SequenceNo <= state.ProjectedSeq {
			continue
		}
		if err := statemachine.Apply(state, ev); err != nil {
			return err
		}
	}
	return p.Persist(ctx, tc, state)
}

// Persist writes the state document and its index row. The document write is
// the guarded one; the index upsert after it is idempotent.
func (p *Projector) Persist(ctx context.Context, tc tenant.Context, state *models.WorkflowInstance) error {
	if err := p.states.Save(ctx, tc, state); err != nil {
		return err
	}
	return p.index.Upsert(ctx, tc, &models.IndexRow{
		ID:            state.ID,
		TenantID:      state.TenantID,
		TemplateID:    state.TemplateID,
		MarketRole:    state.MarketRole,
		Status:        state.Status,
		CurrentStepID: state.CurrentStepID,
		CreatedAt:     state.CreatedAt,
		UpdatedAt:     state.UpdatedAt,
	})
}

// Rebuild replaces the projections of one workflow with a fresh replay,
// discarding whatever the document said before. Used when a document is
// missing, lagging, or suspect.
func (p *Projector) Rebuild(ctx context.Context, tc tenant.Context, replayed *models.WorkflowInstance) error {
	current, err := p.states.Get(ctx, tc, replayed.ID)
	switch {
	case models.IsKind(err, models.KindNotFound):
		replayed.Version = 0
	case err != nil:
		return err
	default:
		replayed.Version = current.Version
	}
	return p.Persist(ctx, tc, replayed)
}
