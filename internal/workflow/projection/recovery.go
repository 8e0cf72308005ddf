package projection

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/enerflow/enerflow/internal/common/logger"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/eventstore"
	"github.com/enerflow/enerflow/internal/workflow/statestore"
)

// RecoveryWorker scans for workflows whose projections lag the log and
// rebuilds them from a replay. It covers the crash window between a committed
// append and the projection writes that follow it.
type RecoveryWorker struct {
	events    *eventstore.Store
	states    *statestore.Store
	projector *Projector
	maxLag    int64
	interval  time.Duration
	logger    *logger.Logger
}

// NewRecoveryWorker creates the worker. maxLag is the tolerated distance
// between the log head and a projected document before a rebuild triggers.
func NewRecoveryWorker(events *eventstore.Store, states *statestore.Store, projector *Projector, maxLag int64, interval time.Duration, log *logger.Logger) *RecoveryWorker {
	if log == nil {
		log = logger.Default()
	}
	if maxLag < 1 {
		maxLag = 1
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RecoveryWorker{
		events:    events,
		states:    states,
		projector: projector,
		maxLag:    maxLag,
		interval:  interval,
		logger:    log.WithFields(zap.String("component", "projection-recovery")),
	}
}

// Run scans on the configured interval until the context is cancelled.
func (w *RecoveryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Reconcile(ctx); err != nil {
				w.logger.Error("Projection reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Reconcile performs one scan and returns the number of workflows rebuilt.
// Recovery runs with cross-tenant visibility: it repairs every tenant's
// projections.
func (w *RecoveryWorker) Reconcile(ctx context.Context) (int, error) {
	system, err := tenant.NewContext(tenant.Actor{ID: "system:projection-recovery", Role: tenant.RoleMarketOps})
	if err != nil {
		return 0, err
	}

	positions, err := w.events.Positions(ctx)
	if err != nil {
		return 0, err
	}
	headers, err := w.states.ListHeaders(ctx)
	if err != nil {
		return 0, err
	}
	projected := make(map[string]int64, len(headers))
	for _, h := range headers {
		projected[h.WorkflowID] = h.ProjectedSeq
	}

	// Rebuilds are independent per workflow, so a handful can run at once.
	var rebuilt atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, pos := range positions {
		seq, exists := projected[pos.WorkflowID]
		if exists && pos.LastSeq-seq < w.maxLag {
			continue
		}

		g.Go(func() error {
			state, err := w.events.Replay(gctx, system, pos.WorkflowID, 0)
			if err != nil {
				w.logger.Error("Failed to replay lagging workflow",
					zap.String("workflow_id", pos.WorkflowID), zap.Error(err))
				return nil
			}
			if err := w.projector.Rebuild(gctx, system, state); err != nil {
				w.logger.Error("Failed to rebuild projection",
					zap.String("workflow_id", pos.WorkflowID), zap.Error(err))
				return nil
			}
			rebuilt.Add(1)
			w.logger.Info("Rebuilt lagging projection",
				zap.String("workflow_id", pos.WorkflowID),
				zap.Int64("from_seq", seq),
				zap.Int64("to_seq", pos.LastSeq))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(rebuilt.Load()), err
	}
	return int(rebuilt.Load()), nil
}
