package engine

import (
	"context"
	"sync"
	"time"

	"github.com/enerflow/enerflow/internal/workflow/models"
)

// lockTable serializes mutations per workflow. Each workflow id maps to a
// one-slot channel; holding the slot is holding the lock. Entries are
// refcounted and removed when the last waiter releases, so the table does not
// grow with the number of workflows ever touched.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	slot chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockEntry)}
}

// acquire takes the workflow's lock, waiting at most wait. On timeout the
// caller receives a ConflictingWrite error rather than blocking behind a
// long-running mutation.
func (t *lockTable) acquire(ctx context.Context, workflowID string, wait time.Duration) (release func(), err error) {
	t.mu.Lock()
	entry, ok := t.locks[workflowID]
	if !ok {
		entry = &lockEntry{slot: make(chan struct{}, 1)}
		t.locks[workflowID] = entry
	}
	entry.refs++
	t.mu.Unlock()

	drop := func() {
		t.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(t.locks, workflowID)
		}
		t.mu.Unlock()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case entry.slot <- struct{}{}:
		return func() {
			<-entry.slot
			drop()
		}, nil
	case <-timer.C:
		drop()
		return nil, models.NewError(models.KindConflictingWrite,
			"workflow is locked by another operation").WithWorkflow(workflowID, "")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}
