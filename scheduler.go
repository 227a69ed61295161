package mcpmanager

import (
	"context"
	"errors"
	"fmt"
)

// WeightTable maps tool name to a positive integer weight, plus a default
// for unknown tools. Supplied to New and immutable thereafter (§3).
type WeightTable struct {
	weights map[string]int
	def     int
}

// NewWeightTable builds a table from a name→weight mapping and a default
// weight for tools absent from it.
func NewWeightTable(weights map[string]int, def int) *WeightTable {
	cp := make(map[string]int, len(weights))
	for k, v := range weights {
		cp[k] = v
	}
	if def <= 0 {
		def = 1
	}
	return &WeightTable{weights: cp, def: def}
}

// Resolve computes a task's weight: override (if non-nil and positive)
// else the table's entry for tool else the table default (§4.4 step 2).
func (wt *WeightTable) Resolve(tool string, override *int) int {
	if override != nil && *override > 0 {
		return *override
	}
	if w, ok := wt.weights[tool]; ok && w > 0 {
		return w
	}
	return wt.def
}

var errNoActiveWorker = errors.New("no eligible active worker")

// placeTask implements §4.4 steps 5–7: pick a worker (activating standby if
// none eligible), atomically bind the task, and enqueue it. Placement is
// retried once end-to-end on enqueue failure (the chosen worker started
// retiring between bind and enqueue); a second failure surfaces
// ErrPlacementFailed.
func placeTask(ctx context.Context, pool *Pool, task *Task) (*Worker, error) {
	const maxEnqueueAttempts = 2

	enqueueAttempts := 0
	for iterations := 0; iterations < maxEnqueueAttempts+4; iterations++ {
		w, err := bindBestLocked(pool, task)
		if errors.Is(err, errNoActiveWorker) {
			if _, activateErr := pool.activateStandby(ctx, task.Lane); activateErr != nil {
				return nil, fmt.Errorf("activate standby: %w", activateErr)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		enqueueAttempts++
		if err := w.enqueue(task); err != nil {
			w.unbindLocked(task)
			if enqueueAttempts >= maxEnqueueAttempts {
				return nil, fmt.Errorf("retiring worker race: %w", ErrPlacementFailed)
			}
			continue
		}
		return w, nil
	}
	return nil, fmt.Errorf("exhausted placement attempts: %w", ErrPlacementFailed)
}

// bindBestLocked performs the atomic pick-then-bind under the pool lock
// (§4.4 step 6), preventing two submits from racing onto the same
// "best" worker and both seeing pre-increment state.
func bindBestLocked(pool *Pool, task *Task) (*Worker, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	w := pool.pickLocked(task.Lane)
	if w == nil {
		return nil, errNoActiveWorker
	}
	// bindLocked only touches the worker's own mutex, nested inside the
	// pool lock — this keeps pick-then-bind atomic w.r.t. other submits.
	w.bindLocked(task)
	return w, nil
}
