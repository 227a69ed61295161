package mcpmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Lane is a disjoint partition of workers reserved for a priority class.
type Lane int

const (
	LaneNormal Lane = iota
	LanePriority
)

func (l Lane) String() string {
	if l == LanePriority {
		return "priority"
	}
	return "normal"
}

// Partition is where a worker currently lives.
type Partition int

const (
	PartitionStandby Partition = iota
	PartitionActive
	PartitionRetiring
)

func (p Partition) String() string {
	switch p {
	case PartitionActive:
		return "active"
	case PartitionRetiring:
		return "retiring"
	default:
		return "standby"
	}
}

// Task is a unit of work bound to a worker at placement time. Its exported
// fields are fixed at submit; only the salvage bookkeeping flag claimed
// changes afterwards.
type Task struct {
	ID       string
	Tool     string
	Args     any
	Weight   int
	Lane     Lane
	Deadline time.Time // zero value means no deadline

	// salvaged marks a task that has already been re-placed once after its
	// original worker died. A second death of the new host is terminal
	// (§4.4 "Re-placement of any given task is attempted at most once").
	salvaged bool

	// claimed marks a task that salvage has detached from its original
	// worker. Only ever read/written under that worker's mu. A stale
	// execute() completing after claim must not overwrite the registry
	// (§4.2 "...unless salvage has claimed it first").
	claimed bool
}

// Worker wraps one exclusively-owned transport session. It serializes
// invocations onto that transport via a private FIFO, and tracks the
// load-accounting fields the pool's placement algorithm reads.
//
// Modeled directly on the teacher's Worker (worker.go): the state machine
// (standby/active/retiring/destroyed here vs. starting/available/busy/
// unhealthy/dead there), the mutex discipline around a handful of hot
// fields, and the background goroutine that owns the transport's lifecycle
// are all carried forward. What's new is the FIFO of many concurrently
// in-flight tasks (weighted by cost) instead of "one HTTP session at a
// time".
type Worker struct {
	ID   string
	Lane Lane

	transport Transport
	registry  *resultRegistry

	fifo chan *Task

	mu           sync.Mutex
	partition    Partition
	inFlight     map[string]*Task
	lastActivity time.Time

	currentLoad atomic.Int64
	maxLoad     int

	log zerolog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// newWorker constructs a worker around an already-created transport. The
// FIFO is generously buffered; back-pressure is enforced by the pool's
// load ceiling (max_load), not by FIFO capacity.
func newWorker(id string, lane Lane, transport Transport, registry *resultRegistry, maxLoad int) *Worker {
	w := &Worker{
		ID:           id,
		Lane:         lane,
		transport:    transport,
		registry:     registry,
		fifo:         make(chan *Task, 256),
		partition:    PartitionStandby,
		inFlight:     make(map[string]*Task),
		lastActivity: time.Now(),
		maxLoad:      maxLoad,
		log:          WithWorker(id),
		stopped:      make(chan struct{}),
	}
	go w.run()
	return w
}

// run is the worker's single executor: pulls from the FIFO and invokes the
// transport, strictly sequentially (the transport is single-duplex).
func (w *Worker) run() {
	for task := range w.fifo {
		w.execute(task)
	}
}

func (w *Worker) execute(task *Task) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !task.Deadline.IsZero() {
		var dcancel context.CancelFunc
		ctx, dcancel = context.WithDeadline(ctx, task.Deadline)
		defer dcancel()
	}

	// Abort the call if the worker is torn down mid-invoke, instead of
	// leaving a stuck call to complete long after the worker died and race
	// whatever salvaged the task onto its replacement (§4.2).
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-w.stopped:
			cancel()
		case <-done:
		}
	}()

	result, err := w.transport.Invoke(ctx, task.Tool, task.Args)

	w.mu.Lock()
	claimed := task.claimed
	if !claimed {
		delete(w.inFlight, task.ID)
	}
	w.lastActivity = time.Now()
	w.mu.Unlock()

	if claimed {
		// Salvage already detached this task and re-placed it (or failed
		// trying); this stale completion must not clobber that outcome.
		return
	}
	w.currentLoad.Sub(int64(task.Weight))

	switch {
	case err != nil:
		w.log.Warn().Str("task_id", task.ID).Err(err).Msg("transport invoke failed")
		w.registry.fail(task.ID, fmt.Errorf("%w", ErrTransportFailed))
		resultTotal.WithLabelValues("transport_error").Inc()
	case result.Err != nil:
		w.registry.fail(task.ID, result.Err)
		resultTotal.WithLabelValues("tool_error").Inc()
	default:
		w.registry.succeed(task.ID, result.Value)
		resultTotal.WithLabelValues("success").Inc()
	}
}

// enqueue appends the task to the worker's FIFO. Precondition: the caller
// (the pool, under its lock) has already incremented currentLoad and
// recorded the task in the in-flight set via bindLocked.
func (w *Worker) enqueue(task *Task) error {
	w.mu.Lock()
	if w.partition == PartitionRetiring {
		w.mu.Unlock()
		return fmt.Errorf("worker %s is retiring: %w", w.ID, ErrPlacementFailed)
	}
	w.mu.Unlock()

	select {
	case w.fifo <- task:
		return nil
	default:
		return fmt.Errorf("worker %s FIFO full: %w", w.ID, ErrPlacementFailed)
	}
}

// bindLocked records task as in-flight and increments load. Must be called
// with the pool lock held, as part of the atomic pick-then-bind sequence
// (§4.4 step 6).
func (w *Worker) bindLocked(task *Task) {
	w.mu.Lock()
	w.inFlight[task.ID] = task
	w.mu.Unlock()
	w.currentLoad.Add(int64(task.Weight))
}

// unbindLocked reverses bindLocked — used when enqueue fails after bind and
// placement must retry on a different worker (§4.4 step 7).
func (w *Worker) unbindLocked(task *Task) {
	w.mu.Lock()
	delete(w.inFlight, task.ID)
	w.mu.Unlock()
	w.currentLoad.Sub(int64(task.Weight))
}

// claimInFlight atomically detaches every still-outstanding task from this
// worker: each is marked claimed (so a concurrently-finishing execute()
// observes it and skips its own registry write), removed from the
// in-flight set, and has its load contribution reversed, all under one
// lock acquisition. Called by salvage on a worker that failed its health
// probe.
func (w *Worker) claimInFlight() []*Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Task, 0, len(w.inFlight))
	for id, t := range w.inFlight {
		t.claimed = true
		delete(w.inFlight, id)
		w.currentLoad.Sub(int64(t.Weight))
		out = append(out, t)
	}
	return out
}

// Load returns the current summed weight of in-flight tasks.
func (w *Worker) Load() int { return int(w.currentLoad.Load()) }

// InFlightCount returns the number of in-flight tasks.
func (w *Worker) InFlightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}

// awaitDrain blocks until this worker's in-flight set empties or timeout
// elapses, whichever comes first — the bounded grace wait before a
// force-close (§5 "Resource lifetimes").
func (w *Worker) awaitDrain(timeout time.Duration) {
	if w.InFlightCount() == 0 {
		return
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if w.InFlightCount() == 0 || time.Now().After(deadline) {
			return
		}
	}
}

// IdleSince returns the last-activity timestamp.
func (w *Worker) IdleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// Partition returns the worker's current partition (thread-safe).
func (w *Worker) Partition() Partition {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.partition
}

// setPartitionLocked is a metadata-only flip (no transport re-creation),
// matching §4.2's "active ↔ standby is a metadata flip only".
func (w *Worker) setPartitionLocked(p Partition) {
	w.mu.Lock()
	w.partition = p
	w.mu.Unlock()
}

// Kill forcibly terminates the worker's backing transport, if it supports
// fault injection (killable). Used by the debug endpoint to exercise
// salvage on demand — the next supervisor health probe will observe the
// worker as dead and trigger salvage.
func (w *Worker) Kill() bool {
	if k, ok := w.transport.(killable); ok {
		k.Kill()
		return true
	}
	return false
}

// Alive reports transport liveness AND the absence of an unrecoverable
// internal error (here: not yet destroyed).
func (w *Worker) Alive() bool {
	select {
	case <-w.stopped:
		return false
	default:
	}
	return w.transport.Alive()
}

// underCeiling reports whether the worker may still accept placement.
func (w *Worker) underCeiling() bool {
	return int(w.currentLoad.Load()) < w.maxLoad
}

// destroy closes the transport and stops the executor goroutine. Safe to
// call more than once.
func (w *Worker) destroy() {
	w.stopOnce.Do(func() {
		close(w.stopped)
		close(w.fifo)
		_ = w.transport.Close()
	})
}
