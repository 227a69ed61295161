package mcpmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// shutdownGraceFactor scales the supervisor tick period into the grace
// window Stop() waits for in-flight completions before force-closing
// workers (§5 "Resource lifetimes").
const shutdownGraceFactor = 5

// SubmitOptions carries the per-task overrides §6 recognizes.
type SubmitOptions struct {
	Priority       bool
	WeightOverride *int
	// Deadline, if non-zero, bounds how long the eventual worker invocation
	// is allowed to run (propagated to the transport's context).
	Deadline time.Time
}

// WorkerStats is one entry of Stats().PerWorker (§6).
type WorkerStats struct {
	ID          string
	Lane        string
	Load        int
	InFlight    int
	IdleSeconds float64
}

// Stats is the dispatcher snapshot returned by Stats() (§6).
type Stats struct {
	ActiveCount  int
	StandbyCount int
	AvgLoadPct   float64
	PerWorker    []WorkerStats
	QueueDepth   int
}

// Dispatcher is the public façade: Start, Stop, Submit, GetResult, Stats
// (§6). Exactly one dispatcher instance exists per caller — there is no
// hidden singleton (§9): callers construct one with New and pass it
// around explicitly.
//
// Grounded on the teacher's main.go (initial-worker creation, signal-driven
// shutdown) generalized from a single undifferentiated worker list to
// lane-aware placement, plus a result registry the teacher has no
// equivalent of (it routes by session id directly, never awaiting a
// returned value).
type Dispatcher struct {
	config     Config
	weights    *WeightTable
	pool       *Pool
	registry   *resultRegistry
	supervisor *Supervisor

	running atomic.Bool
	stopped atomic.Bool

	log zerolog.Logger
}

// New constructs a dispatcher. It does not start anything — call Start.
func New(cfg Config, weights *WeightTable, factory TransportFactory) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if weights == nil {
		weights = NewWeightTable(nil, 1)
	}

	registry := newResultRegistry()
	pool := newPool(cfg, factory, registry)

	d := &Dispatcher{
		config:   cfg,
		weights:  weights,
		pool:     pool,
		registry: registry,
		log:      WithComponent("dispatcher"),
	}
	d.supervisor = newSupervisor(pool, cfg, d.salvage)
	return d, nil
}

// Start instantiates min_active workers per lane plus standby_count
// standby, and starts the supervisor. Idempotent: a second call is a
// no-op. Calling Start after Stop fails with ErrDispatcherStopped (§6).
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.stopped.Load() {
		return ErrDispatcherStopped
	}
	if !d.running.CompareAndSwap(false, true) {
		return nil // already running — idempotent
	}

	if err := d.pool.bootstrap(ctx); err != nil {
		d.running.Store(false)
		return fmt.Errorf("bootstrap pool: %w", err)
	}
	d.supervisor.start()
	d.log.Info().Msg("dispatcher started")
	return nil
}

// Stop drains actives, destroys standby, and fails all remaining pending
// slots with ErrDispatcherStopped. Idempotent.
func (d *Dispatcher) Stop() error {
	if !d.stopped.CompareAndSwap(false, true) {
		return nil // already stopped — idempotent
	}
	if !d.running.Load() {
		return nil // never started
	}

	d.supervisor.stop()
	d.pool.shutdown(d.config.supervisorPeriod() * shutdownGraceFactor)
	d.registry.failAll(ErrDispatcherStopped)
	d.log.Info().Msg("dispatcher stopped")
	return nil
}

// Submit implements §4.4: resolve weight, determine lane, place the task,
// and return its id. Submit never blocks on tool execution; it may briefly
// block creating a new worker when standby is empty.
func (d *Dispatcher) Submit(ctx context.Context, tool string, args any, opts SubmitOptions) (string, error) {
	if !d.running.Load() || d.stopped.Load() {
		return "", ErrDispatcherStopped
	}

	weight := d.weights.Resolve(tool, opts.WeightOverride)
	lane := LaneNormal
	if opts.Priority {
		lane = LanePriority
	}

	id := uuid.NewString()
	d.registry.create(id)

	task := &Task{
		ID:       id,
		Tool:     tool,
		Args:     args,
		Weight:   weight,
		Lane:     lane,
		Deadline: opts.Deadline,
	}

	submitted := time.Now()
	if _, err := placeTask(ctx, d.pool, task); err != nil {
		d.registry.remove(id)
		return "", err
	}
	queueWaitSeconds.Observe(time.Since(submitted).Seconds())
	return id, nil
}

// GetResult implements §4.4: non-blocking callers get the current slot
// state immediately (pending surfaces as ErrPending); blocking callers
// wait up to timeout (<=0 means wait forever) for a terminal outcome. On
// deadline expiry the slot is left in place so a late completion can still
// be collected. On terminal observation the slot is removed — read-and-
// remove, at-most-once delivery (§3, §8).
func (d *Dispatcher) GetResult(ctx context.Context, id string, block bool, timeout time.Duration) (any, error) {
	slot := d.registry.lookup(id)
	if slot == nil {
		return nil, ErrUnknownTask
	}

	if !block {
		state, value, err := slot.snapshot()
		switch state {
		case slotPending:
			return nil, ErrPending
		case slotReady:
			d.registry.remove(id)
			return value, nil
		default:
			d.registry.remove(id)
			return nil, err
		}
	}

	waitCtx, cancel := deadlineContext(ctx, timeout)
	defer cancel()

	value, err, timedOut := awaitSlot(waitCtx, slot)
	if timedOut {
		return nil, ErrTimeout
	}
	d.registry.remove(id)
	return value, err
}

// DiscardResult explicitly drops a pending or unconsumed result slot,
// matching §9's note that a reaper is optional but an explicit discard
// path is available.
func (d *Dispatcher) DiscardResult(id string) {
	d.registry.remove(id)
}

// salvage re-places a dead active worker's in-flight tasks on a different
// worker, at most once per task (§4.4 "Salvage"). Invoked by the
// supervisor's health probe when a worker fails liveness.
func (d *Dispatcher) salvage(dead *Worker) {
	d.pool.retire(dead)
	tasks := dead.claimInFlight()

	for _, task := range tasks {
		salvageTotal.Inc()

		if task.salvaged {
			d.registry.fail(task.ID, ErrSalvageFailed)
			continue
		}
		retryTask := &Task{
			ID: task.ID, Tool: task.Tool, Args: task.Args,
			Weight: task.Weight, Lane: task.Lane, Deadline: task.Deadline,
			salvaged: true,
		}
		if _, err := placeTask(context.Background(), d.pool, retryTask); err != nil {
			d.registry.fail(task.ID, ErrSalvageFailed)
		}
	}

	d.pool.destroyRetiring(dead)
}

// KillWorker forcibly kills the named worker's transport, for manually
// exercising salvage (the teacher's /debug/crash-worker, generalized). The
// worker is not removed here — the next supervisor health probe observes
// it as dead and drives salvage through the normal path.
func (d *Dispatcher) KillWorker(id string) error {
	w := d.pool.workerByID(id)
	if w == nil {
		return fmt.Errorf("worker %s not found", id)
	}
	if !w.Kill() {
		return fmt.Errorf("worker %s transport does not support fault injection", id)
	}
	return nil
}

// Stats returns the dispatcher/pool snapshot (§6).
func (d *Dispatcher) Stats() Stats {
	var out Stats
	for _, lane := range []Lane{LaneNormal, LanePriority} {
		active := d.pool.activeWorkers(lane)
		standby := d.pool.standbyWorkers(lane)
		out.ActiveCount += len(active)
		out.StandbyCount += len(standby)
		activeWorkersGauge.WithLabelValues(lane.String()).Set(float64(len(active)))
		standbyWorkersGauge.WithLabelValues(lane.String()).Set(float64(len(standby)))
	}

	var load, capacity int64
	now := time.Now()
	for _, w := range d.pool.allWorkers() {
		out.PerWorker = append(out.PerWorker, WorkerStats{
			ID:          w.ID,
			Lane:        w.Lane.String(),
			Load:        w.Load(),
			InFlight:    w.InFlightCount(),
			IdleSeconds: now.Sub(w.IdleSince()).Seconds(),
		})
		if w.Partition() == PartitionActive {
			load += int64(w.Load())
			capacity += int64(d.config.MaxLoadPerWorker)
		}
	}
	if capacity > 0 {
		out.AvgLoadPct = float64(load) / float64(capacity) * 100
	}
	return out
}
