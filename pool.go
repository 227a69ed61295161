package mcpmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// laneSet holds one lane's active and standby workers. Normal and priority
// lanes each get their own laneSet — Open Question (b) in spec.md §9 is
// resolved here: the priority lane's standby pool is independent of the
// normal lane's, not shared.
type laneSet struct {
	active  []*Worker
	standby []*Worker
	min     int
	max     int
}

// Pool manages the three logical partitions over the set of workers:
// active-normal, active-priority, and standby (per lane). All set
// operations happen under mu, held only for O(active) scans — never across
// an Invoke or an unbounded FIFO send, per §5.
//
// Grounded on the teacher's Pool (pool.go): NewPool's synchronous initial
// fill, addWorker's pendingAdds-guarded scale-up, and removeIdleWorker's
// "pop one idle, detach, shut down" shape are all carried forward, but
// generalized from one undifferentiated worker list + an available-channel
// semaphore to three partitioned, lane-aware sets scanned by weighted
// least-load instead of popped FIFO from a channel.
type Pool struct {
	mu sync.Mutex

	lanes map[Lane]*laneSet
	byID  map[string]*Worker

	standbyCount int
	maxLoad      int

	transportFactory TransportFactory
	registry         *resultRegistry

	pendingAdds int

	log zerolog.Logger
}

func newPool(cfg Config, factory TransportFactory, registry *resultRegistry) *Pool {
	return &Pool{
		lanes: map[Lane]*laneSet{
			LaneNormal:   {min: cfg.MinActive, max: cfg.MaxActive},
			LanePriority: {min: cfg.PriorityMinActive, max: cfg.PriorityMaxActive},
		},
		byID:             make(map[string]*Worker),
		standbyCount:     cfg.StandbyCount,
		maxLoad:          cfg.MaxLoadPerWorker,
		transportFactory: factory,
		registry:         registry,
		log:              WithComponent("pool"),
	}
}

// bootstrap synchronously creates every lane's min_active workers plus its
// standby set. Called once from Dispatcher.Start.
func (p *Pool) bootstrap(ctx context.Context) error {
	for _, lane := range []Lane{LaneNormal, LanePriority} {
		ls := p.lanes[lane]
		for i := 0; i < ls.min; i++ {
			w, err := p.spawn(ctx, lane)
			if err != nil {
				return fmt.Errorf("bootstrap active worker (lane=%s): %w", lane, err)
			}
			p.mu.Lock()
			w.setPartitionLocked(PartitionActive)
			ls.active = append(ls.active, w)
			p.mu.Unlock()
		}
		if ls.max == 0 {
			continue // lane not enabled (e.g. priority lane unused)
		}
		for i := 0; i < p.standbyCount; i++ {
			w, err := p.spawn(ctx, lane)
			if err != nil {
				return fmt.Errorf("bootstrap standby worker (lane=%s): %w", lane, err)
			}
			p.mu.Lock()
			ls.standby = append(ls.standby, w)
			p.mu.Unlock()
		}
	}
	return nil
}

func (p *Pool) spawn(ctx context.Context, lane Lane) (*Worker, error) {
	id := uuid.NewString()
	transport, err := p.transportFactory(ctx, id)
	if err != nil {
		return nil, err
	}
	w := newWorker(id, lane, transport, p.registry, p.maxLoad)
	p.mu.Lock()
	p.byID[id] = w
	p.mu.Unlock()
	return w, nil
}

// pickLocked scans the active partition of the requested lane and returns the
// worker of least current_load whose load is strictly below max_load.
// Ties broken by fewest in-flight, then by oldest last-activity (§4.3).
// Must be called with mu held.
func (p *Pool) pickLocked(lane Lane) *Worker {
	ls := p.lanes[lane]
	var best *Worker
	for _, w := range ls.active {
		if !w.underCeiling() {
			continue
		}
		if best == nil || isBetterPlacement(w, best) {
			best = w
		}
	}
	return best
}

func isBetterPlacement(candidate, current *Worker) bool {
	cl, bl := candidate.Load(), current.Load()
	if cl != bl {
		return cl < bl
	}
	ci, bi := candidate.InFlightCount(), current.InFlightCount()
	if ci != bi {
		return ci < bi
	}
	return candidate.IdleSince().Before(current.IdleSince())
}

// activateStandby moves one worker from standby to active in the given
// lane; if standby is empty, creates a fresh worker synchronously. Either
// way it schedules an asynchronous standby refill. Must be called without
// mu held (it may block on process creation).
func (p *Pool) activateStandby(ctx context.Context, lane Lane) (*Worker, error) {
	p.mu.Lock()
	ls := p.lanes[lane]
	var w *Worker
	if len(ls.standby) > 0 {
		w = ls.standby[0]
		ls.standby = ls.standby[1:]
	}
	p.mu.Unlock()

	if w == nil {
		var err error
		w, err = p.spawn(ctx, lane)
		if err != nil {
			return nil, fmt.Errorf("activate standby (lane=%s): %w", lane, err)
		}
	}

	p.mu.Lock()
	w.setPartitionLocked(PartitionActive)
	ls.active = append(ls.active, w)
	p.mu.Unlock()

	go p.refillStandby(context.Background(), lane)
	return w, nil
}

// refillStandby asynchronously creates workers until the lane's standby set
// reaches standbyCount. No-op for a lane whose max is 0 (disabled).
func (p *Pool) refillStandby(ctx context.Context, lane Lane) {
	p.mu.Lock()
	ls := p.lanes[lane]
	if ls.max == 0 {
		p.mu.Unlock()
		return
	}
	deficit := p.standbyCount - len(ls.standby)
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		w, err := p.spawn(ctx, lane)
		if err != nil {
			p.log.Warn().Str("lane", lane.String()).Err(err).Msg("standby refill failed")
			return
		}
		p.mu.Lock()
		ls.standby = append(ls.standby, w)
		p.mu.Unlock()
	}
}

// retire moves a worker to the retiring partition. Caller guarantees no new
// placements are attempted on it.
func (p *Pool) retire(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls := p.lanes[w.Lane]
	ls.active = removeWorker(ls.active, w)
	ls.standby = removeWorker(ls.standby, w)
	w.setPartitionLocked(PartitionRetiring)
	delete(p.byID, w.ID)
}

func removeWorker(list []*Worker, target *Worker) []*Worker {
	for i, w := range list {
		if w == target {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// demoteToStandby flips an active, idle worker back to standby. Metadata
// flip only — transport preserved (§4.5 scale-down).
func (p *Pool) demoteToStandby(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls := p.lanes[w.Lane]
	ls.active = removeWorker(ls.active, w)
	ls.standby = append(ls.standby, w)
	w.setPartitionLocked(PartitionStandby)
}

// destroyStandby removes and destroys one standby worker in a lane (used
// when a standby worker fails its health probe — "silent destroy-and-
// refill" per §4.5).
func (p *Pool) destroyStandby(w *Worker) {
	p.mu.Lock()
	ls := p.lanes[w.Lane]
	ls.standby = removeWorker(ls.standby, w)
	delete(p.byID, w.ID)
	p.mu.Unlock()
	w.destroy()
}

// destroyRetiring tears down a worker already moved to retiring (used after
// salvage finishes draining it).
func (p *Pool) destroyRetiring(w *Worker) {
	w.destroy()
}

// activeWorkers returns a snapshot of the active workers of one lane, for
// the supervisor's health probe and scale decisions.
func (p *Pool) activeWorkers(lane Lane) []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls := p.lanes[lane]
	out := make([]*Worker, len(ls.active))
	copy(out, ls.active)
	return out
}

func (p *Pool) standbyWorkers(lane Lane) []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls := p.lanes[lane]
	out := make([]*Worker, len(ls.standby))
	copy(out, ls.standby)
	return out
}

// workerByID returns the tracked worker with the given id, or nil.
func (p *Pool) workerByID(id string) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byID[id]
}

func (p *Pool) laneBounds(lane Lane) (min, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls := p.lanes[lane]
	return ls.min, ls.max
}

// allWorkers returns every worker currently tracked (active + standby,
// across both lanes), sorted by ID for deterministic stats output.
func (p *Pool) allWorkers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, 0, len(p.byID))
	for _, w := range p.byID {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// shutdown drains actives: it waits up to grace for each tracked worker's
// in-flight tasks to finish, then force-closes whatever remains, per §5
// "Resource lifetimes" ("drains actives... waits up to a shutdown grace
// for in-flight completions, then force-closes"). grace <= 0 skips the
// wait and force-closes immediately.
func (p *Pool) shutdown(grace time.Duration) {
	p.mu.Lock()
	all := make([]*Worker, 0, len(p.byID))
	for _, w := range p.byID {
		all = append(all, w)
	}
	p.byID = make(map[string]*Worker)
	for _, ls := range p.lanes {
		ls.active = nil
		ls.standby = nil
	}
	p.mu.Unlock()

	if grace > 0 {
		deadline := time.Now().Add(grace)
		for _, w := range all {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			w.awaitDrain(remaining)
		}
	}

	for _, w := range all {
		w.destroy()
	}
}
