package mcpmanager

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Supervisor runs the periodic tick described in §4.5: health probe,
// scale-up, scale-down, standby refill, in that order. Grounded on the
// teacher's healthCheckLoop/scaleLoop (pool.go), merged into spec.md's
// single ordered tick instead of two independently-ticking loops.
type Supervisor struct {
	pool   *Pool
	config Config
	log    zerolog.Logger

	// onActiveDeath is invoked (outside the pool lock) when an active
	// worker's health probe fails — it drives salvage (§4.4).
	onActiveDeath func(w *Worker)

	stopCh chan struct{}
	doneCh chan struct{}
}

func newSupervisor(pool *Pool, cfg Config, onActiveDeath func(w *Worker)) *Supervisor {
	return &Supervisor{
		pool:          pool,
		config:        cfg,
		log:           WithComponent("supervisor"),
		onActiveDeath: onActiveDeath,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

func (s *Supervisor) start() {
	go s.run()
}

func (s *Supervisor) stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Supervisor) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.supervisorPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Supervisor) tick() {
	for _, lane := range []Lane{LaneNormal, LanePriority} {
		min, max := s.pool.laneBounds(lane)
		if max == 0 {
			continue // lane disabled
		}
		s.healthProbe(lane)
		s.scaleUp(lane, max)
		s.scaleDown(lane, min)
		s.pool.refillStandby(context.Background(), lane)
	}
}

// healthProbe calls Alive() on every active and standby worker in the
// lane, concurrently (golang.org/x/sync/errgroup), the way a supervisor
// that owns many independent I/O-bound liveness checks should — a single
// unresponsive worker must not delay the rest of the tick.
func (s *Supervisor) healthProbe(lane Lane) {
	var g errgroup.Group

	for _, w := range s.pool.activeWorkers(lane) {
		w := w
		g.Go(func() error {
			if !w.Alive() {
				s.log.Warn().Str("worker_id", w.ID).Str("lane", lane.String()).Msg("active worker failed health probe")
				s.onActiveDeath(w)
			}
			return nil
		})
	}
	for _, w := range s.pool.standbyWorkers(lane) {
		w := w
		g.Go(func() error {
			if !w.Alive() {
				s.log.Warn().Str("worker_id", w.ID).Str("lane", lane.String()).Msg("standby worker failed health probe")
				s.pool.destroyStandby(w)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// scaleUp computes average load over active workers as
// Σ current_load / Σ max_load × 100; if ≥ scale_up_pct and the lane is
// below its ceiling, activates a standby worker (§4.5 step 2).
func (s *Supervisor) scaleUp(lane Lane, max int) {
	active := s.pool.activeWorkers(lane)
	if len(active) == 0 || len(active) >= max {
		return
	}

	var load, capacity int64
	for _, w := range active {
		load += int64(w.Load())
		capacity += int64(s.config.MaxLoadPerWorker)
	}
	if capacity == 0 {
		return
	}
	pct := float64(load) / float64(capacity) * 100
	if pct < float64(s.config.ScaleUpPct) {
		return
	}

	s.log.Info().Str("lane", lane.String()).Float64("load_pct", pct).Msg("scaling up")
	if _, err := s.pool.activateStandby(context.Background(), lane); err != nil {
		s.log.Warn().Err(err).Msg("scale-up failed")
	}
}

// scaleDown demotes any active worker with zero load that has been idle
// past the configured timeout, while the lane stays above its floor
// (§4.5 step 3).
func (s *Supervisor) scaleDown(lane Lane, min int) {
	active := s.pool.activeWorkers(lane)
	idleTimeout := s.config.scaleDownIdle()
	now := time.Now()

	for _, w := range active {
		if len(s.pool.activeWorkers(lane)) <= min {
			return
		}
		if w.Load() != 0 {
			continue
		}
		if now.Sub(w.IdleSince()) < idleTimeout {
			continue
		}
		s.log.Info().Str("worker_id", w.ID).Str("lane", lane.String()).Msg("scaling down idle worker")
		s.pool.demoteToStandby(w)
	}
}
