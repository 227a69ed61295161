package mcpmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeFactory() TransportFactory {
	return NewFakeTransportFactory(FakeBehavior{Value: "ok"}, nil)
}

func TestPoolBootstrapCreatesActiveAndStandby(t *testing.T) {
	cfg := Config{MinActive: 2, MaxActive: 5, StandbyCount: 1}.withDefaults()
	registry := newResultRegistry()
	pool := newPool(cfg, fakeFactory(), registry)

	require.NoError(t, pool.bootstrap(context.Background()))
	assert.Len(t, pool.activeWorkers(LaneNormal), 2)
	assert.Len(t, pool.standbyWorkers(LaneNormal), 1)
	assert.Len(t, pool.activeWorkers(LanePriority), 0, "priority lane disabled by default")
}

func TestPoolPickLocked(t *testing.T) {
	cfg := Config{MinActive: 3, MaxActive: 3, StandbyCount: 0, MaxLoadPerWorker: 100}.withDefaults()
	registry := newResultRegistry()
	pool := newPool(cfg, fakeFactory(), registry)
	require.NoError(t, pool.bootstrap(context.Background()))

	workers := pool.activeWorkers(LaneNormal)
	require.Len(t, workers, 3)

	pool.mu.Lock()
	workers[0].bindLocked(&Task{ID: "a", Weight: 30})
	workers[1].bindLocked(&Task{ID: "b", Weight: 45})
	workers[2].bindLocked(&Task{ID: "c", Weight: 25})
	pool.mu.Unlock()

	pool.mu.Lock()
	best := pool.pickLocked(LaneNormal)
	pool.mu.Unlock()
	assert.Equal(t, workers[2].ID, best.ID, "least-loaded worker must be picked")
}

func TestPoolPickLockedTieBreaksByInFlight(t *testing.T) {
	cfg := Config{MinActive: 2, MaxActive: 2, MaxLoadPerWorker: 100}.withDefaults()
	registry := newResultRegistry()
	pool := newPool(cfg, fakeFactory(), registry)
	require.NoError(t, pool.bootstrap(context.Background()))

	workers := pool.activeWorkers(LaneNormal)
	require.Len(t, workers, 2)

	pool.mu.Lock()
	// Same load (10), but worker 0 has two small tasks vs one for worker 1.
	workers[0].bindLocked(&Task{ID: "a1", Weight: 5})
	workers[0].bindLocked(&Task{ID: "a2", Weight: 5})
	workers[1].bindLocked(&Task{ID: "b1", Weight: 10})
	pool.mu.Unlock()

	pool.mu.Lock()
	best := pool.pickLocked(LaneNormal)
	pool.mu.Unlock()
	assert.Equal(t, workers[1].ID, best.ID, "fewer in-flight tasks wins the tie on equal load")
}

func TestPoolActivateStandbyPopsExistingBeforeSpawning(t *testing.T) {
	cfg := Config{MinActive: 1, MaxActive: 5, StandbyCount: 1}.withDefaults()
	registry := newResultRegistry()
	pool := newPool(cfg, fakeFactory(), registry)
	require.NoError(t, pool.bootstrap(context.Background()))

	standby := pool.standbyWorkers(LaneNormal)
	require.Len(t, standby, 1)
	standbyID := standby[0].ID

	activated, err := pool.activateStandby(context.Background(), LaneNormal)
	require.NoError(t, err)
	assert.Equal(t, standbyID, activated.ID, "activateStandby must reuse the existing standby worker")

	require.Eventually(t, func() bool {
		return len(pool.standbyWorkers(LaneNormal)) == 1
	}, time.Second, time.Millisecond, "standby refill should replace the popped worker")
}

func TestPoolActivateStandbySpawnsWhenEmpty(t *testing.T) {
	cfg := Config{MinActive: 1, MaxActive: 5, StandbyCount: 0}.withDefaults()
	registry := newResultRegistry()
	pool := newPool(cfg, fakeFactory(), registry)
	require.NoError(t, pool.bootstrap(context.Background()))

	before := len(pool.activeWorkers(LaneNormal))
	activated, err := pool.activateStandby(context.Background(), LaneNormal)
	require.NoError(t, err)
	assert.NotEmpty(t, activated.ID)
	assert.Len(t, pool.activeWorkers(LaneNormal), before+1)
}

func TestPoolRetireRemovesFromActiveAndByID(t *testing.T) {
	cfg := Config{MinActive: 1, MaxActive: 1}.withDefaults()
	registry := newResultRegistry()
	pool := newPool(cfg, fakeFactory(), registry)
	require.NoError(t, pool.bootstrap(context.Background()))

	w := pool.activeWorkers(LaneNormal)[0]
	pool.retire(w)

	assert.Len(t, pool.activeWorkers(LaneNormal), 0)
	assert.Nil(t, pool.workerByID(w.ID))
	assert.Equal(t, PartitionRetiring, w.Partition())
}

func TestPoolDemoteToStandby(t *testing.T) {
	cfg := Config{MinActive: 1, MaxActive: 1}.withDefaults()
	registry := newResultRegistry()
	pool := newPool(cfg, fakeFactory(), registry)
	require.NoError(t, pool.bootstrap(context.Background()))

	w := pool.activeWorkers(LaneNormal)[0]
	pool.demoteToStandby(w)

	assert.Len(t, pool.activeWorkers(LaneNormal), 0)
	assert.Len(t, pool.standbyWorkers(LaneNormal), 1)
	assert.Equal(t, PartitionStandby, w.Partition())
}

func TestPoolDestroyStandbyRemovesFromByID(t *testing.T) {
	cfg := Config{MinActive: 0, MaxActive: 1, StandbyCount: 1}.withDefaults()
	registry := newResultRegistry()
	pool := newPool(cfg, fakeFactory(), registry)
	require.NoError(t, pool.bootstrap(context.Background()))

	standby := pool.standbyWorkers(LaneNormal)
	require.Len(t, standby, 1)
	w := standby[0]

	pool.destroyStandby(w)
	assert.Len(t, pool.standbyWorkers(LaneNormal), 0)
	assert.Nil(t, pool.workerByID(w.ID))
}
