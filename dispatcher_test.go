package mcpmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 1: basic round trip. A single worker, submit one task, read its
// result, then confirm a second read of the same id surfaces ErrUnknownTask
// (read-and-remove semantics).
func TestScenarioBasicRoundTrip(t *testing.T) {
	cfg := Config{MinActive: 1, MaxActive: 1}.withDefaults()
	weights := NewWeightTable(map[string]int{"add": 1}, 1)
	factory := NewFakeTransportFactory(FakeBehavior{}, func(ft *FakeTransport) {
		ft.SetBehavior("add", FakeBehavior{Value: map[string]any{"ok": 3}})
	})

	d, err := New(cfg, weights, factory)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	id, err := d.Submit(context.Background(), "add", map[string]any{"a": 1, "b": 2}, SubmitOptions{})
	require.NoError(t, err)

	value, err := d.GetResult(context.Background(), id, true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": 3}, value)

	_, err = d.GetResult(context.Background(), id, true, time.Second)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

// Scenario 2: least-load tie-break. Three active workers pre-loaded to
// [30, 45, 25]; a new weight-5 task must land on the worker holding 25.
func TestScenarioLeastLoadPlacement(t *testing.T) {
	// The preloaded tasks are bound but never enqueued, so they never
	// complete, and the submitted task sleeps for an hour; keep the deferred
	// Stop()'s shutdown grace short so the test doesn't hang on them
	// draining.
	cfg := Config{MinActive: 3, MaxActive: 3, MaxLoadPerWorker: 100, SupervisorPeriodSecs: 0.01}.withDefaults()
	weights := NewWeightTable(nil, 1)
	factory := NewFakeTransportFactory(FakeBehavior{Sleep: time.Hour, Value: "ok"}, nil)

	d, err := New(cfg, weights, factory)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	workers := d.pool.activeWorkers(LaneNormal)
	require.Len(t, workers, 3)

	loads := []int{30, 45, 25}
	for i, load := range loads {
		w := load
		d.pool.mu.Lock()
		workers[i].bindLocked(&Task{ID: "preload", Weight: w})
		d.pool.mu.Unlock()
	}

	leastLoaded := workers[2] // holds 25

	five := 5
	_, err = d.Submit(context.Background(), "anything", nil, SubmitOptions{WeightOverride: &five})
	require.NoError(t, err)

	assert.Equal(t, 30, leastLoaded.Load(), "the 25-load worker must have received the weight-5 task")
}

// Scenario 3: standby activation under saturation. With min_active=2,
// standby=1, max_load=10, 21 concurrent weight-1 tasks must force at least
// one standby activation with no placement failures.
func TestScenarioStandbyActivationUnderSaturation(t *testing.T) {
	cfg := Config{MinActive: 2, MaxActive: 10, StandbyCount: 1, MaxLoadPerWorker: 10}.withDefaults()
	weights := NewWeightTable(nil, 1)
	factory := NewFakeTransportFactory(FakeBehavior{Sleep: 30 * time.Millisecond, Value: "ok"}, nil)

	d, err := New(cfg, weights, factory)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	var wg sync.WaitGroup
	errs := make(chan error, 21)
	for i := 0; i < 21; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Submit(context.Background(), "task", nil, SubmitOptions{})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected placement error: %v", err)
	}

	stats := d.Stats()
	assert.GreaterOrEqual(t, stats.ActiveCount, 3, "saturation must trigger at least one standby activation")
}

// Scenario 4: salvage. Kill a worker with in-flight tasks; both tasks must
// eventually resolve ok on a replacement worker, with zero salvage failures.
func TestScenarioSalvageReplacesInFlightTasks(t *testing.T) {
	cfg := Config{MinActive: 1, MaxActive: 5, StandbyCount: 0, SupervisorPeriodSecs: 0.02, MaxLoadPerWorker: 100}.withDefaults()
	weights := NewWeightTable(nil, 1)
	factory := NewFakeTransportFactory(FakeBehavior{Sleep: 80 * time.Millisecond, Value: "ok"}, nil)

	d, err := New(cfg, weights, factory)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	id1, err := d.Submit(context.Background(), "task", nil, SubmitOptions{})
	require.NoError(t, err)
	id2, err := d.Submit(context.Background(), "task", nil, SubmitOptions{})
	require.NoError(t, err)

	workers := d.pool.activeWorkers(LaneNormal)
	require.Len(t, workers, 1)
	require.NoError(t, d.KillWorker(workers[0].ID))

	v1, err1 := d.GetResult(context.Background(), id1, true, 3*time.Second)
	v2, err2 := d.GetResult(context.Background(), id2, true, 3*time.Second)

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, "ok", v1)
	assert.Equal(t, "ok", v2)
}

// Scenario 5: a timed-out GetResult does not consume the result slot — a
// later call with a longer timeout still observes the eventual completion.
func TestScenarioTimeoutDoesNotConsumeSlot(t *testing.T) {
	cfg := Config{MinActive: 1, MaxActive: 1}.withDefaults()
	weights := NewWeightTable(nil, 1)
	factory := NewFakeTransportFactory(FakeBehavior{Sleep: 150 * time.Millisecond, Value: "done"}, nil)

	d, err := New(cfg, weights, factory)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	id, err := d.Submit(context.Background(), "slow", nil, SubmitOptions{})
	require.NoError(t, err)

	_, err = d.GetResult(context.Background(), id, true, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	value, err := d.GetResult(context.Background(), id, true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

// Scenario 6: priority lane isolation. A saturated normal lane must not
// delay a priority-lane task.
func TestScenarioPriorityLaneIsolation(t *testing.T) {
	// The "long" task never completes (Sleep: time.Hour); keep the deferred
	// Stop()'s shutdown grace short so the test doesn't hang on it draining.
	cfg := Config{
		MinActive: 1, MaxActive: 1,
		PriorityMinActive: 1, PriorityMaxActive: 1,
		MaxLoadPerWorker:     1,
		SupervisorPeriodSecs: 0.01,
	}.withDefaults()
	weights := NewWeightTable(nil, 1)
	factory := NewFakeTransportFactory(FakeBehavior{Value: "fast"}, func(ft *FakeTransport) {
		ft.SetBehavior("long", FakeBehavior{Sleep: time.Hour, Value: "slow"})
		ft.SetBehavior("quick", FakeBehavior{Value: "fast"})
	})

	d, err := New(cfg, weights, factory)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	_, err = d.Submit(context.Background(), "long", nil, SubmitOptions{})
	require.NoError(t, err)

	id, err := d.Submit(context.Background(), "quick", nil, SubmitOptions{Priority: true})
	require.NoError(t, err)

	value, err := d.GetResult(context.Background(), id, true, 500*time.Millisecond)
	require.NoError(t, err, "priority task must complete without waiting on the saturated normal lane")
	assert.Equal(t, "fast", value)
}
