package mcpmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultSlotResolvesOnce(t *testing.T) {
	slot := newResultSlot()
	slot.resolve(slotReady, 42, nil)
	slot.resolve(slotFailed, nil, ErrToolError) // must be ignored

	state, value, err := slot.snapshot()
	assert.Equal(t, slotReady, state)
	assert.Equal(t, 42, value)
	assert.NoError(t, err)
}

func TestRegistryCreateLookupRemove(t *testing.T) {
	r := newResultRegistry()
	slot := r.create("t1")
	require.NotNil(t, r.lookup("t1"))

	r.succeed("t1", "value")
	state, value, _ := slot.snapshot()
	assert.Equal(t, slotReady, state)
	assert.Equal(t, "value", value)

	r.remove("t1")
	assert.Nil(t, r.lookup("t1"))
}

func TestAwaitSlotTimeout(t *testing.T) {
	slot := newResultSlot()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, timedOut := awaitSlot(ctx, slot)
	assert.True(t, timedOut)

	// Slot is untouched by a timed-out wait — a later resolve still works.
	slot.resolve(slotReady, "late", nil)
	state, value, _ := slot.snapshot()
	assert.Equal(t, slotReady, state)
	assert.Equal(t, "late", value)
}

func TestFailAllResolvesPending(t *testing.T) {
	r := newResultRegistry()
	slot := r.create("t1")
	r.failAll(ErrDispatcherStopped)

	state, _, err := slot.snapshot()
	assert.Equal(t, slotFailed, state)
	assert.ErrorIs(t, err, ErrDispatcherStopped)
}
