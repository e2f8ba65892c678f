package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackerDrainsWhenOpsComplete(t *testing.T) {
	t.Parallel()
	tracker := newAsyncTracker()

	id, ok := tracker.register()
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		tracker.unregister(id)
	}()
	require.NoError(t, tracker.cancelAndDrain(2*time.Second))
}

func TestTrackerDrainAcceptsExecutedOps(t *testing.T) {
	t.Parallel()
	tracker := newAsyncTracker()

	// An operation past its execution phase satisfies the drain even if
	// its completion phase is still pending.
	id, ok := tracker.register()
	require.True(t, ok)
	tracker.markExecuted(id)

	require.NoError(t, tracker.cancelAndDrain(time.Second))
	require.True(t, tracker.isCanceled())

	// New work is refused after cancellation.
	_, ok = tracker.register()
	require.False(t, ok)
}

func TestTrackerDrainTimesOut(t *testing.T) {
	t.Parallel()
	tracker := newAsyncTracker()

	_, ok := tracker.register()
	require.True(t, ok)
	require.ErrorIs(t, tracker.cancelAndDrain(50*time.Millisecond), ErrDrainTimeout)
}
