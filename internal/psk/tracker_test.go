package psk

import (
	"testing"
	"time"

	"cicada/internal/ledger"

	"github.com/stretchr/testify/require"
)

func TestTracker_Lifecycle(t *testing.T) {
	tr := NewTracker(time.Minute)
	require.True(t, tr.Observe("a", time.Time{}))
	require.False(t, tr.Observe("a", time.Time{}))

	require.NoError(t, tr.BeginFulfill("a"))
	require.ErrorIs(t, tr.BeginFulfill("a"), ledger.ErrAlreadyFulfilled)
	tr.FinishFulfill("a", false)
	require.NoError(t, tr.BeginFulfill("a"))
	tr.FinishFulfill("a", true)
	require.ErrorIs(t, tr.BeginFulfill("a"), ledger.ErrAlreadyFulfilled)

	require.True(t, tr.Observe("b", time.Time{}))
	tr.MarkRejected("b")
	require.ErrorIs(t, tr.BeginFulfill("b"), ledger.ErrAlreadyRejected)

	require.ErrorIs(t, tr.BeginFulfill("missing"), ledger.ErrUnknownTransfer)
}

func TestTracker_RedeliveryAfterSessionEnds(t *testing.T) {
	tr := NewTracker(time.Minute)
	require.True(t, tr.Observe("failed", time.Time{}))
	require.NoError(t, tr.BeginFulfill("failed"))
	tr.FinishFulfill("failed", false)

	require.True(t, tr.Observe("done", time.Time{}))
	require.NoError(t, tr.BeginFulfill("done"))
	tr.FinishFulfill("done", true)

	require.True(t, tr.Observe("rejected", time.Time{}))
	tr.MarkRejected("rejected")

	require.True(t, tr.Observe("inflight", time.Time{}))
	require.NoError(t, tr.BeginFulfill("inflight"))

	require.False(t, tr.Observe("failed", time.Time{}), "same session")

	tr.EndSession()
	require.True(t, tr.Observe("failed", time.Time{}))
	require.False(t, tr.Observe("failed", time.Time{}), "offered once per session")
	require.False(t, tr.Observe("done", time.Time{}))
	require.False(t, tr.Observe("rejected", time.Time{}))
	require.False(t, tr.Observe("inflight", time.Time{}))

	// an attempt that outlived its session fails and is offered on the next redelivery
	tr.FinishFulfill("inflight", false)
	tr.EndSession()
	require.True(t, tr.Observe("inflight", time.Time{}))
	require.Equal(t, 4, tr.Len())
}

func TestTracker_Prune(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(time.Minute)
	tr.now = func() time.Time { return now }

	tr.Observe("no-expiry", time.Time{})
	tr.Observe("expires-soon", now.Add(10*time.Second))
	tr.Observe("expires-later", now.Add(time.Hour))
	require.Equal(t, 3, tr.Len())

	now = now.Add(70 * time.Second)
	require.Equal(t, 1, tr.Prune())
	require.Equal(t, 2, tr.Len())

	now = now.Add(10 * time.Second)
	require.Equal(t, 1, tr.Prune())
	require.True(t, tr.Observe("no-expiry", time.Time{}), "pruned ids are forgotten")

	now = now.Add(2 * time.Hour)
	require.Equal(t, 2, tr.Prune())
	require.Zero(t, tr.Len())
}

func TestTracker_DefaultRetention(t *testing.T) {
	require.Equal(t, DefaultRetention, NewTracker(0).retention)
}
