package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T) *MemoryAdapter {
	t.Helper()
	a, err := NewMemoryAdapter()
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestCheckpointRoundTrip(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	_, err := a.GetCheckpoint(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, a.PutCheckpoint(ctx, "k1", []byte("payload")))
	got, err := a.GetCheckpoint(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	require.NoError(t, a.DeleteCheckpoint(ctx, "k1"))
	_, err = a.GetCheckpoint(ctx, "k1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendJournalOptimisticConcurrency(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	rev, err := a.AppendJournal(ctx, "t1", []JournalEntry{{ID: "1", Payload: []byte("a")}}, AppendOptions{})
	require.NoError(t, err)
	require.Equal(t, uint64(1), rev)

	stale := uint64(0)
	_, err = a.AppendJournal(ctx, "t1", []JournalEntry{{ID: "2", Payload: []byte("b")}}, AppendOptions{ExpectedRev: &stale})
	require.ErrorIs(t, err, ErrConflict)

	current := uint64(1)
	rev, err = a.AppendJournal(ctx, "t1", []JournalEntry{{ID: "2", Payload: []byte("b")}}, AppendOptions{ExpectedRev: &current})
	require.NoError(t, err)
	require.Equal(t, uint64(2), rev)

	entries, err := a.LoadJournal(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("a"), entries[0].Payload)
	require.Equal(t, []byte("b"), entries[1].Payload)
}

func TestDeleteJournal(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	_, err := a.AppendJournal(ctx, "t1", []JournalEntry{{ID: "1", Payload: []byte("a")}}, AppendOptions{})
	require.NoError(t, err)

	require.NoError(t, a.DeleteJournal(ctx, "t1"))
	entries, err := a.LoadJournal(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDLQLifecycle(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.PutDLQEntry(ctx, DLQEntry{SubscriptionID: "s1", EntryID: "e1", Signal: []byte("boom"), FailureReason: "handler_error"}))
	require.NoError(t, a.PutDLQEntry(ctx, DLQEntry{SubscriptionID: "s1", EntryID: "e2", Signal: []byte("boom2"), FailureReason: "timeout"}))

	entries, err := a.GetDLQEntries(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, a.DeleteDLQEntry(ctx, "s1", "e1"))
	entries, err = a.GetDLQEntries(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "e2", entries[0].EntryID)

	require.NoError(t, a.ClearDLQ(ctx, "s1"))
	entries, err = a.GetDLQEntries(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCheckpointKey(t *testing.T) {
	require.Equal(t, "bus1/sub1", CheckpointKey("bus1", "sub1"))
}
