package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalbus/core/internal/eventlog"
	"github.com/signalbus/core/internal/signal"
	"github.com/signalbus/core/internal/storage"
	"github.com/stretchr/testify/require"
)

func mustSignal(t *testing.T, id string) signal.Signal {
	t.Helper()
	s, err := signal.New(id, "a.b")
	require.NoError(t, err)
	return s
}

func newStore(t *testing.T) storage.Adapter {
	t.Helper()
	a, err := storage.NewMemoryAdapter()
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

// immediateAfterFunc runs fn synchronously instead of scheduling it, so
// retry-driven tests don't depend on real wall-clock delays.
func immediateAfterFunc(d time.Duration, fn func()) *time.Timer {
	fn()
	return time.NewTimer(0)
}

func TestEnqueueDeliversWhenConnected(t *testing.T) {
	var delivered []string
	sub := New("bus1", "sub1", "a.*", newStore(t), func(ctx context.Context, s signal.Signal) error {
		delivered = append(delivered, s.ID())
		return nil
	})
	sub.Connect(context.Background())

	_, err := sub.Enqueue("uuid-1", mustSignal(t, "1"))
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, delivered)
	require.Equal(t, "uuid-1", sub.Checkpoint())
	require.Equal(t, Idle, sub.State())
}

func TestEnqueueQueuesWhenDisconnected(t *testing.T) {
	var delivered int
	sub := New("bus1", "sub1", "a.*", newStore(t), func(ctx context.Context, s signal.Signal) error {
		delivered++
		return nil
	})

	_, err := sub.Enqueue("uuid-1", mustSignal(t, "1"))
	require.NoError(t, err)
	require.Equal(t, 0, delivered)
	require.Equal(t, 1, sub.Len())

	sub.Connect(context.Background())
	require.Equal(t, 1, delivered)
}

func TestEnqueueReturnsQueueFullAtCapacity(t *testing.T) {
	sub := New("bus1", "sub1", "a.*", newStore(t), func(ctx context.Context, s signal.Signal) error {
		return nil
	}, WithMaxQueueSize(2))

	_, err := sub.Enqueue("uuid-1", mustSignal(t, "1"))
	require.NoError(t, err)
	_, err = sub.Enqueue("uuid-2", mustSignal(t, "2"))
	require.NoError(t, err)
	_, err = sub.Enqueue("uuid-3", mustSignal(t, "3"))
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestAckMismatchIsIdempotentlyDiscarded(t *testing.T) {
	sub := New("bus1", "sub1", "a.*", newStore(t), func(ctx context.Context, s signal.Signal) error {
		return errors.New("never acked automatically")
	})
	require.NoError(t, sub.Ack(context.Background(), "does-not-exist"))
}

func TestRetryThenExhaustWritesDLQ(t *testing.T) {
	store := newStore(t)
	attempts := 0
	var dlqReason string
	sub := New("bus1", "sub1", "a.*", store, func(ctx context.Context, s signal.Signal) error {
		attempts++
		return errors.New("boom")
	},
		WithMaxAttempts(2),
		WithClock(Clock{AfterFunc: immediateAfterFunc}),
		WithDLQHook(func(entryID string, s signal.Signal, reason string) { dlqReason = reason }),
	)
	sub.Connect(context.Background())

	_, err := sub.Enqueue("uuid-1", mustSignal(t, "1"))
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, "boom", dlqReason)
	require.Equal(t, "uuid-1", sub.Checkpoint())

	entries, err := store.GetDLQEntries(context.Background(), "sub1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDisconnectRetainsQueueAndCheckpoint(t *testing.T) {
	sub := New("bus1", "sub1", "a.*", newStore(t), func(ctx context.Context, s signal.Signal) error {
		return nil
	})
	sub.Connect(context.Background())
	_, err := sub.Enqueue("uuid-1", mustSignal(t, "1"))
	require.NoError(t, err)

	sub.Disconnect()
	require.Equal(t, Disconnected, sub.State())
	require.Equal(t, "uuid-1", sub.Checkpoint())
}

func TestRestoreReplaysFromCheckpoint(t *testing.T) {
	store := newStore(t)
	log := eventlog.New()
	recs := log.Append([]signal.Signal{
		mustSignal(t, "1"),
		mustSignal(t, "2"),
		mustSignal(t, "3"),
	})
	require.NoError(t, store.PutCheckpoint(context.Background(), storage.CheckpointKey("bus1", "sub1"), []byte(recs[0].UUID)))

	var delivered []string
	sub := New("bus1", "sub1", "a.*", store, func(ctx context.Context, s signal.Signal) error {
		delivered = append(delivered, s.ID())
		return nil
	})

	require.NoError(t, sub.Restore(context.Background(), log))
	sub.Connect(context.Background())
	require.Equal(t, []string{"2", "3"}, delivered)
}
