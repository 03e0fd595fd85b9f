package bus

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalbus/core/internal/dispatch"
	"github.com/signalbus/core/internal/partition"
	"github.com/signalbus/core/internal/signal"
	"github.com/signalbus/core/internal/storage"
	"github.com/signalbus/core/internal/subscription"
	"github.com/signalbus/core/internal/telemetry"
	"github.com/stretchr/testify/require"
)

func mustSignal(t *testing.T, id, typ string) signal.Signal {
	t.Helper()
	s, err := signal.New(id, typ)
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

func TestPublishDeliversToConsoleAdapter(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reg := dispatch.NewRegistry()
	var out bytes.Buffer
	reg.Register(&dispatch.ConsoleAdapter{Out: &out})

	b, err := New("bus1", store, reg)
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(ctx, Registration{
		ID:   "sub1",
		Path: "orders.*",
		Dispatch: dispatch.Config{
			Tag: "console",
		},
	}))

	recs, err := b.Publish(ctx, []signal.Signal{mustSignal(t, "1", "orders.created")})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotEmpty(t, out.String())
}

func TestPublishWithEmptySignalListIsANoop(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reg := dispatch.NewRegistry()

	b, err := New("bus1", store, reg)
	require.NoError(t, err)

	recs, err := b.Publish(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, recs)
	require.Equal(t, 0, b.Log().Len())
}

func TestPublishReportsRoutingErrorWhenNoRouteMatches(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reg := dispatch.NewRegistry()
	var out bytes.Buffer
	reg.Register(&dispatch.ConsoleAdapter{Out: &out})

	b, err := New("bus1", store, reg)
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(ctx, Registration{
		ID:       "sub1",
		Path:     "orders.*",
		Dispatch: dispatch.Config{Tag: "console"},
	}))

	_, err = b.Publish(ctx, []signal.Signal{mustSignal(t, "1", "billing.invoiced")})
	require.Error(t, err)
	var busErr *Error
	require.ErrorAs(t, err, &busErr)
	require.Equal(t, ClassRouting, busErr.Class)
	require.Empty(t, out.String())
}

func TestPersistentSubscriptionDeliversWhenConnected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reg := dispatch.NewRegistry()
	var out bytes.Buffer
	reg.Register(&dispatch.ConsoleAdapter{Out: &out})

	b, err := New("bus1", store, reg)
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(ctx, Registration{
		ID:         "sub1",
		Path:       "orders.*",
		Persistent: true,
		Dispatch:   dispatch.Config{Tag: "console"},
	}))

	_, err = b.Reconnect(ctx, "sub1")
	require.NoError(t, err)

	recs, err := b.Publish(ctx, []signal.Signal{mustSignal(t, "1", "orders.created")})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotEmpty(t, out.String())

	require.NoError(t, b.Ack(ctx, "sub1", recs[0].UUID))
}

func TestPersistentSubscriptionQueuesWhileDisconnected(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reg := dispatch.NewRegistry()
	var out bytes.Buffer
	reg.Register(&dispatch.ConsoleAdapter{Out: &out})

	b, err := New("bus1", store, reg)
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(ctx, Registration{
		ID:         "sub1",
		Path:       "orders.*",
		Persistent: true,
		Dispatch:   dispatch.Config{Tag: "console"},
	}))

	_, err = b.Publish(ctx, []signal.Signal{mustSignal(t, "1", "orders.created")})
	require.NoError(t, err)
	require.Empty(t, out.String())

	_, err = b.Reconnect(ctx, "sub1")
	require.NoError(t, err)
	require.NotEmpty(t, out.String())
}

func TestPublishSaturatesQueueFullSubscription(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reg := dispatch.NewRegistry()
	reg.Register(&dispatch.NoopAdapter{})

	b, err := New("bus1", store, reg)
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(ctx, Registration{
		ID:         "sub1",
		Path:       "orders.*",
		Persistent: true,
		Dispatch:   dispatch.Config{Tag: "noop"},
		SubOpts:    []subscription.Option{subscription.WithMaxQueueSize(1)},
	}))

	// Leave the subscriber disconnected so Publish only queues, never drains.
	_, err = b.Publish(ctx, []signal.Signal{mustSignal(t, "1", "orders.created")})
	require.NoError(t, err)

	_, err = b.Publish(ctx, []signal.Signal{mustSignal(t, "2", "orders.created")})
	require.Error(t, err)
	var busErr *Error
	require.ErrorAs(t, err, &busErr)
	require.Equal(t, ClassExecution, busErr.Class)
	require.ErrorIs(t, err, ErrSaturated)
}

func TestDLQLifecycleAndRedrive(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reg := dispatch.NewRegistry()

	failing := &failNTimesAdapter{tag: "flaky", failures: 100}
	reg.Register(failing)

	b, err := New("bus1", store, reg)
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(ctx, Registration{
		ID:         "sub1",
		Path:       "orders.*",
		Persistent: true,
		Dispatch:   dispatch.Config{Tag: "flaky"},
		SubOpts: []subscription.Option{
			subscription.WithMaxAttempts(1),
			subscription.WithBackoff(0),
		},
	}))

	_, err = b.Reconnect(ctx, "sub1")
	require.NoError(t, err)

	_, err = b.Publish(ctx, []signal.Signal{mustSignal(t, "1", "orders.created")})
	require.NoError(t, err)

	entries, err := b.DLQEntries(ctx, "sub1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	failing.failures = 0
	result, err := b.RedriveDLQ(ctx, "sub1", 0, true)
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)
	require.Equal(t, 0, result.Failed)

	entries, err = b.DLQEntries(ctx, "sub1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSnapshotCreateListReadDelete(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reg := dispatch.NewRegistry()

	b, err := New("bus1", store, reg)
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(ctx, Registration{
		ID:       "catchall",
		Path:     "**",
		Dispatch: dispatch.Config{Tag: "noop"},
	}))

	_, err = b.Publish(ctx, []signal.Signal{mustSignal(t, "1", "orders.created")})
	require.NoError(t, err)

	manifest, err := b.CreateSnapshot(ctx, "orders.*")
	require.NoError(t, err)
	require.Equal(t, 1, manifest.Count)

	list := b.ListSnapshots()
	require.Len(t, list, 1)

	_, signals, err := b.ReadSnapshot(ctx, manifest.ID)
	require.NoError(t, err)
	require.Len(t, signals, 1)

	require.NoError(t, b.DeleteSnapshot(ctx, manifest.ID))
	require.Empty(t, b.ListSnapshots())
}

func TestGCWithoutTTLPrunesNothing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reg := dispatch.NewRegistry()

	b, err := New("bus1", store, reg)
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(ctx, Registration{
		ID:       "catchall",
		Path:     "**",
		Dispatch: dispatch.Config{Tag: "noop"},
	}))

	_, err = b.Publish(ctx, []signal.Signal{mustSignal(t, "1", "orders.created")})
	require.NoError(t, err)
	require.Equal(t, 1, b.Log().Len())

	removed := b.GC(b.Log().LatestTimestamp().Add(1))
	require.Equal(t, 0, removed) // no TTL configured, nothing to prune
}

func TestReconnectEnforcesConsumerCapacity(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reg := dispatch.NewRegistry()
	reg.Register(&dispatch.NoopAdapter{})

	b, err := New("bus1", store, reg, WithMaxConsumers(1))
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(ctx, Registration{
		ID:         "sub1",
		Path:       "orders.*",
		Persistent: true,
		Dispatch:   dispatch.Config{Tag: "noop"},
	}))
	require.NoError(t, b.Subscribe(ctx, Registration{
		ID:         "sub2",
		Path:       "orders.*",
		Persistent: true,
		Dispatch:   dispatch.Config{Tag: "noop"},
	}))

	_, err = b.Reconnect(ctx, "sub1")
	require.NoError(t, err)
	require.Equal(t, []string{"sub1"}, b.Roster().Connected)

	_, err = b.Reconnect(ctx, "sub2")
	require.Error(t, err)
	var busErr *Error
	require.ErrorAs(t, err, &busErr)
	require.Equal(t, ClassExecution, busErr.Class)

	b.Disconnect("sub1")
	_, err = b.Reconnect(ctx, "sub2")
	require.NoError(t, err)
}

func TestUnsubscribeRemovesRouteAndBookkeeping(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reg := dispatch.NewRegistry()
	var out bytes.Buffer
	reg.Register(&dispatch.ConsoleAdapter{Out: &out})

	b, err := New("bus1", store, reg)
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(ctx, Registration{
		ID:       "sub1",
		Path:     "orders.*",
		Dispatch: dispatch.Config{Tag: "console"},
	}))

	b.Unsubscribe("sub1", "orders.*")

	_, err = b.Publish(ctx, []signal.Signal{mustSignal(t, "1", "orders.created")})
	require.Error(t, err)
	var busErr *Error
	require.ErrorAs(t, err, &busErr)
	require.Equal(t, ClassRouting, busErr.Class)
	require.Empty(t, out.String())
}

// failNTimesAdapter fails Deliver until its failures counter is zeroed,
// modelling a downstream sink that recovers after a redrive.
type failNTimesAdapter struct {
	tag      string
	failures int
}

func (a *failNTimesAdapter) Tag() string { return a.tag }

func (a *failNTimesAdapter) ValidateOpts(opts dispatch.Opts) (dispatch.Opts, error) {
	return opts, nil
}

func (a *failNTimesAdapter) Deliver(ctx context.Context, s signal.Signal, opts dispatch.Opts) error {
	if a.failures > 0 {
		a.failures--
		return errFlaky
	}
	return nil
}

var errFlaky = errors.New("flaky adapter failure")

// countingAdapter records how many signals it was asked to deliver, for
// partitioned (async) dispatch tests where delivery happens off the
// publishing goroutine.
type countingAdapter struct {
	tag string
	mu  sync.Mutex
	n   int
}

func (a *countingAdapter) Tag() string { return a.tag }

func (a *countingAdapter) ValidateOpts(opts dispatch.Opts) (dispatch.Opts, error) {
	return opts, nil
}

func (a *countingAdapter) Deliver(ctx context.Context, s signal.Signal, opts dispatch.Opts) error {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
	return nil
}

func (a *countingAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// TestPartitionedDispatchHashesByStableSubscriptionID guards against
// shard selection keying on the per-publish log uuid instead of the
// subscription's own id: every publish under the same subscription must
// land on the same shard, and every signal must still eventually deliver.
func TestPartitionedDispatchHashesByStableSubscriptionID(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	reg := dispatch.NewRegistry()
	adapter := &countingAdapter{tag: "count"}
	reg.Register(adapter)

	promReg := prometheus.NewRegistry()
	tel := telemetry.New(promReg)

	b, err := New("bus1", store, reg,
		WithPartitions(8, partition.WithRateLimit(1_000_000, 1_000_000)),
		WithTelemetry(tel),
	)
	require.NoError(t, err)
	defer b.Stop()

	require.NoError(t, b.Subscribe(ctx, Registration{
		ID:       "sub1",
		Path:     "orders.*",
		Dispatch: dispatch.Config{Tag: "count"},
	}))

	shard := b.partitions.ShardFor("sub1")
	for i := 0; i < 10; i++ {
		_, err := b.Publish(ctx, []signal.Signal{mustSignal(t, string(rune('a'+i)), "orders.created")})
		require.NoError(t, err)
		require.Same(t, shard, b.partitions.ShardFor("sub1"))
	}

	require.Eventually(t, func() bool {
		return adapter.count() == 10
	}, time.Second, time.Millisecond, "all ten signals should eventually deliver through the stable shard")
}
