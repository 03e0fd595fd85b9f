package partition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/signalbus/core/internal/signal"
	"github.com/stretchr/testify/require"
)

func mustSignal(t *testing.T) signal.Signal {
	t.Helper()
	s, err := signal.New("id-1", "a.b")
	require.NoError(t, err)
	return s
}

func TestRingAssignsStableShard(t *testing.T) {
	r := NewRing(4)
	defer r.Stop()

	first := r.ShardFor("sub-123").Index()
	for i := 0; i < 10; i++ {
		require.Equal(t, first, r.ShardFor("sub-123").Index())
	}
}

func TestShardDispatchInvokesTarget(t *testing.T) {
	var mu sync.Mutex
	var got []string
	s := NewShard(0, WithRateLimit(1_000_000, 1_000_000))
	defer s.Stop()

	s.Dispatch(mustSignal(t), "sub1", func(ctx context.Context, sig signal.Signal) error {
		mu.Lock()
		got = append(got, sig.ID())
		mu.Unlock()
		return nil
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)
}

func TestTokenBucketRejectsOverBurst(t *testing.T) {
	fixed := time.Now()
	b := newTokenBucket(1, 1, func() time.Time { return fixed })
	require.True(t, b.Allow())
	require.False(t, b.Allow())
}

func TestShardOverflowInvokesHook(t *testing.T) {
	var overflowed int
	var mu sync.Mutex
	s := &Shard{
		inbox:   make(chan dispatchJob),
		limiter: newTokenBucket(0, 0, nil),
		done:    make(chan struct{}),
		onOverflow: func(sig signal.Signal, subID string) {
			mu.Lock()
			overflowed++
			mu.Unlock()
		},
	}
	// No run() goroutine started, so the unbuffered inbox is always full.
	s.Dispatch(mustSignal(t), "sub1", func(ctx context.Context, sig signal.Signal) error { return nil })

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, overflowed)
}
