package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalbus/core/internal/signal"
	"github.com/stretchr/testify/require"
)

func mustSignal(t *testing.T, typ string) signal.Signal {
	t.Helper()
	s, err := signal.New("id-"+typ, typ)
	require.NoError(t, err)
	return s
}

func TestBeforePublishAbortsOnError(t *testing.T) {
	boom := errors.New("boom")
	p := New(time.Second, FuncMiddleware{
		OnBeforePublish: func(ctx context.Context, signals []signal.Signal, state any) ([]signal.Signal, any, error) {
			return nil, nil, boom
		},
	})
	_, err := p.BeforePublish(context.Background(), []signal.Signal{mustSignal(t, "a.b")})
	require.ErrorIs(t, err, boom)
}

func TestBeforeDispatchSkip(t *testing.T) {
	p := New(time.Second, FuncMiddleware{
		OnBeforeDispatch: func(ctx context.Context, s signal.Signal, sub Subscription, state any) (signal.Signal, any, error) {
			return s, state, ErrSkip
		},
	})
	_, outcome, err := p.BeforeDispatch(context.Background(), mustSignal(t, "a.b"), Subscription{ID: "s1"})
	require.NoError(t, err)
	require.True(t, Skip(outcome))
}

func TestMiddlewareTimeout(t *testing.T) {
	p := New(10*time.Millisecond, FuncMiddleware{
		OnBeforePublish: func(ctx context.Context, signals []signal.Signal, state any) ([]signal.Signal, any, error) {
			time.Sleep(50 * time.Millisecond)
			return signals, state, nil
		},
	})
	_, err := p.BeforePublish(context.Background(), []signal.Signal{mustSignal(t, "a.b")})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestStateThreadedAcrossPublishes(t *testing.T) {
	p := New(time.Second, FuncMiddleware{
		OnBeforePublish: func(ctx context.Context, signals []signal.Signal, state any) ([]signal.Signal, any, error) {
			count, _ := state.(int)
			return signals, count + 1, nil
		},
	})
	_, err := p.BeforePublish(context.Background(), []signal.Signal{mustSignal(t, "a.b")})
	require.NoError(t, err)
	_, err = p.BeforePublish(context.Background(), []signal.Signal{mustSignal(t, "a.b")})
	require.NoError(t, err)
	require.Equal(t, 2, p.entries[0].state)
}

func TestAfterDispatchUpdatesState(t *testing.T) {
	p := New(time.Second, FuncMiddleware{
		OnAfterDispatch: func(ctx context.Context, s signal.Signal, sub Subscription, result DispatchResult, state any) any {
			return "touched"
		},
	})
	p.AfterDispatch(context.Background(), mustSignal(t, "a.b"), Subscription{ID: "s1"}, DispatchResult{})
	require.Equal(t, "touched", p.entries[0].state)
}
