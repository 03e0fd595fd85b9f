package middleware

import (
	"context"

	"github.com/signalbus/core/internal/signal"
)

// FuncMiddleware adapts individual hook functions into a Middleware,
// defaulting any hook left nil to a no-op passthrough. It is the idiomatic
// way to build simple, stateless middleware without declaring a new type.
type FuncMiddleware struct {
	NameFn           string
	OnBeforePublish  func(ctx context.Context, signals []signal.Signal, state any) ([]signal.Signal, any, error)
	OnBeforeDispatch func(ctx context.Context, s signal.Signal, sub Subscription, state any) (signal.Signal, any, error)
	OnAfterDispatch  func(ctx context.Context, s signal.Signal, sub Subscription, result DispatchResult, state any) any
	OnAfterPublish   func(ctx context.Context, signals []signal.Signal, state any) any
}

// Name implements Middleware.
func (f FuncMiddleware) Name() string {
	if f.NameFn == "" {
		return "func-middleware"
	}
	return f.NameFn
}

// BeforePublish implements Middleware.
func (f FuncMiddleware) BeforePublish(ctx context.Context, signals []signal.Signal, state any) ([]signal.Signal, any, error) {
	if f.OnBeforePublish == nil {
		return signals, state, nil
	}
	return f.OnBeforePublish(ctx, signals, state)
}

// BeforeDispatch implements Middleware.
func (f FuncMiddleware) BeforeDispatch(ctx context.Context, s signal.Signal, sub Subscription, state any) (signal.Signal, any, error) {
	if f.OnBeforeDispatch == nil {
		return s, state, nil
	}
	return f.OnBeforeDispatch(ctx, s, sub, state)
}

// AfterDispatch implements Middleware.
func (f FuncMiddleware) AfterDispatch(ctx context.Context, s signal.Signal, sub Subscription, result DispatchResult, state any) any {
	if f.OnAfterDispatch == nil {
		return state
	}
	return f.OnAfterDispatch(ctx, s, sub, result, state)
}

// AfterPublish implements Middleware.
func (f FuncMiddleware) AfterPublish(ctx context.Context, signals []signal.Signal, state any) any {
	if f.OnAfterPublish == nil {
		return state
	}
	return f.OnAfterPublish(ctx, signals, state)
}

var _ Middleware = FuncMiddleware{}
