// Package middleware implements the four-hook pipeline: before_publish,
// before_dispatch, after_dispatch, and after_publish, each threading
// per-publish state and bounded by a timeout.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalbus/core/internal/signal"
)

// ErrSkip is returned by a before_dispatch hook to silently drop the
// (signal, subscription) pair without treating it as a failure.
var ErrSkip = errors.New("middleware: skip")

// ErrTimeout is returned when a hook does not complete within the
// configured middleware_timeout_ms.
var ErrTimeout = errors.New("middleware: timeout")

// Subscription is the minimal view of a subscription exposed to middleware.
type Subscription struct {
	ID   string
	Path string
}

// DispatchResult summarises a single dispatch attempt for after_dispatch.
type DispatchResult struct {
	Err error
}

// Middleware implements the publish/dispatch hook contracts. State is
// threaded by value through the hooks and kept per middleware by the
// Pipeline between publish calls; each hook's returned state is stored as
// soon as that hook succeeds, so a publish that aborts part-way keeps the
// state already returned by earlier hooks. Implementors must treat the
// state argument as the sole carrier of accumulation and return the next
// value rather than mutating shared state.
type Middleware interface {
	Name() string
	BeforePublish(ctx context.Context, signals []signal.Signal, state any) ([]signal.Signal, any, error)
	BeforeDispatch(ctx context.Context, s signal.Signal, sub Subscription, state any) (signal.Signal, any, error)
	AfterDispatch(ctx context.Context, s signal.Signal, sub Subscription, result DispatchResult, state any) any
	AfterPublish(ctx context.Context, signals []signal.Signal, state any) any
}

// entry pairs a Middleware with its threaded state across publishes.
type entry struct {
	mw    Middleware
	state any
}

// Pipeline is an ordered list of middleware instances, each carrying its own
// threaded state between publish calls.
type Pipeline struct {
	timeout time.Duration
	entries []*entry
}

// DefaultTimeout is the default per-hook timeout.
const DefaultTimeout = 100 * time.Millisecond

// New constructs a Pipeline with the given per-hook timeout. A non-positive
// timeout falls back to DefaultTimeout.
func New(timeout time.Duration, middlewares ...Middleware) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &Pipeline{timeout: timeout}
	for _, mw := range middlewares {
		p.entries = append(p.entries, &entry{mw: mw})
	}
	return p
}

// runWithTimeout executes fn, returning ErrTimeout if it does not complete
// within the pipeline's configured timeout. fn may continue running in the
// background after the timeout fires (best-effort).
func runWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{val: v, err: err}
	}()
	select {
	case r := <-done:
		return r.val, r.err
	case <-time.After(timeout):
		var zero T
		return zero, ErrTimeout
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// BeforePublish runs every middleware's before_publish hook in order. The
// first error aborts the entire publish; no further hooks run.
func (p *Pipeline) BeforePublish(ctx context.Context, signals []signal.Signal) ([]signal.Signal, error) {
	if p == nil {
		return signals, nil
	}
	current := signals
	for _, e := range p.entries {
		mw, state := e.mw, e.state
		next, nextState, err := runWithTimeout(ctx, p.timeout, func() ([]signal.Signal, error) {
			return mw.BeforePublish(ctx, current, state)
		})
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return nil, fmt.Errorf("middleware %s before_publish: %w", mw.Name(), ErrTimeout)
			}
			return nil, fmt.Errorf("middleware %s before_publish: %w", mw.Name(), err)
		}
		e.state = nextState
		current = next
	}
	return current, nil
}

// beforeDispatchOutcome tags how BeforeDispatch concluded for one hook.
type beforeDispatchOutcome int

const (
	outcomeOK beforeDispatchOutcome = iota
	outcomeSkip
	outcomeError
)

// BeforeDispatch runs every middleware's before_dispatch hook for one
// (signal, subscription) pair. A :skip return drops the pair without
// aborting the publish; an error drops the pair and is logged by the
// caller, it does not abort the publish either.
func (p *Pipeline) BeforeDispatch(ctx context.Context, s signal.Signal, sub Subscription) (signal.Signal, beforeDispatchOutcome, error) {
	if p == nil {
		return s, outcomeOK, nil
	}
	current := s
	for _, e := range p.entries {
		mw, state := e.mw, e.state
		next, nextState, err := runWithTimeout(ctx, p.timeout, func() (signal.Signal, error) {
			return mw.BeforeDispatch(ctx, current, sub, state)
		})
		if err != nil {
			if errors.Is(err, ErrSkip) {
				return current, outcomeSkip, nil
			}
			return current, outcomeError, fmt.Errorf("middleware %s before_dispatch: %w", mw.Name(), err)
		}
		e.state = nextState
		current = next
	}
	return current, outcomeOK, nil
}

// Skip reports whether a BeforeDispatch outcome indicates a silent drop.
func Skip(o beforeDispatchOutcome) bool { return o == outcomeSkip }

// AfterDispatch runs every middleware's after_dispatch hook. A hook that does
// not return within the timeout is ignored without being logged, and that
// middleware's prior state is preserved.
func (p *Pipeline) AfterDispatch(ctx context.Context, s signal.Signal, sub Subscription, result DispatchResult) {
	if p == nil {
		return
	}
	for _, e := range p.entries {
		mw, state := e.mw, e.state
		nextState, err := runWithTimeout(ctx, p.timeout, func() (any, error) {
			return mw.AfterDispatch(ctx, s, sub, result, state), nil
		})
		if err == nil {
			e.state = nextState
		}
	}
}

// AfterPublish runs every middleware's after_publish hook once at the end
// of a publish call. Hook errors are swallowed; prior state is preserved.
func (p *Pipeline) AfterPublish(ctx context.Context, signals []signal.Signal) {
	if p == nil {
		return
	}
	for _, e := range p.entries {
		mw, state := e.mw, e.state
		nextState, err := runWithTimeout(ctx, p.timeout, func() (any, error) {
			return mw.AfterPublish(ctx, signals, state), nil
		})
		if err == nil {
			e.state = nextState
		}
	}
}
