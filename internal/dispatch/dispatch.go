// Package dispatch implements the side-effectful delivery contract (C7):
// a single validate/deliver adapter interface plus the concrete sinks named
// in the external dispatch configuration (pid, named, pubsub, logger,
// console, noop, http, webhook, nil, and websocket).
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalbus/core/internal/logging"
	"github.com/signalbus/core/internal/signal"
)

// Opts carries adapter options as a loosely typed map so configuration can
// be parsed directly from YAML/JSON without per-adapter struct tags. The
// validatedKey marker, once set by Registry.ValidateConfig, lets the hot dispatch path
// skip revalidation.
type Opts map[string]any

const validatedKey = "__validated__"

// Validated reports whether opts already passed an adapter's ValidateOpts.
func (o Opts) Validated() bool {
	v, _ := o[validatedKey].(bool)
	return v
}

func (o Opts) withValidated() Opts {
	out := make(Opts, len(o)+1)
	for k, v := range o {
		out[k] = v
	}
	out[validatedKey] = true
	return out
}

// String fetches a string option, returning ok=false if absent or the wrong type.
func (o Opts) String(key string) (string, bool) {
	v, ok := o[key].(string)
	return v, ok
}

// Adapter is the delivery contract: Deliver sends a signal using previously
// validated options; ValidateOpts runs once at route registration.
type Adapter interface {
	Tag() string
	ValidateOpts(opts Opts) (Opts, error)
	Deliver(ctx context.Context, s signal.Signal, opts Opts) error
}

// ErrUnknownTag is returned when a Config names a tag absent from the Registry.
var ErrUnknownTag = fmt.Errorf("dispatch: unknown adapter tag")

// Config is a single (adapter_tag, opts) dispatch target.
type Config struct {
	Tag  string
	Opts Opts
}

// Registry resolves adapter tags to Adapter implementations.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *logging.Logger
}

// WithLogger attaches a structured logger to an already-constructed
// Registry; unset leaves deliveries unlogged beyond their returned error.
func (r *Registry) WithLogger(l *logging.Logger) *Registry {
	if l != nil {
		r.logger = l
	}
	return r
}

// NewRegistry builds a Registry pre-populated with every built-in adapter.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter), logger: logging.NewTestLogger()}
	for _, a := range []Adapter{
		NoopAdapter{},
		NilAdapter{},
		ConsoleAdapter{},
		NewLoggerAdapter(nil),
		NewPIDAdapter(),
		NewNamedAdapter(),
		NewPubSubAdapter(),
		NewHTTPAdapter(nil),
		NewWebhookAdapter(nil),
		NewWebSocketAdapter(),
	} {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its own Tag().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Tag()] = a
	if r.logger != nil {
		r.logger.Debug("dispatch adapter registered", logging.String("tag", a.Tag()))
	}
}

// Get returns the adapter registered for tag, if any.
func (r *Registry) Get(tag string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[tag]
	return a, ok
}

// ValidateConfig resolves cfg's adapter and validates its options, returning
// a Config carrying the validated opts (marked so Deliver skips revalidation).
func (r *Registry) ValidateConfig(cfg Config) (Config, error) {
	a, ok := r.Get(cfg.Tag)
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownTag, cfg.Tag)
	}
	validated, err := a.ValidateOpts(cfg.Opts)
	if err != nil {
		return Config{}, fmt.Errorf("dispatch: validate %s: %w", cfg.Tag, err)
	}
	return Config{Tag: cfg.Tag, Opts: validated.withValidated()}, nil
}

// Deliver dispatches s to the adapter named by cfg.Tag, validating opts
// first if they were not already validated at registration time.
func (r *Registry) Deliver(ctx context.Context, s signal.Signal, cfg Config) error {
	a, ok := r.Get(cfg.Tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, cfg.Tag)
	}
	opts := cfg.Opts
	if !opts.Validated() {
		validated, err := a.ValidateOpts(opts)
		if err != nil {
			return fmt.Errorf("dispatch: validate %s: %w", cfg.Tag, err)
		}
		opts = validated
	}
	if err := a.Deliver(ctx, s, opts); err != nil {
		if r.logger != nil {
			r.logger.Warn("dispatch delivery failed", logging.String("tag", cfg.Tag), logging.Error(err))
		}
		return err
	}
	return nil
}

// DefaultMaxConcurrency matches the default parallel-dispatch fan-out cap.
const DefaultMaxConcurrency = 8

// DeliverAll dispatches s to every Config, running up to maxConcurrency
// deliveries in parallel. A non-positive maxConcurrency falls back to
// DefaultMaxConcurrency. Errors are returned in Config order, nil for
// configs that delivered successfully.
func (r *Registry) DeliverAll(ctx context.Context, s signal.Signal, cfgs []Config, maxConcurrency int) []error {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	errs := make([]error, len(cfgs))
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for i, cfg := range cfgs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, cfg Config) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = r.Deliver(ctx, s, cfg)
		}(i, cfg)
	}
	wg.Wait()
	return errs
}
