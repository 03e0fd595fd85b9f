// Package bus implements the single-writer serialization point (C9): the
// publish pipeline, subscription registry, snapshot and DLQ administration,
// log GC scheduling, and reconnect/subscriber-death handling.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalbus/core/internal/dispatch"
	"github.com/signalbus/core/internal/eventlog"
	"github.com/signalbus/core/internal/idgen"
	"github.com/signalbus/core/internal/logging"
	"github.com/signalbus/core/internal/middleware"
	"github.com/signalbus/core/internal/partition"
	"github.com/signalbus/core/internal/roster"
	"github.com/signalbus/core/internal/router"
	"github.com/signalbus/core/internal/signal"
	"github.com/signalbus/core/internal/snapshot"
	"github.com/signalbus/core/internal/storage"
	"github.com/signalbus/core/internal/subscription"
	"github.com/signalbus/core/internal/telemetry"
)

// Class buckets a bus error into the five class-ordered-by-precedence
// categories: bad input, no-route, failed dispatch, hook deadline, and
// unexpected internal failure.
type Class int

const (
	ClassValidation Class = iota
	ClassRouting
	ClassExecution
	ClassTimeout
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassRouting:
		return "routing"
	case ClassExecution:
		return "execution"
	case ClassTimeout:
		return "timeout"
	case ClassInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps a publish failure with its bucket so callers can branch on
// Class without string matching.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("bus: %s: %v", e.Class, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func newError(class Class, err error) *Error { return &Error{Class: class, Err: err} }

// ErrSaturated is wrapped by a Class=ClassExecution Error when a persistent
// subscription reports queue_full during publish; saturation is bucketed
// under Execution alongside other per-dispatch failures, but aborts the
// publish where other per-dispatch errors do not.
var ErrSaturated = errors.New("subscription saturated")

// subTarget marks a route target as a persistent subscription; non-persistent
// dispatch targets carry dispatchTarget instead, so the router's opaque
// `any` target can hold either without a shared interface.
type subTarget struct {
	id string
}

// dispatchTarget is a non-persistent route target: the dispatch config to
// deliver through, tagged with the owning registration's id so partitioned
// delivery can hash on a stable subscription identity rather than the
// per-signal log uuid.
type dispatchTarget struct {
	id  string
	cfg dispatch.Config
}

// Registration describes a subscription as presented to Subscribe: either a
// persistent consumer (Persistent=true, backed by a subscription.Subscription)
// or a plain dispatch configuration delivered inline or via a partition.
type Registration struct {
	ID         string
	Path       string
	Priority   int
	Match      router.MatchFunc
	Persistent bool
	Dispatch   dispatch.Config
	SubOpts    []subscription.Option
}

// Option customises Bus construction.
type Option func(*Bus)

// WithLogOptions forwards options to the underlying eventlog.Log.
func WithLogOptions(opts ...eventlog.Option) Option {
	return func(b *Bus) { b.logOpts = append(b.logOpts, opts...) }
}

// WithMiddlewareTimeout sets the pipeline's per-hook timeout.
func WithMiddlewareTimeout(d time.Duration) Option {
	return func(b *Bus) { b.middlewareTimeout = d }
}

// WithMiddleware registers middleware run on every publish, in order.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(b *Bus) { b.middlewares = append(b.middlewares, mws...) }
}

// WithPartitions enables the async non-persistent dispatch path across
// count shards. count<=1 leaves partitioning disabled (inline dispatch).
// Overflow and dropped jobs are reported through the bus's own logger and
// telemetry sink, whichever options were supplied alongside this one.
func WithPartitions(count int, opts ...partition.Option) Option {
	return func(b *Bus) {
		if count <= 1 {
			return
		}
		hooks := []partition.Option{
			partition.WithOverflowHook(func(sig signal.Signal, subID string) {
				b.logger.Warn("partition queue overflow", logging.String("subscription_id", subID), logging.String("uuid", sig.ID()))
				if b.telemetry != nil {
					b.telemetry.QueueOverflow(subID)
				}
			}),
			partition.WithDroppedHook(func(sig signal.Signal, subID string, err error) {
				b.logger.Warn("partition dispatch dropped", logging.String("subscription_id", subID), logging.Error(err))
			}),
		}
		b.partitions = partition.NewRing(count, append(hooks, opts...)...)
	}
}

// WithTelemetry attaches a Telemetry sink; nil (the default) disables metrics.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(b *Bus) { b.telemetry = t }
}

// WithLogTTL schedules a self-tick GC sweep every interval once Run starts.
func WithLogTTL(ttl time.Duration) Option {
	return func(b *Bus) { b.logTTL = ttl }
}

// WithMaxConsumers caps how many persistent subscriptions may hold a live
// connection (via Reconnect) at once; 0 leaves the roster unbounded.
func WithMaxConsumers(max int) Option {
	return func(b *Bus) { b.maxConsumers = max }
}

// WithLogger attaches a structured logger; unset defaults to a discarding
// test logger, matching the package's other optional-dependency defaults.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bus is the single-writer actor coordinating one signal-bus instance.
type Bus struct {
	mu sync.Mutex

	id      string
	router  *router.Router
	log     *eventlog.Log
	pipe    *middleware.Pipeline
	storage storage.Adapter
	dreg    *dispatch.Registry
	gen     *idgen.Generator
	snap    *snapshot.Manager

	subs       map[string]*subscription.Subscription // persistent, by ID
	dispatches map[string]dispatch.Config            // non-persistent, by ID
	roster     *roster.Roster

	partitions *partition.Ring
	telemetry  *telemetry.Telemetry
	logger     *logging.Logger

	logOpts           []eventlog.Option
	middlewareTimeout time.Duration
	middlewares       []middleware.Middleware
	logTTL            time.Duration
	maxConsumers      int

	stopGC context.CancelFunc
}

// New constructs a Bus identified by id, using store for checkpoints,
// journals, and DLQ persistence, and reg to resolve dispatch configs.
func New(id string, store storage.Adapter, reg *dispatch.Registry, opts ...Option) (*Bus, error) {
	b := &Bus{
		id:         id,
		router:     router.New(""),
		storage:    store,
		dreg:       reg,
		gen:        idgen.New(),
		logger:     logging.NewTestLogger(),
		subs:       make(map[string]*subscription.Subscription),
		dispatches: make(map[string]dispatch.Config),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	evictionHook := func(rec eventlog.Recorded) {
		b.logger.Debug("log entry evicted", logging.String("uuid", rec.UUID), logging.String("type", rec.Type))
	}
	logOpts := append([]eventlog.Option{eventlog.WithEvictionHook(evictionHook)}, b.logOpts...)
	b.log = eventlog.New(append(logOpts, eventlog.WithGenerator(b.gen))...)
	b.pipe = middleware.New(b.middlewareTimeout, b.middlewares...)

	snap, err := snapshot.NewManager(context.Background(), id, store)
	if err != nil {
		return nil, fmt.Errorf("bus: init snapshot manager: %w", err)
	}
	b.snap = snap

	r, err := roster.New(roster.WithID(id), roster.WithCapacity(roster.Capacity{MaxConsumers: b.maxConsumers}))
	if err != nil {
		return nil, fmt.Errorf("bus: init consumer roster: %w", err)
	}
	b.roster = r
	return b, nil
}

// Subscribe registers reg into the router, creating a persistent
// subscription actor when reg.Persistent is set.
func (b *Bus) Subscribe(ctx context.Context, reg Registration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Recorded for both kinds of subscription: non-persistent dispatch uses
	// it directly, persistent subscriptions keep it around so DLQ redrive
	// has an adapter config to re-dispatch through.
	b.dispatches[reg.ID] = reg.Dispatch

	var target any
	if reg.Persistent {
		deliverFn := subscription.ToConfig(b.dreg, reg.Dispatch)
		subOpts := append([]subscription.Option{subscription.WithLogger(b.logger)}, reg.SubOpts...)
		sub := subscription.New(b.id, reg.ID, reg.Path, b.storage, deliverFn, subOpts...)
		if err := sub.Restore(ctx, b.log); err != nil {
			return newError(ClassInternal, fmt.Errorf("bus: restore subscription %s: %w", reg.ID, err))
		}
		b.subs[reg.ID] = sub
		target = subTarget{id: reg.ID}
	} else {
		target = dispatchTarget{id: reg.ID, cfg: reg.Dispatch}
	}

	next, err := b.router.Add(router.Route{
		Path: reg.Path, Target: target, Priority: reg.Priority, Match: reg.Match,
	})
	if err != nil {
		delete(b.subs, reg.ID)
		delete(b.dispatches, reg.ID)
		return newError(ClassValidation, fmt.Errorf("bus: add route: %w", err))
	}
	b.router = next
	b.logger.Info("subscription added", logging.String("subscription_id", reg.ID), logging.String("path", reg.Path), logging.Bool("persistent", reg.Persistent))
	return nil
}

// Unsubscribe removes every route registered at path and drops id's
// bookkeeping. Persistent subscription queue and checkpoint in storage are
// left untouched (consistent with Disconnect) in case of a later re-add.
// Route removal is path-scoped, matching the router's own Remove contract:
// a shared path removes every subscription registered under it.
func (b *Bus) Unsubscribe(id, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, _ := b.router.Remove(path)
	b.router = next
	delete(b.subs, id)
	delete(b.dispatches, id)
	b.roster.Disconnect(id)
	b.logger.Info("subscription removed", logging.String("subscription_id", id), logging.String("path", path))
}

// Publish runs the full publish pipeline: before_publish, log append,
// route, before_dispatch/dispatch/after_dispatch per match, after_publish.
func (b *Bus) Publish(ctx context.Context, signals []signal.Signal) ([]eventlog.Recorded, error) {
	if len(signals) == 0 {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	processed, err := b.pipe.BeforePublish(ctx, signals)
	if err != nil {
		if errors.Is(err, middleware.ErrTimeout) {
			return nil, newError(ClassTimeout, err)
		}
		return nil, newError(ClassExecution, err)
	}

	recs := b.log.Append(processed)

	for _, rec := range recs {
		routeStart := time.Now()
		targets, err := b.router.Route(rec.Signal)
		if b.telemetry != nil {
			b.telemetry.RouteResolved(time.Since(routeStart), len(targets))
		}
		if err != nil {
			return recs, newError(ClassRouting, err)
		}
		for _, target := range targets {
			if err := b.dispatchOne(ctx, rec, target); err != nil {
				return recs, err
			}
		}
	}
	b.pipe.AfterPublish(ctx, processed)

	return recs, nil
}

func (b *Bus) dispatchOne(ctx context.Context, rec eventlog.Recorded, target any) error {
	sub, isPersistent := target.(subTarget)
	subID := ""
	switch t := target.(type) {
	case subTarget:
		subID = t.id
	case dispatchTarget:
		subID = t.id
	}

	b.metricBeforeDispatch()
	dispatchedSignal, outcome, err := b.pipe.BeforeDispatch(ctx, rec.Signal, middleware.Subscription{ID: subID})
	if err != nil {
		b.metricDispatchError(subID)
		b.logger.Warn("before_dispatch failed", logging.String("subscription_id", subID), logging.Error(err))
		return nil
	}
	if middleware.Skip(outcome) {
		b.metricSkipped(subID)
		return nil
	}

	var dispatchErr error
	switch {
	case isPersistent:
		actor := b.subs[sub.id]
		if actor == nil {
			dispatchErr = fmt.Errorf("bus: unknown persistent subscription %s", sub.id)
			break
		}
		_, enqueueErr := actor.Enqueue(rec.UUID, dispatchedSignal)
		if enqueueErr != nil {
			b.metricBackpressure(sub.id)
			b.pipe.AfterDispatch(ctx, rec.Signal, middleware.Subscription{ID: sub.id}, middleware.DispatchResult{Err: enqueueErr})
			return newError(ClassExecution, fmt.Errorf("%w: %s", ErrSaturated, sub.id))
		}
	case b.partitions != nil:
		dt, _ := target.(dispatchTarget)
		shard := b.partitions.ShardFor(dt.id)
		shard.Dispatch(dispatchedSignal, dt.id, func(ctx context.Context, s signal.Signal) error {
			return b.dreg.Deliver(ctx, s, dt.cfg)
		})
	default:
		dt, _ := target.(dispatchTarget)
		done := b.metricDispatchStart(dt.cfg.Tag)
		dispatchErr = b.dreg.Deliver(ctx, dispatchedSignal, dt.cfg)
		done(dispatchErr == nil, false)
	}

	if dispatchErr != nil {
		b.metricDispatchError(subID)
		b.logger.Warn("dispatch failed", logging.String("subscription_id", subID), logging.Error(dispatchErr))
	}
	b.pipe.AfterDispatch(ctx, rec.Signal, middleware.Subscription{ID: subID}, middleware.DispatchResult{Err: dispatchErr})
	b.metricAfterDispatch()
	return nil
}

func (b *Bus) metricDispatchStart(tag string) func(success, exception bool) {
	if b.telemetry == nil {
		return func(success, exception bool) {}
	}
	return b.telemetry.DispatchStart(tag)
}

func (b *Bus) metricBeforeDispatch() {
	if b.telemetry != nil {
		b.telemetry.BeforeDispatch()
	}
}

func (b *Bus) metricAfterDispatch() {
	if b.telemetry != nil {
		b.telemetry.AfterDispatch()
	}
}

func (b *Bus) metricSkipped(subID string) {
	if b.telemetry != nil {
		b.telemetry.DispatchSkipped(subID)
	}
}

func (b *Bus) metricDispatchError(subID string) {
	if b.telemetry != nil {
		b.telemetry.DispatchError(subID)
	}
}

func (b *Bus) metricBackpressure(subID string) {
	if b.telemetry != nil {
		b.telemetry.Backpressure(subID)
	}
}

// Ack acknowledges delivery of uuid on a persistent subscription.
func (b *Bus) Ack(ctx context.Context, subscriptionID, uuid string) error {
	b.mu.Lock()
	sub := b.subs[subscriptionID]
	b.mu.Unlock()
	if sub == nil {
		return fmt.Errorf("bus: unknown persistent subscription %s", subscriptionID)
	}
	return sub.Ack(ctx, uuid)
}

// Reconnect marks a persistent subscription's client as present again and
// returns the log's latest timestamp as a replay watermark. Fails with
// ClassExecution if the consumer roster is already at capacity.
func (b *Bus) Reconnect(ctx context.Context, subscriptionID string) (time.Time, error) {
	b.mu.Lock()
	sub := b.subs[subscriptionID]
	b.mu.Unlock()
	if sub == nil {
		return time.Time{}, fmt.Errorf("bus: unknown persistent subscription %s", subscriptionID)
	}
	if _, err := b.roster.Connect(subscriptionID); err != nil {
		return time.Time{}, newError(ClassExecution, fmt.Errorf("bus: reconnect %s: %w", subscriptionID, err))
	}
	sub.Connect(ctx)
	b.logger.Info("subscription reconnected", logging.String("subscription_id", subscriptionID))
	return b.log.LatestTimestamp(), nil
}

// Disconnect detaches a persistent subscription's client, retaining its
// queue and checkpoint for a future Reconnect.
func (b *Bus) Disconnect(subscriptionID string) {
	b.mu.Lock()
	sub := b.subs[subscriptionID]
	b.mu.Unlock()
	if sub != nil {
		sub.Disconnect()
	}
	b.roster.Disconnect(subscriptionID)
	b.logger.Info("subscription disconnected", logging.String("subscription_id", subscriptionID))
}

// Roster reports the set of persistent subscriptions currently connected,
// for admin surfacing.
func (b *Bus) Roster() roster.Snapshot { return b.roster.Snapshot() }

// DLQEntries returns the dead-letter entries recorded for a subscription.
func (b *Bus) DLQEntries(ctx context.Context, subscriptionID string) ([]storage.DLQEntry, error) {
	entries, err := b.storage.GetDLQEntries(ctx, subscriptionID)
	if err != nil {
		return nil, newError(ClassInternal, err)
	}
	return entries, nil
}

// ClearDLQ discards every dead-letter entry for a subscription.
func (b *Bus) ClearDLQ(ctx context.Context, subscriptionID string) error {
	if err := b.storage.ClearDLQ(ctx, subscriptionID); err != nil {
		return newError(ClassInternal, err)
	}
	b.logger.Info("dlq cleared", logging.String("subscription_id", subscriptionID))
	return nil
}

// RedriveResult reports how many dead-letter entries were successfully
// redelivered versus failed again during RedriveDLQ.
type RedriveResult struct {
	Succeeded int
	Failed    int
}

// RedriveDLQ re-dispatches up to limit dead-letter entries for
// subscriptionID via its current dispatch config. Per the partial-success
// policy, only successfully redelivered entries are cleared from the DLQ
// when clearOnSuccess is set; failed entries remain for a future redrive.
func (b *Bus) RedriveDLQ(ctx context.Context, subscriptionID string, limit int, clearOnSuccess bool) (RedriveResult, error) {
	b.mu.Lock()
	cfg, ok := b.dispatches[subscriptionID]
	b.mu.Unlock()

	entries, err := b.storage.GetDLQEntries(ctx, subscriptionID)
	if err != nil {
		return RedriveResult{}, newError(ClassInternal, fmt.Errorf("bus: load dlq entries: %w", err))
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	var result RedriveResult
	for _, entry := range entries {
		var s signal.Signal
		if err := s.UnmarshalJSON(entry.Signal); err != nil {
			result.Failed++
			continue
		}
		var deliverErr error
		if ok {
			deliverErr = b.dreg.Deliver(ctx, s, cfg)
		} else {
			deliverErr = fmt.Errorf("bus: no dispatch config for %s", subscriptionID)
		}
		if deliverErr != nil {
			result.Failed++
			continue
		}
		result.Succeeded++
		if clearOnSuccess {
			_ = b.storage.DeleteDLQEntry(ctx, subscriptionID, entry.EntryID)
		}
	}
	if b.telemetry != nil {
		b.telemetry.DLQRedrive(result.Succeeded, result.Failed)
	}
	b.logger.Info("dlq redrive complete", logging.String("subscription_id", subscriptionID), logging.Int("succeeded", result.Succeeded), logging.Int("failed", result.Failed))
	return result, nil
}

// CreateSnapshot captures the log's entries matching path.
func (b *Bus) CreateSnapshot(ctx context.Context, path string) (snapshot.Manifest, error) {
	m, err := b.snap.Create(ctx, b.log, path)
	if err != nil {
		return snapshot.Manifest{}, newError(ClassInternal, err)
	}
	b.logger.Info("snapshot created", logging.String("snapshot_id", m.ID), logging.String("path", path))
	return m, nil
}

// ListSnapshots returns every snapshot manifest for this bus.
func (b *Bus) ListSnapshots() []snapshot.Manifest { return b.snap.List() }

// ReadSnapshot loads a snapshot's captured signals.
func (b *Bus) ReadSnapshot(ctx context.Context, id string) (snapshot.Manifest, []signal.Signal, error) {
	m, signals, err := b.snap.Read(ctx, id)
	if err != nil {
		return snapshot.Manifest{}, nil, newError(ClassInternal, err)
	}
	return m, signals, nil
}

// DeleteSnapshot removes a snapshot.
func (b *Bus) DeleteSnapshot(ctx context.Context, id string) error {
	if err := b.snap.Delete(ctx, id); err != nil {
		return newError(ClassInternal, err)
	}
	b.logger.Info("snapshot deleted", logging.String("snapshot_id", id))
	return nil
}

// GC prunes expired log entries, reporting the number removed.
func (b *Bus) GC(now time.Time) int {
	removed := b.log.GC(now)
	if removed > 0 {
		b.logger.Debug("log gc swept entries", logging.Int("removed", removed))
	}
	if b.telemetry != nil && removed > 0 {
		b.telemetry.LogGC(removed)
	}
	return removed
}

// Run starts the bus's background self-tick GC loop, if WithLogTTL was
// configured. Cancel ctx (or call Stop) to end the loop.
func (b *Bus) Run(ctx context.Context) {
	if b.logTTL <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.stopGC = cancel
	go func() {
		ticker := time.NewTicker(b.logTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				b.GC(now)
			}
		}
	}()
}

// Stop ends the background GC loop started by Run.
func (b *Bus) Stop() {
	if b.stopGC != nil {
		b.stopGC()
	}
	if b.partitions != nil {
		b.partitions.Stop()
	}
}

// Router exposes the bus's current router snapshot, primarily for tests
// and admin introspection.
func (b *Bus) Router() *router.Router {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.router
}

// Log exposes the bus's log, primarily for tests and admin introspection.
func (b *Bus) Log() *eventlog.Log { return b.log }
