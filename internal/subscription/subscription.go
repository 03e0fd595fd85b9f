// Package subscription implements the persistent subscription actor (C8):
// a single-threaded FIFO consumer with an in-flight slot, a durable
// checkpoint, and retry/backoff leading to dead-letter on exhaustion.
package subscription

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalbus/core/internal/dispatch"
	"github.com/signalbus/core/internal/eventlog"
	"github.com/signalbus/core/internal/logging"
	"github.com/signalbus/core/internal/signal"
	"github.com/signalbus/core/internal/storage"
)

// State is the persistent subscription's lifecycle position.
type State int

const (
	Disconnected State = iota
	Delivering
	Idle
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Delivering:
		return "delivering"
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// ErrQueueFull is returned by Enqueue when the inbound queue is at capacity;
// this is the backpressure signal the publish path aborts on.
var ErrQueueFull = fmt.Errorf("subscription: queue_full")

// DefaultMaxQueueSize bounds the inbound FIFO absent an explicit override.
const DefaultMaxQueueSize = 10_000

// DefaultMaxAttempts is the retry ceiling before an entry moves to the DLQ.
const DefaultMaxAttempts = 5

// DefaultBackoff is the base duration multiplied by 2^attempts between retries.
const DefaultBackoff = 100 * time.Millisecond

// queued pairs a log-assigned uuid with the signal awaiting delivery.
type queued struct {
	uuid string
	sig  signal.Signal
}

// Clock abstracts time.Now and time.AfterFunc for deterministic tests.
type Clock struct {
	Now      func() time.Time
	AfterFunc func(time.Duration, func()) *time.Timer
}

func defaultClock() Clock {
	return Clock{Now: time.Now, AfterFunc: time.AfterFunc}
}

// Subscription is the single-threaded persistent-subscription actor. All
// exported methods serialize through mu, implementing a single-mailbox
// actor model on top of a regular mutex.
type Subscription struct {
	mu sync.Mutex

	id      string
	path    string
	busID   string
	storage storage.Adapter
	deliver func(ctx context.Context, s signal.Signal) error

	maxQueueSize int
	maxAttempts  int
	backoff      time.Duration
	clock        Clock

	queue      *list.List // of queued
	inFlight   *queued
	attempts   int
	checkpoint string
	client     bool // whether a consumer is currently connected
	state      State
	retryTimer *time.Timer

	onDLQ  func(entryID string, s signal.Signal, reason string)
	logger *logging.Logger
}

// Option customises Subscription construction.
type Option func(*Subscription)

// WithMaxQueueSize overrides DefaultMaxQueueSize.
func WithMaxQueueSize(n int) Option {
	return func(s *Subscription) {
		if n > 0 {
			s.maxQueueSize = n
		}
	}
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(s *Subscription) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff overrides DefaultBackoff.
func WithBackoff(d time.Duration) Option {
	return func(s *Subscription) {
		if d > 0 {
			s.backoff = d
		}
	}
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(c Clock) Option {
	return func(s *Subscription) {
		if c.Now != nil {
			s.clock.Now = c.Now
		}
		if c.AfterFunc != nil {
			s.clock.AfterFunc = c.AfterFunc
		}
	}
}

// WithDLQHook is invoked (outside the actor lock) whenever an entry is
// exhausted and written to the dead-letter queue. Its first argument is the
// entry's log uuid; the DLQ record is stored under a separately minted
// entry id.
func WithDLQHook(fn func(logUUID string, s signal.Signal, reason string)) Option {
	return func(s *Subscription) { s.onDLQ = fn }
}

// WithLogger attaches a structured logger; unset defaults to a discarding
// test logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Subscription) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Subscription bound to busID/subID, delivering matched
// signals via deliver. storage persists checkpoints and DLQ entries.
func New(busID, subID, path string, store storage.Adapter, deliver func(ctx context.Context, s signal.Signal) error, opts ...Option) *Subscription {
	s := &Subscription{
		id:           subID,
		path:         path,
		busID:        busID,
		storage:      store,
		deliver:      deliver,
		maxQueueSize: DefaultMaxQueueSize,
		maxAttempts:  DefaultMaxAttempts,
		backoff:      DefaultBackoff,
		clock:        defaultClock(),
		queue:        list.New(),
		state:        Disconnected,
		logger:       logging.NewTestLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ID returns the subscription's identifier.
func (s *Subscription) ID() string { return s.id }

// Path returns the route pattern this subscription was registered under.
func (s *Subscription) Path() string { return s.path }

// State reports the subscription's current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Checkpoint returns the last acknowledged log uuid.
func (s *Subscription) Checkpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

// Restore loads the durable checkpoint and replays unacknowledged entries
// from log matching the subscription path, called once on actor startup.
func (s *Subscription) Restore(ctx context.Context, log *eventlog.Log) error {
	key := storage.CheckpointKey(s.busID, s.id)
	data, err := s.storage.GetCheckpoint(ctx, key)
	if err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("subscription: load checkpoint: %w", err)
	}
	checkpoint := ""
	if err == nil {
		checkpoint = string(data)
	}

	s.mu.Lock()
	s.checkpoint = checkpoint
	s.mu.Unlock()

	for _, rec := range log.After(s.path, checkpoint) {
		if _, err := s.Enqueue(rec.UUID, rec.Signal); err != nil {
			return err
		}
	}
	return nil
}

// Connect marks a consumer as present, transitioning disconnected → idle or
// delivering depending on queue contents, and attempts delivery.
func (s *Subscription) Connect(ctx context.Context) {
	s.mu.Lock()
	s.client = true
	if s.state == Disconnected {
		s.state = Idle
	}
	s.mu.Unlock()
	s.logger.Debug("subscription connected", logging.String("subscription_id", s.id))
	s.pump(ctx)
}

// Disconnect marks the consumer absent. Queue and checkpoint are retained.
func (s *Subscription) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = false
	s.state = Disconnected
	s.logger.Debug("subscription disconnected", logging.String("subscription_id", s.id))
}

// Drain transitions to the draining state; Enqueue after Drain still
// succeeds (shutdown is cooperative, not an immediate queue close) but
// callers typically stop producing once draining begins.
func (s *Subscription) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Draining
}

// Enqueue appends (uuid, sig) to the inbound queue, returning ErrQueueFull
// if the queue is already at capacity. This is the synchronous publish
// path: callers treat the returned error as the backpressure signal.
func (s *Subscription) Enqueue(uuid string, sig signal.Signal) (State, error) {
	s.mu.Lock()
	if s.queue.Len() >= s.maxQueueSize {
		state := s.state
		s.mu.Unlock()
		return state, ErrQueueFull
	}
	s.queue.PushBack(queued{uuid: uuid, sig: sig})
	if s.state == Idle {
		s.state = Delivering
	}
	state := s.state
	s.mu.Unlock()

	s.pump(context.Background())
	return state, nil
}

// Ack acknowledges the in-flight entry if uuid matches exactly; a mismatch
// is discarded idempotently (at-least-once semantics tolerate duplicate or
// late acks for already-superseded entries).
func (s *Subscription) Ack(ctx context.Context, uuid string) error {
	s.mu.Lock()
	if s.inFlight == nil || s.inFlight.uuid != uuid {
		s.mu.Unlock()
		return nil
	}
	s.inFlight = nil
	s.attempts = 0
	s.checkpoint = uuid
	s.mu.Unlock()

	if err := s.persistCheckpoint(ctx, uuid); err != nil {
		return err
	}
	s.pump(ctx)
	return nil
}

func (s *Subscription) persistCheckpoint(ctx context.Context, uuid string) error {
	key := storage.CheckpointKey(s.busID, s.id)
	if err := s.storage.PutCheckpoint(ctx, key, []byte(uuid)); err != nil {
		return fmt.Errorf("subscription: persist checkpoint: %w", err)
	}
	return nil
}

// pump attempts delivery of the in-flight entry (pulling the next queued
// entry first if none is in flight) whenever a client is connected and the
// subscription is not already waiting on a retry timer.
func (s *Subscription) pump(ctx context.Context) {
	s.mu.Lock()
	if !s.client || s.inFlight != nil {
		s.mu.Unlock()
		return
	}
	front := s.queue.Front()
	if front == nil {
		s.state = Idle
		s.mu.Unlock()
		return
	}
	s.queue.Remove(front)
	q := front.Value.(queued)
	s.inFlight = &q
	s.state = Delivering
	s.mu.Unlock()

	s.attemptDelivery(ctx, q)
}

func (s *Subscription) attemptDelivery(ctx context.Context, q queued) {
	err := s.deliver(ctx, q.sig)
	if err == nil {
		_ = s.Ack(ctx, q.uuid)
		return
	}

	s.mu.Lock()
	s.attempts++
	attempts := s.attempts
	s.mu.Unlock()

	if attempts >= s.maxAttempts {
		s.exhaust(ctx, q, err)
		return
	}
	s.scheduleRetry(ctx, q, attempts)
}

func (s *Subscription) scheduleRetry(ctx context.Context, q queued, attempts int) {
	delay := s.backoff << uint(attempts)
	s.logger.Warn("delivery retry scheduled", logging.String("subscription_id", s.id), logging.String("uuid", q.uuid), logging.Int("attempt", attempts), logging.Int64("delay_ms", delay.Milliseconds()))
	timer := s.clock.AfterFunc(delay, func() {
		s.attemptDelivery(ctx, q)
	})
	s.mu.Lock()
	s.retryTimer = timer
	s.mu.Unlock()
}

func (s *Subscription) exhaust(ctx context.Context, q queued, cause error) {
	raw, err := q.sig.MarshalJSON()
	if err == nil {
		//1.- entry_id is a fresh identifier distinct from the log uuid: the
		// DLQ key has no ordering requirement, unlike queue/checkpoint
		// advancement which must stay in log-uuid order.
		entry := storage.DLQEntry{
			SubscriptionID: s.id,
			EntryID:        uuid.NewString(),
			Signal:         raw,
			FailureReason:  cause.Error(),
			Attempts:       s.maxAttempts,
			LastAttemptAt:  s.clock.Now().UnixMilli(),
		}
		_ = s.storage.PutDLQEntry(ctx, entry)
	}
	s.logger.Error("delivery exhausted, moved to dlq", logging.String("subscription_id", s.id), logging.String("uuid", q.uuid), logging.Error(cause))
	if s.onDLQ != nil {
		s.onDLQ(q.uuid, q.sig, cause.Error())
	}

	s.mu.Lock()
	s.inFlight = nil
	s.attempts = 0
	s.checkpoint = q.uuid
	s.mu.Unlock()
	_ = s.persistCheckpoint(ctx, q.uuid)
	s.pump(ctx)
}

// Len reports the number of entries currently queued (excluding in-flight).
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// ToConfig adapts a dispatch.Registry delivery into the deliver callback
// New expects, so bus wiring can construct subscriptions directly from a
// dispatch configuration.
func ToConfig(registry *dispatch.Registry, cfg dispatch.Config) func(ctx context.Context, s signal.Signal) error {
	return func(ctx context.Context, s signal.Signal) error {
		return registry.Deliver(ctx, s, cfg)
	}
}
