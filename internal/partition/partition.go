// Package partition implements the optional partition shard (C10): an
// async, rate-limited fan-out path for non-persistent subscriptions, used
// only when the bus is configured with more than one shard.
package partition

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/signalbus/core/internal/signal"
)

// DefaultRateLimitPerSec and DefaultBurstSize match the shard's token-bucket
// limiter defaults.
const (
	DefaultRateLimitPerSec = 10_000
	DefaultBurstSize       = 1_000
)

// Target is an opaque, already-validated dispatch target a shard delivers
// to; callers (the bus) supply the closure that actually invokes the
// dispatch registry so this package stays independent of dispatch's types.
type Target func(ctx context.Context, s signal.Signal) error

// tokenBucket is a minimal token-bucket limiter: tokens refill continuously
// at ratePerSec up to burst, Allow consumes one token if available.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	ratePerSec float64
	burst      float64
	last       time.Time
	now        func() time.Time
}

func newTokenBucket(ratePerSec, burst int, now func() time.Time) *tokenBucket {
	if ratePerSec <= 0 {
		ratePerSec = DefaultRateLimitPerSec
	}
	if burst <= 0 {
		burst = DefaultBurstSize
	}
	if now == nil {
		now = time.Now
	}
	return &tokenBucket{
		tokens:     float64(burst),
		ratePerSec: float64(ratePerSec),
		burst:      float64(burst),
		last:       now(),
		now:        now,
	}
}

func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Shard is a single partition's async dispatch worker: a bounded mailbox
// drained by one goroutine, guarded by a token-bucket rate limiter.
type Shard struct {
	index   int
	inbox   chan dispatchJob
	limiter *tokenBucket
	done    chan struct{}

	onOverflow func(sig signal.Signal, subID string)
	onDropped  func(sig signal.Signal, subID string, err error)
}

type dispatchJob struct {
	sig    signal.Signal
	subID  string
	target Target
}

// Option customises Shard construction.
type Option func(*Shard)

// WithRateLimit overrides the shard's token-bucket rate and burst.
func WithRateLimit(ratePerSec, burst int) Option {
	return func(s *Shard) { s.limiter = newTokenBucket(ratePerSec, burst, nil) }
}

// WithOverflowHook is invoked when the inbox is full and a dispatch job is
// dropped before even reaching the rate limiter.
func WithOverflowHook(fn func(sig signal.Signal, subID string)) Option {
	return func(s *Shard) { s.onOverflow = fn }
}

// WithDroppedHook is invoked when the token bucket rejects a job.
func WithDroppedHook(fn func(sig signal.Signal, subID string, err error)) Option {
	return func(s *Shard) { s.onDropped = fn }
}

// DefaultInboxSize bounds a shard's pending job queue.
const DefaultInboxSize = 1024

// NewShard starts a shard's drain goroutine. Call Stop to shut it down.
func NewShard(index int, opts ...Option) *Shard {
	s := &Shard{
		index:   index,
		inbox:   make(chan dispatchJob, DefaultInboxSize),
		limiter: newTokenBucket(0, 0, nil),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	go s.run()
	return s
}

// Index returns the shard's stable position in the partition ring.
func (s *Shard) Index() int { return s.index }

// Dispatch enqueues an async delivery job. On inbox overflow the job is
// dropped immediately and onOverflow fires; callers never block.
func (s *Shard) Dispatch(sig signal.Signal, subID string, target Target) {
	select {
	case s.inbox <- dispatchJob{sig: sig, subID: subID, target: target}:
	default:
		if s.onOverflow != nil {
			s.onOverflow(sig, subID)
		}
	}
}

// Stop drains no further jobs and releases the shard's goroutine.
func (s *Shard) Stop() {
	close(s.done)
}

func (s *Shard) run() {
	for {
		select {
		case <-s.done:
			return
		case job := <-s.inbox:
			if !s.limiter.Allow() {
				if s.onDropped != nil {
					s.onDropped(job.sig, job.subID, ErrRateLimited)
				}
				continue
			}
			if err := job.target(context.Background(), job.sig); err != nil && s.onDropped != nil {
				s.onDropped(job.sig, job.subID, err)
			}
		}
	}
}

// ErrRateLimited marks a job dropped for exceeding the shard's token bucket.
var ErrRateLimited = rateLimitedErr{}

type rateLimitedErr struct{}

func (rateLimitedErr) Error() string { return "partition: rate_limited" }

// Ring owns a fixed set of shards and assigns subscriptions to one via a
// stable hash, so repeated lookups for the same subscription id always
// route to the same shard.
type Ring struct {
	shards []*Shard
}

// NewRing constructs count shards, applying opts to every one.
func NewRing(count int, opts ...Option) *Ring {
	if count < 1 {
		count = 1
	}
	shards := make([]*Shard, count)
	for i := range shards {
		shards[i] = NewShard(i, opts...)
	}
	return &Ring{shards: shards}
}

// ShardFor returns the shard a subscription id is assigned to.
func (r *Ring) ShardFor(subID string) *Shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subID))
	idx := int(h.Sum32()) % len(r.shards)
	if idx < 0 {
		idx += len(r.shards)
	}
	return r.shards[idx]
}

// Stop shuts down every shard in the ring.
func (r *Ring) Stop() {
	for _, s := range r.shards {
		s.Stop()
	}
}

// Size returns the number of shards in the ring.
func (r *Ring) Size() int { return len(r.shards) }
