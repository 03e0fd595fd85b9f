// Package eventlog implements the bounded, ordered signal log (C5):
// append-only storage keyed by monotonic uuid, optional TTL-based GC, and a
// filtered replay used to materialize snapshots.
package eventlog

import (
	"sort"
	"sync"
	"time"

	"github.com/signalbus/core/internal/idgen"
	"github.com/signalbus/core/internal/router"
	"github.com/signalbus/core/internal/signal"
)

// DefaultMaxSize is the default cap on retained entries.
const DefaultMaxSize = 100_000

// Recorded pairs a log-assigned uuid with the signal it wraps, mirroring
// RecordedSignal. uuid is distinct from signal.ID() so a
// future log-internal rewrite would not have to disturb the signal itself.
type Recorded struct {
	UUID      string
	Type      string
	CreatedAt time.Time
	Signal    signal.Signal
}

// Log is the bus's append-only, bounded record of published signals.
// Exclusively owned by the Bus actor; no external mutation.
type Log struct {
	mu        sync.RWMutex
	gen       *idgen.Generator
	maxSize   int
	ttl       time.Duration
	order     []string
	entries   map[string]Recorded
	onEvicted func(Recorded)
}

// Option customises Log construction.
type Option func(*Log)

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxSize = n
		}
	}
}

// WithTTL enables time-based GC: entries older than ttl are pruned on GC().
func WithTTL(ttl time.Duration) Option {
	return func(l *Log) { l.ttl = ttl }
}

// WithGenerator overrides the id generator backing log keys, primarily for
// deterministic tests.
func WithGenerator(gen *idgen.Generator) Option {
	return func(l *Log) {
		if gen != nil {
			l.gen = gen
		}
	}
}

// WithEvictionHook is invoked (outside the log's lock) for every entry
// evicted by capacity or TTL, so callers can emit telemetry.
func WithEvictionHook(fn func(Recorded)) Option {
	return func(l *Log) { l.onEvicted = fn }
}

// New constructs an empty Log.
func New(opts ...Option) *Log {
	l := &Log{
		gen:     idgen.New(),
		maxSize: DefaultMaxSize,
		entries: make(map[string]Recorded),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Append records each signal in order, assigning it a monotonic log uuid.
// Overflowing max_log_size discards the oldest entries.
func (l *Log) Append(signals []signal.Signal) []Recorded {
	if len(signals) == 0 {
		return nil
	}
	out := make([]Recorded, 0, len(signals))
	var evicted []Recorded

	l.mu.Lock()
	for _, s := range signals {
		uuid, ms := l.gen.Generate()
		rec := Recorded{UUID: uuid, Type: s.Type(), CreatedAt: time.UnixMilli(ms).UTC(), Signal: s}
		l.entries[uuid] = rec
		l.order = append(l.order, uuid)
		out = append(out, rec)
	}
	for len(l.order) > l.maxSize {
		oldest := l.order[0]
		l.order = l.order[1:]
		if rec, ok := l.entries[oldest]; ok {
			evicted = append(evicted, rec)
			delete(l.entries, oldest)
		}
	}
	l.mu.Unlock()

	l.notifyEvicted(evicted)
	return out
}

// Len returns the number of entries currently retained.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Replay filters every retained entry using router.Matches, ordered by
// ascending uuid, optionally bounded to entries created at or after fromTS.
func (l *Log) Replay(path string, fromTS time.Time) []Recorded {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Recorded, 0, len(l.order))
	for _, uuid := range l.order {
		rec := l.entries[uuid]
		if !fromTS.IsZero() && rec.CreatedAt.Before(fromTS) {
			continue
		}
		if router.Matches(rec.Type, path) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// After returns every entry with a uuid strictly greater than checkpoint,
// in ascending order. An empty checkpoint returns every retained entry.
// Used on persistent-subscription restart to re-enqueue unacknowledged
// entries matching the subscription path.
func (l *Log) After(path, checkpoint string) []Recorded {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Recorded, 0)
	for _, uuid := range l.order {
		if checkpoint != "" && uuid <= checkpoint {
			continue
		}
		rec := l.entries[uuid]
		if router.Matches(rec.Type, path) {
			out = append(out, rec)
		}
	}
	return out
}

// LatestTimestamp returns the creation time of the most recently appended
// entry, used by Bus.Reconnect to hand callers a replay watermark.
func (l *Log) LatestTimestamp() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.order) == 0 {
		return time.Time{}
	}
	return l.entries[l.order[len(l.order)-1]].CreatedAt
}

// GC drops every entry older than now-ttl. It is a no-op unless WithTTL was
// configured. Returns the number of entries removed.
func (l *Log) GC(now time.Time) int {
	if l.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-l.ttl)

	l.mu.Lock()
	var evicted []Recorded
	kept := l.order[:0:0]
	for _, uuid := range l.order {
		rec := l.entries[uuid]
		if rec.CreatedAt.Before(cutoff) {
			evicted = append(evicted, rec)
			delete(l.entries, uuid)
			continue
		}
		kept = append(kept, uuid)
	}
	l.order = kept
	l.mu.Unlock()

	l.notifyEvicted(evicted)
	return len(evicted)
}

func (l *Log) notifyEvicted(evicted []Recorded) {
	if l.onEvicted == nil {
		return
	}
	for _, rec := range evicted {
		l.onEvicted(rec)
	}
}
