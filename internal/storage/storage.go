// Package storage defines the pluggable persistence contract (C6): key/value
// checkpoints, a per-stream append-only journal with optimistic concurrency,
// and a dead-letter queue, plus an in-memory reference adapter.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a checkpoint has no stored value. A journal
// with no entries loads as an empty slice instead.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned by AppendJournal when ExpectedRev does not match
// the stream's current revision.
var ErrConflict = errors.New("storage: conflict")

// JournalEntry is one persisted record in a thread's append log.
type JournalEntry struct {
	ID      string
	Seq     uint64
	At      int64 // unix millis
	Kind    string
	Payload []byte
	Refs    []string
}

// AppendOptions configures an AppendJournal call.
type AppendOptions struct {
	// ExpectedRev, when non-nil, causes the append to fail with ErrConflict
	// unless the stream's current revision equals this value.
	ExpectedRev *uint64
}

// DLQEntry is a persisted dead-letter record, keyed by
// (subscription_id, entry_id).
type DLQEntry struct {
	SubscriptionID string
	EntryID        string
	Signal         []byte // wire-encoded signal.Signal
	FailureReason  string
	Attempts       int
	LastAttemptAt  int64 // unix millis
}

// Adapter is the storage contract: key/value checkpoints, a per-thread
// append-only journal, and dead-letter queue bookkeeping. Implementations
// must be safe for concurrent readers; writers may serialize per key/stream.
type Adapter interface {
	GetCheckpoint(ctx context.Context, key string) ([]byte, error)
	PutCheckpoint(ctx context.Context, key string, data []byte) error
	DeleteCheckpoint(ctx context.Context, key string) error

	LoadJournal(ctx context.Context, threadID string) ([]JournalEntry, error)
	AppendJournal(ctx context.Context, threadID string, entries []JournalEntry, opts AppendOptions) (uint64, error)
	DeleteJournal(ctx context.Context, threadID string) error

	GetDLQEntries(ctx context.Context, subscriptionID string) ([]DLQEntry, error)
	PutDLQEntry(ctx context.Context, entry DLQEntry) error
	DeleteDLQEntry(ctx context.Context, subscriptionID, entryID string) error
	ClearDLQ(ctx context.Context, subscriptionID string) error
}

// CheckpointKey renders the (bus_id, subscription_id) checkpoint key used
// throughout the bus and persistent-subscription packages.
func CheckpointKey(busID, subscriptionID string) string {
	return busID + "/" + subscriptionID
}
