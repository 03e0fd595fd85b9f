package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// MemoryAdapter is the in-memory reference Adapter. Checkpoints and DLQ
// blobs are snappy-compressed (small, frequent writes); journal payloads are
// zstd-compressed (larger, append-mostly), mirroring the split between the
// two compressors by access pattern rather than by size alone.
type MemoryAdapter struct {
	mu sync.RWMutex

	checkpoints map[string][]byte // compressed
	journals    map[string][]JournalEntry
	journalRevs map[string]uint64
	dlq         map[string]map[string]DLQEntry

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// NewMemoryAdapter constructs an empty MemoryAdapter.
func NewMemoryAdapter() (*MemoryAdapter, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("storage: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("storage: new zstd decoder: %w", err)
	}
	return &MemoryAdapter{
		checkpoints: make(map[string][]byte),
		journals:    make(map[string][]JournalEntry),
		journalRevs: make(map[string]uint64),
		dlq:         make(map[string]map[string]DLQEntry),
		zstdEnc:     enc,
		zstdDec:     dec,
	}, nil
}

// Close releases the adapter's zstd resources.
func (m *MemoryAdapter) Close() {
	m.zstdEnc.Close()
	m.zstdDec.Close()
}

func compressSnappy(data []byte) []byte {
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	_, _ = w.Write(data)
	_ = w.Close()
	return buf.Bytes()
}

func decompressSnappy(data []byte) ([]byte, error) {
	r := snappy.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage: snappy decode: %w", err)
	}
	return out, nil
}

// GetCheckpoint implements Adapter.
func (m *MemoryAdapter) GetCheckpoint(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	raw, ok := m.checkpoints[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decompressSnappy(raw)
}

// PutCheckpoint implements Adapter.
func (m *MemoryAdapter) PutCheckpoint(ctx context.Context, key string, data []byte) error {
	compressed := compressSnappy(data)
	m.mu.Lock()
	m.checkpoints[key] = compressed
	m.mu.Unlock()
	return nil
}

// DeleteCheckpoint implements Adapter.
func (m *MemoryAdapter) DeleteCheckpoint(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.checkpoints, key)
	m.mu.Unlock()
	return nil
}

// LoadJournal implements Adapter, decompressing every entry's payload.
func (m *MemoryAdapter) LoadJournal(ctx context.Context, threadID string) ([]JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.journals[threadID]
	out := make([]JournalEntry, len(stored))
	for i, e := range stored {
		payload, err := m.zstdDec.DecodeAll(e.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("storage: zstd decode journal entry %s: %w", e.ID, err)
		}
		e.Payload = payload
		out[i] = e
	}
	return out, nil
}

// AppendJournal implements Adapter's optimistic-concurrency append:
// when opts.ExpectedRev is set, the append fails with ErrConflict unless
// it equals the thread's current revision (len of the stored entry slice).
func (m *MemoryAdapter) AppendJournal(ctx context.Context, threadID string, entries []JournalEntry, opts AppendOptions) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.journalRevs[threadID]
	if opts.ExpectedRev != nil && *opts.ExpectedRev != current {
		return current, ErrConflict
	}

	stored := m.journals[threadID]
	for _, e := range entries {
		e.Payload = m.zstdEnc.EncodeAll(e.Payload, nil)
		stored = append(stored, e)
	}
	m.journals[threadID] = stored
	current += uint64(len(entries))
	m.journalRevs[threadID] = current
	return current, nil
}

// DeleteJournal implements Adapter.
func (m *MemoryAdapter) DeleteJournal(ctx context.Context, threadID string) error {
	m.mu.Lock()
	delete(m.journals, threadID)
	delete(m.journalRevs, threadID)
	m.mu.Unlock()
	return nil
}

// GetDLQEntries implements Adapter.
func (m *MemoryAdapter) GetDLQEntries(ctx context.Context, subscriptionID string) ([]DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.dlq[subscriptionID]
	out := make([]DLQEntry, 0, len(bucket))
	for _, e := range bucket {
		raw, err := decompressSnappy(e.Signal)
		if err != nil {
			return nil, fmt.Errorf("storage: decode dlq entry %s: %w", e.EntryID, err)
		}
		e.Signal = raw
		out = append(out, e)
	}
	return out, nil
}

// PutDLQEntry implements Adapter.
func (m *MemoryAdapter) PutDLQEntry(ctx context.Context, entry DLQEntry) error {
	compressed := compressSnappy(entry.Signal)
	entry.Signal = compressed

	m.mu.Lock()
	bucket, ok := m.dlq[entry.SubscriptionID]
	if !ok {
		bucket = make(map[string]DLQEntry)
		m.dlq[entry.SubscriptionID] = bucket
	}
	bucket[entry.EntryID] = entry
	m.mu.Unlock()
	return nil
}

// DeleteDLQEntry implements Adapter.
func (m *MemoryAdapter) DeleteDLQEntry(ctx context.Context, subscriptionID, entryID string) error {
	m.mu.Lock()
	delete(m.dlq[subscriptionID], entryID)
	m.mu.Unlock()
	return nil
}

// ClearDLQ implements Adapter.
func (m *MemoryAdapter) ClearDLQ(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	delete(m.dlq, subscriptionID)
	m.mu.Unlock()
	return nil
}

var _ Adapter = (*MemoryAdapter)(nil)
