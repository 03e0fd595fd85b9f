// Package snapshot implements on-demand log snapshots: a Manifest plus the
// filtered signal set captured by eventlog.Replay at call time, persisted
// through the storage adapter's checkpoint slots.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/signalbus/core/internal/eventlog"
	"github.com/signalbus/core/internal/signal"
	"github.com/signalbus/core/internal/storage"
)

// Manifest describes one persisted snapshot.
type Manifest struct {
	ID        string    `json:"id"`
	BusID     string    `json:"bus_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Count     int       `json:"count"`
}

// entry is the on-disk representation of one captured signal.
type entry struct {
	UUID      string          `json:"uuid"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Signal    json.RawMessage `json:"signal"`
}

// document is the full persisted payload for one snapshot: manifest plus entries.
type document struct {
	Manifest Manifest `json:"manifest"`
	Entries  []entry  `json:"entries"`
}

// Manager creates, lists, reads, and deletes snapshots of a single bus's
// log. Like the log itself, a Manager is owned by a single bus actor and
// has no internal locking of its own.
type Manager struct {
	busID   string
	storage storage.Adapter
	now     func() time.Time

	index map[string]Manifest
}

func storageKey(busID, snapshotID string) string {
	return "snapshot/" + busID + "/" + snapshotID
}

func indexKey(busID string) string {
	return "snapshot-index/" + busID
}

// NewManager constructs a Manager for busID, loading any previously
// persisted snapshot index from storage. Snapshot ids carry no ordering
// requirement (List sorts explicitly by CreatedAt), so they're minted as
// plain random UUIDs rather than through the log's monotonic generator.
func NewManager(ctx context.Context, busID string, store storage.Adapter) (*Manager, error) {
	m := &Manager{busID: busID, storage: store, now: time.Now, index: make(map[string]Manifest)}

	raw, err := store.GetCheckpoint(ctx, indexKey(busID))
	if err != nil {
		if err == storage.ErrNotFound {
			return m, nil
		}
		return nil, fmt.Errorf("snapshot: load index: %w", err)
	}
	var manifests []Manifest
	if err := json.Unmarshal(raw, &manifests); err != nil {
		return nil, fmt.Errorf("snapshot: decode index: %w", err)
	}
	for _, man := range manifests {
		m.index[man.ID] = man
	}
	return m, nil
}

func (m *Manager) persistIndex(ctx context.Context) error {
	manifests := make([]Manifest, 0, len(m.index))
	for _, man := range m.index {
		manifests = append(manifests, man)
	}
	raw, err := json.Marshal(manifests)
	if err != nil {
		return fmt.Errorf("snapshot: encode index: %w", err)
	}
	if err := m.storage.PutCheckpoint(ctx, indexKey(m.busID), raw); err != nil {
		return fmt.Errorf("snapshot: persist index: %w", err)
	}
	return nil
}

// Create captures log's entries matching path (a "**" path captures
// everything) as a new, independently addressable snapshot.
func (m *Manager) Create(ctx context.Context, log *eventlog.Log, path string) (Manifest, error) {
	if strings.TrimSpace(path) == "" {
		path = "**"
	}
	recs := log.Replay(path, time.Time{})

	entries := make([]entry, 0, len(recs))
	for _, rec := range recs {
		raw, err := rec.Signal.MarshalJSON()
		if err != nil {
			return Manifest{}, fmt.Errorf("snapshot: encode signal %s: %w", rec.UUID, err)
		}
		entries = append(entries, entry{UUID: rec.UUID, Type: rec.Type, CreatedAt: rec.CreatedAt, Signal: raw})
	}

	id := uuid.NewString()
	manifest := Manifest{ID: id, BusID: m.busID, Path: path, CreatedAt: m.now(), Count: len(entries)}
	doc := document{Manifest: manifest, Entries: entries}

	raw, err := json.Marshal(doc)
	if err != nil {
		return Manifest{}, fmt.Errorf("snapshot: encode document: %w", err)
	}
	if err := m.storage.PutCheckpoint(ctx, storageKey(m.busID, id), raw); err != nil {
		return Manifest{}, fmt.Errorf("snapshot: persist document: %w", err)
	}

	m.index[id] = manifest
	if err := m.persistIndex(ctx); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// List returns every known snapshot's manifest, newest first.
func (m *Manager) List() []Manifest {
	out := make([]Manifest, 0, len(m.index))
	for _, man := range m.index {
		out = append(out, man)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.After(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Read loads a snapshot's captured signals.
func (m *Manager) Read(ctx context.Context, snapshotID string) (Manifest, []signal.Signal, error) {
	if _, ok := m.index[snapshotID]; !ok {
		return Manifest{}, nil, storage.ErrNotFound
	}
	raw, err := m.storage.GetCheckpoint(ctx, storageKey(m.busID, snapshotID))
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("snapshot: load document: %w", err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Manifest{}, nil, fmt.Errorf("snapshot: decode document: %w", err)
	}
	signals := make([]signal.Signal, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		var s signal.Signal
		if err := s.UnmarshalJSON(e.Signal); err != nil {
			return Manifest{}, nil, fmt.Errorf("snapshot: decode entry %s: %w", e.UUID, err)
		}
		signals = append(signals, s)
	}
	return doc.Manifest, signals, nil
}

// Delete removes a snapshot and its index entry. Idempotent.
func (m *Manager) Delete(ctx context.Context, snapshotID string) error {
	if err := m.storage.DeleteCheckpoint(ctx, storageKey(m.busID, snapshotID)); err != nil {
		return fmt.Errorf("snapshot: delete document: %w", err)
	}
	delete(m.index, snapshotID)
	return m.persistIndex(ctx)
}
