package snapshot

import (
	"context"
	"testing"

	"github.com/signalbus/core/internal/eventlog"
	"github.com/signalbus/core/internal/signal"
	"github.com/signalbus/core/internal/storage"
	"github.com/stretchr/testify/require"
)

func mustSignal(t *testing.T, id, typ string) signal.Signal {
	t.Helper()
	s, err := signal.New(id, typ)
	require.NoError(t, err)
	return s
}

func newStore(t *testing.T) storage.Adapter {
	t.Helper()
	a, err := storage.NewMemoryAdapter()
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestCreateListReadDelete(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	log := eventlog.New()
	log.Append([]signal.Signal{mustSignal(t, "1", "a.b"), mustSignal(t, "2", "x.y")})

	m, err := NewManager(ctx, "bus1", store)
	require.NoError(t, err)

	manifest, err := m.Create(ctx, log, "a.*")
	require.NoError(t, err)
	require.Equal(t, 1, manifest.Count)

	list := m.List()
	require.Len(t, list, 1)
	require.Equal(t, manifest.ID, list[0].ID)

	_, signals, err := m.Read(ctx, manifest.ID)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.Equal(t, "1", signals[0].ID())

	require.NoError(t, m.Delete(ctx, manifest.ID))
	require.Empty(t, m.List())
	_, _, err = m.Read(ctx, manifest.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManagerReloadsIndexFromStorage(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	log := eventlog.New()
	log.Append([]signal.Signal{mustSignal(t, "1", "a.b")})

	m1, err := NewManager(ctx, "bus1", store)
	require.NoError(t, err)
	manifest, err := m1.Create(ctx, log, "**")
	require.NoError(t, err)

	m2, err := NewManager(ctx, "bus1", store)
	require.NoError(t, err)
	list := m2.List()
	require.Len(t, list, 1)
	require.Equal(t, manifest.ID, list[0].ID)
}
