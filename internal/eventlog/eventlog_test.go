package eventlog

import (
	"testing"
	"time"

	"github.com/signalbus/core/internal/signal"
	"github.com/stretchr/testify/require"
)

func mustSignal(t *testing.T, id, typ string) signal.Signal {
	t.Helper()
	s, err := signal.New(id, typ)
	require.NoError(t, err)
	return s
}

func TestAppendOrderPreserved(t *testing.T) {
	l := New()
	recs := l.Append([]signal.Signal{
		mustSignal(t, "1", "a.b"),
		mustSignal(t, "2", "a.c"),
	})
	require.Len(t, recs, 2)
	require.Less(t, recs[0].UUID, recs[1].UUID)
}

func TestMaxSizeEvictsOldest(t *testing.T) {
	var evicted []Recorded
	l := New(WithMaxSize(2), WithEvictionHook(func(r Recorded) { evicted = append(evicted, r) }))
	l.Append([]signal.Signal{mustSignal(t, "1", "a"), mustSignal(t, "2", "a"), mustSignal(t, "3", "a")})
	require.Equal(t, 2, l.Len())
	require.Len(t, evicted, 1)
}

func TestReplayFiltersByPattern(t *testing.T) {
	l := New()
	l.Append([]signal.Signal{mustSignal(t, "1", "a.b"), mustSignal(t, "2", "x.y")})
	out := l.Replay("a.*", time.Time{})
	require.Len(t, out, 1)
	require.Equal(t, "a.b", out[0].Type)
}

func TestAfterCheckpoint(t *testing.T) {
	l := New()
	recs := l.Append([]signal.Signal{mustSignal(t, "1", "e.a"), mustSignal(t, "2", "e.b"), mustSignal(t, "3", "e.c")})
	after := l.After("e.*", recs[0].UUID)
	require.Len(t, after, 2)
	require.Equal(t, recs[1].UUID, after[0].UUID)
}

func TestGCPrunesExpired(t *testing.T) {
	now := time.Now()
	l := New(WithTTL(time.Minute))
	l.Append([]signal.Signal{mustSignal(t, "1", "a")})

	removed := l.GC(now.Add(2 * time.Minute))
	require.Equal(t, 1, removed)
	require.Equal(t, 0, l.Len())
}
