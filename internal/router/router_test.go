package router

import (
	"testing"

	"github.com/signalbus/core/internal/signal"
	"github.com/stretchr/testify/require"
)

func sig(t *testing.T, typ string) signal.Signal {
	t.Helper()
	s, err := signal.New("id-"+typ, typ)
	require.NoError(t, err)
	return s
}

func TestExactRoute(t *testing.T) {
	r := New("")
	r, err := r.Add(Route{Path: "user.created", Target: "T1"})
	require.NoError(t, err)

	targets, err := r.Route(sig(t, "user.created"))
	require.NoError(t, err)
	require.Equal(t, []any{"T1"}, targets)

	_, err = r.Route(sig(t, "user.updated"))
	require.ErrorIs(t, err, ErrNoHandlers)
}

func TestPriorityTieBreak(t *testing.T) {
	r := New("")
	r, err := r.Add(
		Route{Path: "a.b", Target: "T1", Priority: 0},
		Route{Path: "a.*", Target: "T2", Priority: 10},
	)
	require.NoError(t, err)

	targets, err := r.Route(sig(t, "a.b"))
	require.NoError(t, err)
	require.Equal(t, []any{"T1", "T2"}, targets)
}

func TestMultiSegmentWildcard(t *testing.T) {
	r := New("")
	r, err := r.Add(Route{Path: "audit.**", Target: "T"})
	require.NoError(t, err)

	for _, typ := range []string{"audit", "audit.user", "audit.user.created"} {
		targets, err := r.Route(sig(t, typ))
		require.NoError(t, err, typ)
		require.Equal(t, []any{"T"}, targets, typ)
	}
}

func TestRouteConflict(t *testing.T) {
	r := New("")
	_, err := r.Add(
		Route{Path: "a.b", Target: "T1", Priority: 0},
		Route{Path: "a.b", Target: "T2", Priority: 0},
	)
	require.ErrorIs(t, err, ErrRouteConflict)
}

func TestRouteConflictReplace(t *testing.T) {
	r := New("")
	r, err := r.Add(Route{Path: "a.b", Target: "T1", Priority: 0})
	require.NoError(t, err)
	r, err = r.Add(Route{Path: "a.b", Target: "T2", Priority: 0, Replace: true})
	require.NoError(t, err)

	targets, err := r.Route(sig(t, "a.b"))
	require.NoError(t, err)
	require.Equal(t, []any{"T2"}, targets)
}

func TestRemove(t *testing.T) {
	r := New("")
	r, err := r.Add(Route{Path: "a.b", Target: "T1"})
	require.NoError(t, err)

	r, removed := r.Remove("a.b")
	require.Equal(t, 1, removed)
	_, err = r.Route(sig(t, "a.b"))
	require.ErrorIs(t, err, ErrNoHandlers)
}

func TestPredicate(t *testing.T) {
	r := New("")
	r, err := r.Add(Route{Path: "a.b", Target: "T1", Match: func(s signal.Signal) bool {
		return s.Source() == "allowed"
	}})
	require.NoError(t, err)

	blocked, err := signal.New("id", "a.b", signal.WithSource("blocked"))
	require.NoError(t, err)
	_, err = r.Route(blocked)
	require.ErrorIs(t, err, ErrNoHandlers)

	allowed, err := signal.New("id2", "a.b", signal.WithSource("allowed"))
	require.NoError(t, err)
	targets, err := r.Route(allowed)
	require.NoError(t, err)
	require.Equal(t, []any{"T1"}, targets)
}

func TestMultiTargetRoute(t *testing.T) {
	r := New("")
	r, err := r.Add(Route{Path: "a.b", Target: []any{"T1", "T2"}})
	require.NoError(t, err)

	targets, err := r.Route(sig(t, "a.b"))
	require.NoError(t, err)
	require.Equal(t, []any{"T1", "T2"}, targets)
}

func TestNilTypeError(t *testing.T) {
	r := New("")
	_, err := r.Route(signal.Signal{})
	require.ErrorIs(t, err, ErrNilType)
}

func TestMatchesWithoutTrie(t *testing.T) {
	require.True(t, Matches("a", "a.**"))
	require.True(t, Matches("a.b", "a.**"))
	require.True(t, Matches("a.b.c", "a.**"))
	require.False(t, Matches("a", "a.*"))
	require.True(t, Matches("a.b", "a.*"))
	require.False(t, Matches("a.b.c", "a.*"))
}

func TestFilter(t *testing.T) {
	signals := []signal.Signal{sig(t, "a.b"), sig(t, "x.y")}
	filtered := Filter(signals, "a.*")
	require.Len(t, filtered, 1)
	require.Equal(t, "a.b", filtered[0].Type())
}

func TestInvalidPath(t *testing.T) {
	r := New("")
	_, err := r.Add(Route{Path: "a..b", Target: "T"})
	require.ErrorIs(t, err, ErrInvalidPath)

	_, err = r.Add(Route{Path: "a.**.**", Target: "T"})
	require.ErrorIs(t, err, ErrInvalidPath)

	_, err = r.Add(Route{Path: "a.b!", Target: "T"})
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestCachePublishAndRead(t *testing.T) {
	r := New("test-cache-1")
	r, err := r.Add(Route{Path: "a.b", Target: "T1"})
	require.NoError(t, err)

	cached := FromCache("test-cache-1")
	targets, err := cached.Route(sig(t, "a.b"))
	require.NoError(t, err)
	require.Equal(t, []any{"T1"}, targets)
}
