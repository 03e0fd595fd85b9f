// Package router implements a trie-based path matcher over dotted route
// patterns with single (`*`) and multi (`**`) segment wildcards,
// priority-ranked matches, and optional predicates.
package router

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/signalbus/core/internal/signal"
)

var segmentRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Errors returned by routing operations.
var (
	ErrNoHandlers    = errors.New("no_handlers")
	ErrNilType       = errors.New("nil_type")
	ErrRouteConflict = errors.New("route_conflict")
	ErrInvalidPath   = errors.New("invalid_path")
)

// MatchFunc is an optional predicate guarding a route after a trie match.
type MatchFunc func(s signal.Signal) bool

// Route binds a path pattern to an opaque target with a priority and an
// optional predicate.
type Route struct {
	Path     string
	Target   any
	Priority int
	Match    MatchFunc
	// Replace allows a route to overwrite an existing route at the same
	// path and priority instead of raising ErrRouteConflict.
	Replace bool

	insertSeq int
}

// targets flattens a route's target into an ordered slice, expanding
// multi-target routes (target as []any) in declaration order.
func (r Route) targets() []any {
	if list, ok := r.Target.([]any); ok {
		return list
	}
	return []any{r.Target}
}

// Matched is one scored, ordered match produced by Route.
type Matched struct {
	Target   any
	Path     string
	Priority int
	Score    int
}

type node struct {
	literal  map[string]*node
	single   *node
	multi    *node
	routes   []*Route
	predRoot []*Route
}

func newNode() *node {
	return &node{literal: make(map[string]*node)}
}

// Router is an immutable, read-mostly compiled trie. Writers (Add/Remove)
// produce a new Router value; readers hold a snapshot reference and never
// observe a partially-built trie.
type Router struct {
	root    *node
	count   int
	nextSeq int
	cacheID string
}

type cache struct {
	mu  sync.RWMutex
	val *Router
}

var caches sync.Map // cacheID -> *cache

// New returns an empty Router, optionally publishing itself into a shared,
// read-mostly cell identified by cacheID so that other readers created with
// the same cacheID can observe subsequent writes without rebuilding.
func New(cacheID string) *Router {
	r := &Router{root: newNode(), cacheID: cacheID}
	if cacheID != "" {
		r.publish()
	}
	return r
}

// FromCache returns the most recently published Router for cacheID, or a
// fresh empty Router if nothing has been published yet.
func FromCache(cacheID string) *Router {
	if c, ok := caches.Load(cacheID); ok {
		cell := c.(*cache)
		cell.mu.RLock()
		defer cell.mu.RUnlock()
		if cell.val != nil {
			return cell.val
		}
	}
	return New(cacheID)
}

func (r *Router) publish() {
	if r.cacheID == "" {
		return
	}
	c, _ := caches.LoadOrStore(r.cacheID, &cache{})
	cell := c.(*cache)
	cell.mu.Lock()
	cell.val = r
	cell.mu.Unlock()
}

// Count returns the number of routes currently compiled into the trie.
func (r *Router) Count() int { return r.count }

// Add compiles routes into a new Router derived from r and returns it; r
// itself is left unchanged. Two routes sharing an identical path and priority without a
// Replace marker produce ErrRouteConflict and no Router is built.
func (r *Router) Add(routes ...Route) (*Router, error) {
	next := r.clone()
	for _, route := range routes {
		if err := validatePath(route.Path); err != nil {
			return nil, err
		}
		route.insertSeq = next.nextSeq
		next.nextSeq++
		if err := next.insert(route); err != nil {
			return nil, err
		}
		next.count++
	}
	next.publish()
	return next, nil
}

// Remove deletes every route registered at any of the given paths, returning
// a new Router and the number of routes removed.
func (r *Router) Remove(paths ...string) (*Router, int) {
	next := r.clone()
	removed := 0
	for _, path := range paths {
		removed += next.removePath(path)
	}
	next.publish()
	return next, removed
}

func (r *Router) clone() *Router {
	return &Router{
		root:    cloneNode(r.root),
		count:   r.count,
		nextSeq: r.nextSeq,
		cacheID: r.cacheID,
	}
}

func cloneNode(n *node) *node {
	if n == nil {
		return newNode()
	}
	out := &node{
		literal:  make(map[string]*node, len(n.literal)),
		routes:   append([]*Route(nil), n.routes...),
		predRoot: append([]*Route(nil), n.predRoot...),
	}
	for seg, child := range n.literal {
		out.literal[seg] = cloneNode(child)
	}
	if n.single != nil {
		out.single = cloneNode(n.single)
	}
	if n.multi != nil {
		out.multi = cloneNode(n.multi)
	}
	return out
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("router: %w: empty path", ErrInvalidPath)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("router: %w: consecutive '.' in %q", ErrInvalidPath, path)
	}
	segs := strings.Split(path, ".")
	sawMulti := false
	for _, seg := range segs {
		switch seg {
		case "*":
		case "**":
			if sawMulti {
				return fmt.Errorf("router: %w: consecutive '**' in %q", ErrInvalidPath, path)
			}
			sawMulti = true
			continue
		default:
			if !segmentRE.MatchString(seg) {
				return fmt.Errorf("router: %w: invalid segment %q in %q", ErrInvalidPath, seg, path)
			}
		}
		sawMulti = false
	}
	return nil
}

func (r *Router) insert(route Route) error {
	segs := strings.Split(route.Path, ".")
	n := r.root
	for _, seg := range segs {
		switch seg {
		case "*":
			if n.single == nil {
				n.single = newNode()
			}
			n = n.single
		case "**":
			if n.multi == nil {
				n.multi = newNode()
			}
			n = n.multi
		default:
			child, ok := n.literal[seg]
			if !ok {
				child = newNode()
				n.literal[seg] = child
			}
			n = child
		}
	}

	bucket := &n.routes
	if route.Match != nil {
		bucket = &n.predRoot
	}
	for i, existing := range *bucket {
		if existing.Priority == route.Priority {
			if !route.Replace {
				return fmt.Errorf("router: %w: path %q priority %d", ErrRouteConflict, route.Path, route.Priority)
			}
			// The old *Route is still shared with the Router r was cloned
			// from, so swap in a new pointer instead of overwriting it. A
			// replacement does not change the route total that Add counts up.
			cp := route
			(*bucket)[i] = &cp
			r.count--
			return nil
		}
	}
	cp := route
	*bucket = append(*bucket, &cp)
	return nil
}

func (r *Router) removePath(path string) int {
	segs := strings.Split(path, ".")
	n := r.root
	for _, seg := range segs {
		switch seg {
		case "*":
			if n.single == nil {
				return 0
			}
			n = n.single
		case "**":
			if n.multi == nil {
				return 0
			}
			n = n.multi
		default:
			child, ok := n.literal[seg]
			if !ok {
				return 0
			}
			n = child
		}
	}
	removed := len(n.routes) + len(n.predRoot)
	n.routes = nil
	n.predRoot = nil
	return removed
}

// Route finds every route matching the signal's type, scores and orders
// them, evaluates predicates, and expands multi-target
// routes in declaration order.
func (r *Router) Route(s signal.Signal) ([]any, error) {
	if s.Type() == "" {
		return nil, fmt.Errorf("router: %w", ErrNilType)
	}
	matches := r.matchAll(s.Type())
	if len(matches) == 0 {
		return nil, fmt.Errorf("router: %w", ErrNoHandlers)
	}

	var filtered []scoredRoute
	for _, m := range matches {
		if m.route.Match != nil && !m.route.Match(s) {
			continue
		}
		filtered = append(filtered, m)
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("router: %w", ErrNoHandlers)
	}
	sortScored(filtered)

	var out []any
	for _, m := range filtered {
		out = append(out, m.route.targets()...)
	}
	return out, nil
}

// RouteDetailed behaves like Route but returns scoring/priority metadata
// useful for telemetry and tests.
func (r *Router) RouteDetailed(s signal.Signal) ([]Matched, error) {
	if s.Type() == "" {
		return nil, fmt.Errorf("router: %w", ErrNilType)
	}
	matches := r.matchAll(s.Type())
	var filtered []scoredRoute
	for _, m := range matches {
		if m.route.Match != nil && !m.route.Match(s) {
			continue
		}
		filtered = append(filtered, m)
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("router: %w", ErrNoHandlers)
	}
	sortScored(filtered)

	out := make([]Matched, 0, len(filtered))
	for _, m := range filtered {
		for _, target := range m.route.targets() {
			out = append(out, Matched{Target: target, Path: m.route.Path, Priority: m.route.Priority, Score: m.score})
		}
	}
	return out, nil
}

type scoredRoute struct {
	route *Route
	score int
}

func sortScored(routes []scoredRoute) {
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].score != routes[j].score {
			return routes[i].score > routes[j].score
		}
		if routes[i].route.Priority != routes[j].route.Priority {
			return routes[i].route.Priority > routes[j].route.Priority
		}
		return routes[i].route.insertSeq < routes[j].route.insertSeq
	})
}

// matchAll walks the trie for typ, returning every terminal route along with
// its specificity score.
func (r *Router) matchAll(typ string) []scoredRoute {
	segs := strings.Split(typ, ".")
	var out []scoredRoute
	walk(r.root, segs, 0, &out)
	return out
}

func walk(n *node, segs []string, pos int, out *[]scoredRoute) {
	if n == nil {
		return
	}
	if pos == len(segs) {
		//1.- Segment exhaustion reached: this node's routes terminate here.
		for _, route := range n.routes {
			*out = append(*out, scoredRoute{route: route, score: score(route.Path, segs)})
		}
		for _, route := range n.predRoot {
			*out = append(*out, scoredRoute{route: route, score: score(route.Path, segs)})
		}
	} else {
		seg := segs[pos]
		if child, ok := n.literal[seg]; ok {
			walk(child, segs, pos+1, out)
		}
		if n.single != nil {
			walk(n.single, segs, pos+1, out)
		}
	}
	if n.multi != nil {
		//2.- A multi-wildcard edge may consume zero or more remaining
		// segments (including zero, so "a.**" matches "a"); try every
		// split point via backtracking.
		for consumed := pos; consumed <= len(segs); consumed++ {
			walk(n.multi, segs, consumed, out)
		}
	}
}

// score implements the match-specificity formula:
// score = 2000*L + 3000*(literal segments) - sum(penalty(wildcard, pos)),
// where L is the type's segment count, favoring more literal segments and
// fewer, later-positioned wildcards.
func score(pattern string, typeSegs []string) int {
	patSegs := strings.Split(pattern, ".")
	l := len(typeSegs)
	total := 2000 * l
	pos := 0
	for _, seg := range patSegs {
		switch seg {
		case "**":
			total -= 2000 - 200*pos
		case "*":
			total -= 1000 - 100*pos
		default:
			total += 3000
		}
		pos++
	}
	return total
}

// Matches reports whether typ matches pattern by walking both segment lists
// directly, independent of any compiled trie. A `**` segment is tried
// against every split point of the remaining type segments by recursion, so
// memory is not constant: the call depth grows with the number of `**`
// segments in pattern.
func Matches(typ, pattern string) bool {
	t := strings.Split(typ, ".")
	p := strings.Split(pattern, ".")
	return matchSegments(t, p)
}

func matchSegments(t, p []string) bool {
	var ti, pi int
	for pi < len(p) {
		switch p[pi] {
		case "**":
			if pi == len(p)-1 {
				return true
			}
			//1.- Try every possible number of segments consumed by **,
			// backtracking if the remainder fails to match.
			for consumed := ti; consumed <= len(t); consumed++ {
				if matchSegments(t[consumed:], p[pi+1:]) {
					return true
				}
			}
			return false
		case "*":
			if ti >= len(t) {
				return false
			}
			ti++
			pi++
		default:
			if ti >= len(t) || t[ti] != p[pi] {
				return false
			}
			ti++
			pi++
		}
	}
	return ti == len(t)
}

// Filter returns the subset of signals whose type matches pattern.
func Filter(signals []signal.Signal, pattern string) []signal.Signal {
	var out []signal.Signal
	for _, s := range signals {
		if Matches(s.Type(), pattern) {
			out = append(out, s)
		}
	}
	return out
}
