// Package resolver tracks unresolved references between nodes and wakes
// waiters exactly once when a referenced tree becomes complete. It also
// rejects cyclic and over-deep structures as child references are added.
package resolver

import (
	"sync"

	"github.com/evergreen-ai/evergreen/pkg/types"
)

// DefaultMaxDepth bounds nesting of child references. The protocol leaves the
// value implementation-chosen; it is configurable per session.
const DefaultMaxDepth = 64

// Waiter is invoked exactly once when the awaited node tree is complete.
// It runs outside the resolver lock and must not block for long.
type Waiter func(nodeID string)

// Resolver tracks, per node ID, the reference edges, own-stream finality, and
// tree resolution. A node is resolved when its own fragments are final and
// every referenced child is resolved. Registrations never expire within a
// session.
type Resolver struct {
	mu       sync.Mutex
	maxDepth int

	children map[string]map[string]struct{}
	parents  map[string]map[string]struct{}
	final    map[string]bool
	resolved map[string]bool
	waiters  map[string][]Waiter
}

// New creates a resolver with the given nesting-depth limit.
// Non-positive maxDepth falls back to DefaultMaxDepth.
func New(maxDepth int) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{
		maxDepth: maxDepth,
		children: make(map[string]map[string]struct{}),
		parents:  make(map[string]map[string]struct{}),
		final:    make(map[string]bool),
		resolved: make(map[string]bool),
		waiters:  make(map[string][]Waiter),
	}
}

// MaxDepth returns the configured nesting limit.
func (r *Resolver) MaxDepth() int { return r.maxDepth }

// AddReference records that parent lists child. Self-references, references
// that would close a cycle, and chains beyond the depth limit are protocol
// violations. Duplicate edges (shared subtrees listed twice) are fine.
func (r *Resolver) AddReference(parent, child string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if parent == child {
		return types.NodeViolationf(types.ErrCyclicReference, parent, "node lists itself as a child")
	}
	if r.reachable(parent, child) {
		return types.NodeViolationf(types.ErrCyclicReference, child,
			"child %q already includes %q, reference would close a cycle", child, parent)
	}
	if _, dup := r.children[parent][child]; dup {
		return nil
	}

	// Longest chain through the new edge: ancestors above parent, the edge
	// itself, and the deepest descent below child.
	depth := r.heightAbove(parent) + 1 + r.depthBelow(child)
	if depth > r.maxDepth {
		return types.NodeViolationf(types.ErrNestingLimit, parent,
			"reference to %q nests %d deep, limit is %d", child, depth, r.maxDepth)
	}

	addEdge(r.children, parent, child)
	addEdge(r.parents, child, parent)
	return nil
}

// Finalize marks a node's own fragment stream complete and cascades tree
// resolution upward, firing waiters for every node that becomes resolved.
func (r *Resolver) Finalize(nodeID string) {
	r.mu.Lock()
	r.final[nodeID] = true
	fired := r.recompute(nodeID, nil)
	r.mu.Unlock()

	for _, f := range fired {
		f.fn(f.id)
	}
}

// Require registers a one-shot waiter for the node's tree resolution.
// If the node is already resolved the waiter fires immediately (still outside
// the lock). Arbitrarily many waiters may watch one node; that is the normal
// shared-subtree case.
func (r *Resolver) Require(nodeID string, fn Waiter) {
	r.mu.Lock()
	if r.resolved[nodeID] {
		r.mu.Unlock()
		fn(nodeID)
		return
	}
	r.waiters[nodeID] = append(r.waiters[nodeID], fn)
	r.mu.Unlock()
}

// Resolved reports whether the node's whole tree is complete.
func (r *Resolver) Resolved(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved[nodeID]
}

// Pending returns the number of nodes with registered waiters, for
// introspection and tests.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ws := range r.waiters {
		if len(ws) > 0 {
			n++
		}
	}
	return n
}

// Drop discards all tracked state and registrations. Called on session abort;
// pending waiters are never invoked, the session context cancels them.
func (r *Resolver) Drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children = make(map[string]map[string]struct{})
	r.parents = make(map[string]map[string]struct{})
	r.final = make(map[string]bool)
	r.resolved = make(map[string]bool)
	r.waiters = make(map[string][]Waiter)
}

type firedWaiter struct {
	id string
	fn Waiter
}

// recompute re-evaluates resolution for nodeID and, when it flips, for its
// parents. Fired waiters are collected for invocation outside the lock.
func (r *Resolver) recompute(nodeID string, fired []firedWaiter) []firedWaiter {
	if r.resolved[nodeID] || !r.final[nodeID] {
		return fired
	}
	for child := range r.children[nodeID] {
		if !r.resolved[child] {
			return fired
		}
	}
	r.resolved[nodeID] = true

	for _, fn := range r.waiters[nodeID] {
		fired = append(fired, firedWaiter{id: nodeID, fn: fn})
	}
	delete(r.waiters, nodeID) // one-shot

	for parent := range r.parents[nodeID] {
		fired = r.recompute(parent, fired)
	}
	return fired
}

// reachable reports whether target can be reached from start via child edges.
func (r *Resolver) reachable(target, start string) bool {
	if start == target {
		return true
	}
	seen := map[string]struct{}{start: {}}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for child := range r.children[cur] {
			if child == target {
				return true
			}
			if _, ok := seen[child]; !ok {
				seen[child] = struct{}{}
				stack = append(stack, child)
			}
		}
	}
	return false
}

// heightAbove returns the longest ancestor chain ending at id.
func (r *Resolver) heightAbove(id string) int {
	memo := make(map[string]int)
	var walk func(string) int
	walk = func(cur string) int {
		if v, ok := memo[cur]; ok {
			return v
		}
		best := 0
		for parent := range r.parents[cur] {
			if h := walk(parent) + 1; h > best {
				best = h
			}
		}
		memo[cur] = best
		return best
	}
	return walk(id)
}

// depthBelow returns the longest descendant chain starting at id.
func (r *Resolver) depthBelow(id string) int {
	memo := make(map[string]int)
	var walk func(string) int
	walk = func(cur string) int {
		if v, ok := memo[cur]; ok {
			return v
		}
		best := 0
		for child := range r.children[cur] {
			if d := walk(child) + 1; d > best {
				best = d
			}
		}
		memo[cur] = best
		return best
	}
	return walk(id)
}

func addEdge(m map[string]map[string]struct{}, from, to string) {
	set, ok := m[from]
	if !ok {
		set = make(map[string]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}
