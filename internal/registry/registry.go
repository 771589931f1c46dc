// Package registry owns all node state for one session: the per-node chunk
// buffers, child-list assembly, and the identity and finality invariants.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/evergreen-ai/evergreen/internal/chunk"
	"github.com/evergreen-ai/evergreen/pkg/types"
)

// Kind is the node kind, fixed by the first fragment for an ID.
type Kind int

const (
	KindLeaf Kind = iota + 1
	KindBranch
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindBranch:
		return "branch"
	default:
		return "unknown"
	}
}

// EventType classifies registry events consumed by the dependency resolver.
type EventType int

const (
	NodeCreated EventType = iota + 1
	NodeUpdated
	NodeFinalized
)

// Event describes the effect of one admitted fragment. NewChildren lists the
// child references the fragment introduced, for resolver edge registration.
type Event struct {
	Type        EventType
	NodeID      string
	Kind        Kind
	Seq         uint64
	NewChildren []string
}

// node is the per-ID state. All access is serialized by the registry mutex.
type node struct {
	id   string
	kind Kind

	// Leaf state.
	buf *chunk.Buffer

	// Branch state: child-ID lists keyed by seq, assembled like chunk
	// payloads, plus the same finality tracking.
	children map[uint64][]string
	tracker  *chunk.SeqTracker

	complete bool
}

// Registry is the per-session node arena keyed by producer-chosen ID.
// Nodes live for the whole session; they are never individually deleted.
type Registry struct {
	mu       sync.Mutex
	nodes    map[string]*node
	reserved map[string]string // output node ID -> owning action name
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		nodes:    make(map[string]*node),
		reserved: make(map[string]string),
	}
}

// Admit processes one inbound fragment. It returns nil, nil for silently
// dropped duplicates. Protocol violations return a *types.ProtocolError.
func (r *Registry) Admit(f *types.NodeFragment) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if action, ok := r.reserved[f.ID]; ok {
		if _, exists := r.nodes[f.ID]; !exists {
			return nil, types.NodeViolationf(types.ErrMalformedFragment, f.ID,
				"node id is reserved as an output of action %q", action)
		}
		// The node exists: it is being produced by the dispatcher, and the
		// peer must not write into it either.
		return nil, types.NodeViolationf(types.ErrMalformedFragment, f.ID,
			"node id is owned by action %q output stream", action)
	}
	return r.admit(f)
}

// AdmitOutput processes a fragment produced by the action dispatcher for a
// reserved output node. It follows the same assembly rules as Admit.
func (r *Registry) AdmitOutput(f *types.NodeFragment) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admit(f)
}

func (r *Registry) admit(f *types.NodeFragment) (*Event, error) {
	n, exists := r.nodes[f.ID]
	if !exists {
		var err error
		if n, err = r.create(f); err != nil {
			return nil, err
		}
	}

	isBranchFragment := len(f.ChildIDs) > 0
	isLeafFragment := f.Chunk.HasPayload() || (f.Chunk != nil && f.Chunk.Metadata != nil)

	// Kind is fixed for the node's lifetime.
	if n.kind == KindLeaf && isBranchFragment {
		return nil, types.NodeViolationf(types.ErrMalformedFragment, f.ID,
			"child-list fragment for leaf node")
	}
	if n.kind == KindBranch && isLeafFragment {
		return nil, types.NodeViolationf(types.ErrMalformedFragment, f.ID,
			"chunk-payload fragment for non-leaf node")
	}
	if exists && !isBranchFragment && !isLeafFragment && f.Continued {
		return nil, types.NodeViolationf(types.ErrMalformedFragment, f.ID,
			"continuation fragment carries no content")
	}

	ev := &Event{NodeID: f.ID, Kind: n.kind, Seq: f.Seq}
	if exists {
		ev.Type = NodeUpdated
	} else {
		ev.Type = NodeCreated
	}

	switch n.kind {
	case KindLeaf:
		accepted, err := n.buf.Admit(f.Seq, f.Continued, f.Chunk)
		if err != nil {
			return nil, wrapAssemblyError(f.ID, err)
		}
		if !accepted {
			return nil, nil // duplicate seq, first write wins
		}
		if n.buf.Complete() {
			n.complete = true
		}
	case KindBranch:
		dup, err := n.tracker.Record(f.Seq, f.Continued)
		if err != nil {
			return nil, wrapAssemblyError(f.ID, err)
		}
		if dup {
			return nil, nil
		}
		if len(f.ChildIDs) > 0 {
			n.children[f.Seq] = f.ChildIDs
			ev.NewChildren = f.ChildIDs
		}
		if n.tracker.Complete() {
			n.complete = true
		}
	}

	if n.complete {
		ev.Type = NodeFinalized
	}
	return ev, nil
}

// create classifies and allocates a node from its first fragment.
func (r *Registry) create(f *types.NodeFragment) (*node, error) {
	hasChildren := len(f.ChildIDs) > 0
	hasChunk := f.Chunk.HasPayload() || (f.Chunk != nil && f.Chunk.Metadata != nil)

	var n *node
	switch {
	case hasChildren && hasChunk:
		return nil, types.NodeViolationf(types.ErrMalformedFragment, f.ID,
			"first fragment populates both child list and chunk payload")
	case hasChildren:
		n = &node{id: f.ID, kind: KindBranch, children: make(map[uint64][]string), tracker: chunk.NewSeqTracker()}
	case hasChunk:
		n = &node{id: f.ID, kind: KindLeaf, buf: chunk.NewBuffer()}
	default:
		return nil, types.NodeViolationf(types.ErrMalformedFragment, f.ID,
			"first fragment populates neither child list nor chunk payload")
	}
	r.nodes[f.ID] = n
	return n, nil
}

// wrapAssemblyError maps chunk-buffer sentinels to protocol errors.
func wrapAssemblyError(nodeID string, err error) error {
	switch {
	case errors.Is(err, chunk.ErrAfterFinal):
		return types.NodeViolationf(types.ErrMalformedFragment, nodeID, "fragment after terminal fragment: %v", err)
	case errors.Is(err, chunk.ErrMisplacedMetadata):
		return types.NodeViolationf(types.ErrMalformedFragment, nodeID, "metadata outside seq 0")
	default:
		return types.NodeViolationf(types.ErrMalformedFragment, nodeID, "%v", err)
	}
}

// ReserveOutput marks an ID as an action's output target. Reusing an
// already-known or already-reserved ID is a protocol violation.
func (r *Registry) ReserveOutput(id, action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; exists {
		return types.NodeViolationf(types.ErrOutputReuse, id,
			"action %q names an already-known node as output", action)
	}
	if owner, reserved := r.reserved[id]; reserved {
		return types.NodeViolationf(types.ErrOutputReuse, id,
			"action %q names a node already reserved by action %q", action, owner)
	}
	r.reserved[id] = action
	return nil
}

// Has reports whether a node exists or is reserved under the ID.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; ok {
		return true
	}
	_, reserved := r.reserved[id]
	return reserved
}

// NodeKind returns the node's kind.
func (r *Registry) NodeKind(id string) (Kind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return 0, false
	}
	return n.kind, true
}

// Complete reports whether the node's own fragment stream is complete.
func (r *Registry) Complete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	return ok && n.complete
}

// ChildIDs returns a branch node's full child list: the concatenation of all
// fragments' child IDs in seq order.
func (r *Registry) ChildIDs(id string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok || n.kind != KindBranch {
		return nil, false
	}
	seqs := make([]uint64, 0, len(n.children))
	for seq := range n.children {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var out []string
	for _, seq := range seqs {
		out = append(out, n.children[seq]...)
	}
	return out, true
}

// Assembled returns a leaf node's fully assembled chunk once complete.
func (r *Registry) Assembled(id string) (types.AssembledChunk, bool) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	r.mu.Unlock()
	if !ok || n.kind != KindLeaf {
		return types.AssembledChunk{}, false
	}
	return n.buf.Assembled()
}

// PartialParts returns a leaf's contiguous streaming prefix before finality.
func (r *Registry) PartialParts(id string) []types.ChunkPart {
	r.mu.Lock()
	n, ok := r.nodes[id]
	r.mu.Unlock()
	if !ok || n.kind != KindLeaf {
		return nil
	}
	return n.buf.Prefix()
}

// NodeIDs returns the IDs of all materialized nodes, sorted.
func (r *Registry) NodeIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of materialized nodes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Drop discards all node state. Called on session abort; after this the
// registry accepts nothing meaningful because the session stops feeding it.
func (r *Registry) Drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make(map[string]*node)
	r.reserved = make(map[string]string)
}
