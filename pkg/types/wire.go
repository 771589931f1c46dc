// Package types defines the Evergreen wire contract shared by the engine,
// transports, and executors.
package types

import (
	"encoding/json"
	"time"
)

// ChunkMetadata describes the payload of a leaf node. It is only valid on the
// fragment with sequence number 0.
type ChunkMetadata struct {
	Mimetype         string            `json:"mimetype,omitempty" cbor:"1,keyasint,omitempty"`
	Role             string            `json:"role,omitempty" cbor:"2,keyasint,omitempty"`
	OriginalFileName string            `json:"originalFileName,omitempty" cbor:"3,keyasint,omitempty"`
	CaptureTime      *time.Time        `json:"captureTime,omitempty" cbor:"4,keyasint,omitempty"`
	Experimental     []json.RawMessage `json:"experimental,omitempty" cbor:"5,keyasint,omitempty"`
}

// Chunk is one payload piece of a leaf node: inline bytes or an external
// reference, never both. Metadata rides along only on the seq-0 fragment.
type Chunk struct {
	Metadata *ChunkMetadata `json:"metadata,omitempty" cbor:"1,keyasint,omitempty"`
	Ref      string         `json:"ref,omitempty" cbor:"2,keyasint,omitempty"`
	Data     []byte         `json:"data,omitempty" cbor:"3,keyasint,omitempty"`
}

// HasPayload reports whether the chunk carries any payload content.
func (c *Chunk) HasPayload() bool {
	if c == nil {
		return false
	}
	return c.Ref != "" || len(c.Data) > 0
}

// NodeFragment is one wire-level delivery unit contributing to a node.
// Absent fields default to seq 0 and continued=false (final); callers should
// treat the zero values as the explicit defaults, never as "unset".
type NodeFragment struct {
	ID        string   `json:"id" cbor:"1,keyasint"`
	Seq       uint64   `json:"seq,omitempty" cbor:"2,keyasint,omitempty"`
	Continued bool     `json:"continued,omitempty" cbor:"3,keyasint,omitempty"`
	ChildIDs  []string `json:"childIds,omitempty" cbor:"4,keyasint,omitempty"`
	Chunk     *Chunk   `json:"chunkFragment,omitempty" cbor:"5,keyasint,omitempty"`
}

// Validate checks the fragment's standalone well-formedness. Checks that need
// node history (kind mixing, finality) live in the registry.
func (f *NodeFragment) Validate() error {
	if f.ID == "" {
		return Violationf(ErrMalformedFragment, "fragment missing node id")
	}
	if len(f.ChildIDs) > 0 && f.Chunk.HasPayload() {
		return NodeViolationf(ErrMalformedFragment, f.ID, "fragment mixes child list and chunk payload")
	}
	if f.Chunk != nil && f.Chunk.Metadata != nil && f.Seq != 0 {
		return NodeViolationf(ErrMalformedFragment, f.ID, "metadata on fragment with seq %d (only seq 0 may carry metadata)", f.Seq)
	}
	for _, child := range f.ChildIDs {
		if child == "" {
			return NodeViolationf(ErrMalformedFragment, f.ID, "empty child node id")
		}
	}
	return nil
}

// NamedParameter binds a parameter name to a node ID.
type NamedParameter struct {
	Name string `json:"name" cbor:"1,keyasint"`
	ID   string `json:"id" cbor:"2,keyasint"`
}

// TargetSpec names the executor capability an action is addressed to.
type TargetSpec struct {
	ID string `json:"id" cbor:"1,keyasint"`
}

// Action is a named invocation request over named input and output nodes.
// Input order is irrelevant; each parameter name is unique within the inputs
// and within the outputs. Output node IDs must be fresh for the session.
type Action struct {
	Name    string            `json:"name" cbor:"1,keyasint"`
	Inputs  []NamedParameter  `json:"inputs,omitempty" cbor:"2,keyasint,omitempty"`
	Outputs []NamedParameter  `json:"outputs,omitempty" cbor:"3,keyasint,omitempty"`
	Configs []json.RawMessage `json:"configs,omitempty" cbor:"4,keyasint,omitempty"`
	Target  TargetSpec        `json:"targetSpec" cbor:"5,keyasint"`
}

// Validate checks standalone action well-formedness: non-empty name and node
// IDs, and parameter-name uniqueness within inputs and within outputs.
// Output-ID freshness needs the registry and is checked at admission.
func (a *Action) Validate() error {
	if a.Name == "" {
		return Violationf(ErrMalformedFragment, "action missing name")
	}
	seen := make(map[string]struct{}, len(a.Inputs))
	for _, p := range a.Inputs {
		if p.Name == "" || p.ID == "" {
			return ActionViolationf(ErrMalformedFragment, a.Name, "input parameter with empty name or node id")
		}
		if _, dup := seen[p.Name]; dup {
			return ActionViolationf(ErrDuplicateParameter, a.Name, "duplicate input parameter %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	seen = make(map[string]struct{}, len(a.Outputs))
	for _, p := range a.Outputs {
		if p.Name == "" || p.ID == "" {
			return ActionViolationf(ErrMalformedFragment, a.Name, "output parameter with empty name or node id")
		}
		if _, dup := seen[p.Name]; dup {
			return ActionViolationf(ErrDuplicateParameter, a.Name, "duplicate output parameter %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// Envelope is one transport message: zero or more fragments plus zero or more
// actions, in either direction.
type Envelope struct {
	NodeFragments []NodeFragment `json:"nodeFragments,omitempty" cbor:"1,keyasint,omitempty"`
	Actions       []Action       `json:"actions,omitempty" cbor:"2,keyasint,omitempty"`
}

// Empty reports whether the envelope carries nothing.
func (e *Envelope) Empty() bool {
	return e == nil || (len(e.NodeFragments) == 0 && len(e.Actions) == 0)
}
