package dispatch

import (
	"fmt"

	"github.com/evergreen-ai/evergreen/internal/registry"
	"github.com/evergreen-ai/evergreen/pkg/types"
)

// Flatten walks the resolved tree rooted at id depth-first and returns its
// leaf chunks in traversal order. Shared subtrees appear once per reference.
// Callers must only flatten resolved trees; anything else is an internal
// error, not a protocol violation.
func Flatten(reg *registry.Registry, id string) ([]types.AssembledChunk, error) {
	kind, ok := reg.NodeKind(id)
	if !ok {
		return nil, fmt.Errorf("flatten: node %q not materialized", id)
	}

	switch kind {
	case registry.KindLeaf:
		assembled, ok := reg.Assembled(id)
		if !ok {
			return nil, fmt.Errorf("flatten: leaf %q not complete", id)
		}
		return []types.AssembledChunk{assembled}, nil
	case registry.KindBranch:
		children, _ := reg.ChildIDs(id)
		var out []types.AssembledChunk
		for _, child := range children {
			chunks, err := Flatten(reg, child)
			if err != nil {
				return nil, err
			}
			out = append(out, chunks...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("flatten: node %q has unknown kind", id)
	}
}
