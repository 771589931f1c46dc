package types

// ChunkPart is one assembled payload piece: inline bytes or an external
// reference.
type ChunkPart struct {
	Ref  string `json:"ref,omitempty" cbor:"1,keyasint,omitempty"`
	Data []byte `json:"data,omitempty" cbor:"2,keyasint,omitempty"`
}

// AssembledChunk is the reconstructed payload of a final leaf node: the
// seq-ordered parts plus the metadata taken from the seq-0 fragment.
type AssembledChunk struct {
	Metadata *ChunkMetadata `json:"metadata,omitempty"`
	Parts    []ChunkPart    `json:"parts,omitempty"`
}

// Bytes concatenates the inline data parts. External references are skipped;
// resolving them is the consumer's policy, not the engine's.
func (c AssembledChunk) Bytes() []byte {
	var n int
	for _, p := range c.Parts {
		n += len(p.Data)
	}
	buf := make([]byte, 0, n)
	for _, p := range c.Parts {
		buf = append(buf, p.Data...)
	}
	return buf
}

// Refs returns the external references among the parts, in order.
func (c AssembledChunk) Refs() []string {
	var refs []string
	for _, p := range c.Parts {
		if p.Ref != "" {
			refs = append(refs, p.Ref)
		}
	}
	return refs
}
