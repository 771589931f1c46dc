// Package chunk assembles the payload of one leaf node from arriving
// fragments: deduplicated by sequence number, ordered by seq regardless of
// arrival order, finalized by the terminal fragment.
package chunk

import (
	"errors"
	"sync"

	"github.com/evergreen-ai/evergreen/pkg/types"
)

// ErrMisplacedMetadata is returned when a fragment with seq != 0 carries
// metadata. Callers wrap it into a session-fatal protocol error.
var ErrMisplacedMetadata = errors.New("metadata on fragment with nonzero seq")

// Buffer assembles one leaf node's chunk payload.
type Buffer struct {
	mu      sync.Mutex
	tracker *SeqTracker
	parts   map[uint64]types.ChunkPart
	meta    *types.ChunkMetadata
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		tracker: NewSeqTracker(),
		parts:   make(map[uint64]types.ChunkPart),
	}
}

// Admit records one fragment. Duplicate seqs are silently dropped
// (accepted=false, nil error): the first admitted payload wins, which keeps
// retries cheap. Metadata is accepted only from seq 0; finality violations
// return an error for the caller to escalate.
func (b *Buffer) Admit(seq uint64, continued bool, c *types.Chunk) (accepted bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c != nil && c.Metadata != nil && seq != 0 {
		return false, ErrMisplacedMetadata
	}

	dup, err := b.tracker.Record(seq, continued)
	if err != nil {
		return false, err
	}
	if dup {
		return false, nil
	}

	if c != nil {
		if c.Metadata != nil {
			b.meta = c.Metadata
		}
		if c.HasPayload() {
			b.parts[seq] = types.ChunkPart{Ref: c.Ref, Data: c.Data}
		}
	}
	return true, nil
}

// Final reports whether the terminal fragment has been recorded.
func (b *Buffer) Final() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tracker.Final()
}

// Complete reports whether every fragment up to the terminal one is present.
func (b *Buffer) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tracker.Complete()
}

// Metadata returns the metadata from the seq-0 fragment, if any.
func (b *Buffer) Metadata() *types.ChunkMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta
}

// Assembled returns the fully assembled chunk once the buffer is complete.
func (b *Buffer) Assembled() (types.AssembledChunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tracker.Complete() {
		return types.AssembledChunk{}, false
	}
	return types.AssembledChunk{Metadata: b.meta, Parts: b.orderedParts(b.tracker.FinalSeq() + 1)}, true
}

// Prefix returns the contiguous already-arrived parts from seq 0, for
// pipelined consumption before finality.
func (b *Buffer) Prefix() []types.ChunkPart {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.orderedParts(b.tracker.ContiguousPrefix())
}

// orderedParts collects present payload parts for seqs [0, n) in order.
// Fragments without payload (pure terminal markers) contribute nothing.
func (b *Buffer) orderedParts(n uint64) []types.ChunkPart {
	parts := make([]types.ChunkPart, 0, len(b.parts))
	for seq := uint64(0); seq < n; seq++ {
		if p, ok := b.parts[seq]; ok {
			parts = append(parts, p)
		}
	}
	return parts
}
