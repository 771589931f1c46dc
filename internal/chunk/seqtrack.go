package chunk

import (
	"errors"
	"fmt"
)

// ErrAfterFinal is returned when a fragment's sequence number exceeds the
// terminal fragment's. Callers wrap it into a session-fatal protocol error.
var ErrAfterFinal = errors.New("fragment after terminal sequence number")

// SeqTracker records which sequence numbers have arrived for one node and
// enforces finality. It is shared by leaf payload assembly and by the
// registry's child-list assembly, which follow the same rules.
type SeqTracker struct {
	seen     map[uint64]struct{}
	final    bool
	finalSeq uint64
	maxSeq   uint64
}

// NewSeqTracker returns an empty tracker.
func NewSeqTracker() *SeqTracker {
	return &SeqTracker{seen: make(map[uint64]struct{})}
}

// Record notes a fragment's (seq, continued) pair.
// Duplicate seqs report dup=true and are otherwise ignored: first write wins,
// so retries stay cheap. A seq beyond an already-recorded terminal fragment,
// or a terminal fragment below an already-recorded seq, is a violation.
func (t *SeqTracker) Record(seq uint64, continued bool) (dup bool, err error) {
	if _, ok := t.seen[seq]; ok {
		return true, nil
	}
	if t.final && seq > t.finalSeq {
		return false, fmt.Errorf("seq %d exceeds terminal seq %d: %w", seq, t.finalSeq, ErrAfterFinal)
	}
	if !continued && t.maxSeq > seq {
		return false, fmt.Errorf("terminal seq %d below already-seen seq %d: %w", seq, t.maxSeq, ErrAfterFinal)
	}
	t.seen[seq] = struct{}{}
	if seq > t.maxSeq {
		t.maxSeq = seq
	}
	if !continued {
		t.final = true
		t.finalSeq = seq
	}
	return false, nil
}

// Final reports whether a terminal fragment has been recorded.
func (t *SeqTracker) Final() bool { return t.final }

// FinalSeq returns the terminal sequence number; valid only when Final.
func (t *SeqTracker) FinalSeq() uint64 { return t.finalSeq }

// Complete reports whether the terminal fragment and every sequence number
// 0..finalSeq have been recorded, i.e. the node can be assembled.
func (t *SeqTracker) Complete() bool {
	if !t.final {
		return false
	}
	return uint64(len(t.seen)) == t.finalSeq+1
}

// ContiguousPrefix returns the count of consecutive seqs present from 0.
// Used for the partial streaming view before finality.
func (t *SeqTracker) ContiguousPrefix() uint64 {
	var n uint64
	for {
		if _, ok := t.seen[n]; !ok {
			return n
		}
		n++
	}
}
