// Package executor defines the pluggable action-executor contract and a
// name-keyed capability registry for resolving action targets.
package executor

import (
	"context"
	"encoding/json"

	"github.com/evergreen-ai/evergreen/pkg/types"
)

// Input is one named action input with its flattened, depth-first chunk
// sequence.
type Input struct {
	Name   string
	Chunks []types.AssembledChunk
}

// Request carries everything an executor needs for one invocation.
type Request struct {
	SessionID string
	Action    string
	Target    string
	Configs   []json.RawMessage
	Inputs    []Input
	// Outputs lists the declared output parameter names. Executors emit for
	// the names they support and omit the rest.
	Outputs []string
}

// Output is one streamed output fragment, addressed by output parameter name.
// The dispatcher maps names to output node IDs.
type Output struct {
	Param     string
	Seq       uint64
	Continued bool
	Chunk     *types.Chunk
}

// EmitFunc delivers one output fragment. It may be called from the executor's
// goroutine at any rate; an error means the session is going away and the
// executor should stop.
type EmitFunc func(Output) error

// Executor computes one action kind. Implementations must respect ctx
// cancellation and may emit output fragments before all work is done.
type Executor interface {
	// Name is the target ID this executor serves.
	Name() string
	// Execute runs the action, streaming output fragments through emit.
	Execute(ctx context.Context, req *Request, emit EmitFunc) error
}

// Transient wraps an executor error that is worth retrying. Anything else is
// treated as permanent and fails the action immediately.
type Transient struct {
	Err error
}

func (t *Transient) Error() string { return t.Err.Error() }
func (t *Transient) Unwrap() error { return t.Err }

// Transientf marks an error as retryable.
func Transientf(err error) error {
	if err == nil {
		return nil
	}
	return &Transient{Err: err}
}
