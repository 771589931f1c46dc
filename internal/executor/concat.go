package executor

import (
	"context"

	"github.com/evergreen-ai/evergreen/pkg/types"
)

// ConcatTarget is the target ID served by the built-in concat executor.
const ConcatTarget = "concat"

// ConcatExecutor joins every input's flattened chunk sequence into a single
// "result" output, preserving input declaration order. Useful for pipeline
// tests and as the smallest possible real executor.
type ConcatExecutor struct{}

// NewConcatExecutor creates the built-in concat executor.
func NewConcatExecutor() *ConcatExecutor {
	return &ConcatExecutor{}
}

func (e *ConcatExecutor) Name() string { return ConcatTarget }

func (e *ConcatExecutor) Execute(ctx context.Context, req *Request, emit EmitFunc) error {
	if !supportsParam(req.Outputs, "result") {
		return nil
	}

	var seq uint64
	var emitted bool
	var pending *types.Chunk

	flush := func(continued bool) error {
		if pending == nil {
			return nil
		}
		if seq == 0 && pending.Metadata == nil {
			pending.Metadata = firstMetadata(req.Inputs)
		}
		err := emit(Output{Param: "result", Seq: seq, Continued: continued, Chunk: pending})
		pending = nil
		seq++
		emitted = true
		return err
	}

	for _, in := range req.Inputs {
		for _, c := range in.Chunks {
			for _, part := range c.Parts {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := flush(true); err != nil {
					return err
				}
				pending = &types.Chunk{Ref: part.Ref, Data: part.Data}
			}
		}
	}
	if pending != nil {
		return flush(false)
	}
	if !emitted {
		// All inputs empty: emit a single empty terminal fragment so the
		// output node still materializes and finalizes.
		return emit(Output{Param: "result", Seq: 0, Continued: false,
			Chunk: &types.Chunk{Metadata: &types.ChunkMetadata{Mimetype: "application/octet-stream"}}})
	}
	return nil
}

func firstMetadata(inputs []Input) *types.ChunkMetadata {
	for _, in := range inputs {
		for _, c := range in.Chunks {
			if c.Metadata != nil {
				return c.Metadata
			}
		}
	}
	return nil
}
