package executor

import (
	"context"
	"fmt"

	"github.com/evergreen-ai/evergreen/pkg/types"
)

// GenerateTarget is the target ID served by the built-in generate executor.
const GenerateTarget = "generate"

// generateStreamBytes is the fragment size used when streaming the response.
const generateStreamBytes = 4096

// GenerateExecutor is a stand-in model backend: it consumes the flattened
// inputs and streams a text response for the "response" output parameter.
// Real deployments register their own executor under their target ID; this
// one exists so the engine, tests, and the demo server run end to end.
type GenerateExecutor struct{}

// NewGenerateExecutor creates the built-in generate executor.
func NewGenerateExecutor() *GenerateExecutor {
	return &GenerateExecutor{}
}

func (e *GenerateExecutor) Name() string { return GenerateTarget }

// Execute streams a response summarizing the inputs. Output is chunked so
// consumers exercise multi-fragment assembly.
func (e *GenerateExecutor) Execute(ctx context.Context, req *Request, emit EmitFunc) error {
	if !supportsParam(req.Outputs, "response") {
		// Unsupported output names are omitted, not populated.
		return nil
	}

	var body []byte
	for _, in := range req.Inputs {
		for _, c := range in.Chunks {
			body = append(body, c.Bytes()...)
			for _, ref := range c.Refs() {
				body = append(body, []byte("[ref:"+ref+"]")...)
			}
		}
	}
	response := fmt.Sprintf("generated(%s): %s", req.Action, body)

	meta := &types.ChunkMetadata{Mimetype: "text/plain", Role: "model"}
	return streamText(ctx, "response", response, meta, emit)
}

// streamText emits text as a sequence of fragments with metadata on seq 0.
func streamText(ctx context.Context, param, text string, meta *types.ChunkMetadata, emit EmitFunc) error {
	data := []byte(text)
	var seq uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := len(data)
		if n > generateStreamBytes {
			n = generateStreamBytes
		}
		piece, rest := data[:n], data[n:]
		out := Output{
			Param:     param,
			Seq:       seq,
			Continued: len(rest) > 0,
			Chunk:     &types.Chunk{Data: piece},
		}
		if seq == 0 {
			out.Chunk.Metadata = meta
		}
		if err := emit(out); err != nil {
			return err
		}
		if len(rest) == 0 {
			return nil
		}
		data = rest
		seq++
	}
}

func supportsParam(declared []string, name string) bool {
	for _, d := range declared {
		if d == name {
			return true
		}
	}
	return false
}
