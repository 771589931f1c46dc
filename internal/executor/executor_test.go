package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evergreen-ai/evergreen/pkg/types"
)

func collectOutputs(t *testing.T, e Executor, req *Request) []Output {
	t.Helper()
	var outputs []Output
	err := e.Execute(context.Background(), req, func(o Output) error {
		outputs = append(outputs, o)
		return nil
	})
	require.NoError(t, err)
	return outputs
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := DefaultRegistry()

	_, ok := r.Get(GenerateTarget)
	assert.True(t, ok)
	_, ok = r.Get(ConcatTarget)
	assert.True(t, ok)
	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{ConcatTarget, GenerateTarget}, r.Names())
}

func TestGenerateExecutor_StreamsResponse(t *testing.T) {
	e := NewGenerateExecutor()
	req := &Request{
		Action:  "GENERATE",
		Target:  GenerateTarget,
		Outputs: []string{"response"},
		Inputs: []Input{
			{Name: "prompt", Chunks: []types.AssembledChunk{
				{Parts: []types.ChunkPart{{Data: []byte("hello")}}},
			}},
		},
	}

	outputs := collectOutputs(t, e, req)
	require.NotEmpty(t, outputs)

	// Metadata only on seq 0, terminal fragment last.
	assert.NotNil(t, outputs[0].Chunk.Metadata)
	for _, o := range outputs[1:] {
		assert.Nil(t, o.Chunk.Metadata)
	}
	last := outputs[len(outputs)-1]
	assert.False(t, last.Continued)

	var body []byte
	for _, o := range outputs {
		body = append(body, o.Chunk.Data...)
	}
	assert.Contains(t, string(body), "hello")
	assert.Contains(t, string(body), "GENERATE")
}

func TestGenerateExecutor_OmitsUnsupportedOutput(t *testing.T) {
	e := NewGenerateExecutor()
	req := &Request{
		Action:  "GENERATE",
		Target:  GenerateTarget,
		Outputs: []string{"summary"}, // not supported by this executor
	}
	outputs := collectOutputs(t, e, req)
	assert.Empty(t, outputs)
}

func TestConcatExecutor_PreservesOrderAndRefs(t *testing.T) {
	e := NewConcatExecutor()
	req := &Request{
		Action:  "CONCAT",
		Target:  ConcatTarget,
		Outputs: []string{"result"},
		Inputs: []Input{
			{Name: "a", Chunks: []types.AssembledChunk{
				{
					Metadata: &types.ChunkMetadata{Mimetype: "text/plain"},
					Parts:    []types.ChunkPart{{Data: []byte("x")}},
				},
			}},
			{Name: "b", Chunks: []types.AssembledChunk{
				{Parts: []types.ChunkPart{{Ref: "https://example.com/y"}, {Data: []byte("z")}}},
			}},
		},
	}

	outputs := collectOutputs(t, e, req)
	require.Len(t, outputs, 3)

	assert.Equal(t, []byte("x"), outputs[0].Chunk.Data)
	assert.Equal(t, "text/plain", outputs[0].Chunk.Metadata.Mimetype)
	assert.Equal(t, "https://example.com/y", outputs[1].Chunk.Ref)
	assert.Equal(t, []byte("z"), outputs[2].Chunk.Data)

	assert.True(t, outputs[0].Continued)
	assert.True(t, outputs[1].Continued)
	assert.False(t, outputs[2].Continued)

	for i, o := range outputs {
		assert.Equal(t, uint64(i), o.Seq)
	}
}

func TestConcatExecutor_EmptyInputsStillFinalize(t *testing.T) {
	e := NewConcatExecutor()
	req := &Request{Action: "CONCAT", Target: ConcatTarget, Outputs: []string{"result"}}

	outputs := collectOutputs(t, e, req)
	require.Len(t, outputs, 1)
	assert.False(t, outputs[0].Continued)
	assert.NotNil(t, outputs[0].Chunk.Metadata)
}

func TestTransient_Unwrap(t *testing.T) {
	inner := assert.AnError
	err := Transientf(inner)
	var tr *Transient
	require.ErrorAs(t, err, &tr)
	assert.ErrorIs(t, err, inner)
	assert.Nil(t, Transientf(nil))
}
