package transport

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evergreen-ai/evergreen/pkg/types"
)

func TestCodec_EnvelopeRoundTrip(t *testing.T) {
	env := &types.Envelope{
		NodeFragments: []types.NodeFragment{
			{ID: "n1", Seq: 2, Continued: true, Chunk: &types.Chunk{Data: []byte("abc")}},
			{ID: "n2", ChildIDs: []string{"n1"}},
		},
		Actions: []types.Action{{
			Name:    "GENERATE",
			Inputs:  []types.NamedParameter{{Name: "prompt", ID: "n2"}},
			Outputs: []types.NamedParameter{{Name: "response", ID: "out_1"}},
			Target:  types.TargetSpec{ID: "generate"},
		}},
	}

	data, err := EncodeEnvelope(env)
	require.NoError(t, err)

	var got types.Envelope
	require.NoError(t, DecodeEnvelope(data, &got))
	assert.Equal(t, env.NodeFragments, got.NodeFragments)
	assert.Equal(t, env.Actions, got.Actions)
}

func TestCodec_OmittedFieldsDefault(t *testing.T) {
	data, err := EncodeEnvelope(&types.Envelope{
		NodeFragments: []types.NodeFragment{{ID: "n1", Chunk: &types.Chunk{Data: []byte("x")}}},
	})
	require.NoError(t, err)

	var got types.Envelope
	require.NoError(t, DecodeEnvelope(data, &got))
	require.Len(t, got.NodeFragments, 1)
	assert.Zero(t, got.NodeFragments[0].Seq)
	assert.False(t, got.NodeFragments[0].Continued)
}

func TestCodec_DecodeSizeCap(t *testing.T) {
	big := bytes.Repeat([]byte{0xff}, MaxEnvelopeBytes+1)
	var got types.Envelope
	assert.Error(t, DecodeEnvelope(big, &got))
}

func TestPipe_SendReceive(t *testing.T) {
	client, server := NewPipe(4)
	ctx := context.Background()

	require.NoError(t, client.Send(ctx, &types.Envelope{
		NodeFragments: []types.NodeFragment{{ID: "n1", Chunk: &types.Chunk{Data: []byte("hi")}}},
	}))

	env, err := server.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, env.NodeFragments, 1)
	assert.Equal(t, "n1", env.NodeFragments[0].ID)
}

func TestPipe_CloseDrainsThenEOF(t *testing.T) {
	client, server := NewPipe(4)
	ctx := context.Background()

	require.NoError(t, client.Send(ctx, &types.Envelope{Actions: []types.Action{{Name: "A", Target: types.TargetSpec{ID: "concat"}}}}))
	require.NoError(t, client.Close())

	env, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Len(t, env.Actions, 1)

	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, server.Send(ctx, &types.Envelope{}), io.ErrClosedPipe)
}

func TestPipe_ReceiveHonorsContext(t *testing.T) {
	_, server := NewPipe(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := server.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipe_ReportError(t *testing.T) {
	client, server := NewPipe(0)

	perr := types.Violationf(types.ErrCyclicReference, "loop detected")
	require.NoError(t, server.ReportError(context.Background(), perr))

	assert.Equal(t, perr, client.TerminalError())
	assert.Nil(t, server.TerminalError())
}
