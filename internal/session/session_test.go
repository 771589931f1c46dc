package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evergreen-ai/evergreen/internal/event"
	"github.com/evergreen-ai/evergreen/internal/executor"
	"github.com/evergreen-ai/evergreen/internal/transport"
	"github.com/evergreen-ai/evergreen/pkg/types"
)

type sessionHarness struct {
	s *Session

	mu     sync.Mutex
	sent   []types.NodeFragment
	fatals []*types.ProtocolError
}

func newSessionHarness(t *testing.T, opts Options) *sessionHarness {
	t.Helper()
	h := &sessionHarness{}
	opts.OnTerminalError = func(perr *types.ProtocolError) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.fatals = append(h.fatals, perr)
	}
	h.s = New(context.Background(), "test-session", executor.DefaultRegistry(), func(ctx context.Context, env *types.Envelope) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sent = append(h.sent, env.NodeFragments...)
		return nil
	}, opts)
	t.Cleanup(h.s.Complete)
	return h
}

func (h *sessionHarness) sentFragments() []types.NodeFragment {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.NodeFragment(nil), h.sent...)
}

func textLeaf(id, data string) *types.NodeFragment {
	return &types.NodeFragment{ID: id, Chunk: &types.Chunk{
		Metadata: &types.ChunkMetadata{Mimetype: "text/plain"},
		Data:     []byte(data),
	}}
}

func TestSession_DuplicateFragmentDroppedSilently(t *testing.T) {
	h := newSessionHarness(t, Options{})

	require.NoError(t, h.s.HandleFragment(&types.NodeFragment{ID: "n1", Seq: 0, Continued: true,
		Chunk: &types.Chunk{Data: []byte("first")}}))
	require.NoError(t, h.s.HandleFragment(&types.NodeFragment{ID: "n1", Seq: 0, Continued: true,
		Chunk: &types.Chunk{Data: []byte("imposter")}}))

	assert.Equal(t, StateActive, h.s.State())
}

func TestSession_FragmentAfterTerminalAborts(t *testing.T) {
	h := newSessionHarness(t, Options{})

	require.NoError(t, h.s.HandleFragment(textLeaf("n1", "done")))
	err := h.s.HandleFragment(&types.NodeFragment{ID: "n1", Seq: 1, Continued: false,
		Chunk: &types.Chunk{Data: []byte("more")}})

	perr, ok := types.AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrMalformedFragment, perr.Kind)
	assert.Equal(t, StateAborted, h.s.State())
}

func TestSession_MisplacedMetadataAborts(t *testing.T) {
	h := newSessionHarness(t, Options{})

	err := h.s.HandleFragment(&types.NodeFragment{ID: "n1", Seq: 3, Continued: true,
		Chunk: &types.Chunk{Metadata: &types.ChunkMetadata{Mimetype: "text/plain"}, Data: []byte("x")}})

	perr, ok := types.AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrMalformedFragment, perr.Kind)
}

func TestSession_OutputReuseAborts(t *testing.T) {
	h := newSessionHarness(t, Options{})

	require.NoError(t, h.s.HandleFragment(textLeaf("existing", "x")))
	err := h.s.HandleAction(&types.Action{
		Name:    "GEN",
		Target:  types.TargetSpec{ID: executor.GenerateTarget},
		Outputs: []types.NamedParameter{{Name: "response", ID: "existing"}},
	})

	perr, ok := types.AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrOutputReuse, perr.Kind)
	assert.Equal(t, StateAborted, h.s.State())
}

func TestSession_DuplicateParameterAborts(t *testing.T) {
	h := newSessionHarness(t, Options{})

	err := h.s.HandleAction(&types.Action{
		Name:   "GEN",
		Target: types.TargetSpec{ID: executor.GenerateTarget},
		Inputs: []types.NamedParameter{
			{Name: "prompt", ID: "a"},
			{Name: "prompt", ID: "b"},
		},
	})

	perr, ok := types.AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrDuplicateParameter, perr.Kind)
}

func TestSession_CyclicReferenceAborts(t *testing.T) {
	h := newSessionHarness(t, Options{})

	require.NoError(t, h.s.HandleFragment(&types.NodeFragment{ID: "a", Seq: 0, Continued: true, ChildIDs: []string{"b"}}))
	require.NoError(t, h.s.HandleFragment(&types.NodeFragment{ID: "b", Seq: 0, Continued: true, ChildIDs: []string{"c"}}))
	err := h.s.HandleFragment(&types.NodeFragment{ID: "c", Seq: 0, Continued: true, ChildIDs: []string{"a"}})

	perr, ok := types.AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCyclicReference, perr.Kind)
}

func TestSession_NestingLimitAborts(t *testing.T) {
	h := newSessionHarness(t, Options{MaxDepth: 2})

	require.NoError(t, h.s.HandleFragment(&types.NodeFragment{ID: "a", Seq: 0, Continued: true, ChildIDs: []string{"b"}}))
	require.NoError(t, h.s.HandleFragment(&types.NodeFragment{ID: "b", Seq: 0, Continued: true, ChildIDs: []string{"c"}}))
	err := h.s.HandleFragment(&types.NodeFragment{ID: "c", Seq: 0, Continued: true, ChildIDs: []string{"d"}})

	perr, ok := types.AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrNestingLimit, perr.Kind)
}

func TestSession_UnsupportedTargetAborts(t *testing.T) {
	h := newSessionHarness(t, Options{})

	err := h.s.HandleAction(&types.Action{Name: "X", Target: types.TargetSpec{ID: "warp-drive"}})

	perr, ok := types.AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrUnsupportedTarget, perr.Kind)
}

func TestSession_AbortDropsStateAndNotifies(t *testing.T) {
	h := newSessionHarness(t, Options{})

	require.NoError(t, h.s.HandleFragment(textLeaf("n1", "x")))
	require.NoError(t, h.s.HandleFragment(textLeaf("n2", "y")))
	require.Error(t, h.s.HandleFragment(&types.NodeFragment{ID: "n3", Seq: 0, Continued: true}))

	assert.Equal(t, StateAborted, h.s.State())
	assert.Zero(t, h.s.Registry().Len())

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.fatals, 1)

	// Nothing is accepted after abort.
	err := h.s.HandleFragment(textLeaf("n4", "z"))
	assert.Error(t, err)
}

func TestSession_ActionRunsAndStreamsOutput(t *testing.T) {
	h := newSessionHarness(t, Options{})

	require.NoError(t, h.s.HandleEnvelope(&types.Envelope{
		NodeFragments: []types.NodeFragment{*textLeaf("prompt_1", "tell me things")},
		Actions: []types.Action{{
			Name:    "GENERATE",
			Target:  types.TargetSpec{ID: executor.GenerateTarget},
			Inputs:  []types.NamedParameter{{Name: "prompt", ID: "prompt_1"}},
			Outputs: []types.NamedParameter{{Name: "response", ID: "response_1"}},
		}},
	}))

	h.s.Complete()
	assert.Equal(t, StateCompleted, h.s.State())

	frags := h.sentFragments()
	require.NotEmpty(t, frags)
	for _, f := range frags {
		assert.Equal(t, "response_1", f.ID)
	}
	assert.False(t, frags[len(frags)-1].Continued)
}

func TestSession_CompleteRacingEnvelope(t *testing.T) {
	// An envelope racing Complete either lands before the state flips, in
	// which case its action is waited out, or is rejected. It must never
	// launch an action behind the dispatcher's Wait.
	for i := 0; i < 100; i++ {
		h := newSessionHarness(t, Options{})

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.s.HandleEnvelope(&types.Envelope{
				NodeFragments: []types.NodeFragment{*textLeaf("prompt_1", "race")},
				Actions: []types.Action{{
					Name:    "GENERATE",
					Target:  types.TargetSpec{ID: executor.GenerateTarget},
					Inputs:  []types.NamedParameter{{Name: "prompt", ID: "prompt_1"}},
					Outputs: []types.NamedParameter{{Name: "response", ID: "response_1"}},
				}},
			})
		}()
		h.s.Complete()
		wg.Wait()

		assert.Equal(t, StateCompleted, h.s.State())

		// Whatever was streamed is terminated; nothing trickles in late.
		frags := h.sentFragments()
		if len(frags) > 0 {
			assert.False(t, frags[len(frags)-1].Continued)
		}
	}
}

func TestSession_FailAbortsWithoutCause(t *testing.T) {
	h := newSessionHarness(t, Options{})
	require.NoError(t, h.s.HandleFragment(textLeaf("n1", "x")))

	h.s.Fail()

	assert.Equal(t, StateAborted, h.s.State())
	assert.Nil(t, h.s.Err())
	assert.Zero(t, h.s.Registry().Len())
	assert.Error(t, h.s.HandleFragment(textLeaf("n2", "y")))
}

func TestEngine_RunCompletesOnEOF(t *testing.T) {
	engine := NewEngine(executor.DefaultRegistry(), Options{})
	client, server := transport.NewPipe(16)

	done := make(chan *types.ProtocolError, 1)
	go func() { done <- engine.Run(context.Background(), server) }()

	ctx := context.Background()
	require.NoError(t, client.Send(ctx, &types.Envelope{
		NodeFragments: []types.NodeFragment{*textLeaf("p1", "hi")},
	}))
	require.NoError(t, client.Close())

	assert.Nil(t, <-done)
	assert.Zero(t, engine.Len())
}

func TestEngine_RunReportsViolation(t *testing.T) {
	engine := NewEngine(executor.DefaultRegistry(), Options{})
	client, server := transport.NewPipe(16)

	done := make(chan *types.ProtocolError, 1)
	go func() { done <- engine.Run(context.Background(), server) }()

	ctx := context.Background()
	require.NoError(t, client.Send(ctx, &types.Envelope{
		NodeFragments: []types.NodeFragment{{ID: "a", ChildIDs: []string{"a"}}},
	}))

	perr := <-done
	require.NotNil(t, perr)
	assert.Equal(t, types.ErrCyclicReference, perr.Kind)
	assert.Equal(t, perr, client.TerminalError())
}

// brokenTransport fails every receive, as a dropped connection would.
type brokenTransport struct{}

func (brokenTransport) Receive(ctx context.Context) (*types.Envelope, error) {
	return nil, errors.New("connection reset")
}
func (brokenTransport) Send(ctx context.Context, env *types.Envelope) error { return nil }
func (brokenTransport) Close() error                                        { return nil }

func TestEngine_RunFailsOnTransportError(t *testing.T) {
	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })

	aborted := make(chan event.SessionAbortedData, 1)
	bus.Subscribe(event.SessionAborted, func(e event.Event) {
		if data, ok := e.Data.(event.SessionAbortedData); ok {
			aborted <- data
		}
	})

	engine := NewEngine(executor.DefaultRegistry(), Options{Bus: bus})
	require.Nil(t, engine.Run(context.Background(), brokenTransport{}))
	assert.Zero(t, engine.Len())

	// The session ends aborted with no protocol cause; it must not complete.
	select {
	case data := <-aborted:
		assert.Nil(t, data.Error)
	case <-time.After(time.Second):
		t.Fatal("no abort for broken transport")
	}
}
