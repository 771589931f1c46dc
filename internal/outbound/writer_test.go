package outbound

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evergreen-ai/evergreen/pkg/types"
)

type captureSink struct {
	mu        sync.Mutex
	envelopes []*types.Envelope
}

func (c *captureSink) send(ctx context.Context, env *types.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes = append(c.envelopes, env)
	return nil
}

func (c *captureSink) fragments() []types.NodeFragment {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.NodeFragment
	for _, env := range c.envelopes {
		out = append(out, env.NodeFragments...)
	}
	return out
}

func TestWriter_FlushesOnClose(t *testing.T) {
	sink := &captureSink{}
	w := NewWriter(context.Background(), "s1", 16, sink.send, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Enqueue(types.NodeFragment{ID: "out", Seq: uint64(i), Continued: i < 4}))
	}
	w.Close()

	frags := sink.fragments()
	require.Len(t, frags, 5)
	for i, f := range frags {
		assert.Equal(t, uint64(i), f.Seq)
	}
	assert.False(t, frags[4].Continued)
}

func TestWriter_EnqueueAfterClose(t *testing.T) {
	sink := &captureSink{}
	w := NewWriter(context.Background(), "s1", 4, sink.send, nil)
	w.Close()

	err := w.Enqueue(types.NodeFragment{ID: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriter_ContextCancelStopsEmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan struct{})
	w := NewWriter(ctx, "s1", 1, func(ctx context.Context, env *types.Envelope) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	require.NoError(t, w.Enqueue(types.NodeFragment{ID: "a"}))
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("send never started")
	}

	cancel()

	done := make(chan struct{})
	go func() {
		w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not stop after cancel")
	}
}

func TestWriter_CloseRacingEnqueue(t *testing.T) {
	// Senders parked on a full queue must be released by Close, not panicked
	// by a channel close out from under their send.
	for iter := 0; iter < 200; iter++ {
		slow := make(chan struct{})
		sink := &captureSink{}
		w := NewWriter(context.Background(), "s1", 1, func(ctx context.Context, env *types.Envelope) error {
			<-slow
			return sink.send(ctx, env)
		}, nil)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					if err := w.Enqueue(types.NodeFragment{ID: "node", Continued: true}); err != nil {
						assert.ErrorIs(t, err, ErrClosed)
						return
					}
				}
			}()
		}

		close(slow)
		w.Close()
		wg.Wait()
	}
}

func TestWriter_ConcurrentEnqueue(t *testing.T) {
	sink := &captureSink{}
	w := NewWriter(context.Background(), "s1", 64, sink.send, nil)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = w.Enqueue(types.NodeFragment{ID: "node", Seq: uint64(g*25 + i), Continued: true})
			}
		}(g)
	}
	wg.Wait()
	w.Close()

	assert.Len(t, sink.fragments(), 100)
}
