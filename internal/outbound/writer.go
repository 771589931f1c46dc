// Package outbound serializes node fragments for transmission, decoupled
// from assembly order. Concurrent actions enqueue freely; one writer
// goroutine batches fragments into envelopes and hands them to the transport.
package outbound

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/evergreen-ai/evergreen/internal/event"
	"github.com/evergreen-ai/evergreen/internal/logging"
	"github.com/evergreen-ai/evergreen/pkg/types"
)

// DefaultBuffer is the enqueue buffer used when the caller passes 0.
const DefaultBuffer = 256

// maxBatch bounds how many fragments ride in one envelope.
const maxBatch = 32

// ErrClosed is returned by Enqueue after the writer has shut down.
var ErrClosed = errors.New("outbound writer closed")

// SendFunc delivers one envelope to the transport.
type SendFunc func(ctx context.Context, env *types.Envelope) error

// Writer owns the outbound path for one session.
type Writer struct {
	log  zerolog.Logger
	ctx  context.Context
	send SendFunc
	bus  *event.Bus

	sessionID string

	mu     sync.Mutex
	closed bool
	ch     chan types.NodeFragment
	quit   chan struct{}
	done   chan struct{}
}

// NewWriter starts the writer goroutine. The context is the session context;
// cancellation stops emission promptly.
func NewWriter(ctx context.Context, sessionID string, buffer int, send SendFunc, bus *event.Bus) *Writer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	w := &Writer{
		log:       logging.Session("outbound", sessionID),
		ctx:       ctx,
		send:      send,
		bus:       bus,
		sessionID: sessionID,
		ch:        make(chan types.NodeFragment, buffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go w.loop()
	return w
}

// Enqueue queues one fragment for transmission. w.ch is never closed, so a
// sender racing Close cannot panic; it is released by the quit channel
// instead and its fragment is dropped with the rest of the shutdown.
func (w *Writer) Enqueue(f types.NodeFragment) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.mu.Unlock()

	select {
	case w.ch <- f:
		return nil
	case <-w.quit:
		return ErrClosed
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

// Close stops accepting fragments, flushes what is queued, and waits for the
// writer goroutine to exit.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.quit)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) loop() {
	defer close(w.done)

	for {
		var first types.NodeFragment
		select {
		case <-w.ctx.Done():
			return
		case <-w.quit:
			w.drain()
			return
		case first = <-w.ch:
		}

		env := &types.Envelope{NodeFragments: []types.NodeFragment{first}}
	batch:
		for len(env.NodeFragments) < maxBatch {
			select {
			case f := <-w.ch:
				env.NodeFragments = append(env.NodeFragments, f)
			default:
				break batch
			}
		}
		w.flush(env)
	}
}

// drain flushes fragments that were already queued when Close was called.
func (w *Writer) drain() {
	env := &types.Envelope{}
	for {
		select {
		case f := <-w.ch:
			env.NodeFragments = append(env.NodeFragments, f)
			if len(env.NodeFragments) == maxBatch {
				w.flush(env)
				env = &types.Envelope{}
			}
		default:
			if len(env.NodeFragments) > 0 {
				w.flush(env)
			}
			return
		}
	}
}

func (w *Writer) flush(env *types.Envelope) {
	if err := w.send(w.ctx, env); err != nil {
		if w.ctx.Err() == nil {
			w.log.Error().Err(err).Int("fragments", len(env.NodeFragments)).Msg("outbound send failed")
		}
		return
	}
	if w.bus == nil {
		return
	}
	for _, f := range env.NodeFragments {
		w.bus.Publish(event.Event{
			Type: event.FragmentOutbound,
			Data: event.FragmentOutboundData{
				SessionID: w.sessionID,
				NodeID:    f.ID,
				Seq:       f.Seq,
				Final:     !f.Continued,
			},
		})
	}
}
