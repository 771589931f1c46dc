package transport

import (
	"context"
	"io"
	"sync"

	"github.com/evergreen-ai/evergreen/pkg/types"
)

// Pipe is an in-memory Transport endpoint. NewPipe returns two connected
// endpoints; envelopes sent on one are received on the other. Used by tests
// and by in-process embedding of the engine.
type Pipe struct {
	peer *Pipe

	inbox chan *types.Envelope

	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	reported *types.ProtocolError
}

// NewPipe creates a connected endpoint pair. buffer sizes each direction's
// queue; 0 makes sends rendezvous with receives.
func NewPipe(buffer int) (*Pipe, *Pipe) {
	a := &Pipe{inbox: make(chan *types.Envelope, buffer), done: make(chan struct{})}
	b := &Pipe{inbox: make(chan *types.Envelope, buffer), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *Pipe) Receive(ctx context.Context) (*types.Envelope, error) {
	// Drain buffered envelopes even after close, so nothing sent before the
	// peer hung up is lost.
	select {
	case env := <-p.inbox:
		return env, nil
	default:
	}
	select {
	case env := <-p.inbox:
		return env, nil
	case <-p.done:
		return nil, io.EOF
	case <-p.peer.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipe) Send(ctx context.Context, env *types.Envelope) error {
	select {
	case p.peer.inbox <- env:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	case <-p.peer.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// ReportError carries a terminal protocol error to the peer endpoint, where
// TerminalError exposes it.
func (p *Pipe) ReportError(ctx context.Context, perr *types.ProtocolError) error {
	p.peer.mu.Lock()
	defer p.peer.mu.Unlock()
	if p.peer.reported == nil {
		p.peer.reported = perr
	}
	return nil
}

// TerminalError returns the protocol error the peer reported, if any.
func (p *Pipe) TerminalError() *types.ProtocolError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reported
}
