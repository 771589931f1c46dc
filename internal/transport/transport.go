// Package transport abstracts the bidirectional envelope stream a session
// runs over, plus the CBOR wire codec and an in-memory pipe for tests and
// embedding.
package transport

import (
	"context"

	"github.com/evergreen-ai/evergreen/pkg/types"
)

// Transport is one bidirectional envelope stream. Receive and Send may be
// called concurrently with each other, but each from one goroutine at a time.
type Transport interface {
	// Receive blocks for the next inbound envelope. It returns io.EOF when
	// the peer has closed the stream in an orderly way.
	Receive(ctx context.Context) (*types.Envelope, error)
	// Send delivers one envelope to the peer.
	Send(ctx context.Context, env *types.Envelope) error
	// Close tears the stream down. Pending Receive calls return io.EOF.
	Close() error
}

// ErrorReporter is implemented by transports that can carry a terminal
// protocol error to the peer before the stream closes.
type ErrorReporter interface {
	ReportError(ctx context.Context, perr *types.ProtocolError) error
}
