package server

import (
	"sync"

	"github.com/evergreen-ai/evergreen/internal/logging"
	"github.com/evergreen-ai/evergreen/pkg/types"
)

// streamItem is one unit on a session's outbound stream: an envelope, the
// terminal protocol error, or the orderly-completion marker.
type streamItem struct {
	Envelope *types.Envelope
	Err      *types.ProtocolError
	Done     bool
}

// subscriberBuffer bounds each stream subscriber's queue. Slow consumers lose
// envelopes rather than stalling the session.
const subscriberBuffer = 64

// broker fans a session's outbound stream out to its SSE subscribers.
type broker struct {
	sessionID string

	mu     sync.Mutex
	subs   map[uint64]chan streamItem
	nextID uint64
	closed bool
	// last terminal item, replayed to late subscribers
	terminal *streamItem
}

func newBroker(sessionID string) *broker {
	return &broker{
		sessionID: sessionID,
		subs:      make(map[uint64]chan streamItem),
	}
}

// subscribe registers a stream consumer. The returned cancel function is
// idempotent. A broker that already terminated replays the terminal item.
func (b *broker) subscribe() (<-chan streamItem, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan streamItem, subscriberBuffer)
	if b.closed {
		if b.terminal != nil {
			ch <- *b.terminal
		}
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

// publish delivers one item to every subscriber without blocking.
func (b *broker) publish(item streamItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- item:
		default:
			logging.Warn().
				Str("session", b.sessionID).
				Msg("stream subscriber full, dropping envelope")
		}
	}
}

// terminate publishes the terminal item and closes every subscriber channel.
func (b *broker) terminate(item streamItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.terminal = &item
	for id, ch := range b.subs {
		select {
		case ch <- item:
		default:
		}
		close(ch)
		delete(b.subs, id)
	}
}
