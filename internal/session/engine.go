package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/evergreen-ai/evergreen/internal/executor"
	"github.com/evergreen-ai/evergreen/internal/logging"
	"github.com/evergreen-ai/evergreen/internal/transport"
	"github.com/evergreen-ai/evergreen/pkg/types"
)

// Engine owns the live sessions of one process and drives each over its
// transport.
type Engine struct {
	execs *executor.Registry
	opts  Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEngine creates an engine. opts applies to every session it creates.
func NewEngine(execs *executor.Registry, opts Options) *Engine {
	if execs == nil {
		execs = executor.DefaultRegistry()
	}
	return &Engine{
		execs:    execs,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// NewSessionID generates a lexically sortable unique session ID.
func NewSessionID() string {
	return "ses_" + ulid.Make().String()
}

// Create registers a new session whose outbound envelopes go through send.
func (e *Engine) Create(ctx context.Context, id string, send func(context.Context, *types.Envelope) error) *Session {
	if id == "" {
		id = NewSessionID()
	}
	s := New(ctx, id, e.execs, send, e.opts)

	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()
	return s
}

// Get returns a live session by ID.
func (e *Engine) Get(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return s, ok
}

// Remove forgets a session. The session itself must already be completed or
// aborted.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

// Len returns the number of registered sessions.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Run drives one session over a transport until the peer closes the stream
// or a protocol violation aborts the session. Orderly close completes the
// session; a violation is reported to the peer when the transport supports
// that. Run returns the terminal protocol error, or nil on orderly
// completion.
func (e *Engine) Run(ctx context.Context, t transport.Transport) *types.ProtocolError {
	s := e.Create(ctx, "", t.Send)
	defer e.Remove(s.ID)

	log := logging.Session("engine", s.ID)

	for {
		env, err := t.Receive(s.Context())
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.Complete()
				return nil
			}
			if s.State() == StateAborted {
				// Receive was cut off by the abort; fall through to report.
				break
			}
			// A broken transport is not an orderly close; tear down without
			// completing so parked actions never run against it.
			log.Warn().Err(err).Msg("transport receive failed")
			s.Fail()
			return nil
		}
		if err := s.HandleEnvelope(env); err != nil {
			break
		}
	}

	perr := s.Err()
	if perr == nil {
		perr = types.Violationf(types.ErrMalformedFragment, "session aborted")
	}
	if reporter, ok := t.(transport.ErrorReporter); ok {
		if rerr := reporter.ReportError(ctx, perr); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to report terminal error to peer")
		}
	}
	_ = t.Close()
	return perr
}
