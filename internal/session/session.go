// Package session ties the engine together: one Session per peer stream,
// feeding inbound envelopes through validation, node assembly, dependency
// resolution, and action dispatch, and streaming outputs back out.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evergreen-ai/evergreen/internal/dispatch"
	"github.com/evergreen-ai/evergreen/internal/event"
	"github.com/evergreen-ai/evergreen/internal/executor"
	"github.com/evergreen-ai/evergreen/internal/logging"
	"github.com/evergreen-ai/evergreen/internal/observability"
	"github.com/evergreen-ai/evergreen/internal/outbound"
	"github.com/evergreen-ai/evergreen/internal/registry"
	"github.com/evergreen-ai/evergreen/internal/resolver"
	"github.com/evergreen-ai/evergreen/pkg/types"
)

// State is the session lifecycle state.
type State int

const (
	StateActive State = iota + 1
	StateAborted
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateAborted:
		return "aborted"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Options tunes one session. Zero values take package defaults.
type Options struct {
	// MaxDepth bounds node-reference nesting.
	MaxDepth int
	// OutboundBuffer sizes the outbound fragment queue.
	OutboundBuffer int
	// MaxExecuteRetries bounds retries of transient executor failures.
	MaxExecuteRetries uint64
	// RetryInitialInterval seeds the executor retry backoff.
	RetryInitialInterval time.Duration
	// Bus receives session, node, and action events. Nil disables events.
	Bus *event.Bus
	// OnTerminalError is called once with the error that aborted the session.
	OnTerminalError func(*types.ProtocolError)
}

// Session is one protocol conversation. Envelope handling runs on the
// caller's goroutine and is serialized against Complete and Abort; actions
// run concurrently through the dispatcher.
type Session struct {
	ID string

	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	bus    *event.Bus

	reg  *registry.Registry
	res  *resolver.Resolver
	disp *dispatch.Dispatcher
	out  *outbound.Writer

	onTerminal func(*types.ProtocolError)

	// procMu serializes fragment and action handling against lifecycle
	// transitions, so no inbound work can slip past a state flip.
	procMu sync.Mutex

	mu    sync.Mutex
	state State
	cause *types.ProtocolError
}

// New creates an active session and starts its outbound writer. send delivers
// outbound envelopes to the peer.
func New(ctx context.Context, id string, execs *executor.Registry, send outbound.SendFunc, opts Options) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:         id,
		log:        logging.Session("session", id),
		ctx:        ctx,
		cancel:     cancel,
		bus:        opts.Bus,
		reg:        registry.New(),
		res:        resolver.New(opts.MaxDepth),
		onTerminal: opts.OnTerminalError,
		state:      StateActive,
	}
	s.out = outbound.NewWriter(ctx, id, opts.OutboundBuffer, send, opts.Bus)
	s.disp = dispatch.New(ctx, id, s.reg, s.res, execs, s.out, opts.Bus, s.abortAsync, dispatch.Options{
		MaxRetries:    opts.MaxExecuteRetries,
		RetryInterval: opts.RetryInitialInterval,
	})

	if s.bus != nil {
		s.bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionCreatedData{SessionID: id}})
	}
	s.log.Info().Msg("session created")
	return s
}

// State returns the session lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the protocol error that aborted the session, if any.
func (s *Session) Err() *types.ProtocolError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Context is the session-scoped context, cancelled on abort or completion.
func (s *Session) Context() context.Context { return s.ctx }

// Registry exposes the node arena for read-side consumers.
func (s *Session) Registry() *registry.Registry { return s.reg }

// HandleEnvelope processes one inbound envelope: fragments first, then
// actions, in wire order. The first protocol violation aborts the session and
// is returned; callers must stop feeding an aborted session.
func (s *Session) HandleEnvelope(env *types.Envelope) error {
	if env.Empty() {
		return nil
	}
	for i := range env.NodeFragments {
		if err := s.HandleFragment(&env.NodeFragments[i]); err != nil {
			return err
		}
	}
	for i := range env.Actions {
		if err := s.HandleAction(&env.Actions[i]); err != nil {
			return err
		}
	}
	return nil
}

// HandleFragment admits one fragment. Duplicate seqs are dropped silently;
// violations abort the session.
func (s *Session) HandleFragment(f *types.NodeFragment) error {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	if !s.active() {
		return s.terminalErr()
	}

	if err := f.Validate(); err != nil {
		return s.abortOn(err)
	}
	ev, err := s.reg.Admit(f)
	if err != nil {
		return s.abortOn(err)
	}
	if ev == nil {
		observability.RecordDuplicate()
		s.log.Debug().Str("node", f.ID).Uint64("seq", f.Seq).Msg("duplicate fragment dropped")
		return nil
	}

	// Register reference edges before finalization so cycle and depth
	// violations surface on the fragment that introduces them.
	for _, child := range ev.NewChildren {
		if err := s.res.AddReference(f.ID, child); err != nil {
			return s.abortOn(err)
		}
	}

	observability.RecordFragment(ev.Kind.String())
	s.publishNodeEvent(ev)

	if ev.Type == registry.NodeFinalized {
		s.res.Finalize(f.ID)
	}
	return nil
}

// HandleAction validates and submits one action. Output IDs are reserved
// before dispatch so a later inbound fragment cannot claim them.
func (s *Session) HandleAction(a *types.Action) error {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	if !s.active() {
		return s.terminalErr()
	}

	if err := a.Validate(); err != nil {
		return s.abortOn(err)
	}
	for _, out := range a.Outputs {
		if err := s.reg.ReserveOutput(out.ID, a.Name); err != nil {
			return s.abortOn(err)
		}
	}
	if err := s.disp.Submit(*a); err != nil {
		return s.abortOn(err)
	}
	s.log.Debug().Str("action", a.Name).Str("target", a.Target.ID).Int("inputs", len(a.Inputs)).Msg("action accepted")
	return nil
}

// Complete ends the session in an orderly way: waits for every runnable
// action, flushes the outbound queue, and releases resources. Actions still
// blocked on unresolved inputs at this point never run.
func (s *Session) Complete() {
	// Flip under procMu so in-flight envelope handling finishes first and no
	// later fragment can launch an action behind the dispatcher's Wait.
	// Released before Wait: a failing action aborts through procMu.
	s.procMu.Lock()
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		s.procMu.Unlock()
		return
	}
	s.state = StateCompleted
	s.mu.Unlock()
	s.procMu.Unlock()

	s.disp.Wait()
	s.out.Close()
	s.cancel()

	observability.RecordCompletion()
	if s.bus != nil {
		s.bus.Publish(event.Event{Type: event.SessionCompleted, Data: event.SessionCompletedData{SessionID: s.ID}})
	}
	s.log.Info().Int("nodes", s.reg.Len()).Msg("session completed")
}

// Abort tears the session down after a protocol violation. Buffered node
// state is dropped; nothing about the session is trusted afterwards.
func (s *Session) Abort(perr *types.ProtocolError) {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	s.abort(perr)
}

// abort is Abort for callers already holding procMu.
func (s *Session) abort(perr *types.ProtocolError) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateAborted
	s.cause = perr
	s.mu.Unlock()

	s.teardown()

	observability.RecordAbort(string(perr.Kind))
	if s.bus != nil {
		s.bus.Publish(event.Event{Type: event.SessionAborted, Data: event.SessionAbortedData{SessionID: s.ID, Error: perr}})
	}
	if s.onTerminal != nil {
		s.onTerminal(perr)
	}
	s.log.Error().Str("kind", string(perr.Kind)).Str("cause", perr.Msg).Msg("session aborted")
}

// Fail tears the session down when its transport breaks. The session ends
// aborted, but with no protocol cause; nothing the peer did was wrong, so no
// terminal error is reported and the session is not archive-eligible.
func (s *Session) Fail() {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateAborted
	s.mu.Unlock()

	s.teardown()

	observability.RecordAbort("transport_failure")
	if s.bus != nil {
		s.bus.Publish(event.Event{Type: event.SessionAborted, Data: event.SessionAbortedData{SessionID: s.ID}})
	}
	s.log.Warn().Msg("session failed on transport error")
}

func (s *Session) teardown() {
	s.cancel()
	s.reg.Drop()
	s.res.Drop()
	s.out.Close()
}

func (s *Session) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive
}

func (s *Session) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause != nil {
		return s.cause
	}
	return types.Violationf(types.ErrMalformedFragment, "session is %s", s.state)
}

// abortOn converts any handler error into a session abort and returns the
// protocol error for the transport to report. The caller holds procMu.
func (s *Session) abortOn(err error) error {
	perr, ok := types.AsProtocolError(err)
	if !ok {
		perr = types.Violationf(types.ErrMalformedFragment, "%v", err)
	}
	s.abort(perr)
	return perr
}

// abortAsync is the dispatcher's fatal-error path; it runs on an action
// goroutine.
func (s *Session) abortAsync(perr *types.ProtocolError) {
	s.Abort(perr)
}

func (s *Session) publishNodeEvent(ev *registry.Event) {
	if s.bus == nil {
		return
	}
	switch ev.Type {
	case registry.NodeCreated:
		s.bus.Publish(event.Event{Type: event.NodeCreated,
			Data: event.NodeCreatedData{SessionID: s.ID, NodeID: ev.NodeID, Kind: ev.Kind.String()}})
	case registry.NodeUpdated:
		s.bus.Publish(event.Event{Type: event.NodeUpdated,
			Data: event.NodeUpdatedData{SessionID: s.ID, NodeID: ev.NodeID, Seq: ev.Seq}})
	case registry.NodeFinalized:
		s.bus.Publish(event.Event{Type: event.NodeFinalized,
			Data: event.NodeFinalizedData{SessionID: s.ID, NodeID: ev.NodeID}})
	}
}
