// Package dispatch gates actions on input-tree resolution and drives their
// executors: it flattens resolved input trees, retries transient executor
// failures, and feeds output fragments back into the node registry and the
// outbound writer.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/evergreen-ai/evergreen/internal/event"
	"github.com/evergreen-ai/evergreen/internal/executor"
	"github.com/evergreen-ai/evergreen/internal/logging"
	"github.com/evergreen-ai/evergreen/internal/observability"
	"github.com/evergreen-ai/evergreen/internal/outbound"
	"github.com/evergreen-ai/evergreen/internal/registry"
	"github.com/evergreen-ai/evergreen/internal/resolver"
	"github.com/evergreen-ai/evergreen/pkg/types"
)

const (
	// DefaultMaxRetries bounds re-execution after transient executor errors.
	DefaultMaxRetries = 3
	// DefaultRetryInterval seeds the exponential backoff between attempts.
	DefaultRetryInterval = 50 * time.Millisecond
)

// FatalFunc receives session-fatal errors raised while an action runs
// asynchronously. The session aborts in response.
type FatalFunc func(*types.ProtocolError)

// Options tunes a dispatcher. Zero values take the package defaults.
type Options struct {
	MaxRetries    uint64
	RetryInterval time.Duration
}

// Dispatcher holds actions until their input trees resolve, then runs each on
// its executor in a dedicated goroutine.
type Dispatcher struct {
	log zerolog.Logger
	ctx context.Context

	sessionID string
	reg       *registry.Registry
	res       *resolver.Resolver
	execs     *executor.Registry
	out       *outbound.Writer
	bus       *event.Bus
	onFatal   FatalFunc

	maxRetries    uint64
	retryInterval time.Duration

	wg sync.WaitGroup
}

// New creates a dispatcher bound to one session's registry, resolver, and
// outbound writer. onFatal may be nil.
func New(ctx context.Context, sessionID string, reg *registry.Registry, res *resolver.Resolver,
	execs *executor.Registry, out *outbound.Writer, bus *event.Bus, onFatal FatalFunc, opts Options) *Dispatcher {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	return &Dispatcher{
		log:           logging.Session("dispatch", sessionID),
		ctx:           ctx,
		sessionID:     sessionID,
		reg:           reg,
		res:           res,
		execs:         execs,
		out:           out,
		bus:           bus,
		onFatal:       onFatal,
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
	}
}

// Submit validates the action's target and parks it until every input tree is
// resolved. Output reservation happens before Submit, at envelope admission.
// The returned error, if any, is session-fatal.
func (d *Dispatcher) Submit(action types.Action) error {
	exec, ok := d.execs.Get(action.Target.ID)
	if !ok {
		return types.ActionViolationf(types.ErrUnsupportedTarget, action.Name,
			"no executor registered for target %q", action.Target.ID)
	}

	if d.bus != nil {
		d.bus.Publish(event.Event{
			Type: event.ActionSubmitted,
			Data: event.ActionSubmittedData{SessionID: d.sessionID, Action: action.Name, Target: action.Target.ID},
		})
	}

	if len(action.Inputs) == 0 {
		d.launch(action, exec)
		return nil
	}

	// One waiter per input; the last one to fire launches the run. Waiters
	// are one-shot, so the counter reaches zero exactly once.
	var pending atomic.Int64
	pending.Store(int64(len(action.Inputs)))
	for _, in := range action.Inputs {
		d.res.Require(in.ID, func(string) {
			if pending.Add(-1) == 0 {
				d.launch(action, exec)
			}
		})
	}
	return nil
}

// launch joins the wait group on the caller's goroutine. Resolver waiters run
// synchronously from Finalize, so an action whose inputs have all resolved is
// counted before any later Wait.
func (d *Dispatcher) launch(action types.Action, exec executor.Executor) {
	d.wg.Add(1)
	go d.run(action, exec)
}

// Wait blocks until every launched action goroutine has finished. Actions
// still parked on unresolved inputs are not waited for; at session end they
// simply never run.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// outputState tracks what the executor has emitted for one output parameter,
// so the dispatcher can synthesize a terminal fragment for streams the
// executor left open.
type outputState struct {
	nodeID  string
	nextSeq uint64
	emitted bool
	final   bool
}

func (d *Dispatcher) run(action types.Action, exec executor.Executor) {
	defer d.wg.Done()

	if d.ctx.Err() != nil {
		return
	}

	start := time.Now()
	log := d.log.With().Str("action", action.Name).Str("target", action.Target.ID).Logger()

	req, err := d.buildRequest(action)
	if err != nil {
		d.finish(action, start, err)
		return
	}

	outputs := make(map[string]*outputState, len(action.Outputs))
	names := make([]string, 0, len(action.Outputs))
	for _, p := range action.Outputs {
		outputs[p.Name] = &outputState{nodeID: p.ID}
		names = append(names, p.Name)
	}
	req.Outputs = names

	emit := func(o executor.Output) error {
		state, ok := outputs[o.Param]
		if !ok {
			log.Warn().Str("param", o.Param).Msg("executor emitted undeclared output parameter")
			return nil
		}
		if err := d.emitFragment(state.nodeID, o.Seq, o.Continued, o.Chunk); err != nil {
			return err
		}
		state.emitted = true
		if o.Seq >= state.nextSeq {
			state.nextSeq = o.Seq + 1
		}
		if !o.Continued {
			state.final = true
		}
		return nil
	}

	operation := func() error {
		execErr := exec.Execute(d.ctx, req, emit)
		if execErr == nil {
			return nil
		}
		var tr *executor.Transient
		if errors.As(execErr, &tr) && d.ctx.Err() == nil {
			log.Warn().Err(execErr).Msg("transient executor failure, retrying")
			return execErr
		}
		return backoff.Permanent(execErr)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.retryInterval
	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, d.maxRetries), d.ctx))
	if err != nil {
		d.finish(action, start, err)
		return
	}

	// Close out streams the executor emitted into but never terminated.
	// Streams it never touched stay unmaterialized; that is how executors
	// decline unsupported output parameters.
	for _, state := range outputs {
		if state.emitted && !state.final {
			if err := d.emitFragment(state.nodeID, state.nextSeq, false, nil); err != nil {
				d.finish(action, start, err)
				return
			}
		}
	}
	d.finish(action, start, nil)
}

// buildRequest flattens every resolved input tree into the executor request.
func (d *Dispatcher) buildRequest(action types.Action) (*executor.Request, error) {
	req := &executor.Request{
		SessionID: d.sessionID,
		Action:    action.Name,
		Target:    action.Target.ID,
		Configs:   action.Configs,
	}
	for _, in := range action.Inputs {
		chunks, err := Flatten(d.reg, in.ID)
		if err != nil {
			return nil, types.ActionViolationf(types.ErrActionFailed, action.Name,
				"assembling input %q: %v", in.Name, err)
		}
		req.Inputs = append(req.Inputs, executor.Input{Name: in.Name, Chunks: chunks})
	}
	return req, nil
}

// emitFragment admits one output fragment into the registry, finalizes the
// node when its stream ends, and queues the fragment for transmission.
// Retried attempts replay earlier seqs; the registry reports those as
// duplicates and they are not re-sent.
func (d *Dispatcher) emitFragment(nodeID string, seq uint64, continued bool, c *types.Chunk) error {
	f := types.NodeFragment{ID: nodeID, Seq: seq, Continued: continued, Chunk: c}
	ev, err := d.reg.AdmitOutput(&f)
	if err != nil {
		return backoff.Permanent(err)
	}
	if ev == nil {
		// Duplicate seq from a retried attempt; already sent.
		return nil
	}

	if ev.Type == registry.NodeFinalized {
		if d.bus != nil {
			d.bus.Publish(event.Event{
				Type: event.NodeFinalized,
				Data: event.NodeFinalizedData{SessionID: d.sessionID, NodeID: nodeID},
			})
		}
		d.res.Finalize(nodeID)
	}

	observability.RecordOutbound()
	if err := d.out.Enqueue(f); err != nil {
		return backoff.Permanent(err)
	}
	return nil
}

// finish records metrics and events for the action and escalates failures to
// the session.
func (d *Dispatcher) finish(action types.Action, start time.Time, err error) {
	status := "ok"
	var errMsg string
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}
	observability.RecordAction(action.Target.ID, status, time.Since(start))

	if d.bus != nil {
		d.bus.Publish(event.Event{
			Type: event.ActionCompleted,
			Data: event.ActionCompletedData{
				SessionID: d.sessionID,
				Action:    action.Name,
				Target:    action.Target.ID,
				Err:       errMsg,
			},
		})
	}

	if err == nil {
		d.log.Debug().Str("action", action.Name).Dur("duration", time.Since(start)).Msg("action completed")
		return
	}
	if d.ctx.Err() != nil {
		// Session is shutting down; the abort path already ran.
		return
	}

	d.log.Error().Err(err).Str("action", action.Name).Msg("action failed")
	if d.onFatal == nil {
		return
	}
	if perr, ok := types.AsProtocolError(err); ok {
		d.onFatal(perr)
		return
	}
	d.onFatal(types.ActionViolationf(types.ErrActionFailed, action.Name, "%v", err))
}
