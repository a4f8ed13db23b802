// Package processor is the reactor: a single coordinating loop that pulls
// pending requests off a bounded intake queue and dispatches each one's HTTP
// exchange, admission-controlled by max_connections, with its own state
// machine (stopped -> starting -> running -> draining -> stopping ->
// stopped) so Enqueue can reject work outside the running window. Grounded
// on internal/jobs/worker.go's poll-claim-dispatch loop, generalized from a
// database-claim poll to an in-memory FIFO poll, and on
// embed_chunks.go's errgroup.SetLimit for the bounded-concurrency idea
// (realized here with golang.org/x/sync/semaphore, since admission must be
// held across the lifetime of one HTTP exchange rather than one batch job).
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/asynchttp/asynchttp/internal/config"
	"github.com/asynchttp/asynchttp/internal/executor"
	"github.com/asynchttp/asynchttp/internal/jobqueue"
	"github.com/asynchttp/asynchttp/internal/logger"
	"github.com/asynchttp/asynchttp/internal/metrics"
	"github.com/asynchttp/asynchttp/internal/model"
)

// CallbackDispatcher is the narrow hand-off point to internal/callback: the
// processor only needs "do something with the finished exchange", not the
// mechanics of building or pushing a callback job.
type CallbackDispatcher interface {
	DispatchSuccess(ctx context.Context, req model.Request, resp model.Response) error
	DispatchError(ctx context.Context, req model.Request, err error) error
}

// Registry is the narrow view of internal/registry.Registry the processor
// needs, kept as an interface so tests can swap in a no-op.
type Registry interface {
	Track(ctx context.Context, req model.Request, now time.Time) error
	Heartbeat(ctx context.Context, requestID string, now time.Time) error
	Remove(ctx context.Context, requestID string) error
}

// Processor is the async HTTP reactor. Safe for concurrent Enqueue calls;
// Start/Shutdown are not meant to race with each other.
type Processor struct {
	cfg      *config.Configuration
	exec     *executor.Executor
	registry Registry
	queue    jobqueue.Queue
	callback CallbackDispatcher
	metrics  *metrics.Metrics
	log      *logger.Logger

	life lifecycle

	sem *semaphore.Weighted

	pendingMu   sync.Mutex
	pending     []model.Request
	inFlight    int
	inFlightIDs map[string]struct{}
	inFlightCxl map[string]context.CancelFunc

	wg         sync.WaitGroup
	loopCancel context.CancelFunc
}

// New constructs a Processor in the stopped state. Call Start to begin
// serving requests.
func New(cfg *config.Configuration, exec *executor.Executor, reg Registry, queue jobqueue.Queue, cb CallbackDispatcher, m *metrics.Metrics) *Processor {
	return &Processor{
		cfg:         cfg,
		exec:        exec,
		registry:    reg,
		queue:       queue,
		callback:    cb,
		metrics:     m,
		log:         cfg.Logger.With("component", "processor"),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConnections)),
		inFlightIDs: make(map[string]struct{}),
		inFlightCxl: make(map[string]context.CancelFunc),
	}
}

// InFlightIDs returns the request IDs currently being executed, satisfying
// monitor.InFlightLister.
func (p *Processor) InFlightIDs() []string {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	ids := make([]string, 0, len(p.inFlightIDs))
	for id := range p.inFlightIDs {
		ids = append(ids, id)
	}
	return ids
}

// State reports the current lifecycle state.
func (p *Processor) State() State { return p.life.get() }

// Start transitions stopped -> starting -> running and launches the reactor
// loop in the background. The loop's own context only governs the intake
// ticker; it is deliberately independent of any single exchange's context,
// so that canceling it (at Shutdown) never aborts an HTTP call that is already
// within its own per-request timeout budget (see execute/Shutdown).
func (p *Processor) Start(ctx context.Context) error {
	if !p.life.compareAndSwap(StateStopped, StateStarting) {
		return fmt.Errorf("asynchttp: processor cannot start from state %s", p.life.get())
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.loopCancel = cancel

	p.life.set(StateRunning)

	p.wg.Add(1)
	go p.reactorLoop(loopCtx)

	return nil
}

// Enqueue admits req for asynchronous processing, applying the configured
// backpressure strategy when at capacity. Returns *model.NotRunningError if
// the processor isn't in the running state, or *model.MaxCapacityError if
// admission was refused.
func (p *Processor) Enqueue(ctx context.Context, req model.Request) error {
	if p.life.get() != StateRunning {
		return &model.NotRunningError{}
	}

	if err := p.admit(ctx, req); err != nil {
		return err
	}

	now := time.Now()
	if p.registry != nil {
		if err := p.registry.Track(ctx, req, now); err != nil {
			p.log.Warn("failed to track inflight request", "request_id", req.ID(), "error", err)
		}
	}

	p.pendingMu.Lock()
	p.pending = append(p.pending, req)
	p.pendingMu.Unlock()

	p.metrics.RequestAccepted()
	return nil
}

// admit enforces max_connections across pending+in-flight requests per the
// configured BackpressureStrategy.
func (p *Processor) admit(ctx context.Context, req model.Request) error {
	capacity := p.cfg.MaxConnections

	p.pendingMu.Lock()
	outstanding := len(p.pending) + p.inFlight
	atCapacity := outstanding >= capacity
	p.pendingMu.Unlock()

	if !atCapacity {
		return nil
	}

	switch p.cfg.BackpressureStrategy {
	case config.BackpressureRaise:
		return &model.MaxCapacityError{MaxConnections: capacity}

	case config.BackpressureDropOldest:
		p.pendingMu.Lock()
		var dropped *model.Request
		if len(p.pending) > 0 {
			d := p.pending[0]
			p.pending = p.pending[1:]
			dropped = &d
		}
		p.pendingMu.Unlock()
		if dropped != nil {
			p.metrics.RequestReEnqueued()
			if p.registry != nil {
				_ = p.registry.Remove(ctx, dropped.ID())
			}
			p.log.Warn("dropped oldest pending request for backpressure", "dropped_request_id", dropped.ID())
		}
		return nil

	case config.BackpressureBlock:
		deadline := time.Now().Add(p.cfg.BackpressureBlockTimeout)
		for time.Now().Before(deadline) {
			p.pendingMu.Lock()
			outstanding := len(p.pending) + p.inFlight
			p.pendingMu.Unlock()
			if outstanding < capacity {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.TTick):
			}
		}
		return &model.MaxCapacityError{MaxConnections: capacity}

	default:
		return &model.MaxCapacityError{MaxConnections: capacity}
	}
}

// reactorLoop is the cooperative single-threaded dispatcher: it polls the
// pending queue every t_dequeue and, on each tick, takes at most one request
// (the oldest) and, if the semaphore admits it, spawns one goroutine to run
// its HTTP exchange, never blocking the loop itself on a single slow request.
func (p *Processor) reactorLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.TDequeue)
	defer ticker.Stop()

	// The monitor refreshes heartbeats on its own, slower cadence; this
	// ticker keeps the local entries fresh between monitor ticks so a busy
	// worker is never mistaken for an orphan.
	heartbeat := time.NewTicker(p.cfg.TInflightUpdate)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.dispatchOne(ctx)
		case <-heartbeat.C:
			p.refreshLocalHeartbeats(ctx)
		}
	}
}

func (p *Processor) refreshLocalHeartbeats(ctx context.Context) {
	if p.registry == nil {
		return
	}
	now := time.Now()
	for _, id := range p.InFlightIDs() {
		if err := p.registry.Heartbeat(ctx, id, now); err != nil {
			p.log.Warn("failed to refresh heartbeat", "request_id", id, "error", err)
		}
	}
}

func (p *Processor) dispatchOne(_ context.Context) {
	// Draining still dispatches: quiet() only closes intake, accepted work
	// runs to completion. Shutdown cancels the loop itself, so anything
	// left pending at that point is re-enqueued instead.
	if st := p.life.get(); st != StateRunning && st != StateDraining {
		return
	}

	p.pendingMu.Lock()
	if len(p.pending) == 0 {
		p.pendingMu.Unlock()
		return
	}
	req := p.pending[0]
	p.pending = p.pending[1:]
	p.pendingMu.Unlock()

	if !p.sem.TryAcquire(1) {
		// at capacity this tick; put it back at the front and retry next tick
		p.pendingMu.Lock()
		p.pending = append([]model.Request{req}, p.pending...)
		p.pendingMu.Unlock()
		return
	}

	// Each exchange gets its own cancelable context, rooted in
	// context.Background() rather than the reactor loop's context, so that
	// stopping the intake ticker never aborts a call already in flight.
	// Shutdown cancels this one specifically once its deadline passes.
	exCtx, exCancel := context.WithCancel(context.Background())

	p.pendingMu.Lock()
	p.inFlight++
	p.inFlightIDs[req.ID()] = struct{}{}
	p.inFlightCxl[req.ID()] = exCancel
	p.pendingMu.Unlock()

	p.wg.Add(1)
	go p.execute(exCtx, req)
}

func (p *Processor) execute(ctx context.Context, req model.Request) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer func() {
		p.pendingMu.Lock()
		p.inFlight--
		delete(p.inFlightIDs, req.ID())
		delete(p.inFlightCxl, req.ID())
		p.pendingMu.Unlock()
	}()

	// Per-task catch-all: one misbehaving exchange (or a panicking
	// user-supplied hook) must never take down the reactor. The panic is
	// converted into an unknown-type error delivered through the normal
	// error callback path.
	settled := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		p.log.Error("request execution panicked", "request_id", req.ID(), "panic", r)
		if !settled {
			p.metrics.RequestErrored(string(model.ErrorUnknown), 0)
		}
		perr := &model.TransportError{
			ClassName:    "UnknownError",
			Message:      fmt.Sprint(r),
			Type:         model.ErrorUnknown,
			RequestID:    req.ID(),
			URL:          req.URL(),
			Method:       req.Method(),
			CallbackArgs: req.CallbackArgs(),
		}
		if p.callback != nil {
			_ = p.callback.DispatchError(context.Background(), req, perr)
		}
	}()

	resp, err := p.exec.Do(ctx, req)

	// ctx is this exchange's own context, canceled only by Shutdown once
	// its deadline passes (never by the reactor loop's ctx). A failure
	// surfacing here while that happened is a shutdown cancellation, not a
	// real transport outcome: re-enqueue the original envelope instead of
	// handing the caller a synthetic error callback.
	if err != nil && ctx.Err() != nil {
		p.reenqueueOne(context.Background(), req)
		return
	}

	// Deferred so the inflight entry is removed only after the callback
	// below has been dispatched.
	if p.registry != nil {
		defer func() {
			if rmErr := p.registry.Remove(ctx, req.ID()); rmErr != nil {
				p.log.Warn("failed to remove inflight request", "request_id", req.ID(), "error", rmErr)
			}
		}()
	}

	if err != nil {
		errType := errorTypeOf(err)
		duration := resp.Duration
		if te, ok := err.(*model.TransportError); ok {
			duration = te.Duration
		}
		p.metrics.RequestErrored(errType, duration)
		settled = true
		if p.callback != nil {
			if dErr := p.callback.DispatchError(ctx, req, err); dErr != nil {
				p.log.Error("failed to dispatch error callback", "request_id", req.ID(), "error", dErr)
			}
		}
		return
	}

	p.metrics.RequestCompleted(resp.Duration)
	settled = true
	if p.callback != nil {
		if dErr := p.callback.DispatchSuccess(ctx, req, resp); dErr != nil {
			p.log.Error("failed to dispatch success callback", "request_id", req.ID(), "error", dErr)
		}
	}
}

// reenqueueOne pushes req's original job envelope back onto the queue and
// removes its inflight registry entry, the same bookkeeping
// reenqueueRemaining performs for requests that never got past the pending
// queue. ctx here is intentionally a fresh background context: the exchange
// context or shutdown deadline that led to this path is already canceled.
func (p *Processor) reenqueueOne(ctx context.Context, req model.Request) {
	env := req.JobEnvelope()
	if env.Class == "" {
		env.Class = jobqueue.RequestJobClass
		env.Args = map[string]interface{}{"request": req.AsHash()}
	}
	if p.queue != nil {
		if err := p.queue.Push(ctx, jobqueue.Envelope{
			ID:         req.ID(),
			Class:      env.Class,
			Args:       env.Args,
			Metadata:   env.Metadata,
			RetryCount: env.RetryCount + 1,
		}); err != nil {
			p.log.Error("failed to re-enqueue in-flight request on shutdown", "request_id", req.ID(), "error", err)
		}
	}
	p.metrics.RequestReEnqueued()
	if p.registry != nil {
		_ = p.registry.Remove(ctx, req.ID())
	}
}

func errorTypeOf(err error) string {
	switch e := err.(type) {
	case *model.TransportError:
		return string(e.Type)
	case *model.TooManyRedirectsError:
		return "redirect"
	case *model.RecursiveRedirectError:
		return "redirect"
	case *model.ClientError:
		return "client_error"
	case *model.ServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Quiet is the standalone running -> draining transition: Enqueue
// immediately starts refusing new work, but nothing already in flight is
// touched and nothing is re-enqueued; that half belongs to Shutdown.
// Calling Quiet before Shutdown simply means Shutdown finds the processor
// already draining and moves straight to its bounded wait.
func (p *Processor) Quiet() error {
	if p.transitionToDraining() {
		return nil
	}
	return fmt.Errorf("asynchttp: processor cannot quiet from state %s", p.life.get())
}

// transitionToDraining moves the processor into (or confirms it is already
// in) the draining state, the common entry point for Quiet and the first
// half of Shutdown: both `running -> draining` and `draining -> stopping`
// (by way of draining) are legal, so Shutdown calling this after a prior
// Quiet is not an error.
func (p *Processor) transitionToDraining() bool {
	if p.life.compareAndSwap(StateRunning, StateDraining) {
		return true
	}
	return p.life.get() == StateDraining
}

// Shutdown: transition to draining so
// Enqueue stops admitting new work, stop the reactor's dequeue ticker (so
// nothing still pending is dispatched any more; it is re-enqueued below, and
// no in-flight exchange is touched by this), let in-flight exchanges run to
// completion until ctx's deadline, then cancel the cooperative context of
// anything still in flight (execute's shutdown-cancellation path re-enqueues
// those rather than surfacing an on_error, synchronously, before its
// goroutine exits) before re-enqueuing whatever never got past the pending
// queue and declaring the processor stopped.
func (p *Processor) Shutdown(ctx context.Context) error {
	if !p.transitionToDraining() {
		if p.life.get() == StateStopped {
			return nil
		}
		return fmt.Errorf("asynchttp: processor cannot shut down from state %s", p.life.get())
	}

	// Must happen before the wg.Wait() below: reactorLoop only returns once
	// its context is canceled, so waiting on wg first would deadlock against
	// a goroutine this same call is responsible for stopping.
	if p.loopCancel != nil {
		p.loopCancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.cancelRemainingInFlight()
		// Give the canceled exchanges a short, bounded grace period to
		// unwind and re-enqueue themselves before moving on; a failed
		// re-enqueue is logged per-task in reenqueueOne and never blocks
		// the transition to stopped.
		grace := time.NewTimer(p.cfg.ShutdownGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
		}
	}

	p.life.set(StateStopping)
	// A fresh background context, not the (possibly already expired)
	// shutdown ctx: the whole point of re-enqueueing is to make sure this
	// work survives past the deadline that just elapsed.
	p.reenqueueRemaining(context.Background())
	p.life.set(StateStopped)
	return nil
}

// cancelRemainingInFlight cancels the per-exchange context of every request
// still executing once the shutdown deadline has passed.
func (p *Processor) cancelRemainingInFlight() {
	p.pendingMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.inFlightCxl))
	for _, cancel := range p.inFlightCxl {
		cancels = append(cancels, cancel)
	}
	p.pendingMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (p *Processor) reenqueueRemaining(ctx context.Context) {
	p.pendingMu.Lock()
	remaining := p.pending
	p.pending = nil
	p.pendingMu.Unlock()

	for _, req := range remaining {
		p.reenqueueOne(ctx, req)
	}
}

// ResetForTest forces the processor back to the stopped state with empty
// queues, for test suites that reuse one Processor across cases instead of
// constructing a fresh one each time.
func (p *Processor) ResetForTest() {
	p.life.set(StateStopped)
	p.pendingMu.Lock()
	p.pending = nil
	p.inFlight = 0
	p.inFlightIDs = make(map[string]struct{})
	p.inFlightCxl = make(map[string]context.CancelFunc)
	p.pendingMu.Unlock()
	p.sem = semaphore.NewWeighted(int64(p.cfg.MaxConnections))
}
