// Package jobqueue defines the external job-worker-pool collaborator the
// processor and callback dispatcher hand work off to: pushing callback jobs
// and re-enqueued request jobs is the processor's only point of contact with
// whatever multi-threaded worker pool the embedding application already runs. Three adapters
// (memqueue, redisqueue, temporalqueue) implement Queue against different
// backends.
package jobqueue

import "context"

// Envelope is one unit of work: a callback dispatch or a re-enqueued
// request, addressed by Class the way a job-worker system dispatches on
// job type. RetryCount is incremented by whoever hands a job back to the
// queue (shutdown drain, orphan recovery), never by the queue itself.
type Envelope struct {
	ID         string
	Class      string
	Args       map[string]interface{}
	Metadata   map[string]interface{}
	RetryCount int
}

// Handler executes one Envelope. Returning an error marks the job failed;
// the queue adapter decides whether and how to retry.
type Handler func(ctx context.Context, env Envelope) error

// Middleware wraps a Handler, e.g. to inject the "current job" context a
// callback needs to re-enqueue itself, or to record metrics per job class.
type Middleware func(next Handler) Handler

// Queue is the narrow contract every adapter satisfies: push work in,
// register handlers by class, and run/stop the worker loop that drains it.
type Queue interface {
	// Push enqueues env for asynchronous execution.
	Push(ctx context.Context, env Envelope) error

	// RegisterHandler associates class with the Handler that executes it.
	// Must be called before Start.
	RegisterHandler(class string, h Handler)

	// Use appends mw to the middleware chain, applied in registration order
	// (first registered runs outermost).
	Use(mw Middleware)

	// Start begins draining the queue in the background. Returns once the
	// worker loop has been launched, not once it exits.
	Start(ctx context.Context) error

	// Stop signals the worker loop to drain in-flight work and exit,
	// blocking until it has (or ctx is done).
	Stop(ctx context.Context) error
}

// Chain composes middlewares around base, applied so the first-registered
// middleware is outermost (runs first on the way in, last on the way out).
// Adapters call this from dispatch rather than re-implementing the fold.
func Chain(base Handler, mws []Middleware) Handler {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
