// Package temporalqueue backs Queue with a Temporal workflow per job,
// grounded on internal/temporalx/client.go's dial-with-retry client and
// internal/temporalx/jobrun's workflow/activity split — generalized from a
// multi-tick course-generation workflow to a single-activity dispatch
// workflow, since a callback job has no durable resumption state of its own.
package temporalqueue

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/asynchttp/asynchttp/internal/jobqueue"
	"github.com/asynchttp/asynchttp/internal/logger"
)

// Queue dispatches jobs by starting one Temporal workflow execution per
// Envelope, then routing class -> Handler through a single shared activity.
type Queue struct {
	log       *logger.Logger
	client    temporalsdkclient.Client
	taskQueue string

	handlersMu sync.RWMutex
	handlers   map[string]jobqueue.Handler
	middleware []jobqueue.Middleware

	worker worker.Worker
}

// New wraps an already-connected Temporal client (see temporalx.NewClient's
// dial-with-retry pattern; this package doesn't redial itself). taskQueue
// selects which Temporal task queue workflows and activities are routed
// through.
func New(client temporalsdkclient.Client, taskQueue string, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.Nop()
	}
	return &Queue{
		log:       log.With("component", "temporalqueue"),
		client:    client,
		taskQueue: taskQueue,
		handlers:  make(map[string]jobqueue.Handler),
	}
}

func (q *Queue) Push(ctx context.Context, env jobqueue.Envelope) error {
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:        "asynchttp-" + env.ID,
		TaskQueue: q.taskQueue,
	}
	_, err := q.client.ExecuteWorkflow(ctx, opts, DispatchWorkflow, env)
	if err != nil {
		return fmt.Errorf("asynchttp: start temporal workflow: %w", err)
	}
	return nil
}

func (q *Queue) RegisterHandler(class string, h jobqueue.Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[class] = h
}

func (q *Queue) Use(mw jobqueue.Middleware) {
	q.middleware = append(q.middleware, mw)
}

// Start registers the dispatch workflow and a single routing activity, then
// launches the Temporal worker against taskQueue.
func (q *Queue) Start(ctx context.Context) error {
	w := worker.New(q.client, q.taskQueue, worker.Options{})
	w.RegisterWorkflow(DispatchWorkflow)
	w.RegisterActivityWithOptions(q.executeEnvelope, activity.RegisterOptions{Name: ExecuteEnvelopeActivityName})

	if err := w.Start(); err != nil {
		return fmt.Errorf("asynchttp: start temporal worker: %w", err)
	}
	q.worker = w
	return nil
}

func (q *Queue) Stop(ctx context.Context) error {
	if q.worker != nil {
		q.worker.Stop()
	}
	return nil
}

// executeEnvelope is the Temporal activity implementation: it looks up the
// handler registered for env.Class and runs it, applying middleware the same
// way every other adapter does.
func (q *Queue) executeEnvelope(ctx context.Context, env jobqueue.Envelope) error {
	q.handlersMu.RLock()
	h, ok := q.handlers[env.Class]
	q.handlersMu.RUnlock()
	if !ok {
		return fmt.Errorf("asynchttp: no handler registered for job class %q", env.Class)
	}

	handler := jobqueue.Chain(h, q.middleware)
	return handler(ctx, env)
}
