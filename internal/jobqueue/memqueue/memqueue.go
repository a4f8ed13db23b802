// Package memqueue is an in-process Queue backed by a buffered channel: the
// RequestJob fallback path and the test suite's default collaborator. It
// mirrors internal/jobs/worker.go's ticker-poll-and-recover loop, adapted to
// pull from a channel instead of claiming rows from a database.
package memqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/asynchttp/asynchttp/internal/jobqueue"
	"github.com/asynchttp/asynchttp/internal/logger"
)

// Queue is a bounded, in-memory job queue with a fixed-size worker pool.
// Panics raised by a handler are recovered and turned into an error so one
// bad job can't take down a worker goroutine.
type Queue struct {
	log        *logger.Logger
	buf        chan jobqueue.Envelope
	workers    int
	handlersMu sync.RWMutex
	handlers   map[string]jobqueue.Handler
	middleware []jobqueue.Middleware

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Queue with the given channel capacity and worker count.
func New(log *logger.Logger, capacity, workers int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Queue{
		log:      log.With("component", "memqueue"),
		buf:      make(chan jobqueue.Envelope, capacity),
		workers:  workers,
		handlers: make(map[string]jobqueue.Handler),
	}
}

func (q *Queue) Push(ctx context.Context, env jobqueue.Envelope) error {
	select {
	case q.buf <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("asynchttp: memqueue full (capacity=%d)", cap(q.buf))
	}
}

func (q *Queue) RegisterHandler(class string, h jobqueue.Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[class] = h
}

func (q *Queue) Use(mw jobqueue.Middleware) {
	q.middleware = append(q.middleware, mw)
}

func (q *Queue) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.runWorker(runCtx)
	}
	return nil
}

func (q *Queue) Stop(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-q.buf:
			q.dispatch(ctx, env)
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, env jobqueue.Envelope) {
	q.handlersMu.RLock()
	h, ok := q.handlers[env.Class]
	q.handlersMu.RUnlock()

	if !ok {
		q.log.Warn("no handler registered for job class", "class", env.Class, "id", env.ID)
		return
	}

	handler := jobqueue.Chain(h, q.middleware)

	func() {
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("job handler panic", "class", env.Class, "id", env.ID, "panic", r)
			}
		}()
		if err := handler(ctx, env); err != nil {
			q.log.Warn("job handler failed", "class", env.Class, "id", env.ID, "error", err)
		}
	}()
}
