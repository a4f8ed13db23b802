// Package redisqueue is a Redis-list-backed Queue: Push does LPUSH, a pool
// of workers BRPOP in a loop and dispatch by class, the way
// internal/clients/redis/sse_bus.go polls pub/sub but adapted to a work
// queue instead of a broadcast channel.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/asynchttp/asynchttp/internal/jobqueue"
	"github.com/asynchttp/asynchttp/internal/logger"
)

const defaultKey = "async_http:jobqueue"

type Queue struct {
	log  *logger.Logger
	rdb  *goredis.Client
	key  string
	pop  time.Duration
	workers int

	handlersMu sync.RWMutex
	handlers   map[string]jobqueue.Handler
	middleware []jobqueue.Middleware

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type Option func(*Queue)

func WithKey(key string) Option       { return func(q *Queue) { q.key = key } }
func WithWorkers(n int) Option        { return func(q *Queue) { q.workers = n } }
func WithPopTimeout(d time.Duration) Option { return func(q *Queue) { q.pop = d } }

func New(rdb *goredis.Client, log *logger.Logger, opts ...Option) *Queue {
	if log == nil {
		log = logger.Nop()
	}
	q := &Queue{
		log:      log.With("component", "redisqueue"),
		rdb:      rdb,
		key:      defaultKey,
		pop:      5 * time.Second,
		workers:  4,
		handlers: make(map[string]jobqueue.Handler),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Push(ctx context.Context, env jobqueue.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("asynchttp: marshal job envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("asynchttp: push job to redis: %w", err)
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
		default:
		}

		result, err := q.rdb.BRPop(ctx, q.pop, q.key).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warn("redisqueue brpop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var env jobqueue.Envelope
		if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
			q.log.Warn("redisqueue bad envelope payload", "error", err)
			continue
		}
		q.dispatch(ctx, env)
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
