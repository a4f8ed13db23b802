package memqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asynchttp/asynchttp/internal/jobqueue"
	"github.com/asynchttp/asynchttp/internal/jobqueue/memqueue"
)

func TestMemQueueDispatchesToHandler(t *testing.T) {
	q := memqueue.New(nil, 4, 2)

	var mu sync.Mutex
	var seen []string

	q.RegisterHandler("echo", func(ctx context.Context, env jobqueue.Envelope) error {
		mu.Lock()
		seen = append(seen, env.ID)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))

	require.NoError(t, q.Push(ctx, jobqueue.Envelope{ID: "1", Class: "echo"}))
	require.NoError(t, q.Push(ctx, jobqueue.Envelope{ID: "2", Class: "echo"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, q.Stop(stopCtx))
}

func TestMemQueueRecoversHandlerPanic(t *testing.T) {
	q := memqueue.New(nil, 4, 1)

	done := make(chan struct{})
	q.RegisterHandler("boom", func(ctx context.Context, env jobqueue.Envelope) error {
		defer close(done)
		panic("handler exploded")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Push(ctx, jobqueue.Envelope{ID: "1", Class: "boom"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	// the worker pool must still be alive after a panic
	var ran bool
	var mu sync.Mutex
	q.RegisterHandler("after", func(ctx context.Context, env jobqueue.Envelope) error {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, q.Push(ctx, jobqueue.Envelope{ID: "2", Class: "after"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran
	}, time.Second, 5*time.Millisecond)
}

func TestMemQueueMiddlewareOrder(t *testing.T) {
	q := memqueue.New(nil, 4, 1)

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	q.Use(func(next jobqueue.Handler) jobqueue.Handler {
		return func(ctx context.Context, env jobqueue.Envelope) error {
			record("outer-before")
			err := next(ctx, env)
			record("outer-after")
			return err
		}
	})
	q.Use(func(next jobqueue.Handler) jobqueue.Handler {
		return func(ctx context.Context, env jobqueue.Envelope) error {
			record("inner-before")
			err := next(ctx, env)
			record("inner-after")
			return err
		}
	})
	q.RegisterHandler("noop", func(ctx context.Context, env jobqueue.Envelope) error {
		record("handler")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Push(ctx, jobqueue.Envelope{ID: "1", Class: "noop"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"outer-before", "inner-before", "handler", "inner-after", "outer-after"}, order)
}
