package processor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asynchttp/asynchttp/internal/config"
	"github.com/asynchttp/asynchttp/internal/executor"
	"github.com/asynchttp/asynchttp/internal/jobqueue"
	"github.com/asynchttp/asynchttp/internal/metrics"
	"github.com/asynchttp/asynchttp/internal/model"
	"github.com/asynchttp/asynchttp/internal/processor"
)

type noopRegistry struct{}

func (noopRegistry) Track(ctx context.Context, req model.Request, now time.Time) error { return nil }
func (noopRegistry) Heartbeat(ctx context.Context, requestID string, now time.Time) error {
	return nil
}
func (noopRegistry) Remove(ctx context.Context, requestID string) error { return nil }

type recordingQueue struct {
	mu     sync.Mutex
	pushed []jobqueue.Envelope
}

func (q *recordingQueue) Push(ctx context.Context, env jobqueue.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushed = append(q.pushed, env)
	return nil
}
func (q *recordingQueue) RegisterHandler(string, jobqueue.Handler) {}
func (q *recordingQueue) Use(jobqueue.Middleware)                  {}
func (q *recordingQueue) Start(context.Context) error              { return nil }
func (q *recordingQueue) Stop(context.Context) error               { return nil }

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pushed)
}

type recordingCallback struct {
	mu        sync.Mutex
	successes []model.Response
	errors    []error
}

func (c *recordingCallback) DispatchSuccess(ctx context.Context, req model.Request, resp model.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes = append(c.successes, resp)
	return nil
}

func (c *recordingCallback) DispatchError(ctx context.Context, req model.Request, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
	return nil
}

func (c *recordingCallback) count() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.successes), len(c.errors)
}

func newTestProcessor(t *testing.T, srv *httptest.Server, opts ...config.Option) (*processor.Processor, *recordingCallback) {
	t.Helper()
	defaultOpts := []config.Option{
		config.WithReactorTuning(2*time.Millisecond, time.Second, 2*time.Millisecond),
		config.WithMaxConnections(2),
	}
	cfg, err := config.Configure(append(defaultOpts, opts...)...)
	require.NoError(t, err)

	exec := executor.New(cfg)
	t.Cleanup(exec.Close)

	cb := &recordingCallback{}
	p := processor.New(cfg, exec, noopRegistry{}, nil, cb, metrics.New("processor_test"))
	return p, cb
}

func TestProcessorEnqueueRejectsWhenNotRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, _ := newTestProcessor(t, srv)
	req, err := model.NewRequest(model.MethodGet, srv.URL, model.Options{})
	require.NoError(t, err)

	err = p.Enqueue(context.Background(), req)
	var notRunning *model.NotRunningError
	require.ErrorAs(t, err, &notRunning)
}

// TestProcessorQuietRefusesNewWorkWithoutStopping: a request accepted before
// Quiet completes normally; after Quiet, new work is refused immediately but
// the processor reports draining rather than stopped, distinct from
// Shutdown's stop-and-reenqueue sequence.
func TestProcessorQuietRefusesNewWorkWithoutStopping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, cb := newTestProcessor(t, srv)
	require.NoError(t, p.Start(context.Background()))

	req, err := model.NewRequest(model.MethodGet, srv.URL, model.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), req))

	require.Eventually(t, func() bool {
		successes, _ := cb.count()
		return successes == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Quiet())
	assert.Equal(t, processor.StateDraining, p.State())

	req2, err := model.NewRequest(model.MethodGet, srv.URL, model.Options{})
	require.NoError(t, err)
	err = p.Enqueue(context.Background(), req2)
	var notRunning *model.NotRunningError
	require.ErrorAs(t, err, &notRunning)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestProcessorProcessesEnqueuedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, cb := newTestProcessor(t, srv)
	require.NoError(t, p.Start(context.Background()))

	req, err := model.NewRequest(model.MethodGet, srv.URL, model.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), req))

	require.Eventually(t, func() bool {
		successes, _ := cb.count()
		return successes == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestProcessorBackpressureRaise(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer func() { close(block) }()

	p, _ := newTestProcessor(t, srv, config.WithMaxConnections(1), config.WithBackpressure(config.BackpressureRaise, 0))
	require.NoError(t, p.Start(context.Background()))

	req, err := model.NewRequest(model.MethodGet, srv.URL, model.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), req))

	// give the reactor a tick to pick up the first request and occupy capacity
	time.Sleep(20 * time.Millisecond)

	req2, err := model.NewRequest(model.MethodGet, srv.URL, model.Options{})
	require.NoError(t, err)
	err = p.Enqueue(context.Background(), req2)
	var capErr *model.MaxCapacityError
	assert.ErrorAs(t, err, &capErr)

	close(block)
	block = make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

// TestProcessorBackpressureDropOldest: with capacity exhausted, a new
// enqueue succeeds by evicting the longest-queued pending request instead
// of raising.
func TestProcessorBackpressureDropOldest(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, cb := newTestProcessor(t, srv,
		config.WithMaxConnections(1),
		config.WithBackpressure(config.BackpressureDropOldest, 0),
	)
	require.NoError(t, p.Start(context.Background()))

	first, err := model.NewRequest(model.MethodGet, srv.URL+"/first", model.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), first))

	// let the reactor move the first request from pending to in-flight
	time.Sleep(20 * time.Millisecond)

	second, err := model.NewRequest(model.MethodGet, srv.URL+"/second", model.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), second))

	// capacity is 1 and the first exchange still holds it, so the second is
	// the oldest pending entry and the third's admission evicts it
	third, err := model.NewRequest(model.MethodGet, srv.URL+"/third", model.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), third))

	close(block)
	require.Eventually(t, func() bool {
		successes, _ := cb.count()
		return successes == 2
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

// TestProcessorShutdownReenqueuesSlowInFlightRequest: a request still
// in-flight when the shutdown deadline passes must be re-enqueued via the
// job queue, never delivered to the error callback.
func TestProcessorShutdownReenqueuesSlowInFlightRequest(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(block)

	q := &recordingQueue{}
	defaultOpts := []config.Option{
		config.WithReactorTuning(2*time.Millisecond, time.Second, 2*time.Millisecond),
		config.WithMaxConnections(2),
	}
	cfg, err := config.Configure(defaultOpts...)
	require.NoError(t, err)

	exec := executor.New(cfg)
	t.Cleanup(exec.Close)

	cb := &recordingCallback{}
	p := processor.New(cfg, exec, noopRegistry{}, q, cb, metrics.New("processor_reenqueue_test"))
	require.NoError(t, p.Start(context.Background()))

	req, err := model.NewRequest(model.MethodGet, srv.URL, model.Options{
		JobEnvelope: model.JobEnvelope{Class: "RequestJob", Args: map[string]interface{}{"request_id": "slow-1"}},
	})
	require.NoError(t, err)
	require.NoError(t, p.Enqueue(context.Background(), req))

	// give the reactor a tick to pick the request up and occupy capacity
	time.Sleep(20 * time.Millisecond)

	// deadline fires well before the handler unblocks
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Shutdown(shutdownCtx))

	// Shutdown only returns once its in-flight re-enqueue goroutines have
	// actually finished, so the push must already be visible here.
	require.Equal(t, 1, q.count())
	q.mu.Lock()
	assert.Equal(t, req.ID(), q.pushed[0].ID)
	assert.Equal(t, 1, q.pushed[0].RetryCount)
	q.mu.Unlock()

	successes, errors := cb.count()
	assert.Equal(t, 0, successes)
	assert.Equal(t, 0, errors, "a shutdown cancellation must re-enqueue, not surface as on_error")
}
