package callback_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asynchttp/asynchttp/internal/callback"
	"github.com/asynchttp/asynchttp/internal/config"
	"github.com/asynchttp/asynchttp/internal/jobqueue"
	"github.com/asynchttp/asynchttp/internal/jobqueue/memqueue"
	"github.com/asynchttp/asynchttp/internal/model"
	"github.com/asynchttp/asynchttp/internal/payloadstore"
	"github.com/asynchttp/asynchttp/internal/payloadstore/memstore"
)

func newRequest(t *testing.T, class string) model.Request {
	t.Helper()
	req, err := model.NewRequest(model.MethodGet, "https://example.com", model.Options{
		CallbackClassName: class,
	})
	require.NoError(t, err)
	return req
}

func TestDispatchSuccessPushesCallbackJob(t *testing.T) {
	queue := memqueue.New(nil, 16, 1)
	cfg, err := config.Configure()
	require.NoError(t, err)

	d := callback.NewDispatcher(cfg, queue)
	req := newRequest(t, "OrderUpdatedCallback")
	resp := model.Response{Status: 200, RequestID: req.ID(), Body: []byte(`{"ok":true}`)}

	var seen jobqueue.Envelope
	got := make(chan struct{})
	queue.RegisterHandler(callback.CallbackJobClass, func(ctx context.Context, env jobqueue.Envelope) error {
		seen = env
		close(got)
		return nil
	})
	require.NoError(t, queue.Start(context.Background()))
	defer queue.Stop(context.Background())

	require.NoError(t, d.DispatchSuccess(context.Background(), req, resp))

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for callback job")
	}

	assert.Equal(t, req.ID(), seen.ID)
	assert.Equal(t, "success", seen.Args["kind"])
	assert.Equal(t, "OrderUpdatedCallback", seen.Args["callback_class_name"])
	payload, ok := seen.Args["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 200, payload["status"])
}

func TestDispatchSuccessExternalizesOversizedBody(t *testing.T) {
	store := memstore.New()
	stores := payloadstore.NewRegistry()
	require.NoError(t, stores.Register("default", store, true))

	queue := memqueue.New(nil, 16, 1)
	cfg, err := config.Configure(
		config.WithPayloadStores(stores),
		config.WithPayloadStoreThreshold(4),
	)
	require.NoError(t, err)

	d := callback.NewDispatcher(cfg, queue)
	req := newRequest(t, "BigBodyCallback")
	resp := model.Response{Status: 200, RequestID: req.ID(), Body: []byte("this body is definitely over the threshold")}

	var seen jobqueue.Envelope
	got := make(chan struct{})
	queue.RegisterHandler(callback.CallbackJobClass, func(ctx context.Context, env jobqueue.Envelope) error {
		seen = env
		close(got)
		return nil
	})
	require.NoError(t, queue.Start(context.Background()))
	defer queue.Stop(context.Background())

	require.NoError(t, d.DispatchSuccess(context.Background(), req, resp))

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for callback job")
	}

	payload := seen.Args["payload"].(map[string]interface{})
	_, hasBody := payload["body"]
	assert.False(t, hasBody)
	ref, ok := payload["body_ref"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "default", ref["store"])
}

func TestDispatchErrorBuildsErrorPayload(t *testing.T) {
	queue := memqueue.New(nil, 16, 1)
	cfg, err := config.Configure()
	require.NoError(t, err)

	d := callback.NewDispatcher(cfg, queue)
	req := newRequest(t, "FailureCallback")

	var seen jobqueue.Envelope
	got := make(chan struct{})
	queue.RegisterHandler(callback.CallbackJobClass, func(ctx context.Context, env jobqueue.Envelope) error {
		seen = env
		close(got)
		return nil
	})
	require.NoError(t, queue.Start(context.Background()))
	defer queue.Stop(context.Background())

	execErr := &model.TransportError{Type: model.ErrorTimeout, Message: "dial timeout"}
	require.NoError(t, d.DispatchError(context.Background(), req, execErr))

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for callback job")
	}

	assert.Equal(t, "error", seen.Args["kind"])
	payload := seen.Args["payload"].(map[string]interface{})
	assert.Equal(t, "timeout", payload["error_type"])
}

func TestRegisterJobHandlerResolvesBodyRefAndUnstores(t *testing.T) {
	store := memstore.New()
	stores := payloadstore.NewRegistry()
	require.NoError(t, stores.Register("default", store, true))
	require.NoError(t, store.Store(context.Background(), "blob-1", []byte("externalized body")))

	handlers := callback.NewRegistry()
	var gotBody string
	invoked := make(chan struct{})
	handlers.Register("BigBodyCallback", func(ctx context.Context, kind callback.Kind, payload map[string]interface{}) error {
		gotBody = string(payload["body"].([]byte))
		close(invoked)
		return nil
	})

	queue := memqueue.New(nil, 16, 1)
	callback.RegisterJobHandler(queue, handlers, stores)
	require.NoError(t, queue.Start(context.Background()))
	defer queue.Stop(context.Background())

	require.NoError(t, queue.Push(context.Background(), jobqueue.Envelope{
		ID:    "req-1",
		Class: callback.CallbackJobClass,
		Args: map[string]interface{}{
			"kind":                "success",
			"callback_class_name": "BigBodyCallback",
			"payload": map[string]interface{}{
				"status":   200,
				"body_ref": map[string]interface{}{"store": "default", "key": "blob-1"},
			},
		},
	}))

	select {
	case <-invoked:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler invocation")
	}

	assert.Equal(t, "externalized body", gotBody)

	assert.Eventually(t, func() bool {
		exists, err := store.Exists(context.Background(), "blob-1")
		return err == nil && !exists
	}, time.Second, 5*time.Millisecond)
}
