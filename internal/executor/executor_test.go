package executor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/asynchttp/asynchttp/internal/config"
	"github.com/asynchttp/asynchttp/internal/executor"
	"github.com/asynchttp/asynchttp/internal/model"
)

func newExecutor(t *testing.T, opts ...config.Option) *executor.Executor {
	t.Helper()
	cfg, err := config.Configure(opts...)
	require.NoError(t, err)
	exec := executor.New(cfg)
	t.Cleanup(exec.Close)
	return exec
}

func TestExecutorDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo", r.Header.Get("X-Test"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	exec := newExecutor(t)
	req, err := model.NewRequest(model.MethodGet, srv.URL, model.Options{
		Headers: map[string]string{"X-Test": "abc"},
	})
	require.NoError(t, err)

	resp, err := exec.Do(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Success())
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, "abc", resp.Headers().Get("X-Echo"))
}

func TestExecutorRaisesClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	exec := newExecutor(t)
	req, err := model.NewRequest(model.MethodGet, srv.URL, model.Options{RaiseErrorResponses: true})
	require.NoError(t, err)

	_, err = exec.Do(context.Background(), req)
	require.Error(t, err)
	var clientErr *model.ClientError
	require.ErrorAs(t, err, &clientErr)
}

func TestExecutorFollowsRedirects(t *testing.T) {
	var finalHit atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		finalHit.Store(true)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	exec := newExecutor(t)
	req, err := model.NewRequest(model.MethodGet, srv.URL+"/start", model.Options{})
	require.NoError(t, err)

	resp, err := exec.Do(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, finalHit.Load())
	assert.Len(t, resp.Redirects, 1)
}

func TestExecutorDetectsRedirectCycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/a", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	exec := newExecutor(t)
	req, err := model.NewRequest(model.MethodGet, srv.URL+"/a", model.Options{MaxRedirects: 10})
	require.NoError(t, err)

	_, err = exec.Do(context.Background(), req)
	require.Error(t, err)
	var recursive *model.RecursiveRedirectError
	require.ErrorAs(t, err, &recursive)
}

func TestExecutorTooManyRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop?n="+r.URL.Query().Get("n")+"x", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	exec := newExecutor(t)
	req, err := model.NewRequest(model.MethodGet, srv.URL+"/loop", model.Options{MaxRedirects: 2})
	require.NoError(t, err)

	_, err = exec.Do(context.Background(), req)
	require.Error(t, err)
	var tooMany *model.TooManyRedirectsError
	require.ErrorAs(t, err, &tooMany)
}

func TestExecutorResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	exec := newExecutor(t, config.WithMaxResponseSize(128))
	req, err := model.NewRequest(model.MethodGet, srv.URL, model.Options{})
	require.NoError(t, err)

	_, err = exec.Do(context.Background(), req)
	require.Error(t, err)
	var transportErr *model.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, model.ErrorResponseTooLarge, transportErr.Type)
}

func TestExecutorConnectionRefusedClassification(t *testing.T) {
	// port 1 is never listening; the dial fails with connection refused
	exec := newExecutor(t)
	req, err := model.NewRequest(model.MethodGet, "http://127.0.0.1:1/nowhere", model.Options{
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)

	_, err = exec.Do(context.Background(), req)
	require.Error(t, err)
	var transportErr *model.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, model.ErrorConnection, transportErr.Type)
}

func TestExecutorTimeoutClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	exec := newExecutor(t)
	req, err := model.NewRequest(model.MethodGet, srv.URL, model.Options{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = exec.Do(context.Background(), req)
	require.Error(t, err)
	var transportErr *model.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, model.ErrorTimeout, transportErr.Type)
}
