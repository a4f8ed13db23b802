package asynchttp_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asynchttp/asynchttp"
	"github.com/asynchttp/asynchttp/internal/callback"
	"github.com/asynchttp/asynchttp/internal/config"
)

func TestClientEndToEndSuccessCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client, err := asynchttp.New(asynchttp.WithConfig(
		config.WithReactorTuning(2*time.Millisecond, time.Second, 2*time.Millisecond),
		config.WithMaxConnections(4),
	))
	require.NoError(t, err)

	received := make(chan map[string]interface{}, 1)
	client.RegisterCallback("IntegrationTestCallback", func(ctx context.Context, kind callback.Kind, payload map[string]interface{}) error {
		received <- payload
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, client.Start(ctx))

	require.NoError(t, client.Get(ctx, srv.URL, asynchttp.Options{
		CallbackClassName: "IntegrationTestCallback",
		CallbackArgs:      map[string]interface{}{"webhook_id": "W", "index": 1},
	}))

	select {
	case payload := <-received:
		require.EqualValues(t, 200, payload["status"])
		args, ok := payload["callback_args"].(map[string]interface{})
		require.True(t, ok)
		require.Equal(t, "W", args["webhook_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, client.Shutdown(shutdownCtx))
}

func TestClientStateReporting(t *testing.T) {
	client, err := asynchttp.New()
	require.NoError(t, err)
	require.Equal(t, "stopped", client.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, client.Start(ctx))
	require.Equal(t, "running", client.State())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, client.Shutdown(shutdownCtx))
	require.Equal(t, "stopped", client.State())
}
