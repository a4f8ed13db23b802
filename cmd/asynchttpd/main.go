// Command asynchttpd is a thin wiring example for the asynchttp package,
// not a product surface: it builds a Client from environment variables,
// registers one example callback, and runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/asynchttp/asynchttp"
	"github.com/asynchttp/asynchttp/internal/callback"
	"github.com/asynchttp/asynchttp/internal/config"
	"github.com/asynchttp/asynchttp/internal/logger"
)

func getEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func main() {
	log, err := logger.New(getEnv("ASYNCHTTP_LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	clientOpts := []asynchttp.Option{
		asynchttp.WithConfig(
			config.WithMaxConnections(getEnvInt("ASYNCHTTP_MAX_CONNECTIONS", config.DefaultMaxConnections)),
			config.WithLogger(log),
		),
	}
	if dsn := getEnv("ASYNCHTTP_PAYLOAD_STORE_DSN", ""); dsn != "" {
		driver := asynchttp.GormDriver(getEnv("ASYNCHTTP_PAYLOAD_STORE_DRIVER", string(asynchttp.GormDriverSQLite)))
		clientOpts = append(clientOpts, asynchttp.WithGormPayloadStore(driver, dsn))
	}

	client, err := asynchttp.New(clientOpts...)
	if err != nil {
		log.Error("failed to initialize asynchttp client", "error", err)
		os.Exit(1)
	}

	client.RegisterCallback("LogResponseCallback", func(ctx context.Context, kind callback.Kind, payload map[string]interface{}) error {
		log.Info("callback received", "kind", kind, "status", payload["status"])
		return nil
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		log.Error("failed to start asynchttp client", "error", err)
		os.Exit(1)
	}

	exampleURL := getEnv("ASYNCHTTP_EXAMPLE_URL", "")
	if exampleURL != "" {
		if err := client.Get(ctx, exampleURL, asynchttp.Options{CallbackClassName: "LogResponseCallback"}); err != nil {
			log.Warn("failed to enqueue example request", "error", err)
		}
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := client.Shutdown(shutdownCtx); err != nil {
		log.Error("error during shutdown", "error", err)
		os.Exit(1)
	}
}
