// Package config bundles the validated tuning knobs, registered payload
// stores, and global hooks a Processor is constructed from.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/asynchttp/asynchttp/internal/logger"
	"github.com/asynchttp/asynchttp/internal/model"
	"github.com/asynchttp/asynchttp/internal/payloadstore"
)

// BackpressureStrategy selects what Processor.Enqueue does when at capacity.
type BackpressureStrategy string

const (
	BackpressureRaise      BackpressureStrategy = "raise"
	BackpressureBlock      BackpressureStrategy = "block"
	BackpressureDropOldest BackpressureStrategy = "drop_oldest"
)

// CompletionHook runs after a successful HTTP exchange, before the callback
// job is enqueued.
type CompletionHook func(ctx context.Context, resp model.Response)

// ErrorHook runs after a failed HTTP exchange, before the callback job is
// enqueued.
type ErrorHook func(ctx context.Context, err error)

// Default tuning values.
const (
	DefaultMaxConnections         = 25
	DefaultHeartbeatInterval      = 60 * time.Second
	DefaultOrphanThreshold        = 300 * time.Second
	DefaultGCLockTTL              = 30 * time.Second
	DefaultPayloadStoreThreshold  = 32 * 1024 // bytes
	DefaultMaxHostClients         = 8
	DefaultIdleConnectionTimeout  = 90 * time.Second
	DefaultMaxResponseSize        = 50 * 1024 * 1024 // bytes
	DefaultTDequeue               = 100 * time.Millisecond
	DefaultTInflightUpdate        = 5 * time.Second
	DefaultTTick                  = 10 * time.Millisecond
	DefaultBackpressureBlockWait  = 250 * time.Millisecond
	DefaultShutdownGrace          = 5 * time.Second
)

// Configuration is the immutable, validated bundle built by Configure.
type Configuration struct {
	MaxConnections  int
	HeartbeatInterval time.Duration
	OrphanThreshold   time.Duration
	GCLockTTL         time.Duration

	PayloadStoreThreshold int

	MaxHostClients        int
	IdleConnectionTimeout time.Duration
	EnableHTTP2           bool
	ProxyURL              string
	MaxResponseSize       int64

	TDequeue        time.Duration
	TInflightUpdate time.Duration
	TTick           time.Duration

	// ShutdownGrace bounds how long Shutdown waits, after canceling
	// whatever is still in flight at its deadline, for those cancellations
	// to actually unwind and re-enqueue themselves.
	ShutdownGrace time.Duration

	BackpressureStrategy     BackpressureStrategy
	BackpressureBlockTimeout time.Duration

	PayloadStores *payloadstore.Registry

	AfterCompletionHooks []CompletionHook
	AfterErrorHooks      []ErrorHook

	Logger *logger.Logger

	// TestMode makes the monitor re-raise a panic from one of its ticks
	// instead of only logging it. Errors returned by registry or queue calls
	// are logged in either mode and are not re-raised.
	TestMode bool
}

// Option mutates a Configuration under construction. Configure starts from
// the defaults and applies options in order; an option that sets a knob to
// an invalid value (such as zero max_connections) makes validation fail,
// except for the reactor intervals and shutdown grace, which Validate resets
// to their defaults when not positive.
type Option func(*Configuration)

func WithMaxConnections(n int) Option {
	return func(c *Configuration) { c.MaxConnections = n }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Configuration) { c.HeartbeatInterval = d }
}

func WithOrphanThreshold(d time.Duration) Option {
	return func(c *Configuration) { c.OrphanThreshold = d }
}

func WithGCLockTTL(d time.Duration) Option {
	return func(c *Configuration) { c.GCLockTTL = d }
}

func WithPayloadStoreThreshold(n int) Option {
	return func(c *Configuration) { c.PayloadStoreThreshold = n }
}

func WithMaxHostClients(n int) Option {
	return func(c *Configuration) { c.MaxHostClients = n }
}

func WithIdleConnectionTimeout(d time.Duration) Option {
	return func(c *Configuration) { c.IdleConnectionTimeout = d }
}

func WithHTTP2(enabled bool) Option {
	return func(c *Configuration) { c.EnableHTTP2 = enabled }
}

func WithProxyURL(url string) Option {
	return func(c *Configuration) { c.ProxyURL = url }
}

func WithMaxResponseSize(n int64) Option {
	return func(c *Configuration) { c.MaxResponseSize = n }
}

func WithBackpressure(strategy BackpressureStrategy, blockTimeout time.Duration) Option {
	return func(c *Configuration) {
		c.BackpressureStrategy = strategy
		c.BackpressureBlockTimeout = blockTimeout
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Configuration) { c.Logger = l }
}

func WithTestMode(enabled bool) Option {
	return func(c *Configuration) { c.TestMode = enabled }
}

func WithPayloadStores(reg *payloadstore.Registry) Option {
	return func(c *Configuration) { c.PayloadStores = reg }
}

func WithAfterCompletionHook(h CompletionHook) Option {
	return func(c *Configuration) { c.AfterCompletionHooks = append(c.AfterCompletionHooks, h) }
}

func WithAfterErrorHook(h ErrorHook) Option {
	return func(c *Configuration) { c.AfterErrorHooks = append(c.AfterErrorHooks, h) }
}

// WithReactorTuning overrides the three reactor loop intervals from
// (dequeue wait, heartbeat refresh cadence, cooperative yield).
// Intended for tests that need a faster loop than the defaults.
func WithReactorTuning(dequeue, inflightUpdate, tick time.Duration) Option {
	return func(c *Configuration) {
		c.TDequeue = dequeue
		c.TInflightUpdate = inflightUpdate
		c.TTick = tick
	}
}

// WithShutdownGrace overrides how long Shutdown waits for canceled in-flight
// exchanges to unwind after its deadline passes. Intended for tests.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *Configuration) { c.ShutdownGrace = d }
}

// Configure builds a validated Configuration from the supplied options,
// filling in defaults for anything unset.
func Configure(opts ...Option) (*Configuration, error) {
	c := &Configuration{
		MaxConnections:           DefaultMaxConnections,
		HeartbeatInterval:        DefaultHeartbeatInterval,
		OrphanThreshold:          DefaultOrphanThreshold,
		GCLockTTL:                DefaultGCLockTTL,
		PayloadStoreThreshold:    DefaultPayloadStoreThreshold,
		MaxHostClients:           DefaultMaxHostClients,
		IdleConnectionTimeout:    DefaultIdleConnectionTimeout,
		MaxResponseSize:          DefaultMaxResponseSize,
		TDequeue:                 DefaultTDequeue,
		TInflightUpdate:          DefaultTInflightUpdate,
		TTick:                    DefaultTTick,
		ShutdownGrace:            DefaultShutdownGrace,
		BackpressureStrategy:     BackpressureRaise,
		BackpressureBlockTimeout: DefaultBackpressureBlockWait,
		PayloadStores:            payloadstore.NewRegistry(),
		Logger:                   logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate enforces the cross-field invariants the processor depends on,
// notably that heartbeat_interval stays below orphan_threshold so a live
// worker's own heartbeat can never be mistaken for an orphan.
func (c *Configuration) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("asynchttp: max_connections must be > 0")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("asynchttp: heartbeat_interval must be > 0")
	}
	if c.OrphanThreshold <= 0 {
		return fmt.Errorf("asynchttp: orphan_threshold must be > 0")
	}
	if c.HeartbeatInterval >= c.OrphanThreshold {
		return fmt.Errorf("asynchttp: heartbeat_interval (%s) must be < orphan_threshold (%s)", c.HeartbeatInterval, c.OrphanThreshold)
	}
	switch c.BackpressureStrategy {
	case BackpressureRaise, BackpressureBlock, BackpressureDropOldest:
	default:
		return fmt.Errorf("asynchttp: unknown backpressure_strategy %q", c.BackpressureStrategy)
	}
	if c.PayloadStoreThreshold < 0 {
		return fmt.Errorf("asynchttp: payload_store_threshold must be >= 0")
	}
	if c.MaxResponseSize <= 0 {
		return fmt.Errorf("asynchttp: max_response_size must be > 0")
	}
	if c.MaxHostClients <= 0 {
		return fmt.Errorf("asynchttp: max_host_clients must be > 0")
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.TDequeue <= 0 {
		c.TDequeue = DefaultTDequeue
	}
	if c.TInflightUpdate <= 0 {
		c.TInflightUpdate = DefaultTInflightUpdate
	}
	if c.TTick <= 0 {
		c.TTick = DefaultTTick
	}
	if c.PayloadStores == nil {
		c.PayloadStores = payloadstore.NewRegistry()
	}
	return nil
}
