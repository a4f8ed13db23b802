// Package asynchttp wires the module's components (executor, registry,
// processor, monitor, callback dispatch, job queue) into the single
// handle an embedding application holds: construct one with New, Start it,
// call Get/Post/... (or the lower-level Enqueue) to submit work, and
// Shutdown it on process exit.
package asynchttp

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/asynchttp/asynchttp/internal/callback"
	"github.com/asynchttp/asynchttp/internal/config"
	"github.com/asynchttp/asynchttp/internal/executor"
	"github.com/asynchttp/asynchttp/internal/jobqueue"
	"github.com/asynchttp/asynchttp/internal/jobqueue/memqueue"
	"github.com/asynchttp/asynchttp/internal/metrics"
	"github.com/asynchttp/asynchttp/internal/model"
	"github.com/asynchttp/asynchttp/internal/monitor"
	"github.com/asynchttp/asynchttp/internal/payloadstore"
	"github.com/asynchttp/asynchttp/internal/payloadstore/gormstore"
	"github.com/asynchttp/asynchttp/internal/processor"
	"github.com/asynchttp/asynchttp/internal/registry"
)

// Re-exported value types, so callers only ever need to import this one
// package for everyday use.
type (
	Request  = model.Request
	Response = model.Response
	Options  = model.Options
	Method   = model.Method
)

const (
	MethodGet     = model.MethodGet
	MethodPost    = model.MethodPost
	MethodPut     = model.MethodPut
	MethodPatch   = model.MethodPatch
	MethodDelete  = model.MethodDelete
	MethodHead    = model.MethodHead
	MethodOptions = model.MethodOptions
)

// Callback types re-exported so applications outside this module can name
// them when calling RegisterCallback.
type (
	CallbackKind    = callback.Kind
	CallbackHandler = callback.HandlerFunc
)

const (
	CallbackKindSuccess = callback.KindSuccess
	CallbackKindError   = callback.KindError
)

// Client is the running instance: processor, monitor, and callback
// dispatch wired together behind one lifecycle.
type Client struct {
	cfg       *config.Configuration
	exec      *executor.Executor
	reg       *registry.Registry
	queue     jobqueue.Queue
	proc      *processor.Processor
	mon       *monitor.Monitor
	callbacks *callback.Registry
	metrics   *metrics.Metrics
	ownerID   string
}

// buildOpts accumulates the wiring decisions New makes beyond plain HTTP
// tuning: which Redis client backs the inflight registry (required for
// multi-process orphan recovery to survive this process's own death), and
// which Queue backend callback jobs and RequestJob re-enqueues are pushed
// through.
type buildOpts struct {
	cfgOpts    []config.Option
	redis      *goredis.Client
	queue      jobqueue.Queue
	gormDriver GormDriver
	gormDSN    string
}

// GormDriver selects the SQL dialect WithGormPayloadStore opens its
// *gorm.DB with.
type GormDriver string

const (
	GormDriverSQLite   GormDriver = "sqlite"
	GormDriverPostgres GormDriver = "postgres"
)

// Option configures a Client under construction. WithConfig wraps the
// lower-level config.Option knobs (tuning, hooks, payload stores); the rest
// select the Client's collaborators (registry Redis client, job queue, GORM
// payload store).
type Option func(*buildOpts)

// WithConfig applies config.Option tuning (max_connections, timeouts,
// backpressure, hooks, payload stores) to the Configuration New builds.
func WithConfig(opts ...config.Option) Option {
	return func(b *buildOpts) { b.cfgOpts = append(b.cfgOpts, opts...) }
}

// WithRedisClient backs the inflight registry's heartbeat/GC-lock
// bookkeeping with rdb instead of the process-local in-memory fallback. Without
// this, orphan recovery across a process restart is not possible.
func WithRedisClient(rdb *goredis.Client) Option {
	return func(b *buildOpts) { b.redis = rdb }
}

// WithQueue overrides the job queue backend (default: an in-memory
// memqueue). Use redisqueue or temporalqueue for a durable, multi-process
// worker pool.
func WithQueue(q jobqueue.Queue) Option {
	return func(b *buildOpts) { b.queue = q }
}

// WithGormPayloadStore registers a GORM-backed payload store (see
// internal/payloadstore/gormstore) as the default oversized-body store,
// opening dsn with driver and running its AutoMigrate before Start. Without
// this, New falls back to whatever config.WithPayloadStores supplied, or an
// empty registry (oversized bodies are then left inline).
func WithGormPayloadStore(driver GormDriver, dsn string) Option {
	return func(b *buildOpts) {
		b.gormDriver = driver
		b.gormDSN = dsn
	}
}

// New constructs a Client from options but does not start it; call Start
// to begin serving requests. Without WithRedisClient, the inflight registry
// falls back to an in-process implementation that is sufficient for a
// single process but does not survive a restart. Without WithQueue, an
// in-memory memqueue is used.
func New(opts ...Option) (*Client, error) {
	b := &buildOpts{}
	for _, opt := range opts {
		opt(b)
	}

	if b.gormDriver != "" {
		store, err := newGormPayloadStore(b.gormDriver, b.gormDSN)
		if err != nil {
			return nil, fmt.Errorf("asynchttp: gorm payload store: %w", err)
		}
		reg := payloadstore.NewRegistry()
		if err := reg.Register("gorm", store, true); err != nil {
			return nil, fmt.Errorf("asynchttp: %w", err)
		}
		b.cfgOpts = append(b.cfgOpts, config.WithPayloadStores(reg))
	}

	cfg, err := config.Configure(b.cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("asynchttp: %w", err)
	}

	m := metrics.New("asynchttp")
	exec := executor.New(cfg)

	queue := b.queue
	if queue == nil {
		queue = memqueue.New(cfg.Logger, 1024, cfg.MaxConnections)
	}

	ownerID := fmt.Sprintf("asynchttp-%s", ownerIDSuffix())
	reg := registry.New(b.redis, ownerID)

	callbacks := callback.NewRegistry()
	cb := callback.NewDispatcher(cfg, queue)
	callback.RegisterJobHandler(queue, callbacks, cfg.PayloadStores)
	queue.Use(jobqueue.CaptureCurrentJob())

	proc := processor.New(cfg, exec, reg, queue, cb, m)

	// The RequestJob fallback path: a re-enqueued (or externally pushed)
	// request envelope lands back on the processor's own intake when a
	// worker picks it up.
	queue.RegisterHandler(jobqueue.RequestJobClass, func(ctx context.Context, env jobqueue.Envelope) error {
		raw, ok := env.Args["request"].(map[string]interface{})
		if !ok {
			return fmt.Errorf("asynchttp: request job %s carries no request hash", env.ID)
		}
		req, err := model.LoadRequest(raw)
		if err != nil {
			return fmt.Errorf("asynchttp: load request from job %s: %w", env.ID, err)
		}
		// Re-stamp the envelope so a further hand-back keeps counting up
		// from this delivery's retry count instead of resetting to zero.
		req = req.WithJobEnvelope(model.JobEnvelope{
			Class:      env.Class,
			Args:       env.Args,
			Metadata:   env.Metadata,
			RetryCount: env.RetryCount,
		})
		return proc.Enqueue(ctx, req)
	})

	mon := monitor.New(reg, proc, queue, cfg.Logger, cfg.HeartbeatInterval, cfg.OrphanThreshold, cfg.GCLockTTL, ownerID)
	mon.TestMode = cfg.TestMode

	return &Client{
		cfg:       cfg,
		exec:      exec,
		reg:       reg,
		queue:     queue,
		proc:      proc,
		mon:       mon,
		callbacks: callbacks,
		metrics:   m,
		ownerID:   ownerID,
	}, nil
}

// RegisterCallback associates a callback_class_name with the function that
// handles it once the worker side of the job queue picks up the pushed
// CallbackJob. Must be called before Start.
func (c *Client) RegisterCallback(class string, h callback.HandlerFunc) {
	c.callbacks.Register(class, h)
}

// Start launches the processor's reactor loop, the monitor's background
// loops, and the job queue's worker pool.
func (c *Client) Start(ctx context.Context) error {
	if err := c.queue.Start(ctx); err != nil {
		return fmt.Errorf("asynchttp: start job queue: %w", err)
	}
	if err := c.proc.Start(ctx); err != nil {
		return fmt.Errorf("asynchttp: start processor: %w", err)
	}
	c.mon.Start(ctx)
	return nil
}

// Quiet tells the processor to stop admitting new work immediately
// (Enqueue starts returning *model.NotRunningError) without beginning
// Shutdown's bounded wait-and-reenqueue sequence. Useful for a host job
// system's own quiet/TSTP signal, ahead of a later Shutdown on full
// termination.
func (c *Client) Quiet() error {
	return c.proc.Quiet()
}

// Shutdown drains in-flight exchanges (bounded by ctx), stops the monitor,
// and re-enqueues anything still pending before returning. Safe to call
// whether or not Quiet was called first.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mon.Stop()
	if err := c.proc.Shutdown(ctx); err != nil {
		return fmt.Errorf("asynchttp: shutdown processor: %w", err)
	}
	if err := c.queue.Stop(ctx); err != nil {
		return fmt.Errorf("asynchttp: shutdown job queue: %w", err)
	}
	c.exec.Close()
	return nil
}

// Enqueue submits req for asynchronous processing. A request that doesn't
// already carry a job envelope gets one here: the envelope of the job this
// call is running inside (captured by the queue middleware), or a synthetic
// RequestJob carrying the request's own hash. Either way the processor has
// something concrete to push back onto the queue if the request must be
// handed off at shutdown or recovered as an orphan.
func (c *Client) Enqueue(ctx context.Context, req model.Request) error {
	if req.JobEnvelope().Class == "" {
		if env, ok := jobqueue.CurrentJob(ctx); ok {
			req = req.WithJobEnvelope(model.JobEnvelope{
				Class:      env.Class,
				Args:       env.Args,
				Metadata:   env.Metadata,
				RetryCount: env.RetryCount,
			})
		} else {
			req = req.WithJobEnvelope(model.JobEnvelope{
				Class: jobqueue.RequestJobClass,
				Args:  map[string]interface{}{"request": req.AsHash()},
			})
		}
	}
	return c.proc.Enqueue(ctx, req)
}

// Request builds a Request and enqueues it in one call.
func (c *Client) Request(ctx context.Context, method Method, url string, opts Options) error {
	req, err := model.NewRequest(method, url, opts)
	if err != nil {
		return err
	}
	return c.Enqueue(ctx, req)
}

func (c *Client) Get(ctx context.Context, url string, opts Options) error {
	return c.Request(ctx, MethodGet, url, opts)
}

func (c *Client) Post(ctx context.Context, url string, opts Options) error {
	return c.Request(ctx, MethodPost, url, opts)
}

func (c *Client) Put(ctx context.Context, url string, opts Options) error {
	return c.Request(ctx, MethodPut, url, opts)
}

func (c *Client) Patch(ctx context.Context, url string, opts Options) error {
	return c.Request(ctx, MethodPatch, url, opts)
}

func (c *Client) Delete(ctx context.Context, url string, opts Options) error {
	return c.Request(ctx, MethodDelete, url, opts)
}

func (c *Client) Head(ctx context.Context, url string, opts Options) error {
	return c.Request(ctx, MethodHead, url, opts)
}

func (c *Client) Options(ctx context.Context, url string, opts Options) error {
	return c.Request(ctx, MethodOptions, url, opts)
}

// Snapshot returns a point-in-time read of the processor's counters.
func (c *Client) Snapshot() metrics.Snapshot {
	return c.metrics.Snapshot()
}

// State reports the processor's current lifecycle state as a string
// ("stopped", "running", "draining", ...).
func (c *Client) State() string {
	return c.proc.State().String()
}

// newGormPayloadStore opens dsn with driver, migrates gormstore's schema,
// and returns a ready-to-use payload store.
func newGormPayloadStore(driver GormDriver, dsn string) (*gormstore.Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case GormDriverPostgres:
		dialector = postgres.Open(dsn)
	case GormDriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown gorm driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	store, err := gormstore.New(db)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// ownerIDSuffix identifies this process for the GC lock owner field: pid
// plus a random suffix, so two processes started in the same second never
// collide.
func ownerIDSuffix() string {
	return fmt.Sprintf("%d-%s", os.Getpid(), uuid.NewString()[:8])
}
