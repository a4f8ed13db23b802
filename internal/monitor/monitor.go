// Package monitor runs the two periodic background chores the processor
// depends on but doesn't run inline: refreshing this worker's heartbeat on
// every request it still owns, and (at most one worker cluster-wide, via the
// registry's GC lock) sweeping for requests whose owner has gone silent and
// handing them back to the job queue. Grounded on internal/jobs/worker.go's
// ticker-driven background loop.
package monitor

import (
	"context"
	"time"

	"github.com/asynchttp/asynchttp/internal/jobqueue"
	"github.com/asynchttp/asynchttp/internal/logger"
	"github.com/asynchttp/asynchttp/internal/registry"
)

// InFlightLister reports the request IDs this worker currently owns, so the
// monitor knows what to refresh. Implemented by Processor in production;
// a stub in tests.
type InFlightLister interface {
	InFlightIDs() []string
}

// Monitor owns the heartbeat-refresh and orphan-cleanup background loops.
type Monitor struct {
	reg    *registry.Registry
	lister InFlightLister
	queue  jobqueue.Queue
	log    *logger.Logger

	heartbeatInterval time.Duration
	orphanThreshold   time.Duration
	gcLockTTL         time.Duration
	ownerID           string

	// TestMode makes a tick that panics re-panic instead of only being
	// logged, so test suites notice a broken monitor instead of it failing
	// silently. Errors returned by registry or queue calls are logged either way.
	TestMode bool

	cancel context.CancelFunc
}

func New(reg *registry.Registry, lister InFlightLister, queue jobqueue.Queue, log *logger.Logger, heartbeatInterval, orphanThreshold, gcLockTTL time.Duration, ownerID string) *Monitor {
	if log == nil {
		log = logger.Nop()
	}
	return &Monitor{
		reg:               reg,
		lister:            lister,
		queue:             queue,
		log:               log.With("component", "monitor"),
		heartbeatInterval: heartbeatInterval,
		orphanThreshold:   orphanThreshold,
		gcLockTTL:         gcLockTTL,
		ownerID:           ownerID,
	}
}

// Start launches the heartbeat and orphan-sweep loops in the background.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go m.heartbeatLoop(runCtx)
	go m.orphanSweepLoop(runCtx)
}

// Stop cancels both background loops. Safe to call even if Start was never
// called.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshHeartbeats(ctx)
		}
	}
}

func (m *Monitor) refreshHeartbeats(ctx context.Context) {
	defer m.recoverTick("heartbeat refresh")

	if m.lister == nil || m.reg == nil {
		return
	}
	now := time.Now()
	for _, id := range m.lister.InFlightIDs() {
		if err := m.reg.Heartbeat(ctx, id, now); err != nil {
			m.log.Warn("failed to refresh heartbeat", "request_id", id, "error", err)
		}
	}
}

// orphanSweepLoop staggers its cadence to roughly orphan_threshold/3 so a
// request isn't declared orphaned the instant it crosses the threshold, but
// not so infrequently that recovery lags noticeably behind it either.
func (m *Monitor) orphanSweepLoop(ctx context.Context) {
	interval := m.orphanThreshold / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOrphans(ctx)
		}
	}
}

func (m *Monitor) sweepOrphans(ctx context.Context) {
	defer m.recoverTick("orphan sweep")

	if m.reg == nil {
		return
	}

	acquired, err := m.reg.AcquireGCLock(ctx, m.gcLockTTL, m.ownerID)
	if err != nil {
		m.log.Warn("failed to acquire gc lock", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := m.reg.ReleaseGCLock(ctx, m.ownerID); err != nil {
			m.log.Warn("failed to release gc lock", "error", err)
		}
	}()

	orphaned, err := m.reg.Orphaned(ctx, time.Now(), m.orphanThreshold)
	if err != nil {
		m.log.Warn("failed to scan orphaned requests", "error", err)
		return
	}

	for _, entry := range orphaned {
		m.log.Warn("recovering orphaned request",
			"request_id", entry.RequestID,
			"owner_process_id", entry.OwnerProcessID,
			"retry_count", entry.RetryCount+1)
		if m.queue != nil {
			class := entry.JobEnvelope.Class
			if class == "" {
				class = jobqueue.RequestJobClass
			}
			if err := m.queue.Push(ctx, jobqueue.Envelope{
				ID:         entry.RequestID,
				Class:      class,
				Args:       entry.JobEnvelope.Args,
				Metadata:   entry.JobEnvelope.Metadata,
				RetryCount: entry.RetryCount + 1,
			}); err != nil {
				m.log.Error("failed to re-enqueue orphaned request", "request_id", entry.RequestID, "error", err)
				continue
			}
		}
		if err := m.reg.Remove(ctx, entry.RequestID); err != nil {
			m.log.Warn("failed to remove orphaned request from registry", "request_id", entry.RequestID, "error", err)
		}
	}
}

func (m *Monitor) recoverTick(phase string) {
	if r := recover(); r != nil {
		if m.TestMode {
			panic(r)
		}
		m.log.Error("monitor tick panicked", "phase", phase, "panic", r)
	}
}
