// Package registry is the shared, cross-process bookkeeping store the
// processor uses to know which requests are in flight, so a crashed worker's
// jobs can be recovered by any other worker sharing the same Redis instance.
// Grounded on internal/clients/redis/sse_bus.go's constructor-validates,
// narrow-interface style.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/asynchttp/asynchttp/internal/model"
)

const (
	keyHeartbeats = "async_http:inflight:heartbeats"
	keyJobs       = "async_http:inflight:jobs"
	keyGCLock     = "async_http:inflight:gc_lock"
)

// Entry is the durable record kept for one in-flight request: enough to
// rebuild and re-submit its job if the worker that owns it disappears, plus
// which worker last held it and how many times it has already been handed
// back.
type Entry struct {
	RequestID      string            `json:"request_id"`
	JobEnvelope    model.JobEnvelope `json:"job_envelope"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
	OwnerProcessID string            `json:"owner_process_id"`
	RetryCount     int               `json:"retry_count"`
}

// commander is the subset of *redis.Client the registry needs. Accepting
// this instead of the concrete client keeps Registry unit-testable without a
// live Redis server.
type commander interface {
	ZAdd(ctx context.Context, key string, members ...goredis.Z) *goredis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *goredis.ZRangeBy) *goredis.StringSliceCmd
	HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	HGet(ctx context.Context, key, field string) *goredis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *goredis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *goredis.BoolCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Registry tracks in-flight requests in Redis: a sorted set keyed by last
// heartbeat time (for orphan scanning), a hash of request id -> serialized
// job envelope (for re-enqueue), and a single shared GC lock key so only one
// worker runs orphan cleanup at a time.
type Registry struct {
	rdb     commander
	ownerID string
}

func New(rdb *goredis.Client, ownerID string) *Registry {
	if rdb == nil {
		return &Registry{rdb: newInMemoryCommander(), ownerID: ownerID}
	}
	return &Registry{rdb: rdb, ownerID: ownerID}
}

// NewWithCommander is used by tests to inject a fake commander.
func NewWithCommander(c commander, ownerID string) *Registry {
	return &Registry{rdb: c, ownerID: ownerID}
}

// Track records req as newly in-flight, with its current heartbeat set to
// now and this process recorded as the owner. Called once, when the
// processor accepts a request.
func (r *Registry) Track(ctx context.Context, req model.Request, now time.Time) error {
	entry := Entry{
		RequestID:      req.ID(),
		JobEnvelope:    req.JobEnvelope(),
		EnqueuedAt:     now,
		OwnerProcessID: r.ownerID,
		RetryCount:     req.JobEnvelope().RetryCount,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("asynchttp: marshal inflight entry: %w", err)
	}
	if err := r.rdb.HSet(ctx, keyJobs, req.ID(), data).Err(); err != nil {
		return fmt.Errorf("asynchttp: track inflight job: %w", err)
	}
	if err := r.rdb.ZAdd(ctx, keyHeartbeats, goredis.Z{Score: float64(now.Unix()), Member: req.ID()}).Err(); err != nil {
		return fmt.Errorf("asynchttp: track inflight heartbeat: %w", err)
	}
	return nil
}

// Heartbeat refreshes requestID's last-seen time, proving to other workers
// that its owner is still alive. Called on the monitor's heartbeat cadence.
func (r *Registry) Heartbeat(ctx context.Context, requestID string, now time.Time) error {
	return r.rdb.ZAdd(ctx, keyHeartbeats, goredis.Z{Score: float64(now.Unix()), Member: requestID}).Err()
}

// Remove drops requestID from both the heartbeat set and the job hash, once
// its exchange has completed (successfully or not) and its callback has been
// dispatched.
func (r *Registry) Remove(ctx context.Context, requestID string) error {
	if err := r.rdb.ZRem(ctx, keyHeartbeats, requestID).Err(); err != nil {
		return fmt.Errorf("asynchttp: remove inflight heartbeat: %w", err)
	}
	if err := r.rdb.HDel(ctx, keyJobs, requestID).Err(); err != nil {
		return fmt.Errorf("asynchttp: remove inflight job: %w", err)
	}
	return nil
}

// Orphaned returns the entries whose last heartbeat is older than
// threshold, i.e. requests whose owning worker has gone silent.
func (r *Registry) Orphaned(ctx context.Context, now time.Time, threshold time.Duration) ([]Entry, error) {
	cutoff := now.Add(-threshold)
	ids, err := r.rdb.ZRangeByScore(ctx, keyHeartbeats, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("asynchttp: scan orphaned heartbeats: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		raw, err := r.rdb.HGet(ctx, keyJobs, id).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("asynchttp: fetch orphaned job %s: %w", id, err)
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// AcquireGCLock attempts to claim the single cluster-wide orphan-cleanup
// lock, returning false if another worker already holds it.
func (r *Registry) AcquireGCLock(ctx context.Context, ttl time.Duration, owner string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, keyGCLock, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("asynchttp: acquire gc lock: %w", err)
	}
	return ok, nil
}

// ReleaseGCLock drops the GC lock only if owner is still the value stored
// there. If gcLockTTL expired mid-sweep and another worker's AcquireGCLock
// has since claimed the key, owner no longer matches and Release is a
// no-op — otherwise the first worker's deferred release would delete the
// second worker's lock out from under it. Safe to call even if this worker
// never held the lock at all.
func (r *Registry) ReleaseGCLock(ctx context.Context, owner string) error {
	val, err := r.rdb.Get(ctx, keyGCLock).Result()
	if err == goredis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("asynchttp: read gc lock for release: %w", err)
	}
	if val != owner {
		return nil
	}
	if err := r.rdb.Del(ctx, keyGCLock).Err(); err != nil {
		return fmt.Errorf("asynchttp: release gc lock: %w", err)
	}
	return nil
}
