package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"stepflow/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	popTimeout    = 2 * time.Second
	pausedBackoff = time.Second
)

// queue owns the per-queue key space and the consume loop. One durable queue
// exists per (workflow, step) pair, created once at engine startup and
// reused for the process lifetime.
type queue struct {
	name   string
	cfg    ports.QueueConfig
	client *redis.Client
	logger *slog.Logger

	keyPending   string
	keyDelayed   string
	keyCompleted string
	keyFailed    string
	keyPaused    string

	handlerMu  sync.Mutex
	handler    ports.JobHandler
	activeJobs atomic.Int64
}

func newQueue(name string, cfg ports.QueueConfig, client *redis.Client, logger *slog.Logger) *queue {
	base := fmt.Sprintf("%s:%s", keyPrefix, name)
	return &queue{
		name:         name,
		cfg:          cfg,
		client:       client,
		logger:       logger.With("queue", name),
		keyPending:   base + ":pending",
		keyDelayed:   base + ":delayed",
		keyCompleted: base + ":completed",
		keyFailed:    base + ":failed",
		keyPaused:    base + ":paused",
	}
}

func (q *queue) keyJob(id string) string {
	return fmt.Sprintf("%s:%s:job:%s", keyPrefix, q.name, id)
}

func (q *queue) store(ctx context.Context, job *ports.Job) error {
	raw, err := encodeJob(job)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.keyJob(job.ID), raw, 0).Err()
}

func (q *queue) load(ctx context.Context, jobID string) (*ports.Job, error) {
	raw, err := q.client.Get(ctx, q.keyJob(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job not found: %s in %s", jobID, q.name)
		}
		return nil, err
	}
	return decodeJob(raw)
}

func (q *queue) bindHandler(fn ports.JobHandler) bool {
	q.handlerMu.Lock()
	defer q.handlerMu.Unlock()
	if q.handler != nil {
		return false
	}
	q.handler = fn
	return true
}

// run is the worker loop: promote due delayed jobs, honor the paused flag,
// then block on the pending list. Each popped job is processed on its own
// goroutine behind a concurrency semaphore and a rate limiter, so throughput
// per queue is bounded by both ceilings.
func (q *queue) run(ctx context.Context) {
	sem := make(chan struct{}, q.cfg.Concurrency)
	limiter := rate.NewLimiter(
		rate.Limit(float64(q.cfg.RateLimit)/q.cfg.RatePeriod.Seconds()),
		q.cfg.RateLimit,
	)

	q.logger.Debug("worker loop started", "concurrency", q.cfg.Concurrency, "rate_limit", q.cfg.RateLimit)

	for ctx.Err() == nil {
		if err := q.promoteDelayed(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("failed to promote delayed jobs", "error", err)
		}

		if q.isPaused(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pausedBackoff):
			}
			continue
		}

		res, err := q.client.BLPop(ctx, popTimeout, q.keyPending).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Error("error popping from queue", "error", err)
			continue
		}
		jobID := res[1]

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		go func() {
			defer func() { <-sem }()
			q.process(ctx, jobID)
		}()
	}
}

// promoteDelayed moves every due job from the delayed set onto the pending
// list, preserving readiness order.
func (q *queue) promoteDelayed(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, q.keyDelayed, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	pipe := q.client.Pipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.keyDelayed, id)
		pipe.RPush(ctx, q.keyPending, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *queue) isPaused(ctx context.Context) bool {
	exists, err := q.client.Exists(ctx, q.keyPaused).Result()
	return err == nil && exists > 0
}

// process runs one delivery attempt. A handler error re-enqueues the job
// delayed by exponential backoff until attempts are exhausted, then parks it
// in the failed set. Success parks it in the completed set; both sets are
// trimmed to the queue's retention policy.
func (q *queue) process(ctx context.Context, jobID string) {
	q.activeJobs.Add(1)
	defer q.activeJobs.Add(-1)

	job, err := q.load(ctx, jobID)
	if err != nil {
		// Removed between pop and load (terminate or cleanup won the race).
		q.logger.Debug("job vanished before processing", "job_id", jobID)
		return
	}

	job.Attempt++
	if err := q.store(ctx, job); err != nil {
		q.logger.Error("failed to persist attempt count", "job_id", jobID, "error", err)
	}

	handlerErr := q.handler(ctx, job)
	if handlerErr == nil {
		q.finalize(ctx, job, q.keyCompleted)
		q.trim(ctx, q.keyCompleted, q.cfg.RemoveOnCompleteAge, q.cfg.RemoveOnCompleteCount)
		return
	}

	if job.Attempt < job.MaxAttempts {
		backoff := q.cfg.BackoffDelay << (job.Attempt - 1)
		readyAt := float64(time.Now().Add(backoff).UnixMilli())
		if err := q.client.ZAdd(ctx, q.keyDelayed, redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
			q.logger.Error("failed to schedule retry", "job_id", job.ID, "error", err)
			return
		}
		q.logger.Warn("job failed, retry scheduled",
			"job_id", job.ID, "attempt", job.Attempt, "backoff", backoff, "error", handlerErr)
		return
	}

	q.logger.Error("job exhausted retries", "job_id", job.ID, "attempts", job.Attempt, "error", handlerErr)
	q.finalize(ctx, job, q.keyFailed)
	q.trim(ctx, q.keyFailed, q.cfg.RemoveOnFailAge, q.cfg.RemoveOnFailCount)
}

func (q *queue) finalize(ctx context.Context, job *ports.Job, key string) {
	now := time.Now()
	job.FinishedAt = &now
	if err := q.store(ctx, job); err != nil {
		q.logger.Error("failed to persist finished job", "job_id", job.ID, "error", err)
	}
	if err := q.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: job.ID}).Err(); err != nil {
		q.logger.Error("failed to record finished job", "job_id", job.ID, "error", err)
	}
}

// trim enforces the age- and count-based retention bounds on a finished set.
func (q *queue) trim(ctx context.Context, key string, maxAge time.Duration, maxCount int64) {
	cutoff := fmt.Sprintf("%d", time.Now().Add(-maxAge).UnixMilli())
	expired, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err == nil && len(expired) > 0 {
		pipe := q.client.Pipeline()
		for _, id := range expired {
			pipe.ZRem(ctx, key, id)
			pipe.Del(ctx, q.keyJob(id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Error("retention trim by age failed", "key", key, "error", err)
		}
	}

	count, err := q.client.ZCard(ctx, key).Result()
	if err != nil || count <= maxCount {
		return
	}
	// Oldest first; keep the newest maxCount entries.
	overflow, err := q.client.ZRange(ctx, key, 0, count-maxCount-1).Result()
	if err != nil {
		return
	}
	pipe := q.client.Pipeline()
	for _, id := range overflow {
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, q.keyJob(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("retention trim by count failed", "key", key, "error", err)
	}
}
