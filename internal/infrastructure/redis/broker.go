package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stepflow/internal/core/ports"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "stepflow"

// defaultQueueConfig mirrors the engine's queue policy: three attempts with
// exponential backoff, short retention for completed jobs, longer for failed
// ones, and a 100 jobs/minute rate ceiling per worker.
var defaultQueueConfig = ports.QueueConfig{
	Attempts:              3,
	BackoffDelay:          2 * time.Second,
	RemoveOnCompleteAge:   5 * time.Minute,
	RemoveOnCompleteCount: 10,
	RemoveOnFailAge:       time.Hour,
	RemoveOnFailCount:     50,
	Concurrency:           100,
	RateLimit:             100,
	RatePeriod:            time.Minute,
}

// Broker implements ports.Broker on Redis. Each queue keeps a pending list
// (BLPOP-driven, the hot path), a delayed sorted set promoted by the consume
// loop, and completed/failed sorted sets scored by finish time for retention
// trimming. Job bodies live under their own keys so the payload travels by id.
type Broker struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.RWMutex
	queues map[string]*queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBroker(client *redis.Client, logger *slog.Logger) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		client: client,
		logger: logger.With("component", "broker"),
		queues: make(map[string]*queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Broker) CreateQueue(_ context.Context, name string, cfg ports.QueueConfig) error {
	if err := mergo.Merge(&cfg, defaultQueueConfig); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.queues[name]; exists {
		return nil
	}

	b.queues[name] = newQueue(name, cfg, b.client, b.logger)
	b.logger.Debug("queue created", "queue", name)
	return nil
}

func (b *Broker) queue(name string) (*queue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("queue not found: %s", name)
	}
	return q, nil
}

func (b *Broker) Enqueue(ctx context.Context, queueName string, payload map[string]any, opts ports.EnqueueOptions) (string, error) {
	q, err := b.queue(queueName)
	if err != nil {
		return "", err
	}

	job := &ports.Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Name:        opts.Name,
		Payload:     payload,
		Attempt:     0,
		MaxAttempts: q.cfg.Attempts,
		Priority:    opts.Priority,
		EnqueuedAt:  time.Now(),
	}

	if err := q.store(ctx, job); err != nil {
		return "", err
	}

	if opts.Delay > 0 {
		readyAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := b.client.ZAdd(ctx, q.keyDelayed, redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
			return "", err
		}
		return job.ID, nil
	}

	// Priority jobs cut to the head of the line; everything else is FIFO.
	if opts.Priority > 0 {
		err = b.client.LPush(ctx, q.keyPending, job.ID).Err()
	} else {
		err = b.client.RPush(ctx, q.keyPending, job.ID).Err()
	}
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (b *Broker) GetJob(ctx context.Context, queueName, jobID string) (*ports.Job, error) {
	q, err := b.queue(queueName)
	if err != nil {
		return nil, err
	}
	return q.load(ctx, jobID)
}

func (b *Broker) RemoveJob(ctx context.Context, queueName, jobID string) error {
	q, err := b.queue(queueName)
	if err != nil {
		return err
	}
	pipe := b.client.Pipeline()
	pipe.LRem(ctx, q.keyPending, 0, jobID)
	pipe.ZRem(ctx, q.keyDelayed, jobID)
	pipe.ZRem(ctx, q.keyCompleted, jobID)
	pipe.ZRem(ctx, q.keyFailed, jobID)
	pipe.Del(ctx, q.keyJob(jobID))
	_, execErr := pipe.Exec(ctx)
	return execErr
}

func (b *Broker) PendingCount(ctx context.Context, queueName string) (int64, error) {
	q, err := b.queue(queueName)
	if err != nil {
		return 0, err
	}
	pending, err := b.client.LLen(ctx, q.keyPending).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := b.client.ZCard(ctx, q.keyDelayed).Result()
	if err != nil {
		return 0, err
	}
	return pending + delayed, nil
}

func (b *Broker) JobCounts(ctx context.Context, queueName string) (ports.JobCounts, error) {
	q, err := b.queue(queueName)
	if err != nil {
		return ports.JobCounts{}, err
	}

	pipe := b.client.Pipeline()
	pending := pipe.LLen(ctx, q.keyPending)
	delayed := pipe.ZCard(ctx, q.keyDelayed)
	completed := pipe.ZCard(ctx, q.keyCompleted)
	failed := pipe.ZCard(ctx, q.keyFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return ports.JobCounts{}, err
	}

	return ports.JobCounts{
		Pending:   pending.Val(),
		Delayed:   delayed.Val(),
		Active:    q.activeJobs.Load(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (b *Broker) Pause(ctx context.Context, queueName string) error {
	q, err := b.queue(queueName)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, q.keyPaused, "1", 0).Err()
}

func (b *Broker) Resume(ctx context.Context, queueName string) error {
	q, err := b.queue(queueName)
	if err != nil {
		return err
	}
	return b.client.Del(ctx, q.keyPaused).Err()
}

func (b *Broker) Clean(ctx context.Context, queueName string, grace time.Duration, state ports.JobState) (int64, error) {
	q, err := b.queue(queueName)
	if err != nil {
		return 0, err
	}

	var key string
	switch state {
	case ports.JobStateCompleted:
		key = q.keyCompleted
	case ports.JobStateFailed:
		key = q.keyFailed
	default:
		return 0, fmt.Errorf("cannot clean %s jobs from %s", state, queueName)
	}

	cutoff := fmt.Sprintf("%d", time.Now().Add(-grace).UnixMilli())
	ids, err := b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := b.client.Pipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, q.keyJob(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// CleanKeys sweeps bookkeeping keys matching pattern, deleting in batches so
// a single call never stalls Redis.
func (b *Broker) CleanKeys(ctx context.Context, pattern string, batch int64) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			if err := b.client.Del(ctx, keys...).Err(); err != nil {
				return removed, err
			}
			removed += int64(len(keys))
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (b *Broker) Queues() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Consume binds the handler to the queue and starts its worker loop. Exactly
// one consume loop runs per queue for the process lifetime.
func (b *Broker) Consume(queueName string, fn ports.JobHandler) error {
	q, err := b.queue(queueName)
	if err != nil {
		return err
	}
	if !q.bindHandler(fn) {
		return fmt.Errorf("queue %s already has a consumer", queueName)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		q.run(b.ctx)
	}()
	return nil
}

func (b *Broker) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}

func (b *Broker) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

func encodeJob(job *ports.Job) ([]byte, error) {
	return json.Marshal(job)
}

func decodeJob(raw string) (*ports.Job, error) {
	var job ports.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, err
	}
	return &job, nil
}
