package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"aerostic/backend/internal/logging"
)

// RedisConfig configures the Redis driver.
type RedisConfig struct {
	// Prefix namespaces the keys: <prefix>:ready, <prefix>:processing,
	// <prefix>:delayed, <prefix>:dead.
	Prefix string
	// Workers is the number of concurrent consumers.
	Workers int
	// DequeueTimeout is how long a worker blocks waiting for a job.
	DequeueTimeout time.Duration
	// PromoteInterval is how often due retries move back to the ready list.
	PromoteInterval time.Duration
	// JobTimeout bounds a single handler call.
	JobTimeout time.Duration
}

// DefaultRedisConfig returns the driver defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:          "automation:jobs",
		Workers:         4,
		DequeueTimeout:  time.Second,
		PromoteInterval: 500 * time.Millisecond,
		JobTimeout:      5 * time.Minute,
	}
}

// RedisQueue keeps ready jobs in a list consumed with BRPOPLPUSH into a
// processing list, retries in a sorted set scored by due time, and exhausted
// jobs in a dead-letter list. A job stays in the processing list until its
// outcome is recorded, so a crashed worker's jobs are requeued on the next
// Run. One consumer fleet per prefix is assumed: Run requeues everything it
// finds in the processing list.
type RedisQueue struct {
	*dispatcher
	client *redis.Client
	cfg    RedisConfig
	logger *logging.Logger
	now    func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue on client.
func NewRedisQueue(client *redis.Client, cfg RedisConfig, logger *logging.Logger) *RedisQueue {
	def := DefaultRedisConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = def.DequeueTimeout
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = def.PromoteInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With("component", "queue", "driver", "redis")
	return &RedisQueue{
		dispatcher: newDispatcher(logger, cfg.JobTimeout),
		client:     client,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

func (q *RedisQueue) readyKey() string      { return q.cfg.Prefix + ":ready" }
func (q *RedisQueue) processingKey() string { return q.cfg.Prefix + ":processing" }
func (q *RedisQueue) delayedKey() string    { return q.cfg.Prefix + ":delayed" }

// DeadKey is the list holding jobs that exhausted their attempts.
func (q *RedisQueue) DeadKey() string { return q.cfg.Prefix + ":dead" }

// Enqueue pushes a new job onto the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload any, opts Options) (*Job, error) {
	job, err := newJob(name, payload, opts, q.now().UTC())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey(), data).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	q.logger.Debug("Job enqueued", "job_id", job.ID, "job", name)
	return job, nil
}

// Run starts the workers and the retry promoter and blocks until ctx is
// cancelled and in-flight jobs have finished.
func (q *RedisQueue) Run(ctx context.Context) error {
	q.logger.Info("Starting queue workers", "workers", q.cfg.Workers, "prefix", q.cfg.Prefix)

	if n, err := q.recoverProcessing(ctx); err != nil {
		return fmt.Errorf("failed to requeue in-flight jobs: %w", err)
	} else if n > 0 {
		q.logger.Warn("Requeued abandoned jobs", "count", n)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.promoteLoop(ctx)
	}()
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			q.runWorker(ctx, workerID)
		}(i + 1)
	}
	wg.Wait()

	q.logger.Info("Queue workers stopped")
	return nil
}

func (q *RedisQueue) runWorker(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, raw, err := q.dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("Dequeue error", "worker_id", workerID, "error", err)
			time.Sleep(q.cfg.DequeueTimeout)
			continue
		}
		if job == nil {
			continue
		}
		q.handle(ctx, job, raw)
	}
}

// dequeue moves the oldest ready job into the processing list and returns it
// with its raw encoding, which finish uses to remove it again.
func (q *RedisQueue) dequeue(ctx context.Context) (*Job, string, error) {
	raw, err := q.client.BRPopLPush(ctx, q.readyKey(), q.processingKey(), q.cfg.DequeueTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to dequeue job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Error("Dropping undecodable job", "error", err, "data", raw)
		bg := context.WithoutCancel(ctx)
		q.finish(bg, raw, func(pipe redis.Pipeliner) {
			pipe.LPush(bg, q.DeadKey(), raw)
		})
		return nil, "", nil
	}
	return &job, raw, nil
}

// handle runs a job and schedules a retry or dead-letters it on failure.
// Bookkeeping uses a fresh context so shutdown does not lose jobs.
func (q *RedisQueue) handle(ctx context.Context, job *Job, raw string) {
	job.Attempt++
	start := q.now()
	err := q.process(ctx, job)
	bg := context.WithoutCancel(ctx)

	if err == nil {
		q.finish(bg, raw, nil)
		q.logger.Info("Job completed", "job_id", job.ID, "job", job.Name, "attempt", job.Attempt, "duration_ms", q.now().Sub(start).Milliseconds())
		return
	}

	job.LastError = err.Error()
	data, merr := json.Marshal(job)
	if merr != nil {
		q.logger.Error("Failed to marshal failed job", "job_id", job.ID, "error", merr)
		q.finish(bg, raw, nil)
		return
	}

	if shouldRetry(job, err) {
		delay := job.Backoff.Delay(job.Attempt)
		due := q.now().Add(delay)
		q.logger.Warn("Job failed, retrying", "job_id", job.ID, "job", job.Name, "attempt", job.Attempt, "max_attempts", job.MaxAttempts, "delay", delay.String(), "error", err)
		q.finish(bg, raw, func(pipe redis.Pipeliner) {
			pipe.ZAdd(bg, q.delayedKey(), &redis.Z{Score: float64(due.UnixMilli()), Member: data})
		})
		return
	}

	q.logger.Error("Job failed permanently", "job_id", job.ID, "job", job.Name, "attempt", job.Attempt, "error", err)
	q.finish(bg, raw, func(pipe redis.Pipeliner) {
		pipe.LPush(bg, q.DeadKey(), data)
	})
}

// finish removes raw from the processing list, atomically with whatever
// outcome record next queues.
func (q *RedisQueue) finish(ctx context.Context, raw string, next func(redis.Pipeliner)) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if next != nil {
			next(pipe)
		}
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		return nil
	})
	if err != nil {
		q.logger.Error("Failed to record job outcome", "error", err)
	}
}

// recoverProcessing moves jobs left in the processing list by a previous
// run back onto the ready list.
func (q *RedisQueue) recoverProcessing(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.processingKey(), q.readyKey()).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (q *RedisQueue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("Failed to promote delayed jobs", "error", err)
			}
		}
	}
}

// promoteDue moves retries whose due time has passed back to the ready list.
// ZREM decides ownership so concurrent promoters never duplicate a job.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey(), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// DeadJobs returns the dead-lettered jobs, newest first.
func (q *RedisQueue) DeadJobs(ctx context.Context) ([]*Job, error) {
	items, err := q.client.LRange(ctx, q.DeadKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(items))
	for _, item := range items {
		var job Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}
