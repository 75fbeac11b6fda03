package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aerostic/backend/internal/logging"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client, RedisConfig{
		Prefix:          "test:jobs",
		Workers:         2,
		DequeueTimeout:  time.Second,
		PromoteInterval: 10 * time.Millisecond,
	}, logging.NewNop())
	return q, client
}

// runQueue starts q and returns a stop function that waits for shutdown.
func runQueue(t *testing.T, q Queue) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("queue did not stop")
		}
	}
}

var fastRetry = Options{Attempts: 3, Backoff: Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}}

func TestRedisQueueDelivers(t *testing.T) {
	q, client := newTestRedisQueue(t)

	got := make(chan string, 1)
	q.Handle("greet", func(_ context.Context, job *Job) error {
		var p struct{ Name string }
		if err := job.Decode(&p); err != nil {
			return err
		}
		got <- p.Name
		return nil
	})
	stop := runQueue(t, q)
	defer stop()

	_, err := q.Enqueue(context.Background(), "greet", map[string]string{"Name": "ada"}, Options{})
	require.NoError(t, err)

	select {
	case name := <-got:
		assert.Equal(t, "ada", name)
	case <-time.After(5 * time.Second):
		t.Fatal("job not delivered")
	}
	assert.Eventually(t, func() bool {
		n, err := client.LLen(context.Background(), q.processingKey()).Result()
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRedisQueueRequeuesAbandonedJobs(t *testing.T) {
	q, client := newTestRedisQueue(t)
	ctx := context.Background()

	// A worker that died mid-job leaves its delivery in the processing list.
	abandoned, err := newJob("greet", map[string]string{"Name": "grace"}, Options{}, time.Now().UTC())
	require.NoError(t, err)
	data, err := json.Marshal(abandoned)
	require.NoError(t, err)
	require.NoError(t, client.LPush(ctx, q.processingKey(), data).Err())

	got := make(chan *Job, 1)
	q.Handle("greet", func(_ context.Context, job *Job) error {
		got <- job
		return nil
	})
	stop := runQueue(t, q)
	defer stop()

	select {
	case job := <-got:
		assert.Equal(t, abandoned.ID, job.ID)
		assert.Equal(t, 1, job.Attempt)
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned job not redelivered")
	}
	assert.Eventually(t, func() bool {
		n, err := client.LLen(ctx, q.processingKey()).Result()
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRedisQueueRetryLeavesProcessingList(t *testing.T) {
	q, client := newTestRedisQueue(t)
	ctx := context.Background()
	require.NoError(t, client.LPush(ctx, q.readyKey(), `{"id":"j1","name":"flaky","maxAttempts":3,"backoff":{"base":3600000000000}}`).Err())

	q.Handle("flaky", func(context.Context, *Job) error { return errors.New("down") })
	job, raw, err := q.dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	inFlight, err := client.LRange(ctx, q.processingKey(), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{raw}, inFlight)

	q.handle(ctx, job, raw)

	n, err := client.LLen(ctx, q.processingKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
	delayed, err := client.ZCard(ctx, q.delayedKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
}

func TestRedisQueueRetriesThenSucceeds(t *testing.T) {
	q, _ := newTestRedisQueue(t)

	var calls atomic.Int32
	q.Handle("flaky", func(_ context.Context, job *Job) error {
		if calls.Add(1) < 3 {
			return errors.New("temporarily unavailable")
		}
		return nil
	})
	stop := runQueue(t, q)
	defer stop()

	_, err := q.Enqueue(context.Background(), "flaky", nil, fastRetry)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return calls.Load() == 3 }, 10*time.Second, 10*time.Millisecond)
	dead, err := q.DeadJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestRedisQueueDeadLettersExhaustedJobs(t *testing.T) {
	q, _ := newTestRedisQueue(t)

	var calls atomic.Int32
	q.Handle("broken", func(context.Context, *Job) error {
		calls.Add(1)
		return errors.New("still broken")
	})
	stop := runQueue(t, q)
	defer stop()

	job, err := q.Enqueue(context.Background(), "broken", nil, fastRetry)
	require.NoError(t, err)

	var dead []*Job
	require.Eventually(t, func() bool {
		dead, err = q.DeadJobs(context.Background())
		return err == nil && len(dead) == 1
	}, 10*time.Second, 10*time.Millisecond)

	assert.Equal(t, job.ID, dead[0].ID)
	assert.Equal(t, 3, dead[0].Attempt)
	assert.Equal(t, "still broken", dead[0].LastError)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRedisQueuePermanentErrorSkipsRetry(t *testing.T) {
	q, _ := newTestRedisQueue(t)

	var calls atomic.Int32
	q.Handle("invalid", func(context.Context, *Job) error {
		calls.Add(1)
		return Permanent(errors.New("malformed"))
	})
	stop := runQueue(t, q)
	defer stop()

	_, err := q.Enqueue(context.Background(), "invalid", nil, fastRetry)
	require.NoError(t, err)

	var dead []*Job
	require.Eventually(t, func() bool {
		dead, err = q.DeadJobs(context.Background())
		return err == nil && len(dead) == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, dead[0].Attempt)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRedisQueuePromoteDue(t *testing.T) {
	q, client := newTestRedisQueue(t)
	ctx := context.Background()
	now := time.Now()
	q.now = func() time.Time { return now }

	require.NoError(t, client.ZAdd(ctx, q.delayedKey(),
		&redis.Z{Score: float64(now.Add(-time.Second).UnixMilli()), Member: `{"id":"due"}`},
		&redis.Z{Score: float64(now.Add(time.Hour).UnixMilli()), Member: `{"id":"later"}`},
	).Err())

	require.NoError(t, q.promoteDue(ctx))

	ready, err := client.LRange(ctx, q.readyKey(), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{`{"id":"due"}`}, ready)

	left, err := client.ZCard(ctx, q.delayedKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)
}
