package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*Client, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewWithRedis(rdb, time.Hour, zap.NewNop()), rdb
}

func TestEnqueueReserveFIFO(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	id1, err := c.Enqueue(ctx, QueueRaw, RawJob{ScraperID: "a", Content: "one"}, nil, RetryPolicy{})
	require.NoError(t, err)
	id2, err := c.Enqueue(ctx, QueueRaw, RawJob{ScraperID: "a", Content: "two"}, nil, RetryPolicy{})
	require.NoError(t, err)

	n, err := c.Length(ctx, QueueRaw)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	job, err := c.Reserve(ctx, QueueRaw, "w1")
	require.NoError(t, err)
	assert.Equal(t, id1, job.ID)
	assert.Equal(t, StatusRunning, job.Status)

	job2, err := c.Reserve(ctx, QueueRaw, "w2")
	require.NoError(t, err)
	assert.Equal(t, id2, job2.ID)
}

func TestReserveEmptyQueue(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Reserve(context.Background(), QueueRaw, "w1")
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestReserveExclusivity(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, QueueRaw, RawJob{Content: "x"}, nil, RetryPolicy{})
	require.NoError(t, err)

	_, err = c.Reserve(ctx, QueueRaw, "w1")
	require.NoError(t, err)

	// The job is invisible to other workers while leased.
	_, err = c.Reserve(ctx, QueueRaw, "w2")
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestCompleteAttachesResult(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, QueueRaw, RawJob{Content: "x"}, map[string]string{MetaScraperID: "nyc"}, RetryPolicy{})
	require.NoError(t, err)

	job, err := c.Reserve(ctx, QueueRaw, "w1")
	require.NoError(t, err)

	require.NoError(t, c.Complete(ctx, job, &Result{Text: "done"}))

	got, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "done", got.Result.Text)
	assert.Equal(t, "nyc", got.Metadata[MetaScraperID])
}

func TestFailDefersWithRetriesLeft(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, QueueRaw, RawJob{Content: "x"}, nil, RetryPolicy{
		MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2,
	})
	require.NoError(t, err)

	job, err := c.Reserve(ctx, QueueRaw, "w1")
	require.NoError(t, err)
	require.NoError(t, c.Fail(ctx, job, errors.New("transient")))

	got, err := c.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeferred, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// No dead-letter entry.
	dead, err := c.DeadLetterDrain(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestFailExhaustedMovesToDeadLetter(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	id, err := c.Enqueue(ctx, QueueRaw, RawJob{Content: "x"}, nil, RetryPolicy{
		MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2,
	})
	require.NoError(t, err)

	job, err := c.Reserve(ctx, QueueRaw, "w1")
	require.NoError(t, err)
	require.NoError(t, c.Fail(ctx, job, errors.New("boom")))

	// Deferred retry comes due immediately with a 1ms base delay.
	time.Sleep(5 * time.Millisecond)
	n, err := c.PromoteDeferred(ctx, QueueRaw)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = c.Reserve(ctx, QueueRaw, "w1")
	require.NoError(t, err)
	require.NoError(t, c.Fail(ctx, job, errors.New("boom again")))

	dead, err := c.DeadLetterDrain(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, StatusFailed, dead[0].Status)
	assert.Equal(t, "boom again", dead[0].Result.Error)
}

func TestDeferDoesNotConsumeRetry(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, QueueRaw, RawJob{Content: "x"}, nil, RetryPolicy{})
	require.NoError(t, err)

	job, err := c.Reserve(ctx, QueueRaw, "w1")
	require.NoError(t, err)
	require.NoError(t, c.Defer(ctx, job, time.Now().Add(-time.Second)))

	got, err := c.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)

	n, err := c.PromoteDeferred(ctx, QueueRaw)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = c.Reserve(ctx, QueueRaw, "w2")
	require.NoError(t, err)
	assert.Equal(t, got.ID, job.ID)
}

func TestPromoteDeferredRespectsNotBefore(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, QueueRaw, RawJob{Content: "x"}, nil, RetryPolicy{})
	require.NoError(t, err)

	job, err := c.Reserve(ctx, QueueRaw, "w1")
	require.NoError(t, err)
	require.NoError(t, c.Defer(ctx, job, time.Now().Add(time.Hour)))

	n, err := c.PromoteDeferred(ctx, QueueRaw)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = c.Reserve(ctx, QueueRaw, "w1")
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestPromoteDeferredConcurrentCallersPromoteOnce(t *testing.T) {
	c, rdb := newTestClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, QueueRaw, RawJob{Content: "x"}, nil, RetryPolicy{})
	require.NoError(t, err)
	job, err := c.Reserve(ctx, QueueRaw, "w1")
	require.NoError(t, err)
	require.NoError(t, c.Defer(ctx, job, time.Now().Add(-time.Second)))

	// Every worker runs the promotion ticker; the same due job must land on
	// the pending list exactly once.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.PromoteDeferred(ctx, QueueRaw)
		}()
	}
	wg.Wait()

	n, err := rdb.LLen(ctx, pendingKey(QueueRaw)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a due job must be promoted exactly once")
}

func TestRequeueExpiredConcurrentCallersRequeueOnce(t *testing.T) {
	c, rdb := newTestClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, QueueRaw, RawJob{Content: "x"}, nil, RetryPolicy{})
	require.NoError(t, err)
	job, err := c.Reserve(ctx, QueueRaw, "w1")
	require.NoError(t, err)
	require.NoError(t, rdb.HSet(ctx, jobKey(job.ID), "lease_until", 1).Err())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.RequeueExpired(ctx, QueueRaw)
		}()
	}
	wg.Wait()

	n, err := rdb.LLen(ctx, pendingKey(QueueRaw)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "an expired job must be requeued exactly once")

	m, err := rdb.LLen(ctx, processingKey(QueueRaw)).Result()
	require.NoError(t, err)
	assert.Zero(t, m)
}

func TestRequeueExpiredLease(t *testing.T) {
	c, rdb := newTestClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, QueueRaw, RawJob{Content: "x"}, nil, RetryPolicy{})
	require.NoError(t, err)

	job, err := c.Reserve(ctx, QueueRaw, "w1")
	require.NoError(t, err)

	// Force the lease into the past, simulating a crashed worker.
	require.NoError(t, rdb.HSet(ctx, jobKey(job.ID), "lease_until", 1).Err())

	n, err := c.RequeueExpired(ctx, QueueRaw)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	redelivered, err := c.Reserve(ctx, QueueRaw, "w2")
	require.NoError(t, err)
	assert.Equal(t, job.ID, redelivered.ID)
}

func TestReleaseReturnsJobToPending(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, QueueRaw, RawJob{Content: "x"}, nil, RetryPolicy{})
	require.NoError(t, err)

	job, err := c.Reserve(ctx, QueueRaw, "w1")
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, job))

	again, err := c.Reserve(ctx, QueueRaw, "w2")
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
}

func TestBackoffRespectsCapAndJitter(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	for attempt := 1; attempt <= 10; attempt++ {
		d := Backoff(p, attempt)
		assert.Greater(t, d, time.Duration(0))
		// Cap plus the +25% jitter ceiling.
		assert.LessOrEqual(t, d, 13*time.Second)
	}
}
