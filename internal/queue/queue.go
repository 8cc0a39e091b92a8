// Package queue implements the Redis-backed job substrate shared by all
// pipeline components: named FIFO queues with per-job retry metadata,
// exclusive leases, deferred delivery, result TTL, and a dead-letter list.
//
// Redis layout per queue q:
//
//	radio:q:<q>:pending     list   job IDs awaiting a worker (LPUSH/LMOVE)
//	radio:q:<q>:processing  list   job IDs currently leased
//	radio:q:<q>:deferred    zset   job IDs scored by their not-before time
//	radio:jobs:<id>         hash   job JSON, status, lease deadline, policy
//	radio:dead              list   job IDs that exhausted their retries
//
// Delivery is at-least-once: Reserve moves a job pending→processing with a
// single LMOVE, so exactly one worker holds it; if the worker dies, the
// lease expires and RequeueExpired returns the job to pending.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/metrics"
)

// ErrQueueEmpty is returned by Reserve when no job is ready.
var ErrQueueEmpty = errors.New("queue: no job available")

// ErrNotFound is returned when a job ID has no backing record, typically
// because its TTL expired.
var ErrNotFound = errors.New("queue: job not found")

const keyPrefix = "radio"

// Lease durations double as the per-queue soft deadlines: a worker that has
// not finished by then loses ownership and the job is redelivered.
var leaseDurations = map[string]time.Duration{
	QueueRaw:      5 * time.Minute,
	QueueAligned:  15 * time.Minute,
	QueueRecorder: 2 * time.Minute,
}

const defaultLease = 5 * time.Minute

// Client wraps a Redis connection pool with the queue operations.
// Safe for concurrent use by any number of goroutines.
type Client struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to Redis at the given URL and returns a queue client.
// poolSize bounds the connection pool; ttl is how long terminal job results
// remain readable.
func New(redisURL string, poolSize int, ttl time.Duration, logger *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: invalid redis url: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	return NewWithRedis(redis.NewClient(opts), ttl, logger), nil
}

// NewWithRedis wraps an existing Redis client. Used by tests with miniredis.
func NewWithRedis(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Client {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Client{rdb: rdb, ttl: ttl, logger: logger.Named("queue")}
}

// Ping verifies the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func pendingKey(q string) string    { return keyPrefix + ":q:" + q + ":pending" }
func processingKey(q string) string { return keyPrefix + ":q:" + q + ":processing" }
func deferredKey(q string) string   { return keyPrefix + ":q:" + q + ":deferred" }
func jobKey(id string) string       { return keyPrefix + ":jobs:" + id }
func deadKey() string               { return keyPrefix + ":dead" }

func leaseFor(q string) time.Duration {
	if d, ok := leaseDurations[q]; ok {
		return d
	}
	return defaultLease
}

// Enqueue creates a job on the named queue and returns its ID.
// A zero RetryPolicy falls back to DefaultRetryPolicy.
func (c *Client) Enqueue(ctx context.Context, q string, payload any, meta map[string]string, policy RetryPolicy) (string, error) {
	if policy.MaxRetries == 0 {
		policy = DefaultRetryPolicy
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("queue: generate job id: %w", err)
	}

	job := Job{
		ID:        id.String(),
		Queue:     q,
		Payload:   raw,
		Metadata:  meta,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job: %w", err)
	}
	policyData, err := json.Marshal(policy)
	if err != nil {
		return "", fmt.Errorf("queue: marshal retry policy: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), map[string]any{
		"data":        string(data),
		"status":      StatusPending,
		"retry_count": 0,
		"policy":      string(policyData),
	})
	pipe.LPush(ctx, pendingKey(q), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: enqueue on %s: %w", q, err)
	}

	c.logger.Debug("job enqueued", zap.String("queue", q), zap.String("job_id", job.ID))
	return job.ID, nil
}

// Reserve atomically claims the oldest pending job on the queue for the
// given worker. Returns ErrQueueEmpty when nothing is ready. The caller must
// finish with Complete, Fail, or Defer before the lease expires.
func (c *Client) Reserve(ctx context.Context, q, workerID string) (*Job, error) {
	id, err := c.rdb.LMove(ctx, pendingKey(q), processingKey(q), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: reserve on %s: %w", q, err)
	}

	lease := time.Now().Add(leaseFor(q)).UnixMilli()
	if err := c.rdb.HSet(ctx, jobKey(id), map[string]any{
		"status":      StatusRunning,
		"worker":      workerID,
		"lease_until": lease,
	}).Err(); err != nil {
		return nil, fmt.Errorf("queue: mark running %s: %w", id, err)
	}

	job, err := c.load(ctx, id)
	if err != nil {
		// Job hash expired while the ID lingered in pending. Drop the
		// orphan so it does not wedge the processing list.
		c.rdb.LRem(ctx, processingKey(q), 1, id)
		return nil, err
	}
	job.Status = StatusRunning

	metrics.ActiveWorkers.WithLabelValues(q).Inc()
	return job, nil
}

// Complete marks a leased job as completed, attaches the result, and starts
// the result TTL.
func (c *Client) Complete(ctx context.Context, job *Job, result *Result) error {
	job.Status = StatusCompleted
	job.Result = result
	return c.finish(ctx, job, StatusCompleted)
}

// Fail records a failure on a leased job. If the job has retries left under
// its policy, it is deferred with exponential backoff; otherwise it moves to
// the dead-letter list.
func (c *Client) Fail(ctx context.Context, job *Job, jobErr error) error {
	policy, err := c.loadPolicy(ctx, job.ID)
	if err != nil {
		return err
	}

	job.RetryCount++
	if job.RetryCount <= policy.MaxRetries {
		delay := Backoff(policy, job.RetryCount)
		c.logger.Info("job failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("queue", job.Queue),
			zap.Int("retry_count", job.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(jobErr),
		)
		return c.Defer(ctx, job, time.Now().Add(delay))
	}

	return c.DeadLetter(ctx, job, jobErr)
}

// DeadLetter moves a leased job straight to the dead-letter list, bypassing
// any remaining retries. Used for permanent and validation failures where
// retrying cannot help.
func (c *Client) DeadLetter(ctx context.Context, job *Job, jobErr error) error {
	job.Status = StatusFailed
	job.Result = &Result{Error: jobErr.Error()}

	data, merr := json.Marshal(job)
	if merr != nil {
		return fmt.Errorf("queue: marshal failed job: %w", merr)
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), map[string]any{
		"data":        string(data),
		"status":      StatusFailed,
		"retry_count": job.RetryCount,
	})
	pipe.LRem(ctx, processingKey(job.Queue), 1, job.ID)
	pipe.LPush(ctx, deadKey(), job.ID)
	pipe.Expire(ctx, jobKey(job.ID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", job.ID, err)
	}

	metrics.ActiveWorkers.WithLabelValues(job.Queue).Dec()
	metrics.DeadLetterTotal.Inc()
	c.logger.Error("job dead-lettered",
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.Error(jobErr),
	)
	return nil
}

// Defer releases a leased job and schedules its redelivery at notBefore.
// Unlike Fail it does not consume a retry — used for provider quota and
// auth conditions where the job itself is sound.
func (c *Client) Defer(ctx context.Context, job *Job, notBefore time.Time) error {
	job.Status = StatusDeferred

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal deferred job: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), map[string]any{
		"data":        string(data),
		"status":      StatusDeferred,
		"retry_count": job.RetryCount,
	})
	pipe.HDel(ctx, jobKey(job.ID), "lease_until", "worker")
	pipe.LRem(ctx, processingKey(job.Queue), 1, job.ID)
	pipe.ZAdd(ctx, deferredKey(job.Queue), redis.Z{
		Score:  float64(notBefore.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: defer %s: %w", job.ID, err)
	}

	metrics.ActiveWorkers.WithLabelValues(job.Queue).Dec()
	return nil
}

// Release returns a leased job to the pending list without recording an
// outcome. Called during graceful shutdown for jobs that did not finish.
func (c *Client) Release(ctx context.Context, job *Job) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), "status", StatusPending)
	pipe.HDel(ctx, jobKey(job.ID), "lease_until", "worker")
	pipe.LRem(ctx, processingKey(job.Queue), 1, job.ID)
	pipe.RPush(ctx, pendingKey(job.Queue), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: release %s: %w", job.ID, err)
	}
	metrics.ActiveWorkers.WithLabelValues(job.Queue).Dec()
	return nil
}

// PromoteDeferred moves all deferred jobs whose not-before time has passed
// back to the pending list. Called on a ticker by every worker.
func (c *Client) PromoteDeferred(ctx context.Context, q string) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := c.rdb.ZRangeByScore(ctx, deferredKey(q), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: promote deferred on %s: %w", q, err)
	}

	promoted := 0
	for _, id := range ids {
		// ZRem is the claim: whichever caller removes the member owns the
		// push, so concurrent promoters cannot enqueue the same job twice.
		removed, err := c.rdb.ZRem(ctx, deferredKey(q), id).Result()
		if err != nil {
			return promoted, fmt.Errorf("queue: promote %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(id), "status", StatusPending)
		pipe.RPush(ctx, pendingKey(q), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("queue: promote %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}

// RequeueExpired scans the processing list for jobs whose lease has lapsed
// and returns them to pending. A worker crash therefore delays a job by at
// most one lease duration.
func (c *Client) RequeueExpired(ctx context.Context, q string) (int, error) {
	ids, err := c.rdb.LRange(ctx, processingKey(q), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan processing on %s: %w", q, err)
	}

	now := time.Now().UnixMilli()
	requeued := 0
	for _, id := range ids {
		leaseStr, err := c.rdb.HGet(ctx, jobKey(id), "lease_until").Result()
		if errors.Is(err, redis.Nil) {
			// Job record gone — drop the orphaned processing entry.
			c.rdb.LRem(ctx, processingKey(q), 1, id)
			continue
		}
		if err != nil {
			return requeued, fmt.Errorf("queue: read lease for %s: %w", id, err)
		}
		lease, _ := strconv.ParseInt(leaseStr, 10, 64)
		if lease >= now {
			continue
		}

		// LRem is the claim: only the caller that removes the processing
		// entry pushes the job back to pending.
		removed, err := c.rdb.LRem(ctx, processingKey(q), 1, id).Result()
		if err != nil {
			return requeued, fmt.Errorf("queue: requeue expired %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey(id), "status", StatusPending)
		pipe.HDel(ctx, jobKey(id), "lease_until", "worker")
		pipe.RPush(ctx, pendingKey(q), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, fmt.Errorf("queue: requeue expired %s: %w", id, err)
		}
		requeued++
		c.logger.Warn("lease expired, job requeued",
			zap.String("job_id", id),
			zap.String("queue", q),
		)
	}
	return requeued, nil
}

// Length returns the number of pending jobs on the queue.
func (c *Client) Length(ctx context.Context, q string) (int64, error) {
	n, err := c.rdb.LLen(ctx, pendingKey(q)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: length of %s: %w", q, err)
	}
	metrics.QueueDepth.WithLabelValues(q).Set(float64(n))
	return n, nil
}

// Get loads a job record by ID. Returns ErrNotFound once the TTL has lapsed.
func (c *Client) Get(ctx context.Context, id string) (*Job, error) {
	return c.load(ctx, id)
}

// DeadLetterDrain removes and returns every job currently on the
// dead-letter list. Exposed for operator tooling.
func (c *Client) DeadLetterDrain(ctx context.Context) ([]*Job, error) {
	var out []*Job
	for {
		id, err := c.rdb.RPop(ctx, deadKey()).Result()
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("queue: drain dead letter: %w", err)
		}
		job, err := c.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, job)
	}
}

func (c *Client) load(ctx context.Context, id string) (*Job, error) {
	fields, err := c.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: load %s: %w", id, err)
	}
	data, ok := fields["data"]
	if !ok {
		return nil, ErrNotFound
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("queue: decode %s: %w", id, err)
	}
	if s, ok := fields["status"]; ok {
		job.Status = s
	}
	if rc, ok := fields["retry_count"]; ok {
		job.RetryCount, _ = strconv.Atoi(rc)
	}
	return &job, nil
}

func (c *Client) loadPolicy(ctx context.Context, id string) (RetryPolicy, error) {
	raw, err := c.rdb.HGet(ctx, jobKey(id), "policy").Result()
	if errors.Is(err, redis.Nil) {
		return DefaultRetryPolicy, nil
	}
	if err != nil {
		return RetryPolicy{}, fmt.Errorf("queue: load policy for %s: %w", id, err)
	}
	var p RetryPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return RetryPolicy{}, fmt.Errorf("queue: decode policy for %s: %w", id, err)
	}
	return p, nil
}

func (c *Client) finish(ctx context.Context, job *Job, status string) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.ID, err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), map[string]any{
		"data":        string(data),
		"status":      status,
		"retry_count": job.RetryCount,
	})
	pipe.LRem(ctx, processingKey(job.Queue), 1, job.ID)
	pipe.Expire(ctx, jobKey(job.ID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: finish %s: %w", job.ID, err)
	}

	metrics.ActiveWorkers.WithLabelValues(job.Queue).Dec()
	return nil
}
