package llm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/contentstore"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/queue"
)

const completeDoc = `{
	"organization": [{"name": "St. Mary's Food Bank", "description": "Food bank"}],
	"service": [{"name": "Pantry", "status": "active"}],
	"location": [{
		"name": "Main Site",
		"latitude": 40.7128,
		"longitude": -74.0060,
		"addresses": [{
			"address_1": "123 Main St", "city": "New York", "state_province": "NY",
			"postal_code": "10001", "country": "US", "address_type": "physical"
		}]
	}]
}`

// incompleteDoc passes the structural schema but scores 0.70: service and
// location are present as empty arrays.
const incompleteDoc = `{
	"organization": [{"name": "St. Mary's Food Bank", "description": "Food bank"}],
	"service": [],
	"location": []
}`

// fakeProvider replays a script of responses; the last entry repeats once the
// script is exhausted. Each entry is either a *GenerateResponse or an error.
type fakeProvider struct {
	script  []any
	calls   int
	prompts []string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Generate(_ context.Context, req GenerateRequest) (*GenerateResponse, error) {
	p.prompts = append(p.prompts, req.Prompt)
	i := p.calls
	p.calls++
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	switch v := p.script[i].(type) {
	case *GenerateResponse:
		return v, nil
	case error:
		return nil, v
	default:
		panic("fakeProvider: bad script entry")
	}
}

func (p *fakeProvider) HealthCheck(context.Context) (HealthStatus, error) {
	return HealthStatus{Authenticated: true, Model: "fake-1"}, nil
}

func newTestQueue(t *testing.T) (*queue.Client, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.NewWithRedis(rdb, time.Hour, zap.NewNop()), rdb
}

func newTestWorker(t *testing.T, queues *queue.Client, store *contentstore.Store, provider Provider) *Worker {
	t.Helper()
	w, err := NewWorker("w-test", queues, store, provider, nil, Config{}, zap.NewNop())
	require.NoError(t, err)
	return w
}

func enqueueRaw(t *testing.T, queues *queue.Client, raw queue.RawJob) *queue.Job {
	t.Helper()
	ctx := context.Background()
	_, err := queues.Enqueue(ctx, queue.QueueRaw, raw, map[string]string{
		queue.MetaScraperID:   raw.ScraperID,
		queue.MetaContentHash: raw.ContentHash,
	}, queue.RetryPolicy{})
	require.NoError(t, err)
	job, err := queues.Reserve(ctx, queue.QueueRaw, "w-test")
	require.NoError(t, err)
	return job
}

func reserveAligned(t *testing.T, queues *queue.Client) queue.AlignedJob {
	t.Helper()
	job, err := queues.Reserve(context.Background(), queue.QueueAligned, "t")
	require.NoError(t, err)
	var aligned queue.AlignedJob
	require.NoError(t, json.Unmarshal(job.Payload, &aligned))
	return aligned
}

func TestProcessAcceptsFirstAttempt(t *testing.T) {
	queues, _ := newTestQueue(t)
	provider := &fakeProvider{script: []any{&GenerateResponse{Text: completeDoc}}}
	w := newTestWorker(t, queues, nil, provider)

	job := enqueueRaw(t, queues, queue.RawJob{ScraperID: "nyc_efap", Content: "pantry text"})
	w.Process(context.Background(), job)

	assert.Equal(t, 1, provider.calls)

	aligned := reserveAligned(t, queues)
	assert.Equal(t, "nyc_efap", aligned.ScraperID)
	assert.Equal(t, 1.0, aligned.Confidence)
	assert.False(t, aligned.Cached)

	done, err := queues.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, done.Status)

	// The recorder fanout carries the accepted document.
	recJob, err := queues.Reserve(context.Background(), queue.QueueRecorder, "t")
	require.NoError(t, err)
	var rec queue.RecorderJob
	require.NoError(t, json.Unmarshal(recJob.Payload, &rec))
	assert.Equal(t, job.ID, rec.JobID)
	assert.Equal(t, queue.StatusCompleted, rec.Status)
}

func TestProcessRetriesWithFeedbackThenAccepts(t *testing.T) {
	queues, _ := newTestQueue(t)
	provider := &fakeProvider{script: []any{
		&GenerateResponse{Text: incompleteDoc},
		&GenerateResponse{Text: completeDoc},
	}}
	w := newTestWorker(t, queues, nil, provider)

	job := enqueueRaw(t, queues, queue.RawJob{ScraperID: "nyc_efap", Content: "pantry text"})
	w.Process(context.Background(), job)

	require.Equal(t, 2, provider.calls)
	assert.Contains(t, provider.prompts[1], "Validation feedback")
	assert.Contains(t, provider.prompts[1], "missing: service, location")

	aligned := reserveAligned(t, queues)
	assert.Equal(t, 1.0, aligned.Confidence)
}

func TestProcessCacheHitSkipsProvider(t *testing.T) {
	queues, _ := newTestQueue(t)
	store, err := contentstore.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hash := contentstore.HashContent("pantry text")
	_, err = store.Put(hash, completeDoc, "earlier-job")
	require.NoError(t, err)

	provider := &fakeProvider{script: []any{&GenerateResponse{Text: completeDoc}}}
	w := newTestWorker(t, queues, store, provider)

	job := enqueueRaw(t, queues, queue.RawJob{
		ScraperID:   "nyc_efap",
		Content:     "pantry text",
		ContentHash: hash,
	})
	w.Process(context.Background(), job)

	assert.Zero(t, provider.calls, "cache hit must not call the provider")

	aligned := reserveAligned(t, queues)
	assert.True(t, aligned.Cached)
	assert.JSONEq(t, completeDoc, string(aligned.HSDS))

	done, err := queues.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, done.Status)
	assert.True(t, done.Result.Cached)
}

func TestProcessDeadLettersAfterLowConfidenceTwice(t *testing.T) {
	queues, rdb := newTestQueue(t)
	// Empty entity arrays plus asserted known fields drive the score to
	// 0.25, below the retry threshold, on both attempts.
	provider := &fakeProvider{script: []any{
		&GenerateResponse{Text: `{"organization": [], "service": [], "location": []}`},
	}}
	w := newTestWorker(t, queues, nil, provider)

	job := enqueueRaw(t, queues, queue.RawJob{
		ScraperID:   "nyc_efap",
		Content:     "pantry text",
		KnownFields: []string{"organization", "service", "location"},
	})
	w.Process(context.Background(), job)

	assert.Equal(t, 2, provider.calls)
	dead, err := rdb.LLen(context.Background(), "radio:dead").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	failed, err := queues.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, failed.Status)
	assert.Contains(t, failed.Result.Error, "validation failed")
}

func TestProcessQuotaBackoffEscalates(t *testing.T) {
	queues, rdb := newTestQueue(t)
	provider := &fakeProvider{script: []any{
		&ProviderError{Kind: KindQuotaExceeded, Message: "usage limit reached"},
	}}
	w := newTestWorker(t, queues, nil, provider)
	ctx := context.Background()

	job := enqueueRaw(t, queues, queue.RawJob{ScraperID: "nyc_efap", Content: "pantry text"})

	wantDelays := []float64{3600, 5400, 8100} // 1h base, ×1.5 per attempt
	for i, want := range wantDelays {
		before := time.Now()
		w.Process(ctx, job)

		score, err := rdb.ZScore(ctx, "radio:q:raw:deferred", job.ID).Result()
		require.NoError(t, err, "attempt %d should defer, not dead-letter", i+1)
		delay := (score - float64(before.UnixMilli())) / 1000
		assert.InDelta(t, want, delay, 5, "attempt %d", i+1)

		// Promote by hand; the housekeeping ticker does this in production.
		require.NoError(t, rdb.ZRem(ctx, "radio:q:raw:deferred", job.ID).Err())
		require.NoError(t, rdb.RPush(ctx, "radio:q:raw:pending", job.ID).Err())
		job, err = queues.Reserve(ctx, queue.QueueRaw, "w-test")
		require.NoError(t, err)
	}

	// Deferrals never consume retries or dead-letter the job.
	dead, err := rdb.LLen(ctx, "radio:dead").Result()
	require.NoError(t, err)
	assert.Zero(t, dead)
	assert.Zero(t, job.RetryCount)
}

func TestProcessAuthFailureDefersAndFlagsHealth(t *testing.T) {
	queues, rdb := newTestQueue(t)
	provider := &fakeProvider{script: []any{
		&ProviderError{Kind: KindNotAuthenticated, Message: "login required"},
	}}
	w := newTestWorker(t, queues, nil, provider)
	ctx := context.Background()

	job := enqueueRaw(t, queues, queue.RawJob{ScraperID: "nyc_efap", Content: "pantry text"})
	before := time.Now()
	w.Process(ctx, job)

	score, err := rdb.ZScore(ctx, "radio:q:raw:deferred", job.ID).Result()
	require.NoError(t, err)
	delay := (score - float64(before.UnixMilli())) / 1000
	assert.InDelta(t, 300, delay, 5)

	deferred, err := queues.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", deferred.Metadata["auth_attempts"])

	report := w.Health(ctx)
	assert.Equal(t, "auth-needed", report.Status)
	assert.False(t, report.Authenticated)
}

func TestProcessPermanentErrorDeadLetters(t *testing.T) {
	queues, rdb := newTestQueue(t)
	provider := &fakeProvider{script: []any{
		&ProviderError{Kind: KindPermanent, Message: "model gone"},
	}}
	w := newTestWorker(t, queues, nil, provider)

	job := enqueueRaw(t, queues, queue.RawJob{ScraperID: "nyc_efap", Content: "pantry text"})
	w.Process(context.Background(), job)

	assert.Equal(t, 1, provider.calls)
	dead, err := rdb.LLen(context.Background(), "radio:dead").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestProcessTransientErrorUsesRetryPolicy(t *testing.T) {
	queues, rdb := newTestQueue(t)
	provider := &fakeProvider{script: []any{
		&ProviderError{Kind: KindTransient, Message: "connection reset"},
	}}
	w := newTestWorker(t, queues, nil, provider)
	ctx := context.Background()

	job := enqueueRaw(t, queues, queue.RawJob{ScraperID: "nyc_efap", Content: "pantry text"})
	w.Process(ctx, job)

	// Fail consumes a retry and schedules redelivery via the job's policy.
	deferred, err := queues.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDeferred, deferred.Status)
	assert.Equal(t, 1, deferred.RetryCount)

	n, err := rdb.ZCard(ctx, "radio:q:raw:deferred").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQuotaDelayCapped(t *testing.T) {
	queues, _ := newTestQueue(t)
	w := newTestWorker(t, queues, nil, &fakeProvider{script: []any{&GenerateResponse{}}})

	assert.Equal(t, time.Hour, w.quotaDelay(1))
	assert.Equal(t, 90*time.Minute, w.quotaDelay(2))
	assert.Equal(t, 135*time.Minute, w.quotaDelay(3))
	assert.Equal(t, 4*time.Hour, w.quotaDelay(4))
	assert.Equal(t, 4*time.Hour, w.quotaDelay(10))
}

func TestApplyCorrections(t *testing.T) {
	doc := []byte(`{"service": [{"name": "Pantry", "status": "defunct"}]}`)
	out, err := applyCorrections(doc, map[string]any{
		"service.0.status": "active",
		"service.9.status": "active", // out of range, skipped
		"nonsense.path":    "x",      // unknown, skipped
	})
	require.NoError(t, err)

	var root struct {
		Service []struct {
			Status string `json:"status"`
		} `json:"service"`
	}
	require.NoError(t, json.Unmarshal(out, &root))
	assert.Equal(t, "active", root.Service[0].Status)
}
