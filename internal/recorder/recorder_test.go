package recorder

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/queue"
)

func newTestRecorder(t *testing.T) (*Recorder, *queue.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	queues := queue.NewWithRedis(rdb, time.Hour, zap.NewNop())
	return New("rec-test", t.TempDir(), queues, zap.NewNop()), queues
}

func sampleRecord(jobID, scraperID string, at time.Time) queue.RecorderJob {
	return queue.RecorderJob{
		JobID:     jobID,
		ScraperID: scraperID,
		Status:    queue.StatusCompleted,
		Result:    json.RawMessage(`{"organization": []}`),
		CreatedAt: at,
	}
}

func TestRecordWritesDailyTree(t *testing.T) {
	r, _ := newTestRecorder(t)
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, r.Record(sampleRecord("job-1", "nyc_efap", at)))

	jobPath := filepath.Join(r.Root(), "daily", "2026-08-24", "scrapers", "nyc_efap", "job-1.json")
	data, err := os.ReadFile(jobPath)
	require.NoError(t, err)

	var rec queue.RecorderJob
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "job-1", rec.JobID)

	summary := readSummary(t, r, "2026-08-24")
	assert.Equal(t, 1, summary.TotalJobs)
	assert.Equal(t, 1, summary.Scrapers["nyc_efap"])

	latest, err := os.ReadFile(filepath.Join(r.Root(), "latest", "nyc_efap_latest.json"))
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(latest))
}

func TestRecordRedeliveryDoesNotDoubleCount(t *testing.T) {
	r, _ := newTestRecorder(t)
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	rec := sampleRecord("job-1", "nyc_efap", at)
	require.NoError(t, r.Record(rec))
	require.NoError(t, r.Record(rec))

	summary := readSummary(t, r, "2026-08-24")
	assert.Equal(t, 1, summary.TotalJobs)
}

func TestRecordTracksMultipleScrapers(t *testing.T) {
	r, _ := newTestRecorder(t)
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, r.Record(sampleRecord("job-1", "nyc_efap", at)))
	require.NoError(t, r.Record(sampleRecord("job-2", "nyc_efap", at)))
	require.NoError(t, r.Record(sampleRecord("job-3", "il_state", at)))

	summary := readSummary(t, r, "2026-08-24")
	assert.Equal(t, 3, summary.TotalJobs)
	assert.Equal(t, 2, summary.Scrapers["nyc_efap"])
	assert.Equal(t, 1, summary.Scrapers["il_state"])
}

func TestLatestPointsToMostRecentJob(t *testing.T) {
	r, _ := newTestRecorder(t)
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, r.Record(sampleRecord("job-1", "nyc_efap", at)))
	require.NoError(t, r.Record(sampleRecord("job-2", "nyc_efap", at.Add(time.Hour))))

	latest, err := os.ReadFile(filepath.Join(r.Root(), "latest", "nyc_efap_latest.json"))
	require.NoError(t, err)
	var rec queue.RecorderJob
	require.NoError(t, json.Unmarshal(latest, &rec))
	assert.Equal(t, "job-2", rec.JobID)
}

func TestProcessCompletesQueueJob(t *testing.T) {
	r, queues := newTestRecorder(t)
	ctx := context.Background()

	_, err := queues.Enqueue(ctx, queue.QueueRecorder,
		sampleRecord("job-1", "nyc_efap", time.Now().UTC()), nil, queue.RetryPolicy{})
	require.NoError(t, err)
	job, err := queues.Reserve(ctx, queue.QueueRecorder, "rec-test")
	require.NoError(t, err)

	r.Process(ctx, job)

	done, err := queues.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, done.Status)
}

func TestArchiveDay(t *testing.T) {
	r, _ := newTestRecorder(t)
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.Record(sampleRecord("job-1", "nyc_efap", at)))

	path, err := r.ArchiveDay("2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), "archives", "2026-08-24.tar.gz"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Contains(t, names, "2026-08-24/scrapers/nyc_efap/job-1.json")
	assert.Contains(t, names, "2026-08-24/summary.json")

	// Archiving leaves the source tree untouched.
	_, err = os.Stat(filepath.Join(r.Root(), "daily", "2026-08-24", "summary.json"))
	assert.NoError(t, err)
}

func TestArchiveDayMissing(t *testing.T) {
	r, _ := newTestRecorder(t)
	_, err := r.ArchiveDay("1999-01-01")
	assert.Error(t, err)
}

func readSummary(t *testing.T, r *Recorder, day string) Summary {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(r.Root(), "daily", day, "summary.json"))
	require.NoError(t, err)
	var s Summary
	require.NoError(t, json.Unmarshal(data, &s))
	return s
}
