package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
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

func newTestQueue(t *testing.T) *queue.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.NewWithRedis(rdb, 5*time.Minute, zap.NewNop())
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func TestDiscoverFindsExecutables(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "nyc_efap.sh", "echo hi")
	writeScript(t, dir, "il_state", "echo hi")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "lib"), 0o755))

	scrapers, err := NewRegistry(dir).Discover()
	require.NoError(t, err)

	names := make([]string, 0, len(scrapers))
	for _, s := range scrapers {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"il_state", "nyc_efap"}, names)
}

func TestGetUnknownScraper(t *testing.T) {
	_, err := NewRegistry(t.TempDir()).Get("nope")
	assert.ErrorContains(t, err, `"nope" not found`)
}

func TestRunEnqueuesRawJob(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "nyc_efap.sh", `printf 'Food Pantry at 123 Main St'`)
	queues := newTestQueue(t)

	s, err := NewRegistry(dir).Get("nyc_efap")
	require.NoError(t, err)

	runner := NewRunner(queues, time.Minute, zap.NewNop())
	result, err := runner.Run(context.Background(), s, false)
	require.NoError(t, err)

	wantSum := sha256.Sum256([]byte("Food Pantry at 123 Main St"))
	assert.Equal(t, hex.EncodeToString(wantSum[:]), result.ContentHash)
	assert.NotEmpty(t, result.JobID)

	job, err := queues.Reserve(context.Background(), queue.QueueRaw, "test-worker")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "nyc_efap", job.Metadata[queue.MetaScraperID])
	assert.Equal(t, result.ContentHash, job.Metadata[queue.MetaContentHash])

	var raw queue.RawJob
	require.NoError(t, json.Unmarshal(job.Payload, &raw))
	assert.Equal(t, "Food Pantry at 123 Main St", raw.Content)
	assert.Equal(t, "nyc_efap", raw.ScraperID)
	assert.NotEmpty(t, raw.CollectedAt)
}

func TestRunDryRunSkipsEnqueue(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "nyc_efap.sh", "echo some output")
	queues := newTestQueue(t)

	s, err := NewRegistry(dir).Get("nyc_efap")
	require.NoError(t, err)

	result, err := NewRunner(queues, time.Minute, zap.NewNop()).Run(context.Background(), s, true)
	require.NoError(t, err)
	assert.Empty(t, result.JobID)
	assert.NotEmpty(t, result.ContentHash)

	depth, err := queues.Length(context.Background(), queue.QueueRaw)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRunNonZeroExitIsError(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "broken.sh", "echo 'fetch failed' >&2; exit 3")
	queues := newTestQueue(t)

	s, err := NewRegistry(dir).Get("broken")
	require.NoError(t, err)

	_, err = NewRunner(queues, time.Minute, zap.NewNop()).Run(context.Background(), s, false)
	require.Error(t, err)
	assert.ErrorContains(t, err, "fetch failed")

	depth, err := queues.Length(context.Background(), queue.QueueRaw)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRunEmptyOutputIsError(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "silent.sh", "true")
	queues := newTestQueue(t)

	s, err := NewRegistry(dir).Get("silent")
	require.NoError(t, err)

	_, err = NewRunner(queues, time.Minute, zap.NewNop()).Run(context.Background(), s, false)
	assert.ErrorContains(t, err, "empty output")
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "slow.sh", "sleep 60")
	queues := newTestQueue(t)

	s, err := NewRegistry(dir).Get("slow")
	require.NoError(t, err)

	start := time.Now()
	_, err = NewRunner(queues, 200*time.Millisecond, zap.NewNop()).Run(context.Background(), s, false)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunAllIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "good.sh", "echo payload")
	writeScript(t, dir, "bad.sh", "exit 1")
	queues := newTestQueue(t)

	runner := NewRunner(queues, time.Minute, zap.NewNop())
	orch, err := NewOrchestrator(NewRegistry(dir), runner, Options{}, zap.NewNop())
	require.NoError(t, err)

	err = orch.RunAll(context.Background())
	require.Error(t, err, "the failing scraper surfaces in the joined error")

	depth, err := queues.Length(context.Background(), queue.QueueRaw)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "the healthy scraper still enqueued")
}
