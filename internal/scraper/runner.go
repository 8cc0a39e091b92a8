package scraper

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/queue"
)

// DefaultTimeout bounds a single scraper run.
const DefaultTimeout = time.Hour

// killGrace is how long a scraper gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// RunResult summarizes one scraper invocation.
type RunResult struct {
	ScraperID   string
	JobID       string // empty on dry runs
	ContentHash string
	Bytes       int
	Duration    time.Duration
}

// Runner executes scrapers as subprocesses and enqueues their output. All
// subprocess handling lives here; nothing else in the package touches exec.
type Runner struct {
	queues  *queue.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewRunner(queues *queue.Client, timeout time.Duration, logger *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		queues:  queues,
		timeout: timeout,
		logger:  logger.Named("scraper"),
	}
}

// Run invokes the scraper, hashes its stdout, and enqueues a raw job. With
// dryRun set the subprocess still runs but nothing is enqueued, which backs
// the `scraper test` CLI verb.
func (r *Runner) Run(ctx context.Context, s Scraper, dryRun bool) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, s.Path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// On timeout or cancellation the process gets SIGTERM, then SIGKILL once
	// the wait delay elapses.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if stderr.Len() > 0 {
		r.logger.Warn("scraper stderr",
			zap.String("scraper_id", s.Name),
			zap.String("stderr", stderr.String()),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("scraper: run %s: %w: %s", s.Name, err, bytes.TrimSpace(stderr.Bytes()))
	}

	content := stdout.Bytes()
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, fmt.Errorf("scraper: run %s: empty output", s.Name)
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	result := &RunResult{
		ScraperID:   s.Name,
		ContentHash: hash,
		Bytes:       len(content),
		Duration:    elapsed,
	}
	if dryRun {
		r.logger.Info("dry run, not enqueuing",
			zap.String("scraper_id", s.Name),
			zap.String("content_hash", hash),
			zap.Int("bytes", len(content)),
		)
		return result, nil
	}

	payload := queue.RawJob{
		ScraperID:   s.Name,
		Content:     string(content),
		ContentHash: hash,
		CollectedAt: start.UTC().Format(time.RFC3339),
	}
	meta := map[string]string{
		queue.MetaScraperID:   s.Name,
		queue.MetaContentHash: hash,
	}
	jobID, err := r.queues.Enqueue(ctx, queue.QueueRaw, payload, meta, queue.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("scraper: enqueue %s: %w", s.Name, err)
	}
	result.JobID = jobID

	r.logger.Info("scraper run enqueued",
		zap.String("scraper_id", s.Name),
		zap.String("job_id", jobID),
		zap.String("content_hash", hash),
		zap.Int("bytes", len(content)),
		zap.Duration("duration", elapsed),
	)
	return result, nil
}
