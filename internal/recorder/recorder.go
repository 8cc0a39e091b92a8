// Package recorder consumes the recorder queue and writes every terminal
// job result into a browsable daily tree:
//
//	outputs/daily/<YYYY-MM-DD>/scrapers/<scraper_id>/<job_id>.json
//	outputs/daily/<YYYY-MM-DD>/summary.json
//	outputs/latest/<scraper_id>_latest.json
//
// All writes are temp-then-rename so a crash never leaves a torn file, and
// re-delivered jobs overwrite their own file instead of double-counting.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/metrics"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/queue"
)

// Summary is the per-day index maintained alongside the job files.
type Summary struct {
	Date      string         `json:"date"`
	TotalJobs int            `json:"total_jobs"`
	Scrapers  map[string]int `json:"scrapers"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Recorder is the recorder-queue consumer.
type Recorder struct {
	id     string
	root   string // outputs directory
	queues *queue.Client
	logger *zap.Logger
}

// New wires a recorder rooted at outputDir (created on demand).
func New(id, outputDir string, queues *queue.Client, logger *zap.Logger) *Recorder {
	return &Recorder{
		id:     id,
		root:   outputDir,
		queues: queues,
		logger: logger.Named("recorder").With(zap.String("worker_id", id)),
	}
}

// Root returns the outputs directory.
func (r *Recorder) Root() string { return r.root }

// Run is the worker loop. Blocks until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	r.logger.Info("recorder started", zap.String("output_dir", r.root))
	housekeeping := time.NewTicker(15 * time.Second)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("recorder stopped")
			return
		case <-housekeeping.C:
			if _, err := r.queues.PromoteDeferred(ctx, queue.QueueRecorder); err != nil {
				r.logger.Warn("promote deferred failed", zap.Error(err))
			}
			if _, err := r.queues.RequeueExpired(ctx, queue.QueueRecorder); err != nil {
				r.logger.Warn("requeue expired failed", zap.Error(err))
			}
		default:
		}

		job, err := r.queues.Reserve(ctx, queue.QueueRecorder, r.id)
		if errors.Is(err, queue.ErrQueueEmpty) {
			select {
			case <-ctx.Done():
				r.logger.Info("recorder stopped")
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err != nil {
			r.logger.Error("reserve failed", zap.Error(err))
			continue
		}

		r.Process(context.WithoutCancel(ctx), job)
	}
}

// Process writes one recorder job to the daily tree.
func (r *Recorder) Process(ctx context.Context, job *queue.Job) {
	start := time.Now()

	var rec queue.RecorderJob
	if err := json.Unmarshal(job.Payload, &rec); err != nil {
		if derr := r.queues.DeadLetter(ctx, job, fmt.Errorf("recorder: decode payload: %w", err)); derr != nil {
			r.logger.Error("dead-letter transition failed", zap.Error(derr))
		}
		return
	}

	if err := r.Record(rec); err != nil {
		r.logger.Error("record failed",
			zap.String("job_id", rec.JobID),
			zap.String("scraper_id", rec.ScraperID),
			zap.Error(err),
		)
		if ferr := r.queues.Fail(ctx, job, err); ferr != nil {
			r.logger.Error("fail transition failed", zap.Error(ferr))
		}
		return
	}

	if err := r.queues.Complete(ctx, job, &queue.Result{Text: "recorded"}); err != nil {
		r.logger.Error("complete failed", zap.Error(err))
		return
	}
	metrics.JobsProcessed.WithLabelValues(queue.QueueRecorder, queue.StatusCompleted, "false").Inc()
	metrics.JobProcessingSeconds.WithLabelValues(queue.QueueRecorder).Observe(time.Since(start).Seconds())
}

// Record persists one job file, refreshes the day's summary, and repoints
// the scraper's latest file. Safe to call twice for the same job.
func (r *Recorder) Record(rec queue.RecorderJob) error {
	if rec.JobID == "" || rec.ScraperID == "" {
		return fmt.Errorf("recorder: job_id and scraper_id are required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	day := createdAt.UTC().Format("2006-01-02")

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("recorder: marshal record: %w", err)
	}

	jobPath := filepath.Join(r.root, "daily", day, "scrapers", rec.ScraperID, rec.JobID+".json")
	_, statErr := os.Stat(jobPath)
	firstWrite := os.IsNotExist(statErr)

	if err := writeAtomic(jobPath, data); err != nil {
		return err
	}
	if firstWrite {
		if err := r.bumpSummary(day, rec.ScraperID); err != nil {
			return err
		}
	}
	return r.updateLatest(rec.ScraperID, data)
}

// bumpSummary increments the day's counters. Read-modify-write is safe here
// because a single recorder owns each lease; concurrent recorders on the
// same day lose at worst a counter bump, never a job file.
func (r *Recorder) bumpSummary(day, scraperID string) error {
	path := filepath.Join(r.root, "daily", day, "summary.json")

	summary := Summary{Date: day, Scrapers: map[string]int{}}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &summary); err != nil {
			r.logger.Warn("unreadable summary rebuilt", zap.String("day", day))
			summary = Summary{Date: day, Scrapers: map[string]int{}}
		}
	}
	if summary.Scrapers == nil {
		summary.Scrapers = map[string]int{}
	}

	summary.TotalJobs++
	summary.Scrapers[scraperID]++
	summary.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("recorder: marshal summary: %w", err)
	}
	return writeAtomic(path, data)
}

// updateLatest repoints the scraper's latest file by copy, so readers of
// outputs/latest never depend on symlink support.
func (r *Recorder) updateLatest(scraperID string, data []byte) error {
	return writeAtomic(filepath.Join(r.root, "latest", scraperID+"_latest.json"), data)
}

// writeAtomic writes to a temp file in the target directory and renames it
// into place. Rename within one filesystem is atomic.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("recorder: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("recorder: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("recorder: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("recorder: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("recorder: rename into place: %w", err)
	}
	return nil
}
