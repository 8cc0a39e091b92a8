package queue

import (
	"encoding/json"
	"time"
)

// Queue names. Jobs are owned by exactly one queue at a time; ownership
// transfer happens only through the client operations in this package.
const (
	QueueRaw      = "raw"
	QueueAligned  = "aligned"
	QueueRecorder = "recorder"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDeferred  = "deferred"
)

// Metadata keys every pipeline job carries.
const (
	MetaScraperID   = "scraper_id"
	MetaContentHash = "content_hash"
	MetaKnownFields = "known_fields" // comma-separated field paths
)

// Job is the unit of work flowing through the pipeline. Payload is opaque
// bytes — each queue carries exactly one message type (RawJob, AlignedJob,
// RecorderJob) and callers decode explicitly.
type Job struct {
	ID         string            `json:"id"`
	Queue      string            `json:"queue"`
	Payload    json.RawMessage   `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     string            `json:"status"`
	RetryCount int               `json:"retry_count"`
	CreatedAt  time.Time         `json:"created_at"`
	Result     *Result           `json:"result,omitempty"`
}

// Result is the terminal outcome attached to a completed or failed job.
type Result struct {
	Text   string          `json:"text,omitempty"`
	Parsed json.RawMessage `json:"parsed,omitempty"`
	Error  string          `json:"error,omitempty"`
	Cached bool            `json:"cached,omitempty"`
}

// RawJob is the payload on the raw queue: one scraper run's stdout.
type RawJob struct {
	ScraperID   string   `json:"scraper_id"`
	Content     string   `json:"content"`
	ContentHash string   `json:"content_hash"`
	KnownFields []string `json:"known_fields,omitempty"`
	CollectedAt string   `json:"collected_at"`
}

// AlignedJob is the payload on the aligned queue: a schema-validated HSDS
// candidate attributed to its source.
type AlignedJob struct {
	ScraperID   string          `json:"scraper_id"`
	ContentHash string          `json:"content_hash"`
	HSDS        json.RawMessage `json:"hsds"`
	Confidence  float64         `json:"confidence"`
	Cached      bool            `json:"cached"`
}

// RecorderJob is the payload on the recorder queue: the terminal job record
// plus its result, ready to be written to the daily output tree.
type RecorderJob struct {
	JobID     string          `json:"job_id"`
	ScraperID string          `json:"scraper_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// RetryPolicy drives the exponential-with-jitter backoff applied when a job
// fails. Zero values fall back to DefaultRetryPolicy at enqueue time.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
}

// DefaultRetryPolicy is applied to jobs enqueued without an explicit policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  30 * time.Second,
	MaxDelay:   30 * time.Minute,
	Multiplier: 2.0,
}
