package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/contentstore"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/hsds"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/metrics"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/queue"
)

// ErrValidationFailed means the provider could not produce a candidate that
// clears the confidence bar within the allowed retries. The job dead-letters.
var ErrValidationFailed = errors.New("llm: validation failed after retries")

// Metadata keys the worker maintains across deferrals.
const (
	metaAuthAttempts  = "auth_attempts"
	metaQuotaAttempts = "quota_attempts"
)

// maxAuthDeferrals bounds the fixed 5-minute auth deferral loop. The 13th
// authentication failure dead-letters the job so it is held, not lost.
const (
	maxAuthDeferrals = 12
	authDeferDelay   = 5 * time.Minute
)

// Config tunes the alignment loop. Zero values are replaced with the
// documented defaults in NewWorker.
type Config struct {
	MinConfidence   float64 // accept at or above, default 0.85
	RetryThreshold  float64 // re-prompt at or above, default 0.5
	MaxRetries      int     // provider attempts per job, default 5
	Temperature     float64 // default 0.4, never above it
	MaxTokens       int
	QuotaRetryDelay time.Duration // default 1h
	QuotaMaxDelay   time.Duration // default 4h
	QuotaMultiplier float64       // default 1.5
}

// Worker consumes the raw queue, aligns content into HSDS via the provider,
// and fans results out to the aligned and recorder queues.
type Worker struct {
	id        string
	queues    *queue.Client
	store     *contentstore.Store // nil when the content store is disabled
	provider  Provider
	checker   Provider // optional validator LLM, nil to skip the check
	validator *hsds.Validator
	cfg       Config
	logger    *zap.Logger

	schema     map[string]any
	schemaJSON []byte

	authNeeded atomic.Bool
}

// NewWorker wires an alignment worker. store and checker may be nil.
func NewWorker(
	id string,
	queues *queue.Client,
	store *contentstore.Store,
	provider Provider,
	checker Provider,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = 0.85
	}
	if cfg.RetryThreshold == 0 {
		cfg.RetryThreshold = 0.5
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Temperature == 0 || cfg.Temperature > 0.4 {
		cfg.Temperature = 0.4
	}
	if cfg.QuotaRetryDelay == 0 {
		cfg.QuotaRetryDelay = time.Hour
	}
	if cfg.QuotaMaxDelay == 0 {
		cfg.QuotaMaxDelay = 4 * time.Hour
	}
	if cfg.QuotaMultiplier <= 1 {
		cfg.QuotaMultiplier = 1.5
	}

	validator, err := hsds.NewValidator()
	if err != nil {
		return nil, err
	}
	schema, err := hsds.ConvertSchema()
	if err != nil {
		return nil, err
	}
	schemaJSON, err := hsds.SchemaJSON()
	if err != nil {
		return nil, err
	}

	return &Worker{
		id:         id,
		queues:     queues,
		store:      store,
		provider:   provider,
		checker:    checker,
		validator:  validator,
		cfg:        cfg,
		logger:     logger.Named("llm-worker").With(zap.String("worker_id", id)),
		schema:     schema,
		schemaJSON: schemaJSON,
	}, nil
}

// Run is the worker loop. It blocks until ctx is cancelled; the job in
// flight when cancellation arrives is finished before Run returns, which is
// what the graceful-shutdown drain waits on.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("alignment worker started")
	housekeeping := time.NewTicker(15 * time.Second)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("alignment worker stopped")
			return
		case <-housekeeping.C:
			if _, err := w.queues.PromoteDeferred(ctx, queue.QueueRaw); err != nil {
				w.logger.Warn("promote deferred failed", zap.Error(err))
			}
			if _, err := w.queues.RequeueExpired(ctx, queue.QueueRaw); err != nil {
				w.logger.Warn("requeue expired failed", zap.Error(err))
			}
		default:
		}

		job, err := w.queues.Reserve(ctx, queue.QueueRaw, w.id)
		if errors.Is(err, queue.ErrQueueEmpty) {
			select {
			case <-ctx.Done():
				w.logger.Info("alignment worker stopped")
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err != nil {
			w.logger.Error("reserve failed", zap.Error(err))
			continue
		}

		w.Process(context.WithoutCancel(ctx), job)
	}
}

// Process runs one raw job to a terminal or deferred state.
//
// Sequence:
//  1. Dedup check against the content store
//  2. Prompt assembly (schema + content + known fields)
//  3. Provider call, validation loop with feedback re-prompts
//  4. Optional validator-LLM hallucination check
//  5. Persist to content store, fan out to aligned + recorder queues
func (w *Worker) Process(ctx context.Context, job *queue.Job) {
	start := time.Now()

	var raw queue.RawJob
	if err := json.Unmarshal(job.Payload, &raw); err != nil {
		w.deadLetter(ctx, job, fmt.Errorf("llm: decode raw payload: %w", err))
		return
	}

	log := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("scraper_id", raw.ScraperID),
	)

	// --- 1. Dedup check ---
	if w.store != nil && raw.ContentHash != "" {
		if entry, err := w.store.Get(raw.ContentHash); err == nil {
			log.Info("content cache hit", zap.String("hash", raw.ContentHash))
			w.fanout(ctx, job, raw, []byte(entry.ResultText), 1.0, true)
			metrics.JobProcessingSeconds.WithLabelValues(queue.QueueRaw).Observe(time.Since(start).Seconds())
			return
		} else if !errors.Is(err, contentstore.ErrNotFound) {
			log.Warn("content store lookup failed, aligning anyway", zap.Error(err))
		}
	}

	// --- 2–4. Alignment loop ---
	doc, confidence, err := w.align(ctx, raw)
	if err != nil {
		w.handleAlignmentError(ctx, job, err)
		return
	}

	// --- 5. Persist & fanout ---
	if w.store != nil && raw.ContentHash != "" {
		if _, err := w.store.Put(raw.ContentHash, string(doc), job.ID); err != nil {
			log.Warn("content store put failed", zap.Error(err))
		}
	}
	w.fanout(ctx, job, raw, doc, confidence, false)
	metrics.JobProcessingSeconds.WithLabelValues(queue.QueueRaw).Observe(time.Since(start).Seconds())
}

// align runs the provider/validation loop and returns the accepted HSDS
// document with its confidence.
func (w *Worker) align(ctx context.Context, raw queue.RawJob) ([]byte, float64, error) {
	prompt := BuildPrompt(w.schemaJSON, raw.Content, raw.KnownFields)
	lowStreak := 0

	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		resp, err := w.generate(ctx, GenerateRequest{
			Prompt:      prompt,
			Schema:      w.schema,
			Strict:      true,
			MaxTokens:   w.cfg.MaxTokens,
			Temperature: w.cfg.Temperature,
		})
		if err != nil {
			return nil, 0, err
		}

		doc := resp.Parsed
		if doc == nil {
			doc = []byte(resp.Text)
		}

		if err := w.validator.Validate(doc); err != nil {
			var se *hsds.SchemaError
			if !errors.As(err, &se) {
				return nil, 0, err
			}
			w.logger.Debug("candidate violates schema, re-prompting",
				zap.Int("attempt", attempt),
				zap.Strings("violations", se.Violations),
			)
			prompt = AppendFeedback(prompt, "schema violations: "+strings.Join(se.Violations, "; "))
			metrics.ValidationRetries.Inc()
			continue
		}

		res, err := w.validator.ScoreFields(doc, raw.KnownFields)
		if err != nil {
			return nil, 0, err
		}

		if res.Confidence >= w.cfg.MinConfidence {
			return doc, res.Confidence, nil
		}

		if res.Confidence < w.cfg.RetryThreshold {
			lowStreak++
			if lowStreak >= 2 {
				return nil, 0, fmt.Errorf("%w: confidence %.2f below %.2f twice in a row",
					ErrValidationFailed, res.Confidence, w.cfg.RetryThreshold)
			}
		} else {
			lowStreak = 0

			// Borderline candidate: let the validator LLM look for
			// hallucinated fields and apply its corrections.
			if w.checker != nil {
				if corrected, ok := w.checkHallucinations(ctx, doc, raw.Content); ok {
					if res2, err := w.validator.ScoreFields(corrected, raw.KnownFields); err == nil && res2.Confidence >= w.cfg.MinConfidence {
						return corrected, res2.Confidence, nil
					}
					doc = corrected
				}
			}
		}

		w.logger.Debug("confidence below bar, re-prompting",
			zap.Int("attempt", attempt),
			zap.Float64("confidence", res.Confidence),
			zap.String("feedback", res.Feedback),
		)
		prompt = AppendFeedback(prompt, res.Feedback)
		metrics.ValidationRetries.Inc()
	}

	return nil, 0, fmt.Errorf("%w: exhausted %d attempts", ErrValidationFailed, w.cfg.MaxRetries)
}

func (w *Worker) generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	start := time.Now()
	resp, err := w.provider.Generate(ctx, req)
	metrics.ProviderLatencySeconds.WithLabelValues(w.provider.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderErrors.WithLabelValues(w.provider.Name(), string(KindOf(err))).Inc()
		return nil, err
	}
	w.authNeeded.Store(false)
	return resp, nil
}

// hallucinationReport is the validator LLM's structured response.
type hallucinationReport struct {
	HallucinationDetected bool           `json:"hallucination_detected"`
	MismatchedFields      []string       `json:"mismatched_fields"`
	SuggestedCorrections  map[string]any `json:"suggested_corrections"`
}

// checkHallucinations asks the validator provider to cross-check the
// candidate and applies any suggested corrections. Failures here are soft:
// the primary candidate proceeds unchanged.
func (w *Worker) checkHallucinations(ctx context.Context, doc []byte, content string) ([]byte, bool) {
	resp, err := w.checker.Generate(ctx, GenerateRequest{
		Prompt:      BuildHallucinationPrompt(doc, content),
		Schema:      hallucinationSchema,
		Strict:      true,
		Temperature: 0,
	})
	if err != nil {
		w.logger.Warn("hallucination check failed", zap.Error(err))
		return nil, false
	}

	body := resp.Parsed
	if body == nil {
		body = []byte(resp.Text)
	}
	var report hallucinationReport
	if err := json.Unmarshal(body, &report); err != nil {
		w.logger.Warn("hallucination report unreadable", zap.Error(err))
		return nil, false
	}
	if !report.HallucinationDetected || len(report.SuggestedCorrections) == 0 {
		return nil, false
	}

	corrected, err := applyCorrections(doc, report.SuggestedCorrections)
	if err != nil {
		w.logger.Warn("could not apply corrections", zap.Error(err))
		return nil, false
	}
	w.logger.Info("applied validator corrections",
		zap.Strings("mismatched_fields", report.MismatchedFields),
	)
	return corrected, true
}

// applyCorrections sets dotted-path fields ("service.0.status") in the
// candidate document. Unknown paths are skipped rather than failing the job.
func applyCorrections(doc []byte, corrections map[string]any) ([]byte, error) {
	var root map[string]any
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("llm: decode candidate for correction: %w", err)
	}

	for path, value := range corrections {
		parts := strings.Split(path, ".")
		var cur any = root
		ok := true
		for _, part := range parts[:len(parts)-1] {
			switch node := cur.(type) {
			case map[string]any:
				cur, ok = node[part], node[part] != nil
			case []any:
				idx, err := strconv.Atoi(part)
				if err != nil || idx < 0 || idx >= len(node) {
					ok = false
				} else {
					cur = node[idx]
				}
			default:
				ok = false
			}
			if !ok {
				break
			}
		}
		if !ok {
			continue
		}
		if leaf, isMap := cur.(map[string]any); isMap {
			leaf[parts[len(parts)-1]] = value
		}
	}

	return json.Marshal(root)
}

// fanout enqueues the aligned and recorder jobs and completes the raw job.
func (w *Worker) fanout(ctx context.Context, job *queue.Job, raw queue.RawJob, doc []byte, confidence float64, cached bool) {
	aligned := queue.AlignedJob{
		ScraperID:   raw.ScraperID,
		ContentHash: raw.ContentHash,
		HSDS:        doc,
		Confidence:  confidence,
		Cached:      cached,
	}
	meta := map[string]string{
		queue.MetaScraperID:   raw.ScraperID,
		queue.MetaContentHash: raw.ContentHash,
	}
	if _, err := w.queues.Enqueue(ctx, queue.QueueAligned, aligned, meta, queue.RetryPolicy{}); err != nil {
		w.failJob(ctx, job, fmt.Errorf("llm: enqueue aligned: %w", err))
		return
	}

	record := queue.RecorderJob{
		JobID:     job.ID,
		ScraperID: raw.ScraperID,
		Status:    queue.StatusCompleted,
		Result:    doc,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := w.queues.Enqueue(ctx, queue.QueueRecorder, record, meta, queue.RetryPolicy{}); err != nil {
		w.failJob(ctx, job, fmt.Errorf("llm: enqueue recorder: %w", err))
		return
	}

	result := &queue.Result{Text: string(doc), Parsed: doc, Cached: cached}
	if err := w.queues.Complete(ctx, job, result); err != nil {
		w.logger.Error("complete failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.JobsProcessed.WithLabelValues(queue.QueueRaw, queue.StatusCompleted, strconv.FormatBool(cached)).Inc()
}

// handleAlignmentError maps the failure taxonomy onto queue transitions.
func (w *Worker) handleAlignmentError(ctx context.Context, job *queue.Job, err error) {
	if errors.Is(err, ErrValidationFailed) {
		w.deadLetter(ctx, job, err)
		return
	}
	var se *hsds.SchemaError
	if errors.As(err, &se) {
		w.deadLetter(ctx, job, err)
		return
	}

	switch KindOf(err) {
	case KindNotAuthenticated:
		attempts := metaCounter(job, metaAuthAttempts) + 1
		if attempts > maxAuthDeferrals {
			w.deadLetter(ctx, job, fmt.Errorf("llm: still unauthenticated after %d deferrals: %w", maxAuthDeferrals, err))
			return
		}
		setMetaCounter(job, metaAuthAttempts, attempts)
		w.authNeeded.Store(true)
		w.logger.Warn("provider not authenticated, deferring job",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempts),
		)
		w.deferJob(ctx, job, authDeferDelay)

	case KindQuotaExceeded:
		attempts := metaCounter(job, metaQuotaAttempts) + 1
		setMetaCounter(job, metaQuotaAttempts, attempts)
		delay := w.quotaDelay(attempts)
		w.logger.Warn("provider quota exceeded, deferring job",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
		)
		w.deferJob(ctx, job, delay)

	case KindRateLimited:
		var pe *ProviderError
		if errors.As(err, &pe) && pe.RetryAfter > 0 {
			w.deferJob(ctx, job, pe.RetryAfter)
			return
		}
		w.failJob(ctx, job, err)

	case KindPermanent:
		w.deadLetter(ctx, job, err)

	default: // KindTransient
		w.failJob(ctx, job, err)
	}
}

// quotaDelay computes the exponential quota backoff: base × multiplier^(n−1),
// capped at the configured maximum.
func (w *Worker) quotaDelay(attempt int) time.Duration {
	d := float64(w.cfg.QuotaRetryDelay)
	for i := 1; i < attempt; i++ {
		d *= w.cfg.QuotaMultiplier
		if d >= float64(w.cfg.QuotaMaxDelay) {
			return w.cfg.QuotaMaxDelay
		}
	}
	return time.Duration(d)
}

func (w *Worker) deferJob(ctx context.Context, job *queue.Job, delay time.Duration) {
	if err := w.queues.Defer(ctx, job, time.Now().Add(delay)); err != nil {
		w.logger.Error("defer failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.JobsProcessed.WithLabelValues(queue.QueueRaw, queue.StatusDeferred, "false").Inc()
}

func (w *Worker) failJob(ctx context.Context, job *queue.Job, err error) {
	if ferr := w.queues.Fail(ctx, job, err); ferr != nil {
		w.logger.Error("fail transition failed", zap.String("job_id", job.ID), zap.Error(ferr))
	}
}

func (w *Worker) deadLetter(ctx context.Context, job *queue.Job, err error) {
	if derr := w.queues.DeadLetter(ctx, job, err); derr != nil {
		w.logger.Error("dead-letter transition failed", zap.String("job_id", job.ID), zap.Error(derr))
		return
	}
	metrics.JobsProcessed.WithLabelValues(queue.QueueRaw, queue.StatusFailed, "false").Inc()
}

// HealthReport is served by the worker's /health endpoint.
type HealthReport struct {
	Status        string `json:"status"`
	Provider      string `json:"provider"`
	Authenticated bool   `json:"authenticated"`
	Model         string `json:"model"`
	QueueDepth    int64  `json:"queue_depth"`
}

// Health reports provider and queue state. AuthNeeded deferrals flip
// Authenticated to false even between health checks.
func (w *Worker) Health(ctx context.Context) HealthReport {
	report := HealthReport{Status: "ok", Provider: w.provider.Name()}

	hs, err := w.provider.HealthCheck(ctx)
	if err != nil {
		report.Status = "degraded"
	} else {
		report.Authenticated = hs.Authenticated
		report.Model = hs.Model
	}
	if w.authNeeded.Load() {
		report.Authenticated = false
		report.Status = "auth-needed"
	}

	if depth, err := w.queues.Length(ctx, queue.QueueRaw); err == nil {
		report.QueueDepth = depth
	}
	return report
}

func metaCounter(job *queue.Job, key string) int {
	if job.Metadata == nil {
		return 0
	}
	n, _ := strconv.Atoi(job.Metadata[key])
	return n
}

func setMetaCounter(job *queue.Job, key string, n int) {
	if job.Metadata == nil {
		job.Metadata = map[string]string{}
	}
	job.Metadata[key] = strconv.Itoa(n)
}
