// Package reconciler consumes the aligned queue and merges schema-validated
// HSDS documents into the canonical tables: organizations deduplicated by
// normalized name, locations by 4-decimal coordinates, services always
// created fresh. Every canonical write happens inside one transaction per
// job and leaves an immutable version snapshot behind.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/hsds"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/metrics"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/queue"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/repositories"
)

// Reconciler is the aligned-queue consumer.
type Reconciler struct {
	id     string
	db     *gorm.DB
	queues *queue.Client
	logger *zap.Logger
}

// New wires a reconciler worker.
func New(id string, database *gorm.DB, queues *queue.Client, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		id:     id,
		db:     database,
		queues: queues,
		logger: logger.Named("reconciler").With(zap.String("worker_id", id)),
	}
}

// Run is the worker loop. Blocks until ctx is cancelled; the job in flight
// is finished first.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started")
	housekeeping := time.NewTicker(15 * time.Second)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-housekeeping.C:
			if _, err := r.queues.PromoteDeferred(ctx, queue.QueueAligned); err != nil {
				r.logger.Warn("promote deferred failed", zap.Error(err))
			}
			if _, err := r.queues.RequeueExpired(ctx, queue.QueueAligned); err != nil {
				r.logger.Warn("requeue expired failed", zap.Error(err))
			}
		default:
		}

		job, err := r.queues.Reserve(ctx, queue.QueueAligned, r.id)
		if errors.Is(err, queue.ErrQueueEmpty) {
			select {
			case <-ctx.Done():
				r.logger.Info("reconciler stopped")
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

// Process reconciles one aligned job. Failures roll the transaction back and
// hand the job to the queue retry policy; a payload that cannot be decoded
// dead-letters instead since replaying it cannot help.
func (r *Reconciler) Process(ctx context.Context, job *queue.Job) {
	start := time.Now()

	var aligned queue.AlignedJob
	if err := json.Unmarshal(job.Payload, &aligned); err != nil {
		r.deadLetter(ctx, job, fmt.Errorf("reconciler: decode aligned payload: %w", err))
		return
	}
	var doc hsds.Document
	if err := json.Unmarshal(aligned.HSDS, &doc); err != nil {
		r.deadLetter(ctx, job, fmt.Errorf("reconciler: decode HSDS document: %w", err))
		return
	}

	log := r.logger.With(
		zap.String("job_id", job.ID),
		zap.String("scraper_id", aligned.ScraperID),
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.reconcile(ctx, tx, doc, aligned.ScraperID)
	})
	if err != nil {
		log.Error("reconciliation failed, transaction rolled back", zap.Error(err))
		if ferr := r.queues.Fail(ctx, job, err); ferr != nil {
			log.Error("fail transition failed", zap.Error(ferr))
		}
		return
	}

	if err := r.queues.Complete(ctx, job, &queue.Result{Text: "reconciled"}); err != nil {
		log.Error("complete failed", zap.Error(err))
		return
	}
	metrics.JobsProcessed.WithLabelValues(queue.QueueAligned, queue.StatusCompleted, "false").Inc()
	metrics.JobProcessingSeconds.WithLabelValues(queue.QueueAligned).Observe(time.Since(start).Seconds())
	log.Info("document reconciled",
		zap.Int("organizations", len(doc.Organizations)),
		zap.Int("services", len(doc.Services)),
		zap.Int("locations", len(doc.Locations)),
	)
}

// reconcile merges one document inside the given transaction.
func (r *Reconciler) reconcile(ctx context.Context, tx *gorm.DB, doc hsds.Document, scraperID string) error {
	repos := repositories.New(tx)

	// Document-local IDs (whatever the aligner emitted) map to the canonical
	// IDs created here so services can resolve their references.
	orgByRef := map[string]uuid.UUID{}
	locByRef := map[string]uuid.UUID{}
	var orgIDs, locIDs []uuid.UUID

	for _, org := range doc.Organizations {
		id, err := r.reconcileOrganization(ctx, tx, repos, org, scraperID)
		if err != nil {
			return err
		}
		orgIDs = append(orgIDs, id)
		if org.ID != "" {
			orgByRef[org.ID] = id
		}
	}

	for _, loc := range doc.Locations {
		id, err := r.reconcileLocation(ctx, tx, repos, loc, scraperID)
		if err != nil {
			return err
		}
		locIDs = append(locIDs, id)
		if loc.ID != "" {
			locByRef[loc.ID] = id
		}
	}

	for _, svc := range doc.Services {
		orgID, ok := orgByRef[svc.OrganizationID]
		if !ok {
			// Unresolvable or absent reference: attribute to the document's
			// sole organization when there is exactly one.
			if len(orgIDs) != 1 {
				return fmt.Errorf("reconciler: service %q has no resolvable organization", svc.Name)
			}
			orgID = orgIDs[0]
		}

		var links []uuid.UUID
		if locID, ok := locByRef[svc.LocationID]; ok {
			links = []uuid.UUID{locID}
		} else if svc.LocationID == "" && len(locIDs) == 1 {
			links = locIDs
		}

		if _, err := r.reconcileService(ctx, tx, repos, svc, orgID, links, scraperID); err != nil {
			return err
		}
	}

	return nil
}

func (r *Reconciler) deadLetter(ctx context.Context, job *queue.Job, err error) {
	if derr := r.queues.DeadLetter(ctx, job, err); derr != nil {
		r.logger.Error("dead-letter transition failed", zap.String("job_id", job.ID), zap.Error(derr))
		return
	}
	metrics.JobsProcessed.WithLabelValues(queue.QueueAligned, queue.StatusFailed, "false").Inc()
}
