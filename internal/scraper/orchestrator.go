package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// DefaultSchedule runs every scraper every four hours.
const DefaultSchedule = "0 */4 * * *"

// DefaultConcurrency caps how many scrapers run at once.
const DefaultConcurrency = 5

// Orchestrator schedules the discovered scrapers on a shared cron expression.
// Each scraper maps to exactly one gocron job, tagged with the scraper name;
// a scheduler-wide limit keeps at most Concurrency subprocesses alive.
type Orchestrator struct {
	registry *Registry
	runner   *Runner
	cron     gocron.Scheduler
	schedule string
	limit    int
	logger   *zap.Logger
}

// Options configures an Orchestrator. Zero values take the defaults above.
type Options struct {
	Schedule    string
	Concurrency int
}

func NewOrchestrator(registry *Registry, runner *Runner, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	s, err := gocron.NewScheduler(
		gocron.WithLimitConcurrentJobs(uint(opts.Concurrency), gocron.LimitModeWait),
	)
	if err != nil {
		return nil, fmt.Errorf("scraper: create scheduler: %w", err)
	}

	return &Orchestrator{
		registry: registry,
		runner:   runner,
		cron:     s,
		schedule: opts.Schedule,
		limit:    opts.Concurrency,
		logger:   logger.Named("orchestrator"),
	}, nil
}

// Start discovers the scrapers, schedules one job per scraper, and starts the
// cron loop. A scraper that fails to schedule is logged and skipped; it never
// blocks the others.
func (o *Orchestrator) Start() error {
	scrapers, err := o.registry.Discover()
	if err != nil {
		return err
	}

	for _, s := range scrapers {
		if err := o.addJob(s); err != nil {
			o.logger.Error("failed to schedule scraper",
				zap.String("scraper_id", s.Name),
				zap.Error(err),
			)
		}
	}

	o.logger.Info("orchestrator started",
		zap.Int("scrapers", len(scrapers)),
		zap.String("schedule", o.schedule),
		zap.Int("concurrency", o.limit),
	)
	o.cron.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for running scrapers to finish.
func (o *Orchestrator) Stop() error {
	if err := o.cron.Shutdown(); err != nil {
		return fmt.Errorf("scraper: scheduler shutdown: %w", err)
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

func (o *Orchestrator) addJob(s Scraper) error {
	_, err := o.cron.NewJob(
		gocron.CronJob(o.schedule, false),
		gocron.NewTask(func(sc Scraper) {
			ctx, cancel := context.WithTimeout(context.Background(), o.runner.timeout+time.Minute)
			defer cancel()

			if _, err := o.runner.Run(ctx, sc, false); err != nil {
				o.logger.Error("scheduled scraper run failed",
					zap.String("scraper_id", sc.Name),
					zap.Error(err),
				)
			}
		}, s),
		gocron.WithTags(s.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scraper: schedule %s: %w", s.Name, err)
	}
	return nil
}

// RunAll runs every discovered scraper once, honoring the concurrency limit.
// Failures are isolated per scraper and joined into the returned error; the
// remaining scrapers always run.
func (o *Orchestrator) RunAll(ctx context.Context) error {
	scrapers, err := o.registry.Discover()
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		sem  = make(chan struct{}, o.limit)
	)
	for _, s := range scrapers {
		wg.Add(1)
		go func(sc Scraper) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if _, err := o.runner.Run(ctx, sc, false); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return errors.Join(errs...)
}
