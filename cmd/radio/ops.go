package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/contentstore"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/queue"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/scraper"
)

func newScraperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scraper",
		Short: "Scraper orchestration",
	}
	cmd.AddCommand(
		newScraperListCmd(),
		newScraperRunCmd(),
		newScraperTestCmd(),
		newScraperScheduleCmd(),
	)
	return cmd
}

func newScraperListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the discovered scrapers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			scrapers, err := scraper.NewRegistry(cfg.ScraperDir).Discover()
			if err != nil {
				return err
			}
			for _, s := range scrapers {
				fmt.Printf("%s\t%s\n", s.Name, s.Path)
			}
			return nil
		},
	}
}

func newScraperRunCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "run [name]",
		Short: "Run one scraper (or all with --all) and enqueue the output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("a scraper name or --all is required")
			}

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			queues, err := openQueues(cfg, logger)
			if err != nil {
				return err
			}
			defer queues.Close()

			registry := scraper.NewRegistry(cfg.ScraperDir)
			runner := scraper.NewRunner(queues, cfg.ScraperTimeout, logger)

			if all {
				orch, err := scraper.NewOrchestrator(registry, runner, scraper.Options{
					Schedule:    cfg.ScraperSchedule,
					Concurrency: cfg.ScraperConcurrency,
				}, logger)
				if err != nil {
					return err
				}
				return orch.RunAll(cmd.Context())
			}

			s, err := registry.Get(args[0])
			if err != nil {
				return err
			}
			result, err := runner.Run(cmd.Context(), s, false)
			if err != nil {
				return err
			}
			fmt.Printf("enqueued job %s (%d bytes, hash %s)\n", result.JobID, result.Bytes, result.ContentHash)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Run every discovered scraper once")
	return cmd
}

func newScraperTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <name>",
		Short: "Dry-run one scraper without enqueuing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			queues, err := openQueues(cfg, logger)
			if err != nil {
				return err
			}
			defer queues.Close()

			s, err := scraper.NewRegistry(cfg.ScraperDir).Get(args[0])
			if err != nil {
				return err
			}
			result, err := scraper.NewRunner(queues, cfg.ScraperTimeout, logger).Run(cmd.Context(), s, true)
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d bytes in %s, hash %s\n", result.Bytes, result.Duration, result.ContentHash)
			return nil
		},
	}
}

func newScraperScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the cron scheduler for all discovered scrapers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			queues, err := openQueues(cfg, logger)
			if err != nil {
				return err
			}
			defer queues.Close()

			runner := scraper.NewRunner(queues, cfg.ScraperTimeout, logger)
			orch, err := scraper.NewOrchestrator(scraper.NewRegistry(cfg.ScraperDir), runner, scraper.Options{
				Schedule:    cfg.ScraperSchedule,
				Concurrency: cfg.ScraperConcurrency,
			}, logger)
			if err != nil {
				return err
			}
			if err := orch.Start(); err != nil {
				return err
			}

			<-ctx.Done()
			return orch.Stop()
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if _, err := openDatabase(cfg, logger); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Content store maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the content store index from the file tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if cfg.ContentStorePath == "" {
				return fmt.Errorf("CONTENT_STORE_PATH is not set")
			}
			store, err := contentstore.Open(cfg.ContentStorePath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.RebuildIndex()
			if err != nil {
				return err
			}
			fmt.Printf("index rebuilt: %d entries\n", n)
			return nil
		},
	})
	return cmd
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue inspection and maintenance",
	}
	cmd.AddCommand(newQueueStatsCmd(), newQueueDrainDeadCmd())
	return cmd
}

func newQueueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the pending depth of each queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			queues, err := openQueues(cfg, logger)
			if err != nil {
				return err
			}
			defer queues.Close()

			for _, q := range []string{queue.QueueRaw, queue.QueueAligned, queue.QueueRecorder} {
				depth, err := queues.Length(cmd.Context(), q)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%d\n", q, depth)
			}
			return nil
		},
	}
}

func newQueueDrainDeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain-dead",
		Short: "Drain the dead-letter list and print each job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			queues, err := openQueues(cfg, logger)
			if err != nil {
				return err
			}
			defer queues.Close()

			jobs, err := queues.DeadLetterDrain(cmd.Context())
			if err != nil {
				return err
			}
			for _, job := range jobs {
				errText := ""
				if job.Result != nil {
					errText = job.Result.Error
				}
				fmt.Printf("%s\t%s\t%s\t%s\n", job.ID, job.Queue, job.Metadata[queue.MetaScraperID], errText)
			}
			logger.Info("dead-letter list drained", zap.Int("jobs", len(jobs)))
			return nil
		},
	}
}
