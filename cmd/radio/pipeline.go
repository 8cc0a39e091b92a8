package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/api"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/contentstore"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/llm"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/publisher"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/reconciler"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/recorder"
)

func newWorkerCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the LLM alignment workers with the health/metrics HTTP server",
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

			var store *contentstore.Store
			if cfg.ContentStoreEnabled {
				store, err = contentstore.Open(cfg.ContentStorePath, logger)
				if err != nil {
					return err
				}
				defer store.Close()
			}

			provider, err := llm.NewProvider(cfg.LLMProvider, cfg.LLMModel)
			if err != nil {
				return err
			}
			var checker llm.Provider
			if cfg.ValidatorEnabled {
				checker, err = llm.NewProvider(cfg.LLMProvider, cfg.LLMModel)
				if err != nil {
					return err
				}
			}

			workerCfg := llm.Config{
				MinConfidence:   cfg.MinConfidence,
				RetryThreshold:  cfg.RetryThreshold,
				MaxRetries:      cfg.MaxValidationRetries,
				Temperature:     cfg.LLMTemperature,
				MaxTokens:       cfg.LLMMaxTokens,
				QuotaRetryDelay: cfg.QuotaRetryDelay,
				QuotaMaxDelay:   cfg.QuotaMaxDelay,
				QuotaMultiplier: cfg.QuotaBackoffMultiplier,
			}

			workers := make([]*llm.Worker, 0, cfg.LLMWorkerCount)
			runners := make([]func(context.Context), 0, cfg.LLMWorkerCount)
			for i := 0; i < cfg.LLMWorkerCount; i++ {
				w, err := llm.NewWorker(fmt.Sprintf("llm-%d", i+1), queues, store, provider, checker, workerCfg, logger)
				if err != nil {
					return err
				}
				workers = append(workers, w)
				runners = append(runners, w.Run)
			}

			server := &http.Server{
				Addr:    listen,
				Handler: api.NewRouter(api.RouterConfig{Health: workers[0], Logger: logger}),
			}
			go func() {
				logger.Info("http server listening", zap.String("addr", listen))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server failed", zap.Error(err))
					cancel()
				}
			}()

			runAndDrain(ctx, logger, cfg.ShutdownTimeout, runners...)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", envOrDefault("API_LISTEN", ":8080"), "Health and metrics listen address")
	return cmd
}

func newReconcilerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconciler",
		Short: "Run the reconciler consuming the aligned queue",
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

			database, err := openDatabase(cfg, logger)
			if err != nil {
				return err
			}

			runners := make([]func(context.Context), 0, cfg.WorkerCount)
			for i := 0; i < cfg.WorkerCount; i++ {
				r := reconciler.New(fmt.Sprintf("reconciler-%d", i+1), database, queues, logger)
				runners = append(runners, r.Run)
			}
			runAndDrain(ctx, logger, cfg.ShutdownTimeout, runners...)
			return nil
		},
	}
}

func newRecorderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recorder",
		Short: "Run the recorder writing the daily output tree",
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

			runners := make([]func(context.Context), 0, cfg.WorkerCount)
			for i := 0; i < cfg.WorkerCount; i++ {
				r := recorder.New(fmt.Sprintf("recorder-%d", i+1), cfg.OutputDir, queues, logger)
				runners = append(runners, r.Run)
			}
			runAndDrain(ctx, logger, cfg.ShutdownTimeout, runners...)
			return nil
		},
	}
}

func newPublisherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publisher",
		Short: "Run the periodic git publisher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if cfg.DataRepoPath == "" {
				return fmt.Errorf("DATA_REPO_PATH is not set")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			database, err := openDatabase(cfg, logger)
			if err != nil {
				return err
			}

			pub := publisher.New(publisher.Options{
				RepoDir:         cfg.DataRepoPath,
				OutputsDir:      cfg.OutputDir,
				ContentStoreDir: cfg.ContentStorePath,
				Database:        database,
				DatabaseURL:     cfg.DatabaseURL,
				Interval:        cfg.PublisherInterval,
				DaysToSync:      cfg.DaysToSync,
				PushEnabled:     cfg.PushEnabled,
				MinRecords:      cfg.SQLDumpMinRecords,
				RatchetPct:      cfg.SQLDumpRatchetPct,
				AllowEmptyDump:  cfg.AllowEmptySQLDump,
			}, logger)

			pub.Run(ctx)
			return nil
		},
	}
}

// runAndDrain starts every runner, waits for the shutdown signal, and then
// gives in-flight jobs up to timeout to finish. A lease that cannot drain in
// time is abandoned and requeued by the reaper after lease expiry.
func runAndDrain(ctx context.Context, logger *zap.Logger, timeout time.Duration, runners ...func(context.Context)) {
	var wg sync.WaitGroup
	for _, run := range runners {
		wg.Add(1)
		go func(r func(context.Context)) {
			defer wg.Done()
			r(ctx)
		}(run)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining", zap.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("all workers drained")
	case <-time.After(timeout):
		logger.Warn("shutdown timeout exceeded, abandoning in-flight leases")
	}
}
