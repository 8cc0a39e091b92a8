// Package main is the entry point for the radio binary. One binary carries
// every pipeline role; the subcommand picks which role a container runs:
//
//	radio worker      — LLM alignment workers + health/metrics HTTP
//	radio reconciler  — aligned queue consumer writing canonical records
//	radio recorder    — recorder queue consumer writing the daily output tree
//	radio publisher   — periodic git publication of outputs and dumps
//	radio scraper     — scraper orchestration (list, run, test, schedule)
//	radio migrate     — apply embedded database migrations and exit
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/config"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/db"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/queue"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var logLevel string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "radio",
		Short: "Pantry Pirate Radio — food security data aggregation pipeline",
		Long: `Pantry Pirate Radio turns scraped food-assistance content into
reconciled, versioned HSDS v3 records. Configuration comes from the
environment (see internal/config); flags override only logging.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.AddCommand(
		newWorkerCmd(),
		newReconcilerCmd(),
		newRecorderCmd(),
		newPublisherCmd(),
		newScraperCmd(),
		newMigrateCmd(),
		newStoreCmd(),
		newQueueCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("radio %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

// setup resolves config and builds the logger; every subcommand starts here.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := buildLogger(logLevel)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger, nil
}

func openQueues(cfg config.Config, logger *zap.Logger) (*queue.Client, error) {
	return queue.New(cfg.RedisURL, cfg.RedisPoolSize, cfg.JobTTL, logger)
}

func openDatabase(cfg config.Config, logger *zap.Logger) (*gorm.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	return db.New(db.Config{
		Driver:   "postgres",
		DSN:      cfg.DatabaseURL,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
