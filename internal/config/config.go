// Package config resolves the environment configuration for all pipeline
// components into a single immutable struct. Resolution happens once at
// startup; components receive the struct (or a sub-struct) by value and
// never read the environment themselves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the resolved configuration shared by every component.
// Zero values are never used directly — call Load to get defaults applied.
type Config struct {
	// Redis / queue substrate.
	RedisURL      string        // REDIS_URL
	RedisPoolSize int           // REDIS_POOL_SIZE, default 10, capped at 50
	JobTTL        time.Duration // REDIS_TTL_SECONDS, default 30 days

	// PostgreSQL canonical store.
	DatabaseURL string // DATABASE_URL

	// Worker process counts (per container).
	WorkerCount    int // WORKER_COUNT
	LLMWorkerCount int // LLM_WORKER_COUNT

	// LLM provider selection and retry tuning.
	LLMProvider            string        // LLM_PROVIDER: "openai" or "claude"
	LLMModel               string        // LLM_MODEL
	LLMTemperature         float64       // LLM_TEMPERATURE, default 0.4
	LLMMaxTokens           int           // LLM_MAX_TOKENS
	MinConfidence          float64       // LLM_MIN_CONFIDENCE, default 0.85
	RetryThreshold         float64       // LLM_RETRY_THRESHOLD, default 0.5
	MaxValidationRetries   int           // LLM_MAX_RETRIES, default 5
	ValidatorEnabled       bool          // LLM_VALIDATOR_ENABLED
	QuotaRetryDelay        time.Duration // CLAUDE_QUOTA_RETRY_DELAY, default 1h
	QuotaMaxDelay          time.Duration // CLAUDE_QUOTA_MAX_DELAY, default 4h
	QuotaBackoffMultiplier float64       // CLAUDE_QUOTA_BACKOFF_MULTIPLIER, default 1.5

	// Content store.
	ContentStorePath    string // CONTENT_STORE_PATH
	ContentStoreEnabled bool   // CONTENT_STORE_ENABLED, default true iff path set

	// Recorder.
	OutputDir string // OUTPUT_DIR, default "outputs"

	// Publisher.
	DataRepoPath         string        // DATA_REPO_PATH, working copy of the external repo
	DataRepoURL          string        // DATA_REPO_URL
	PublisherInterval    time.Duration // PUBLISHER_CHECK_INTERVAL, default 5m
	DaysToSync           int           // DAYS_TO_SYNC, default 7
	PushEnabled          bool          // PUBLISHER_PUSH_ENABLED, default false
	SQLDumpMinRecords    int64         // SQL_DUMP_MIN_RECORDS, default 100
	SQLDumpRatchetPct    float64       // SQL_DUMP_RATCHET_PERCENTAGE, default 0.9
	AllowEmptySQLDump    bool          // ALLOW_EMPTY_SQL_DUMP, default false
	DBInitDaysToSync     int           // DB_INIT_DAYS_TO_SYNC, default 90
	SkipDBInit           bool          // SKIP_DB_INIT

	// Scraper orchestration.
	ScraperSchedule    string        // SCRAPER_SCHEDULE, cron, default "0 */4 * * *"
	ScraperConcurrency int           // SCRAPER_CONCURRENCY, default 5
	ScraperTimeout     time.Duration // SCRAPER_TIMEOUT, default 1h
	ScraperDir         string        // SCRAPER_DIR, directory of scraper executables

	// Shutdown.
	ShutdownTimeout time.Duration // SHUTDOWN_TIMEOUT, default 30s
}

// Load reads the environment and returns the resolved configuration.
// It never fails on missing keys — every key has a default — but malformed
// numeric values are rejected so typos do not silently become defaults.
func Load() (Config, error) {
	var errs []error

	cfg := Config{
		RedisURL:      envOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		RedisPoolSize: envInt("REDIS_POOL_SIZE", 10, &errs),
		JobTTL:        time.Duration(envInt("REDIS_TTL_SECONDS", 2592000, &errs)) * time.Second,

		DatabaseURL: envOrDefault("DATABASE_URL", ""),

		WorkerCount:    envInt("WORKER_COUNT", 1, &errs),
		LLMWorkerCount: envInt("LLM_WORKER_COUNT", 1, &errs),

		LLMProvider:            envOrDefault("LLM_PROVIDER", "openai"),
		LLMModel:               envOrDefault("LLM_MODEL", ""),
		LLMTemperature:         envFloat("LLM_TEMPERATURE", 0.4, &errs),
		LLMMaxTokens:           envInt("LLM_MAX_TOKENS", 64536, &errs),
		MinConfidence:          envFloat("LLM_MIN_CONFIDENCE", 0.85, &errs),
		RetryThreshold:         envFloat("LLM_RETRY_THRESHOLD", 0.5, &errs),
		MaxValidationRetries:   envInt("LLM_MAX_RETRIES", 5, &errs),
		ValidatorEnabled:       envBool("LLM_VALIDATOR_ENABLED", false),
		QuotaRetryDelay:        time.Duration(envInt("CLAUDE_QUOTA_RETRY_DELAY", 3600, &errs)) * time.Second,
		QuotaMaxDelay:          time.Duration(envInt("CLAUDE_QUOTA_MAX_DELAY", 14400, &errs)) * time.Second,
		QuotaBackoffMultiplier: envFloat("CLAUDE_QUOTA_BACKOFF_MULTIPLIER", 1.5, &errs),

		ContentStorePath: envOrDefault("CONTENT_STORE_PATH", ""),

		OutputDir: envOrDefault("OUTPUT_DIR", "outputs"),

		DataRepoPath:      envOrDefault("DATA_REPO_PATH", ""),
		DataRepoURL:       envOrDefault("DATA_REPO_URL", ""),
		PublisherInterval: time.Duration(envInt("PUBLISHER_CHECK_INTERVAL", 300, &errs)) * time.Second,
		DaysToSync:        envInt("DAYS_TO_SYNC", 7, &errs),
		PushEnabled:       envBool("PUBLISHER_PUSH_ENABLED", false),
		SQLDumpMinRecords: int64(envInt("SQL_DUMP_MIN_RECORDS", 100, &errs)),
		SQLDumpRatchetPct: envFloat("SQL_DUMP_RATCHET_PERCENTAGE", 0.9, &errs),
		AllowEmptySQLDump: envBool("ALLOW_EMPTY_SQL_DUMP", false),
		DBInitDaysToSync:  envInt("DB_INIT_DAYS_TO_SYNC", 90, &errs),
		SkipDBInit:        envBool("SKIP_DB_INIT", false),

		ScraperSchedule:    envOrDefault("SCRAPER_SCHEDULE", "0 */4 * * *"),
		ScraperConcurrency: envInt("SCRAPER_CONCURRENCY", 5, &errs),
		ScraperTimeout:     time.Duration(envInt("SCRAPER_TIMEOUT", 3600, &errs)) * time.Second,
		ScraperDir:         envOrDefault("SCRAPER_DIR", "scrapers"),

		ShutdownTimeout: time.Duration(envInt("SHUTDOWN_TIMEOUT", 30, &errs)) * time.Second,
	}

	// The pool size is capped to keep one worker container from exhausting
	// the Redis connection limit shared by the whole deployment.
	if cfg.RedisPoolSize > 50 {
		cfg.RedisPoolSize = 50
	}

	// Content store is on by default when a path is configured, but can be
	// forced off without unsetting the path.
	cfg.ContentStoreEnabled = cfg.ContentStorePath != ""
	if v, ok := os.LookupEnv("CONTENT_STORE_ENABLED"); ok {
		cfg.ContentStoreEnabled = parseBool(v) && cfg.ContentStorePath != ""
	}

	if len(errs) > 0 {
		return Config{}, errs[0]
	}
	return cfg, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return parseBool(v)
}

// parseBool accepts the usual spellings. Anything unrecognized is false —
// a publisher push must never be enabled by a typo.
func parseBool(v string) bool {
	switch v {
	case "1", "t", "T", "true", "TRUE", "True", "yes", "YES", "Yes", "on":
		return true
	}
	return false
}
