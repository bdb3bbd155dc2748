package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// WorkerConfig controls stage-worker behavior shared by every consumer.
type WorkerConfig struct {
	// StageTimeout bounds a single collaborator invocation (LLM call,
	// asset fetch, render, upload). A timeout is a stage failure.
	StageTimeout time.Duration

	// GracefulShutdownTimeout is the max time to wait for in-flight
	// stage invocations during shutdown.
	GracefulShutdownTimeout time.Duration
}

// SchedulerConfig controls the upload scheduler and its quota gate.
type SchedulerConfig struct {
	// TickInterval is how often the scheduler looks for a ready job.
	// At most one job is promoted per tick.
	TickInterval time.Duration

	// DailyQuotaUnits is the upload target's daily unit budget.
	DailyQuotaUnits int

	// UploadCostUnits is the unit cost of one upload against the budget.
	UploadCostUnits int

	// DefaultUploadIntervalHours is the cadence between uploads when the
	// UPLOAD_INTERVAL_HOURS setting is absent.
	DefaultUploadIntervalHours float64
}

// RetentionConfig controls the reconciler and cleanup loops.
type RetentionConfig struct {
	// StaleActiveAge is how long a job may sit in an active stage before
	// the reconciler sweeps it to failed.
	StaleActiveAge time.Duration

	// TerminalRetentionDays is how many days terminal jobs are kept
	// before deletion.
	TerminalRetentionDays int

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration
}

// DefaultWorkerConfig returns the built-in worker defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		StageTimeout:            10 * time.Minute,
		GracefulShutdownTimeout: 10 * time.Minute,
	}
}

// DefaultSchedulerConfig returns the built-in scheduler defaults. Quota
// numbers follow the upload target's published costs: a 10,000-unit
// daily budget and 1,600 units per upload.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:               time.Minute,
		DailyQuotaUnits:            10_000,
		UploadCostUnits:            1_600,
		DefaultUploadIntervalHours: 1.0,
	}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		StaleActiveAge:        6 * time.Hour,
		TerminalRetentionDays: 30,
		CleanupInterval:       time.Hour,
	}
}

// LoadWorkerConfigFromEnv returns the worker defaults with environment
// overrides applied.
func LoadWorkerConfigFromEnv() WorkerConfig {
	cfg := DefaultWorkerConfig()
	cfg.StageTimeout = envDuration("WORKER_STAGE_TIMEOUT", cfg.StageTimeout)
	cfg.GracefulShutdownTimeout = envDuration("WORKER_SHUTDOWN_TIMEOUT", cfg.GracefulShutdownTimeout)
	return cfg
}

// LoadSchedulerConfigFromEnv returns the scheduler defaults with
// environment overrides applied.
func LoadSchedulerConfigFromEnv() SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	cfg.TickInterval = envDuration("SCHEDULER_TICK_INTERVAL", cfg.TickInterval)
	cfg.DailyQuotaUnits = envInt("SCHEDULER_DAILY_QUOTA_UNITS", cfg.DailyQuotaUnits)
	cfg.UploadCostUnits = envInt("SCHEDULER_UPLOAD_COST_UNITS", cfg.UploadCostUnits)
	return cfg
}

// LoadRetentionConfigFromEnv returns the retention defaults with
// environment overrides applied.
func LoadRetentionConfigFromEnv() RetentionConfig {
	cfg := DefaultRetentionConfig()
	cfg.StaleActiveAge = envDuration("RETENTION_STALE_ACTIVE_AGE", cfg.StaleActiveAge)
	cfg.TerminalRetentionDays = envInt("RETENTION_TERMINAL_DAYS", cfg.TerminalRetentionDays)
	cfg.CleanupInterval = envDuration("RETENTION_CLEANUP_INTERVAL", cfg.CleanupInterval)
	return cfg
}

// BusBrokersFromEnv returns the Kafka seed brokers from BUS_BROKERS
// (comma-separated), defaulting to a local single-node broker.
func BusBrokersFromEnv() []string {
	raw := os.Getenv("BUS_BROKERS")
	if raw == "" {
		return []string{"localhost:9092"}
	}
	var brokers []string
	for _, part := range strings.Split(raw, ",") {
		if b := strings.TrimSpace(part); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}
