package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerDefaultsAndOverrides(t *testing.T) {
	cfg := LoadSchedulerConfigFromEnv()
	assert.Equal(t, time.Minute, cfg.TickInterval)
	assert.Equal(t, 10_000, cfg.DailyQuotaUnits)
	assert.Equal(t, 1_600, cfg.UploadCostUnits)
	assert.Equal(t, 1.0, cfg.DefaultUploadIntervalHours)

	t.Setenv("SCHEDULER_TICK_INTERVAL", "30s")
	t.Setenv("SCHEDULER_DAILY_QUOTA_UNITS", "20000")
	cfg = LoadSchedulerConfigFromEnv()
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 20_000, cfg.DailyQuotaUnits)
}

func TestRetentionOverrides(t *testing.T) {
	t.Setenv("RETENTION_STALE_ACTIVE_AGE", "2h")
	t.Setenv("RETENTION_TERMINAL_DAYS", "7")
	cfg := LoadRetentionConfigFromEnv()
	assert.Equal(t, 2*time.Hour, cfg.StaleActiveAge)
	assert.Equal(t, 7, cfg.TerminalRetentionDays)
}

func TestInvalidOverrideFallsBackToDefault(t *testing.T) {
	t.Setenv("WORKER_STAGE_TIMEOUT", "not-a-duration")
	cfg := LoadWorkerConfigFromEnv()
	assert.Equal(t, DefaultWorkerConfig().StageTimeout, cfg.StageTimeout)
}

func TestBusBrokersFromEnv(t *testing.T) {
	t.Setenv("BUS_BROKERS", "")
	assert.Equal(t, []string{"localhost:9092"}, BusBrokersFromEnv())

	t.Setenv("BUS_BROKERS", "kafka-0:9092, kafka-1:9092")
	assert.Equal(t, []string{"kafka-0:9092", "kafka-1:9092"}, BusBrokersFromEnv())
}
