package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 100, cfg.WorkerConcurrency)
	assert.Equal(t, 3, cfg.JobAttempts)
	assert.Equal(t, 2*time.Second, cfg.BackoffDelay)
	assert.Equal(t, 100, cfg.RateLimit)
	assert.Equal(t, time.Minute, cfg.RatePeriod)
	assert.EqualValues(t, 10000, cfg.MaxQueueSize)
	assert.Equal(t, 80.0, cfg.MemoryWarningThreshold)
	assert.Equal(t, 95.0, cfg.MemoryCriticalThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.ExecutionRetention)
	assert.Equal(t, 5*time.Minute, cfg.JobRetention)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("STEPFLOW_HTTP_ADDR", ":9999")
	t.Setenv("STEPFLOW_JOB_ATTEMPTS", "5")
	t.Setenv("STEPFLOW_BACKOFF_DELAY", "500ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, 5, cfg.JobAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffDelay)
}
