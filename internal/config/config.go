package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the process configuration, read from STEPFLOW_* environment
// variables with defaults matching the engine's documented policy.
type Config struct {
	HTTPAddr    string
	PostgresDSN string
	RedisAddr   string

	WorkerConcurrency int
	JobAttempts       int
	BackoffDelay      time.Duration
	RateLimit         int
	RatePeriod        time.Duration
	MaxQueueSize      int64

	MemoryWarningThreshold  float64
	MemoryCriticalThreshold float64

	ExecutionRetention time.Duration
	JobRetention       time.Duration
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STEPFLOW")
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("postgres_dsn", "host=localhost user=postgres password=postgres dbname=stepflow port=5432 sslmode=disable")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("worker_concurrency", 100)
	v.SetDefault("job_attempts", 3)
	v.SetDefault("backoff_delay", "2s")
	v.SetDefault("rate_limit", 100)
	v.SetDefault("rate_period", "1m")
	v.SetDefault("max_queue_size", 10000)
	v.SetDefault("memory_warning_threshold", 80.0)
	v.SetDefault("memory_critical_threshold", 95.0)
	v.SetDefault("execution_retention", "168h")
	v.SetDefault("job_retention", "5m")

	return &Config{
		HTTPAddr:                v.GetString("http_addr"),
		PostgresDSN:             v.GetString("postgres_dsn"),
		RedisAddr:               v.GetString("redis_addr"),
		WorkerConcurrency:       v.GetInt("worker_concurrency"),
		JobAttempts:             v.GetInt("job_attempts"),
		BackoffDelay:            v.GetDuration("backoff_delay"),
		RateLimit:               v.GetInt("rate_limit"),
		RatePeriod:              v.GetDuration("rate_period"),
		MaxQueueSize:            v.GetInt64("max_queue_size"),
		MemoryWarningThreshold:  v.GetFloat64("memory_warning_threshold"),
		MemoryCriticalThreshold: v.GetFloat64("memory_critical_threshold"),
		ExecutionRetention:      v.GetDuration("execution_retention"),
		JobRetention:            v.GetDuration("job_retention"),
	}, nil
}
