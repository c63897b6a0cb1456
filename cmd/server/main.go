package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"stepflow/internal/api/handler"
	"stepflow/internal/cleanup"
	"stepflow/internal/config"
	"stepflow/internal/core/ports"
	"stepflow/internal/core/postgres/repository"
	"stepflow/internal/domain"
	"stepflow/internal/engine"
	redisinfra "stepflow/internal/infrastructure/redis"
	"stepflow/internal/monitor"
	"stepflow/internal/workflows"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Database connection and schema.
	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(&domain.WorkflowExecution{}); err != nil {
		return err
	}
	repo := repository.NewExecutionRepository(db)

	// 2. Broker. A connection failure is survivable: the engine falls back
	// to synchronous execution.
	var broker ports.Broker
	client, err := redisinfra.NewClient(cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, running in sync mode", "error", err)
	} else {
		// Closed by the engine on shutdown.
		broker = redisinfra.NewBroker(client, logger)
	}

	// 3. Workflow registry.
	registry := engine.NewRegistry(logger)
	if err := workflows.RegisterExamples(registry); err != nil {
		return err
	}

	// 4. Memory monitor and cleanup service.
	mon := monitor.New(monitor.Config{
		WarningThreshold:  cfg.MemoryWarningThreshold,
		CriticalThreshold: cfg.MemoryCriticalThreshold,
	}, logger)

	cleanCfg := cleanup.DefaultConfig()
	cleanCfg.ExecutionRetention = cfg.ExecutionRetention
	cleanCfg.JobRetention = cfg.JobRetention
	cleaner := cleanup.NewService(repo, broker, cleanCfg, logger)

	mon.SetOnCritical(func() { cleaner.EmergencyCleanup(ctx) })
	go mon.Start(ctx)
	go cleaner.Start(ctx)

	// 5. Engine.
	engCfg := engine.Config{
		Queue: ports.QueueConfig{
			Attempts:     cfg.JobAttempts,
			BackoffDelay: cfg.BackoffDelay,
			Concurrency:  cfg.WorkerConcurrency,
			RateLimit:    cfg.RateLimit,
			RatePeriod:   cfg.RatePeriod,
		},
		MaxQueueSize: cfg.MaxQueueSize,
	}
	eng := engine.New(registry, broker, repo, mon, cleaner, engCfg, logger)
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	// 6. HTTP surface.
	router := gin.Default()
	api := router.Group("/api/v1")
	handler.NewWorkflowHandler(eng).Register(api)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(mon.Registry(), promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
