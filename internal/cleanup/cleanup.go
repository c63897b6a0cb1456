package cleanup

import (
	"context"
	"log/slog"
	"time"

	"stepflow/internal/core/ports"
)

// Config carries the retention windows for the four sweep levels.
type Config struct {
	ExecutionRetention time.Duration // terminal execution rows
	JobRetention       time.Duration // completed/failed jobs
	ScheduledInterval  time.Duration
	DeepInterval       time.Duration
	KeyBatchSize       int64
}

func DefaultConfig() Config {
	return Config{
		ExecutionRetention: 7 * 24 * time.Hour,
		JobRetention:       5 * time.Minute,
		ScheduledInterval:  time.Hour,
		DeepInterval:       24 * time.Hour,
		KeyBatchSize:       100,
	}
}

// Service sweeps stale jobs, execution rows, and broker keys. Every entry
// point is idempotent, and per-queue/per-table failures are logged and
// swallowed so a single failing queue cannot abort a sweep.
type Service struct {
	repo   ports.ExecutionRepository
	broker ports.Broker
	cfg    Config
	logger *slog.Logger

	// gcHint lets forced/emergency sweeps nudge the collector; swappable in
	// tests to observe invocation.
	gcHint func()
}

func NewService(repo ports.ExecutionRepository, broker ports.Broker, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		broker: broker,
		cfg:    cfg,
		logger: logger.With("component", "cleanup"),
		gcHint: defaultGCHint,
	}
}

// Start runs the scheduled (hourly) and deep (daily) sweeps until ctx is
// cancelled.
func (s *Service) Start(ctx context.Context) {
	scheduled := time.NewTicker(s.cfg.ScheduledInterval)
	deep := time.NewTicker(s.cfg.DeepInterval)
	defer scheduled.Stop()
	defer deep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scheduled.C:
			s.ScheduledCleanup(ctx)
		case <-deep.C:
			s.DeepCleanup(ctx)
		}
	}
}

// ScheduledCleanup removes completed and failed jobs past the short retention
// window from every active queue. PENDING and RUNNING executions are never
// touched.
func (s *Service) ScheduledCleanup(ctx context.Context) {
	s.logger.Info("starting scheduled cleanup")
	s.cleanFinishedJobs(ctx, s.cfg.JobRetention)
	s.logger.Info("scheduled cleanup completed")
}

// DeepCleanup is the scheduled sweep plus deletion of old terminal execution
// rows and a batched sweep of completed broker bookkeeping keys.
func (s *Service) DeepCleanup(ctx context.Context) {
	s.logger.Info("starting deep cleanup")
	s.cleanFinishedJobs(ctx, s.cfg.JobRetention)
	s.cleanOldExecutions(ctx, time.Now().Add(-s.cfg.ExecutionRetention))
	s.cleanBrokerKeys(ctx)
	s.logger.Info("deep cleanup completed")
}

// ForceCleanup is the deep sweep plus an ageless drain of every queue's
// finished jobs and a GC hint.
func (s *Service) ForceCleanup(ctx context.Context) error {
	s.logger.Info("forcing immediate cleanup")
	s.cleanOldExecutions(ctx, time.Now().Add(-s.cfg.ExecutionRetention))
	s.cleanFinishedJobs(ctx, 0)
	s.cleanBrokerKeys(ctx)
	s.gcHint()
	s.logger.Info("forced cleanup completed")
	return nil
}

// EmergencyCleanup is the governor-triggered aggressive sweep: drain all
// finished jobs everywhere and drop terminal executions older than an hour.
// Best effort throughout.
func (s *Service) EmergencyCleanup(ctx context.Context) {
	s.logger.Warn("emergency cleanup triggered")
	s.cleanFinishedJobs(ctx, 0)
	s.cleanOldExecutions(ctx, time.Now().Add(-time.Hour))
	s.gcHint()
	s.logger.Info("emergency cleanup completed")
}

func (s *Service) cleanOldExecutions(ctx context.Context, cutoff time.Time) {
	deleted, err := s.repo.DeleteOldExecutions(ctx, cutoff)
	if err != nil {
		s.logger.Error("error cleaning old executions", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("deleted old executions", "count", deleted)
	}
}

func (s *Service) cleanFinishedJobs(ctx context.Context, grace time.Duration) {
	if s.broker == nil {
		return
	}
	for _, queueName := range s.broker.Queues() {
		for _, state := range []ports.JobState{ports.JobStateCompleted, ports.JobStateFailed} {
			removed, err := s.broker.Clean(ctx, queueName, grace, state)
			if err != nil {
				s.logger.Error("error cleaning queue", "queue", queueName, "state", state, "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Debug("removed finished jobs", "queue", queueName, "state", state, "count", removed)
			}
		}
	}
}

func (s *Service) cleanBrokerKeys(ctx context.Context) {
	if s.broker == nil || !s.broker.Available() {
		return
	}
	removed, err := s.broker.CleanKeys(ctx, "stepflow:*:completed", s.cfg.KeyBatchSize)
	if err != nil {
		s.logger.Error("error cleaning broker keys", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("cleaned broker keys", "count", removed)
	}
}
