// Package cron runs the background maintenance jobs: the proposal expiry
// sweep, retention purges, and stale session cleanup.
package cron

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/harborline/concierge/internal/guard"
	"github.com/harborline/concierge/internal/persistence"
	"github.com/harborline/concierge/internal/trust"
)

// Config holds the dependencies and schedules for the maintenance jobs.
type Config struct {
	Store  *persistence.Store
	Trust  *trust.Engine
	Guards *guard.Registry
	Logger *slog.Logger

	// SweepSpec is the cron spec for the proposal expiry sweep.
	// Defaults to "@every 1m".
	SweepSpec string

	// RetentionSpec is the cron spec for the retention purges.
	// Defaults to "@daily".
	RetentionSpec string

	// RetentionMessagesDays / RetentionAuditDays bound how long turn
	// history and audit rows are kept. 0 disables the purge.
	RetentionMessagesDays int
	RetentionAuditDays    int

	// SessionMaxIdle is the idle window after which a session (and its
	// limiter) is deleted. Defaults to 48h.
	SessionMaxIdle time.Duration
}

// Scheduler owns the cron runner. Jobs are registered at construction and
// run on the runner's own goroutine.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	runner *cronlib.Cron
}

// NewScheduler registers the maintenance jobs. It returns an error if any
// configured cron spec does not parse.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = "@every 1m"
	}
	if cfg.RetentionSpec == "" {
		cfg.RetentionSpec = "@daily"
	}
	if cfg.SessionMaxIdle <= 0 {
		cfg.SessionMaxIdle = 48 * time.Hour
	}

	s := &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger,
		runner: cronlib.New(),
	}

	if _, err := s.runner.AddFunc(cfg.SweepSpec, s.sweepProposals); err != nil {
		return nil, err
	}
	if _, err := s.runner.AddFunc(cfg.RetentionSpec, s.purgeRetention); err != nil {
		return nil, err
	}
	if _, err := s.runner.AddFunc("@every 10m", s.cleanupSessions); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron runner.
func (s *Scheduler) Start() {
	s.runner.Start()
	s.logger.Info("maintenance scheduler started",
		"sweep", s.cfg.SweepSpec, "retention", s.cfg.RetentionSpec)
}

// Stop halts the runner and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.runner.Stop()
	<-ctx.Done()
	s.logger.Info("maintenance scheduler stopped")
}

// sweepProposals expires overdue pending proposals.
func (s *Scheduler) sweepProposals() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.cfg.Trust.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("proposal sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("proposals expired", "count", n)
	}
}

// purgeRetention applies the message and audit log retention windows.
func (s *Scheduler) purgeRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if days := s.cfg.RetentionMessagesDays; days > 0 {
		n, err := s.cfg.Store.PurgeOldMessages(ctx, days)
		if err != nil {
			s.logger.Error("message purge failed", "error", err)
		} else if n > 0 {
			s.logger.Info("old messages purged", "count", n, "retention_days", days)
		}
	}
	if days := s.cfg.RetentionAuditDays; days > 0 {
		n, err := s.cfg.Store.PurgeOldAuditLog(ctx, days)
		if err != nil {
			s.logger.Error("audit purge failed", "error", err)
		} else if n > 0 {
			s.logger.Info("old audit rows purged", "count", n, "retention_days", days)
		}
	}
}

// cleanupSessions deletes idle sessions and drops their in-memory limiters.
func (s *Scheduler) cleanupSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ids, err := s.cfg.Store.DeleteStaleSessions(ctx, s.cfg.SessionMaxIdle)
	if err != nil {
		s.logger.Error("session cleanup failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	if s.cfg.Guards != nil {
		s.cfg.Guards.Evict(ids...)
	}
	s.logger.Info("stale sessions deleted", "count", len(ids))
}
