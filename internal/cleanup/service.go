// Package cleanup runs the background retention and reaping passes.
//
// Each registered store is swept under a lock held in that store's own
// database, so at most one instance cleans a database at a time: expired
// work-queue leases go back to ready, aged terminal rows are deleted, expired
// semaphore leases and lock rows are dropped. A store whose schema is not
// deployed yet is logged and skipped, not fatal; a fleet can roll out tables
// store by store.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.gantry.dev/internal/common/fault"
	"go.gantry.dev/internal/common/metrics"
	"go.gantry.dev/internal/inbox"
	"go.gantry.dev/internal/lock"
	"go.gantry.dev/internal/outbox"
	"go.gantry.dev/internal/semaphore"
)

// Target is one store's cleanup surface. Nil members are skipped, so a
// store that only runs an outbox registers just that. Locks, when set,
// guards the target's pass and has its own expired rows swept; each
// database is cleaned by at most one instance at a time.
type Target struct {
	Name       string
	Outbox     *outbox.Store
	Inbox      *inbox.Store
	Semaphores *semaphore.Store
	Locks      *lock.Lock
}

// Config holds cleanup service settings
type Config struct {
	// Interval between passes
	Interval time.Duration

	// Retention is how long terminal rows are kept before deletion
	Retention time.Duration

	// MaxRowsPerStep bounds every reap and delete statement
	MaxRowsPerStep int

	// LockName is the distributed lock guarding the pass
	LockName string

	// LockTtl must comfortably exceed one full pass
	LockTtl time.Duration

	// StepsPerSecond paces the delete statements so cleanup never saturates
	// a production database. 0 disables pacing.
	StepsPerSecond float64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:       1 * time.Minute,
		Retention:      7 * 24 * time.Hour,
		MaxRowsPerStep: 1000,
		LockName:       "gantry.cleanup",
		LockTtl:        5 * time.Minute,
		StepsPerSecond: 10,
	}
}

// Service sweeps the registered targets on a timer. Each target with a lock
// manager is guarded by a per-database distributed lock so only one instance
// pays the cost for that database.
type Service struct {
	targets []Target
	owner   string
	config  Config
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewService creates the cleanup service. Targets without a lock manager run
// unguarded (single-instance deployments and tests).
func NewService(targets []Target, owner string, config Config, logger *slog.Logger) *Service {
	if config.Interval <= 0 {
		config.Interval = 1 * time.Minute
	}
	if config.Retention <= 0 {
		config.Retention = 7 * 24 * time.Hour
	}
	if config.MaxRowsPerStep <= 0 {
		config.MaxRowsPerStep = 1000
	}
	if config.LockName == "" {
		config.LockName = "gantry.cleanup"
	}
	if config.LockTtl <= 0 {
		config.LockTtl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if config.StepsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.StepsPerSecond), 1)
	}

	return &Service{
		targets: targets,
		owner:   owner,
		config:  config,
		limiter: limiter,
		logger:  logger,
	}
}

// Name implements lifecycle.Service.
func (s *Service) Name() string { return "cleanup" }

// Start runs passes on the interval until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("Cleanup service started",
		"interval", s.config.Interval,
		"retention", s.config.Retention,
		"targets", len(s.targets))

	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
			s.RunPass(runCtx)
		}
	}
}

// Stop implements lifecycle.Service.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Health implements lifecycle.Service.
func (s *Service) Health() error { return nil }

// RunPass executes one full cleanup pass over every target. A target whose
// cleanup lock is held by another instance is skipped, not waited on.
func (s *Service) RunPass(ctx context.Context) {
	for _, target := range s.targets {
		s.sweepTarget(ctx, target)
	}
}

func (s *Service) sweepTarget(ctx context.Context, target Target) {
	if ctx.Err() != nil {
		return
	}

	if target.Locks != nil {
		acquired, err := target.Locks.Acquire(ctx, s.config.LockName, s.owner, s.config.LockTtl)
		if err != nil {
			s.logger.Warn("Cleanup lock acquisition failed", "store", target.Name, "error", err)
			metrics.CleanupRuns.WithLabelValues(target.Name, "error").Inc()
			return
		}
		if !acquired {
			metrics.CleanupRuns.WithLabelValues(target.Name, "skipped").Inc()
			return
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := target.Locks.Release(releaseCtx, s.config.LockName, s.owner); err != nil {
				s.logger.Warn("Cleanup lock release failed", "store", target.Name, "error", err)
			}
		}()
	}

	ok := true
	if target.Outbox != nil {
		ok = s.step(ctx, target.Name, "outbox_reap", func() (int64, error) {
			return target.Outbox.ReapExpired(ctx, s.config.MaxRowsPerStep)
		}) && ok
		ok = s.step(ctx, target.Name, "outbox", func() (int64, error) {
			return target.Outbox.Cleanup(ctx, s.config.Retention, s.config.MaxRowsPerStep)
		}) && ok
	}
	if target.Inbox != nil {
		ok = s.step(ctx, target.Name, "inbox_reap", func() (int64, error) {
			return target.Inbox.ReapExpired(ctx, s.config.MaxRowsPerStep)
		}) && ok
		ok = s.step(ctx, target.Name, "inbox", func() (int64, error) {
			return target.Inbox.Cleanup(ctx, s.config.Retention, s.config.MaxRowsPerStep)
		}) && ok
	}
	if target.Semaphores != nil {
		ok = s.step(ctx, target.Name, "semaphore_leases", func() (int64, error) {
			return target.Semaphores.ReapAllExpired(ctx, s.config.MaxRowsPerStep)
		}) && ok
	}
	if target.Locks != nil {
		ok = s.step(ctx, target.Name, "locks", func() (int64, error) {
			return target.Locks.CleanupExpired(ctx, s.config.MaxRowsPerStep)
		}) && ok
	}

	if ok {
		metrics.CleanupRuns.WithLabelValues(target.Name, "completed").Inc()
	} else {
		metrics.CleanupRuns.WithLabelValues(target.Name, "error").Inc()
	}
}

// step runs one bounded statement under the pacing limiter. Undefined-table
// errors are treated as a skip, not a failure.
func (s *Service) step(ctx context.Context, store, table string, fn func() (int64, error)) bool {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return false
		}
	}

	deleted, err := fn()
	if err != nil {
		if fault.IsUndefinedTable(err) {
			s.logger.Debug("Cleanup skipping undeployed table", "store", store, "table", table)
			return true
		}
		s.logger.Warn("Cleanup step failed", "store", store, "table", table, "error", err)
		return false
	}
	if deleted > 0 {
		metrics.CleanupDeletedRows.WithLabelValues(store, table).Add(float64(deleted))
		s.logger.Debug("Cleanup step done", "store", store, "table", table, "rows", deleted)
	}
	return true
}
