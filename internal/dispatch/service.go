package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"go.gantry.dev/internal/common/fault"
)

// ServiceConfig holds settings for the polling service around a Dispatcher
type ServiceConfig struct {
	// Workers is the number of concurrent dispatch loops
	Workers int

	// PollInterval is the idle wait after an empty round
	PollInterval time.Duration

	// RatePerSecond caps dispatch rounds across all workers. 0 disables
	// the limiter.
	RatePerSecond float64

	// RateBurst is the limiter burst size
	RateBurst int
}

// DefaultServiceConfig returns sensible defaults
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Workers:       4,
		PollInterval:  1 * time.Second,
		RatePerSecond: 50,
		RateBurst:     10,
	}
}

// Service runs dispatch workers until stopped. It implements the lifecycle
// Service interface.
type Service struct {
	dispatcher *Dispatcher
	config     ServiceConfig
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	lastErr error
}

// NewService creates the polling service.
func NewService(dispatcher *Dispatcher, config ServiceConfig, logger *slog.Logger) *Service {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if config.RatePerSecond > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}

	return &Service{
		dispatcher: dispatcher,
		config:     config,
		limiter:    limiter,
		logger:     logger,
	}
}

// Name implements lifecycle.Service.
func (s *Service) Name() string { return "dispatch" }

// Start runs the worker pool and blocks until ctx is cancelled or a critical
// fault escapes a handler. A critical fault cancels every worker and is
// returned so the process supervisor can decide to exit.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < s.config.Workers; i++ {
		worker := i
		g.Go(func() error {
			return s.runWorker(gctx, worker)
		})
	}

	s.logger.Info("Dispatch service started", "workers", s.config.Workers)
	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return fmt.Errorf("dispatch: service stopped: %w", err)
	}
	return nil
}

func (s *Service) runWorker(ctx context.Context, worker int) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		processed, err := s.dispatcher.RunOnce(ctx)
		if err != nil {
			if fault.IsCritical(err) {
				s.logger.Error("Worker stopping on critical fault", "worker", worker, "error", err)
				return err
			}
			s.logger.Warn("Dispatch round failed",
				"worker", worker,
				"transient", fault.IsTransient(err),
				"error", err)
		}

		if processed == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.config.PollInterval):
			}
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
func (s *Service) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
