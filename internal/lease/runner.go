package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.gantry.dev/internal/common/clock"
	"go.gantry.dev/internal/common/fault"
	"go.gantry.dev/internal/common/metrics"
)

// ErrLost is reported once the runner's lease expired or was taken over.
// After that the runner's context is cancelled and every operation fails.
var ErrLost = errors.New("lease lost")

// ErrClosed is reported for operations on a runner after Close.
var ErrClosed = errors.New("lease runner closed")

// RunnerConfig holds settings for a self-renewing lease runner
type RunnerConfig struct {
	// Name is the lease to hold
	Name string

	// Owner identifies this holder, typically the instance id
	Owner string

	// Ttl is the lease duration requested on acquire and every renewal
	Ttl time.Duration

	// RenewFraction is the share of the ttl after which the next renewal is
	// due. 0.5 renews a 30s lease every 15s of monotonic time.
	RenewFraction float64

	// PollInterval is how often the background loop checks the deadline
	PollInterval time.Duration
}

// DefaultRunnerConfig returns a runner configuration with sensible defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Ttl:           30 * time.Second,
		RenewFraction: 0.5,
		PollInterval:  1 * time.Second,
	}
}

// Runner holds one lease and renews it in the background.
//
// Renewal is scheduled purely on the monotonic clock: the next renewal is due
// once Monotonic() passes a recorded deadline, so wall-clock jumps neither
// fire renewals early nor delay them. All store calls happen under the
// runner's mutex; a renewal check that fires while another is in flight
// blocks and then finds the refreshed deadline, making spurious wakeups
// harmless.
type Runner struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
	config RunnerConfig

	epoch      int64
	renewAfter time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	deadline time.Duration
	lost     bool
	closed   bool
}

// Acquire takes the named lease and, if successful, returns a running Runner
// that renews it until Close. acquired is false when another owner holds the
// lease.
func Acquire(ctx context.Context, store Store, config RunnerConfig, clk clock.Clock, logger *slog.Logger) (*Runner, bool, error) {
	if config.Owner == "" {
		return nil, false, fault.Invalidf("lease owner must not be empty")
	}

	epoch, acquired, err := store.Acquire(ctx, config.Name, config.Owner, config.Ttl)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}

	r := newRunner(store, config, epoch, clk, logger)
	r.start()
	return r, true, nil
}

func newRunner(store Store, config RunnerConfig, epoch int64, clk clock.Clock, logger *slog.Logger) *Runner {
	if config.RenewFraction <= 0 || config.RenewFraction >= 1 {
		config.RenewFraction = 0.5
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	renewAfter := time.Duration(float64(config.Ttl) * config.RenewFraction)
	return &Runner{
		store:      store,
		clock:      clk,
		logger:     logger,
		config:     config,
		epoch:      epoch,
		renewAfter: renewAfter,
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
		deadline:   clk.Monotonic() + renewAfter,
	}
}

func (r *Runner) start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.renewDue(r.ctx)
		}
	}
}

// renewDue renews the lease if the monotonic deadline has passed. Calls
// before the deadline, including ones queued up behind a renewal that just
// finished, are no-ops.
func (r *Runner) renewDue(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.lost {
		return
	}
	if r.clock.Monotonic() < r.deadline {
		return
	}
	_ = r.renewLocked(ctx)
}

// TryRenewNow renews immediately regardless of the deadline. Holders call it
// before an operation that must not straddle a lease expiry.
func (r *Runner) TryRenewNow(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.lost {
		return ErrLost
	}
	return r.renewLocked(ctx)
}

// renewLocked calls the store and reschedules or marks the lease lost.
// Callers hold r.mu.
func (r *Runner) renewLocked(ctx context.Context) error {
	renewed, err := r.store.Renew(ctx, r.config.Name, r.epoch, r.config.Ttl)
	if err != nil {
		metrics.LeaseRenewals.WithLabelValues("error").Inc()
		r.logger.Warn("Lease renewal errored",
			"name", r.config.Name,
			"epoch", r.epoch,
			"transient", fault.IsTransient(err),
			"error", err)
		return err
	}
	if !renewed {
		r.lost = true
		r.cancel()
		metrics.LeaseRenewals.WithLabelValues("lost").Inc()
		metrics.LeasesLost.Inc()
		r.logger.Warn("Lease lost",
			"name", r.config.Name,
			"owner", r.config.Owner,
			"epoch", r.epoch)
		return ErrLost
	}

	r.deadline = r.clock.Monotonic() + r.renewAfter
	metrics.LeaseRenewals.WithLabelValues("renewed").Inc()
	return nil
}

// Done is closed once the lease is lost or the runner is closed. Holders
// select on it to stop work that depends on the lease.
func (r *Runner) Done() <-chan struct{} { return r.ctx.Done() }

// Lost reports whether the lease was lost.
func (r *Runner) Lost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

// Epoch returns the fencing epoch from acquisition.
func (r *Runner) Epoch() int64 { return r.epoch }

// Name returns the lease name.
func (r *Runner) Name() string { return r.config.Name }

// Close stops the renewal loop and releases the lease if it is still held.
// Safe to call more than once.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stopCh)
	wasLost := r.lost
	r.mu.Unlock()

	r.wg.Wait()
	r.cancel()

	if wasLost {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Release(ctx, r.config.Name, r.epoch); err != nil {
		r.logger.Warn("Lease release failed",
			"name", r.config.Name,
			"epoch", r.epoch,
			"error", err)
		return err
	}
	return nil
}
