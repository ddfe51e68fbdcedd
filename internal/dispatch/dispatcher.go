package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"go.gantry.dev/internal/common/fault"
	"go.gantry.dev/internal/common/id"
	"go.gantry.dev/internal/common/metrics"
	"go.gantry.dev/internal/workqueue"
)

// Config holds dispatcher settings
type Config struct {
	// LeaseSeconds is the lease requested on every claim
	LeaseSeconds int

	// BatchSize is the number of items claimed per round
	BatchSize int

	// MaxAttempts dead-letters an item after this many failed deliveries
	MaxAttempts int

	// Backoff schedules retry delays by attempt count
	Backoff workqueue.Backoff

	// Breaker settings for the per-source circuit breaker
	BreakerMinRequests uint32
	BreakerRatio       float64
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		LeaseSeconds:       60,
		BatchSize:          50,
		MaxAttempts:        10,
		Backoff:            workqueue.DefaultBackoff(),
		BreakerMinRequests: 5,
		BreakerRatio:       0.6,
		BreakerInterval:    60 * time.Second,
		BreakerTimeout:     30 * time.Second,
	}
}

// Dispatcher claims from sources and routes items to handlers. Each source
// sits behind its own circuit breaker, so a database that starts failing
// stops being polled while the others continue.
type Dispatcher struct {
	sources  []Source
	breakers []*gobreaker.CircuitBreaker
	registry *Registry
	strategy Strategy
	config   Config
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given sources.
func NewDispatcher(sources []Source, registry *Registry, strategy Strategy, config Config, logger *slog.Logger) *Dispatcher {
	if strategy == nil {
		strategy = NewRoundRobin()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.LeaseSeconds <= 0 {
		config.LeaseSeconds = 60
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}

	d := &Dispatcher{
		sources:  sources,
		registry: registry,
		strategy: strategy,
		config:   config,
		logger:   logger,
	}
	for _, src := range sources {
		d.breakers = append(d.breakers, d.newBreaker(src.Name()))
	}
	return d
}

func (d *Dispatcher) newBreaker(name string) *gobreaker.CircuitBreaker {
	minRequests := d.config.BreakerMinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	ratio := d.config.BreakerRatio
	if ratio <= 0 {
		ratio = 0.6
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: d.config.BreakerInterval,
		Timeout:  d.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= ratio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			d.logger.Info("Circuit breaker state changed",
				"store", name,
				"from", from.String(),
				"to", to.String())

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				stateValue = float64(metrics.CircuitBreakerOpen)
			case gobreaker.StateHalfOpen:
				stateValue = float64(metrics.CircuitBreakerHalfOpen)
			}
			metrics.DispatchBreakerState.WithLabelValues(name).Set(stateValue)
		},
	})
}

// RunOnce polls one source under a fresh owner token, handles everything it
// claimed and reports completions. It returns the number of items that
// reached a handler. A critical handler fault aborts the round: the already
// decided outcomes are flushed, the untouched rows stay leased for the
// reaper, and the error propagates.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	if len(d.sources) == 0 {
		return 0, nil
	}

	idx := d.strategy.Next(len(d.sources))
	src := d.sources[idx]
	owner := id.NewOwnerToken()

	result, err := d.breakers[idx].Execute(func() (interface{}, error) {
		return src.Claim(ctx, owner, d.config.LeaseSeconds, d.config.BatchSize)
	})
	if err != nil {
		d.strategy.Report(0)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.DispatchRounds.WithLabelValues(src.Name(), "skipped").Inc()
			return 0, nil
		}
		metrics.DispatchRounds.WithLabelValues(src.Name(), "error").Inc()
		return 0, fmt.Errorf("dispatch: claim from %s: %w", src.Name(), err)
	}

	items := result.([]Item)
	d.strategy.Report(len(items))
	if len(items) == 0 {
		metrics.DispatchRounds.WithLabelValues(src.Name(), "empty").Inc()
		return 0, nil
	}

	outcome := d.handleBatch(ctx, items)
	if err := d.complete(ctx, src, owner, outcome); err != nil {
		metrics.DispatchRounds.WithLabelValues(src.Name(), "error").Inc()
		return outcome.handled, err
	}

	metrics.DispatchRounds.WithLabelValues(src.Name(), "processed").Inc()
	if outcome.critical != nil {
		return outcome.handled, outcome.critical
	}
	return outcome.handled, nil
}

// batchOutcome collects the per-item decisions of one round.
type batchOutcome struct {
	acks     []any
	retries  map[time.Duration][]Failure
	deads    []Failure
	handled  int
	critical error
}

func (d *Dispatcher) handleBatch(ctx context.Context, items []Item) batchOutcome {
	out := batchOutcome{retries: make(map[time.Duration][]Failure)}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			// Shutdown mid-batch: leave the rest leased for the reaper.
			break
		}

		err := d.handle(ctx, item)
		out.handled++

		switch {
		case err == nil:
			out.acks = append(out.acks, item.Token)
			metrics.DispatchHandled.WithLabelValues(item.Topic, "ack").Inc()

		case fault.IsCritical(err):
			// The item is neither acked nor abandoned; its lease expires and
			// the reaper returns it.
			out.critical = err
			metrics.DispatchHandled.WithLabelValues(item.Topic, "critical").Inc()
			d.logger.Error("Critical fault in handler",
				"topic", item.Topic,
				"error", err)
			return out

		case fault.IsPoison(err):
			out.deads = append(out.deads, Failure{Token: item.Token, Message: err.Error()})
			metrics.DispatchHandled.WithLabelValues(item.Topic, "dead_letter").Inc()

		case item.Attempts+1 >= d.config.MaxAttempts:
			out.deads = append(out.deads, Failure{
				Token:   item.Token,
				Message: fmt.Sprintf("retries exhausted after %d attempts: %v", item.Attempts+1, err),
			})
			metrics.DispatchHandled.WithLabelValues(item.Topic, "dead_letter").Inc()
			d.logger.Warn("Retries exhausted",
				"topic", item.Topic,
				"attempts", item.Attempts+1,
				"error", err)

		default:
			delay := d.config.Backoff.Delay(item.Attempts + 1)
			out.retries[delay] = append(out.retries[delay], Failure{Token: item.Token, Message: err.Error()})
			metrics.DispatchHandled.WithLabelValues(item.Topic, "retry").Inc()
		}
	}
	return out
}

// handle runs the topic handler with panic containment and timing.
func (d *Dispatcher) handle(ctx context.Context, item Item) error {
	fn, ok := d.registry.Lookup(item.Topic)
	if !ok {
		return fault.Poisonf("no handler registered for topic %q", item.Topic)
	}

	start := time.Now()
	err := fault.Catch(func() error { return fn(ctx, item.Payload) })
	metrics.DispatchHandlerDuration.WithLabelValues(item.Topic).Observe(time.Since(start).Seconds())

	var panicErr *fault.PanicError
	if errors.As(err, &panicErr) {
		d.logger.Error("Handler panicked",
			"topic", item.Topic,
			"panic", panicErr.Value,
			"stack", string(panicErr.Stack))
	}
	return err
}

// complete flushes the batch outcome back to the source. Completion runs on a
// background-derived context so a shutdown that cancelled the handler context
// does not strand decided outcomes.
func (d *Dispatcher) complete(ctx context.Context, src Source, owner id.OwnerToken, out batchOutcome) error {
	flushCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if len(out.acks) > 0 {
		if err := src.Ack(flushCtx, owner, out.acks); err != nil {
			return fmt.Errorf("dispatch: ack on %s: %w", src.Name(), err)
		}
	}
	for delay, failures := range out.retries {
		if err := src.Abandon(flushCtx, owner, failures, delay); err != nil {
			return fmt.Errorf("dispatch: abandon on %s: %w", src.Name(), err)
		}
	}
	if len(out.deads) > 0 {
		if err := src.Fail(flushCtx, owner, out.deads); err != nil {
			return fmt.Errorf("dispatch: fail on %s: %w", src.Name(), err)
		}
	}
	return nil
}
