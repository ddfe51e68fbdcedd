// Gantry all-in-one daemon.
//
// Runs the dispatcher workers, the cleanup/retention service and the ops HTTP
// server over every configured message store. Each part can be toggled off in
// configuration; a node running only the ops server still answers health and
// stats for its stores.

package main

import (
	"context"
	"log/slog"
	"os"

	"go.gantry.dev/internal/cleanup"
	"go.gantry.dev/internal/common/health"
	"go.gantry.dev/internal/common/lifecycle"
	"go.gantry.dev/internal/dispatch"
	"go.gantry.dev/internal/join"
	"go.gantry.dev/internal/ops"
	"go.gantry.dev/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("GANTRY_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting Gantry",
		"version", version,
		"build_time", buildTime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, cleanupFn, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
		NeedsStores: true,
	})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanupFn()

	cfg := app.Config
	stores := app.Stores.All()

	checker := health.NewChecker()
	for _, s := range stores {
		checker.AddReadinessCheck(health.PostgresCheck(s.Name, s.Pool.Ping))
	}
	if app.Redis != nil {
		checker.AddReadinessCheck(health.RedisCheck(func(ctx context.Context) error {
			return app.Redis.Ping(ctx).Err()
		}))
	}

	var services []lifecycle.Service

	if cfg.Dispatch.Workers > 0 {
		dispatchSvc := buildDispatch(app, stores)
		checker.AddLivenessCheck(health.ServiceCheck("dispatch", dispatchSvc.Health))
		services = append(services, dispatchSvc)
	} else {
		slog.Info("Dispatch disabled", "workers", 0)
	}

	if cfg.Cleanup.Enabled {
		services = append(services, buildCleanup(app, stores))
	} else {
		slog.Info("Cleanup disabled")
	}

	opsServer := ops.NewServer(ops.Config{
		Addr:         cfg.Ops.Addr,
		ReadTimeout:  cfg.Ops.ReadTimeout,
		WriteTimeout: cfg.Ops.WriteTimeout,
	}, checker, app.Stores)
	services = append(services, lifecycle.NewHTTPService("ops", opsServer))

	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Shutdown with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Gantry stopped")
}

// buildDispatch assembles the dispatcher over every store's outbox and inbox.
// The join.wait barrier handler runs against the first configured store;
// barriers live where their outbox messages were enqueued, so fleets that
// spread barriers across stores run one daemon per store.
func buildDispatch(app *lifecycle.App, stores []*store.Store) *dispatch.Service {
	cfg := app.Config.Dispatch

	registry := dispatch.NewRegistry()
	primary := stores[0]
	waitHandler := join.NewWaitHandler(primary.Joins, primary.Outbox)
	registry.Register(join.WaitTopic, waitHandler.Handle)

	sources := app.Stores.Sources()

	var strategy dispatch.Strategy
	switch cfg.Strategy {
	case "drain-first":
		strategy = dispatch.NewDrainFirst()
	default:
		strategy = dispatch.NewRoundRobin()
	}

	dispatchConfig := dispatch.DefaultConfig()
	dispatchConfig.LeaseSeconds = cfg.LeaseSeconds
	dispatchConfig.BatchSize = cfg.BatchSize
	dispatchConfig.MaxAttempts = cfg.MaxAttempts

	dispatcher := dispatch.NewDispatcher(sources, registry, strategy, dispatchConfig, slog.Default())
	return dispatch.NewService(dispatcher, dispatch.ServiceConfig{
		Workers:       cfg.Workers,
		PollInterval:  cfg.PollInterval,
		RatePerSecond: cfg.RatePerSecond,
		RateBurst:     cfg.RateBurst,
	}, slog.Default())
}

// buildCleanup assembles the retention sweeper. Each store's pass is guarded
// by a lock in that store's own schema, so exactly one instance per database
// pays for the sweep.
func buildCleanup(app *lifecycle.App, stores []*store.Store) *cleanup.Service {
	cfg := app.Config.Cleanup

	targets := make([]cleanup.Target, 0, len(stores))
	for _, s := range stores {
		targets = append(targets, cleanup.Target{
			Name:       s.Name,
			Outbox:     s.Outbox,
			Inbox:      s.Inbox,
			Semaphores: s.Semaphores,
			Locks:      s.Locks,
		})
	}

	config := cleanup.DefaultConfig()
	config.Interval = cfg.Interval
	config.Retention = cfg.Retention
	config.MaxRowsPerStep = cfg.MaxRowsPerStep
	config.LockTtl = cfg.LockTtl
	config.StepsPerSecond = cfg.StepsPerSecond

	return cleanup.NewService(targets, app.Instance, config, slog.Default())
}
