package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"go.gantry.dev/internal/common/id"
	"go.gantry.dev/internal/common/secrets"
	"go.gantry.dev/internal/config"
	"go.gantry.dev/internal/store"
)

// App holds initialized infrastructure that is guaranteed to be connected.
// If you have an *App, you know every configured store answered a ping.
//
// This is NOT a god object - it just holds the "dangerous" infrastructure
// that requires connection/retry logic. Application logic should NOT go here.
type App struct {
	Config *config.Config

	// Instance is this process's identity, stamped into completions and
	// lock ownership.
	Instance string

	// Secrets resolves credentials, including store connection strings.
	Secrets secrets.Provider

	// Stores holds the connected message databases.
	Stores *store.Registry

	// Redis is set when the lease backend is redis.
	Redis *redis.Client

	// Internal cleanup - call AddCleanup to register cleanup functions
	cleanupFuncs []func() error
}

// AppOptions configures which infrastructure to initialize.
type AppOptions struct {
	// NeedsStores connects every configured message database
	NeedsStores bool

	// NeedsRedis connects the Redis client regardless of the configured
	// lease backend
	NeedsRedis bool
}

// Initialize creates an App with connected infrastructure.
// Returns an error if any required connection fails.
//
// Usage:
//
//	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
//	    NeedsStores: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cleanup()
func Initialize(ctx context.Context, opts AppOptions) (*App, func(), error) {
	app := &App{Stores: store.NewRegistry()}

	// Load configuration first
	cfg, err := config.LoadWithFile()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	app.Config = cfg

	app.Instance = cfg.Instance
	if app.Instance == "" {
		app.Instance = id.NewInstanceName()
	}

	provider, err := secrets.NewProvider(secretsConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize secrets provider: %w", err)
	}
	app.Secrets = provider

	if opts.NeedsStores {
		if err := app.initStores(ctx); err != nil {
			app.Cleanup()
			return nil, nil, err
		}
	}

	if opts.NeedsRedis || cfg.Lease.Backend == "redis" {
		if err := app.initRedis(ctx); err != nil {
			app.Cleanup()
			return nil, nil, err
		}
	}

	cleanup := func() {
		app.Cleanup()
	}

	return app, cleanup, nil
}

// AddCleanup registers a cleanup function to be called on shutdown.
// Functions are called in reverse order of registration.
func (app *App) AddCleanup(fn func() error) {
	app.cleanupFuncs = append(app.cleanupFuncs, fn)
}

// initStores connects every configured message database.
func (app *App) initStores(ctx context.Context) error {
	cfg := app.Config
	if len(cfg.Stores) == 0 {
		return fmt.Errorf("no stores configured")
	}

	for _, sc := range cfg.Stores {
		storeConfig := store.Config{
			Name:     sc.Name,
			Schema:   sc.Schema,
			DSN:      sc.DSN,
			MaxConns: int32(sc.MaxConns),
		}
		if err := store.ResolveDSN(ctx, app.Secrets, &storeConfig); err != nil {
			return err
		}

		slog.Info("Connecting store", "store", sc.Name, "schema", storeConfig.Schema)
		s, err := store.Open(ctx, storeConfig, app.Instance)
		if err != nil {
			return err
		}
		if err := app.Stores.Add(s); err != nil {
			s.Close()
			return err
		}
		slog.Info("Store connected", "store", sc.Name)
	}

	app.AddCleanup(func() error {
		app.Stores.CloseAll()
		return nil
	})
	return nil
}

// initRedis connects the Redis client used by the lease backend.
func (app *App) initRedis(ctx context.Context) error {
	cfg := app.Config

	slog.Info("Connecting to Redis", "addr", cfg.Lease.RedisAddr)
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Lease.RedisAddr,
		Password: cfg.Lease.RedisPassword,
		DB:       cfg.Lease.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	app.Redis = client
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from Redis")
		return client.Close()
	})
	return nil
}

// secretsConfig maps the application secrets section onto the provider
// package's config.
func secretsConfig(cfg *config.Config) *secrets.Config {
	sc := secrets.DefaultConfig()
	if cfg.Secrets.Provider != "" {
		sc.Provider = secrets.ProviderType(cfg.Secrets.Provider)
	}
	if cfg.Secrets.EncryptionKey != "" {
		sc.EncryptionKey = cfg.Secrets.EncryptionKey
	}
	if cfg.Secrets.DataDir != "" {
		sc.DataDir = cfg.Secrets.DataDir
	}
	if cfg.Secrets.AWSRegion != "" {
		sc.AWSRegion = cfg.Secrets.AWSRegion
	}
	if cfg.Secrets.AWSPrefix != "" {
		sc.AWSPrefix = cfg.Secrets.AWSPrefix
	}
	if cfg.Secrets.AWSEndpoint != "" {
		sc.AWSEndpoint = cfg.Secrets.AWSEndpoint
	}
	if cfg.Secrets.VaultAddr != "" {
		sc.VaultAddr = cfg.Secrets.VaultAddr
	}
	// The vault token is itself a secret and only ever comes from the
	// environment.
	if t := os.Getenv("GANTRY_SECRETS_VAULT_TOKEN"); t != "" {
		sc.VaultToken = t
	} else if t := os.Getenv("VAULT_TOKEN"); t != "" {
		sc.VaultToken = t
	}
	if cfg.Secrets.VaultPath != "" {
		sc.VaultPath = cfg.Secrets.VaultPath
	}
	if cfg.Secrets.VaultNamespace != "" {
		sc.VaultNamespace = cfg.Secrets.VaultNamespace
	}
	if cfg.Secrets.GCPProject != "" {
		sc.GCPProject = cfg.Secrets.GCPProject
	}
	if cfg.Secrets.GCPPrefix != "" {
		sc.GCPPrefix = cfg.Secrets.GCPPrefix
	}
	return sc
}

// Cleanup runs all cleanup functions in reverse order.
func (app *App) Cleanup() {
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](); err != nil {
			slog.Error("Cleanup error", "error", err)
		}
	}
}
