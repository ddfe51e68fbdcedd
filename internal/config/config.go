// Package config loads the Gantry configuration from environment variables
// and an optional TOML file. File values form the base; environment
// variables override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for Gantry
type Config struct {
	// Ops is the operational HTTP server configuration
	Ops OpsConfig

	// Stores lists the message databases
	Stores []StoreConfig

	// Dispatch configures the dispatcher workers
	Dispatch DispatchConfig

	// Cleanup configures the retention sweeper
	Cleanup CleanupConfig

	// Lease configures the lease runner backend
	Lease LeaseConfig

	// Secrets configures the secrets provider
	Secrets SecretsConfig

	// Instance identifies this process (defaults to a generated name)
	Instance string

	// Development mode
	DevMode bool
}

// OpsConfig holds the operational HTTP server configuration
type OpsConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// StoreConfig holds one message database
type StoreConfig struct {
	Name     string
	Schema   string
	DSN      string
	MaxConns int
}

// DispatchConfig holds dispatcher configuration
type DispatchConfig struct {
	Workers       int
	PollInterval  time.Duration
	BatchSize     int
	LeaseSeconds  int
	MaxAttempts   int
	RatePerSecond float64
	RateBurst     int

	// Strategy selects the source polling order: "round-robin" or
	// "drain-first"
	Strategy string
}

// CleanupConfig holds retention sweeper configuration
type CleanupConfig struct {
	Enabled        bool
	Interval       time.Duration
	Retention      time.Duration
	MaxRowsPerStep int
	LockTtl        time.Duration
	StepsPerSecond float64
}

// LeaseConfig holds lease runner configuration
type LeaseConfig struct {
	// Backend is "postgres" or "redis"
	Backend string

	// RedisAddr and RedisPassword apply to the redis backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Ttl           time.Duration
	RenewFraction float64
}

// SecretsConfig holds secrets provider configuration
type SecretsConfig struct {
	Provider      string
	EncryptionKey string
	DataDir       string

	// AWS
	AWSRegion   string
	AWSPrefix   string
	AWSEndpoint string

	// Vault
	VaultAddr      string
	VaultPath      string
	VaultNamespace string

	// GCP
	GCPProject string
	GCPPrefix  string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Ops: OpsConfig{
			Addr:         getEnv("GANTRY_OPS_ADDR", ":9090"),
			ReadTimeout:  getEnvDuration("GANTRY_OPS_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("GANTRY_OPS_WRITE_TIMEOUT", 30*time.Second),
		},

		Dispatch: DispatchConfig{
			Workers:       getEnvInt("GANTRY_DISPATCH_WORKERS", 4),
			PollInterval:  getEnvDuration("GANTRY_DISPATCH_POLL_INTERVAL", 1*time.Second),
			BatchSize:     getEnvInt("GANTRY_DISPATCH_BATCH_SIZE", 50),
			LeaseSeconds:  getEnvInt("GANTRY_DISPATCH_LEASE_SECONDS", 60),
			MaxAttempts:   getEnvInt("GANTRY_DISPATCH_MAX_ATTEMPTS", 10),
			RatePerSecond: getEnvFloat("GANTRY_DISPATCH_RATE_PER_SECOND", 50),
			RateBurst:     getEnvInt("GANTRY_DISPATCH_RATE_BURST", 10),
			Strategy:      getEnv("GANTRY_DISPATCH_STRATEGY", "round-robin"),
		},

		Cleanup: CleanupConfig{
			Enabled:        getEnvBool("GANTRY_CLEANUP_ENABLED", true),
			Interval:       getEnvDuration("GANTRY_CLEANUP_INTERVAL", 1*time.Minute),
			Retention:      getEnvDuration("GANTRY_CLEANUP_RETENTION", 7*24*time.Hour),
			MaxRowsPerStep: getEnvInt("GANTRY_CLEANUP_MAX_ROWS", 1000),
			LockTtl:        getEnvDuration("GANTRY_CLEANUP_LOCK_TTL", 5*time.Minute),
			StepsPerSecond: getEnvFloat("GANTRY_CLEANUP_STEPS_PER_SECOND", 10),
		},

		Lease: LeaseConfig{
			Backend:       getEnv("GANTRY_LEASE_BACKEND", "postgres"),
			RedisAddr:     getEnv("GANTRY_REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("GANTRY_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("GANTRY_REDIS_DB", 0),
			Ttl:           getEnvDuration("GANTRY_LEASE_TTL", 30*time.Second),
			RenewFraction: getEnvFloat("GANTRY_LEASE_RENEW_FRACTION", 0.5),
		},

		Secrets: SecretsConfig{
			Provider:       getEnv("GANTRY_SECRETS_PROVIDER", "env"),
			EncryptionKey:  getEnv("GANTRY_SECRETS_ENCRYPTION_KEY", ""),
			DataDir:        getEnv("GANTRY_SECRETS_DATA_DIR", "./data/secrets"),
			AWSRegion:      getEnv("GANTRY_SECRETS_AWS_REGION", ""),
			AWSPrefix:      getEnv("GANTRY_SECRETS_AWS_PREFIX", "/gantry/"),
			AWSEndpoint:    getEnv("GANTRY_SECRETS_AWS_ENDPOINT", ""),
			VaultAddr:      getEnv("GANTRY_SECRETS_VAULT_ADDR", ""),
			VaultPath:      getEnv("GANTRY_SECRETS_VAULT_PATH", "secret/data/gantry"),
			VaultNamespace: getEnv("GANTRY_SECRETS_VAULT_NAMESPACE", ""),
			GCPProject:     getEnv("GANTRY_SECRETS_GCP_PROJECT", ""),
			GCPPrefix:      getEnv("GANTRY_SECRETS_GCP_PREFIX", "gantry-"),
		},

		Instance: getEnv("GANTRY_INSTANCE", ""),
		DevMode:  getEnvBool("GANTRY_DEV", false),
	}

	// A single store can be configured straight from the environment; fleets
	// with several databases use the config file.
	if dsn := getEnv("GANTRY_DB_DSN", ""); dsn != "" {
		cfg.Stores = append(cfg.Stores, StoreConfig{
			Name:     getEnv("GANTRY_DB_NAME", "default"),
			Schema:   getEnv("GANTRY_DB_SCHEMA", "gantry"),
			DSN:      dsn,
			MaxConns: getEnvInt("GANTRY_DB_MAX_CONNS", 0),
		})
	}

	return cfg, nil
}

// Validate checks the configuration for values no component would accept.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, s := range c.Stores {
		if s.Name == "" {
			return fmt.Errorf("config: store with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate store name %q", s.Name)
		}
		seen[s.Name] = true
	}

	switch c.Dispatch.Strategy {
	case "", "round-robin", "drain-first":
	default:
		return fmt.Errorf("config: unknown dispatch strategy %q", c.Dispatch.Strategy)
	}

	switch c.Lease.Backend {
	case "", "postgres", "redis":
	default:
		return fmt.Errorf("config: unknown lease backend %q", c.Lease.Backend)
	}
	if c.Lease.RenewFraction < 0 || c.Lease.RenewFraction >= 1 {
		return fmt.Errorf("config: lease renew fraction %v outside [0, 1)", c.Lease.RenewFraction)
	}

	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("config: dispatch workers must not be negative")
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
