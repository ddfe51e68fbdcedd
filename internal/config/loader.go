package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	Ops      TOMLOpsConfig      `toml:"ops"`
	Stores   []TOMLStoreConfig  `toml:"stores"`
	Dispatch TOMLDispatchConfig `toml:"dispatch"`
	Cleanup  TOMLCleanupConfig  `toml:"cleanup"`
	Lease    TOMLLeaseConfig    `toml:"lease"`
	Secrets  TOMLSecretsConfig  `toml:"secrets"`
	Instance string             `toml:"instance"`
	DevMode  bool               `toml:"dev_mode"`
}

// TOMLOpsConfig represents the ops server configuration in TOML
type TOMLOpsConfig struct {
	Addr         string `toml:"addr"`
	ReadTimeout  string `toml:"read_timeout"`
	WriteTimeout string `toml:"write_timeout"`
}

// TOMLStoreConfig represents one message database in TOML
type TOMLStoreConfig struct {
	Name     string `toml:"name"`
	Schema   string `toml:"schema"`
	DSN      string `toml:"dsn"`
	MaxConns int    `toml:"max_conns"`
}

// TOMLDispatchConfig represents dispatcher configuration in TOML
type TOMLDispatchConfig struct {
	Workers       int     `toml:"workers"`
	PollInterval  string  `toml:"poll_interval"`
	BatchSize     int     `toml:"batch_size"`
	LeaseSeconds  int     `toml:"lease_seconds"`
	MaxAttempts   int     `toml:"max_attempts"`
	RatePerSecond float64 `toml:"rate_per_second"`
	RateBurst     int     `toml:"rate_burst"`
	Strategy      string  `toml:"strategy"`
}

// TOMLCleanupConfig represents cleanup configuration in TOML
type TOMLCleanupConfig struct {
	Enabled        *bool   `toml:"enabled"`
	Interval       string  `toml:"interval"`
	Retention      string  `toml:"retention"`
	MaxRowsPerStep int     `toml:"max_rows_per_step"`
	LockTtl        string  `toml:"lock_ttl"`
	StepsPerSecond float64 `toml:"steps_per_second"`
}

// TOMLLeaseConfig represents lease configuration in TOML
type TOMLLeaseConfig struct {
	Backend       string  `toml:"backend"`
	RedisAddr     string  `toml:"redis_addr"`
	RedisPassword string  `toml:"redis_password"`
	RedisDB       int     `toml:"redis_db"`
	Ttl           string  `toml:"ttl"`
	RenewFraction float64 `toml:"renew_fraction"`
}

// TOMLSecretsConfig represents secrets provider configuration in TOML
type TOMLSecretsConfig struct {
	Provider      string `toml:"provider"`
	EncryptionKey string `toml:"encryption_key"`
	DataDir       string `toml:"data_dir"`

	// AWS
	AWSRegion   string `toml:"aws_region"`
	AWSPrefix   string `toml:"aws_prefix"`
	AWSEndpoint string `toml:"aws_endpoint"`

	// Vault
	VaultAddr      string `toml:"vault_addr"`
	VaultPath      string `toml:"vault_path"`
	VaultNamespace string `toml:"vault_namespace"`

	// GCP
	GCPProject string `toml:"gcp_project"`
	GCPPrefix  string `toml:"gcp_prefix"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"gantry.toml",
	"./config/config.toml",
	"./config/gantry.toml",
	"/etc/gantry/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	envCfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("GANTRY_CONFIG_FILE")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return envCfg, nil
	}

	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, envCfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		Ops: OpsConfig{
			Addr: tc.Ops.Addr,
		},
		Dispatch: DispatchConfig{
			Workers:       tc.Dispatch.Workers,
			BatchSize:     tc.Dispatch.BatchSize,
			LeaseSeconds:  tc.Dispatch.LeaseSeconds,
			MaxAttempts:   tc.Dispatch.MaxAttempts,
			RatePerSecond: tc.Dispatch.RatePerSecond,
			RateBurst:     tc.Dispatch.RateBurst,
			Strategy:      tc.Dispatch.Strategy,
		},
		Cleanup: CleanupConfig{
			Enabled:        tc.Cleanup.Enabled == nil || *tc.Cleanup.Enabled,
			MaxRowsPerStep: tc.Cleanup.MaxRowsPerStep,
			StepsPerSecond: tc.Cleanup.StepsPerSecond,
		},
		Lease: LeaseConfig{
			Backend:       tc.Lease.Backend,
			RedisAddr:     tc.Lease.RedisAddr,
			RedisPassword: tc.Lease.RedisPassword,
			RedisDB:       tc.Lease.RedisDB,
			RenewFraction: tc.Lease.RenewFraction,
		},
		Secrets: SecretsConfig{
			Provider:       tc.Secrets.Provider,
			EncryptionKey:  tc.Secrets.EncryptionKey,
			DataDir:        tc.Secrets.DataDir,
			AWSRegion:      tc.Secrets.AWSRegion,
			AWSPrefix:      tc.Secrets.AWSPrefix,
			AWSEndpoint:    tc.Secrets.AWSEndpoint,
			VaultAddr:      tc.Secrets.VaultAddr,
			VaultPath:      tc.Secrets.VaultPath,
			VaultNamespace: tc.Secrets.VaultNamespace,
			GCPProject:     tc.Secrets.GCPProject,
			GCPPrefix:      tc.Secrets.GCPPrefix,
		},
		Instance: tc.Instance,
		DevMode:  tc.DevMode,
	}

	for _, s := range tc.Stores {
		cfg.Stores = append(cfg.Stores, StoreConfig{
			Name:     s.Name,
			Schema:   s.Schema,
			DSN:      s.DSN,
			MaxConns: s.MaxConns,
		})
	}

	// Parse durations
	setDuration(&cfg.Ops.ReadTimeout, tc.Ops.ReadTimeout)
	setDuration(&cfg.Ops.WriteTimeout, tc.Ops.WriteTimeout)
	setDuration(&cfg.Dispatch.PollInterval, tc.Dispatch.PollInterval)
	setDuration(&cfg.Cleanup.Interval, tc.Cleanup.Interval)
	setDuration(&cfg.Cleanup.Retention, tc.Cleanup.Retention)
	setDuration(&cfg.Cleanup.LockTtl, tc.Cleanup.LockTtl)
	setDuration(&cfg.Lease.Ttl, tc.Lease.Ttl)

	return cfg, nil
}

func setDuration(dst *time.Duration, value string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*dst = d
	}
}

// mergeConfigs merges two configs, with override taking precedence for values
// that differ from the environment defaults.
func mergeConfigs(base, override *Config) *Config {
	defaults := defaultConfig()
	result := *base

	// Ops
	if override.Ops.Addr != defaults.Ops.Addr {
		result.Ops.Addr = override.Ops.Addr
	}
	if result.Ops.Addr == "" {
		result.Ops.Addr = defaults.Ops.Addr
	}
	if override.Ops.ReadTimeout != defaults.Ops.ReadTimeout {
		result.Ops.ReadTimeout = override.Ops.ReadTimeout
	}
	if override.Ops.WriteTimeout != defaults.Ops.WriteTimeout {
		result.Ops.WriteTimeout = override.Ops.WriteTimeout
	}

	// Stores: the file list stands; an env-configured store is appended when
	// its name is new and replaces the file entry when it is not.
	for _, envStore := range override.Stores {
		replaced := false
		for i, s := range result.Stores {
			if s.Name == envStore.Name {
				result.Stores[i] = envStore
				replaced = true
				break
			}
		}
		if !replaced {
			result.Stores = append(result.Stores, envStore)
		}
	}

	// Dispatch
	if override.Dispatch.Workers != defaults.Dispatch.Workers {
		result.Dispatch.Workers = override.Dispatch.Workers
	}
	if override.Dispatch.PollInterval != defaults.Dispatch.PollInterval {
		result.Dispatch.PollInterval = override.Dispatch.PollInterval
	}
	if override.Dispatch.BatchSize != defaults.Dispatch.BatchSize {
		result.Dispatch.BatchSize = override.Dispatch.BatchSize
	}
	if override.Dispatch.LeaseSeconds != defaults.Dispatch.LeaseSeconds {
		result.Dispatch.LeaseSeconds = override.Dispatch.LeaseSeconds
	}
	if override.Dispatch.MaxAttempts != defaults.Dispatch.MaxAttempts {
		result.Dispatch.MaxAttempts = override.Dispatch.MaxAttempts
	}
	if override.Dispatch.RatePerSecond != defaults.Dispatch.RatePerSecond {
		result.Dispatch.RatePerSecond = override.Dispatch.RatePerSecond
	}
	if override.Dispatch.Strategy != defaults.Dispatch.Strategy {
		result.Dispatch.Strategy = override.Dispatch.Strategy
	}

	// Cleanup
	if override.Cleanup.Enabled != defaults.Cleanup.Enabled {
		result.Cleanup.Enabled = override.Cleanup.Enabled
	}
	if override.Cleanup.Interval != defaults.Cleanup.Interval {
		result.Cleanup.Interval = override.Cleanup.Interval
	}
	if override.Cleanup.Retention != defaults.Cleanup.Retention {
		result.Cleanup.Retention = override.Cleanup.Retention
	}

	// Lease
	if override.Lease.Backend != defaults.Lease.Backend {
		result.Lease.Backend = override.Lease.Backend
	}
	if override.Lease.RedisAddr != defaults.Lease.RedisAddr {
		result.Lease.RedisAddr = override.Lease.RedisAddr
	}
	if override.Lease.Ttl != defaults.Lease.Ttl {
		result.Lease.Ttl = override.Lease.Ttl
	}

	// Secrets
	if override.Secrets.Provider != defaults.Secrets.Provider {
		result.Secrets.Provider = override.Secrets.Provider
	}
	if override.Secrets.EncryptionKey != "" {
		result.Secrets.EncryptionKey = override.Secrets.EncryptionKey
	}
	if override.Secrets.VaultAddr != "" {
		result.Secrets.VaultAddr = override.Secrets.VaultAddr
	}
	if override.Secrets.AWSRegion != "" {
		result.Secrets.AWSRegion = override.Secrets.AWSRegion
	}
	if override.Secrets.GCPProject != "" {
		result.Secrets.GCPProject = override.Secrets.GCPProject
	}

	// General
	if override.Instance != "" {
		result.Instance = override.Instance
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// defaultConfig is the baseline mergeConfigs compares against: the values
// Load falls back to when no environment variable is set.
func defaultConfig() *Config {
	return &Config{
		Ops: OpsConfig{
			Addr:         ":9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			Workers:       4,
			PollInterval:  1 * time.Second,
			BatchSize:     50,
			LeaseSeconds:  60,
			MaxAttempts:   10,
			RatePerSecond: 50,
			RateBurst:     10,
			Strategy:      "round-robin",
		},
		Cleanup: CleanupConfig{
			Enabled:        true,
			Interval:       1 * time.Minute,
			Retention:      7 * 24 * time.Hour,
			MaxRowsPerStep: 1000,
			LockTtl:        5 * time.Minute,
			StepsPerSecond: 10,
		},
		Lease: LeaseConfig{
			Backend:       "postgres",
			RedisAddr:     "localhost:6379",
			Ttl:           30 * time.Second,
			RenewFraction: 0.5,
		},
		Secrets: SecretsConfig{
			Provider: "env",
		},
	}
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# Gantry Configuration
# Environment variables override these settings

[ops]
addr = ":9090"
read_timeout = "10s"
write_timeout = "30s"

# One [[stores]] block per message database. Omit dsn to resolve it from the
# secrets provider under database/<name>/dsn.
[[stores]]
name = "default"
schema = "gantry"
dsn = ""
max_conns = 10

[dispatch]
workers = 4
poll_interval = "1s"
batch_size = 50
lease_seconds = 60
max_attempts = 10
rate_per_second = 50.0
rate_burst = 10
strategy = "round-robin"  # round-robin or drain-first

[cleanup]
enabled = true
interval = "1m"
retention = "168h"
max_rows_per_step = 1000
lock_ttl = "5m"
steps_per_second = 10.0

[lease]
backend = "postgres"  # postgres or redis
redis_addr = "localhost:6379"
ttl = "30s"
renew_fraction = 0.5

[secrets]
provider = "env"  # env, encrypted, aws-sm, vault, gcp-sm

# Encrypted provider
encryption_key = ""
data_dir = "./data/secrets"

# AWS Secrets Manager
aws_region = ""
aws_prefix = "/gantry/"
aws_endpoint = ""

# HashiCorp Vault
vault_addr = ""
vault_path = "secret/data/gantry"
vault_namespace = ""

# GCP Secret Manager
gcp_project = ""
gcp_prefix = "gantry-"

instance = ""
dev_mode = false
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
