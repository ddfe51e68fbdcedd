package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// === Environment Load Tests ===

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Ops.Addr != ":9090" {
		t.Errorf("Expected ops addr :9090, got %s", cfg.Ops.Addr)
	}
	if cfg.Dispatch.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.Strategy != "round-robin" {
		t.Errorf("Expected round-robin strategy, got %s", cfg.Dispatch.Strategy)
	}
	if !cfg.Cleanup.Enabled {
		t.Error("Expected cleanup enabled by default")
	}
	if cfg.Cleanup.Retention != 7*24*time.Hour {
		t.Errorf("Expected 168h retention, got %v", cfg.Cleanup.Retention)
	}
	if cfg.Lease.Backend != "postgres" {
		t.Errorf("Expected postgres lease backend, got %s", cfg.Lease.Backend)
	}
	if cfg.Secrets.Provider != "env" {
		t.Errorf("Expected env secrets provider, got %s", cfg.Secrets.Provider)
	}
	if len(cfg.Stores) != 0 {
		t.Errorf("Expected no stores without GANTRY_DB_DSN, got %d", len(cfg.Stores))
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GANTRY_OPS_ADDR", ":8088")
	t.Setenv("GANTRY_DISPATCH_WORKERS", "12")
	t.Setenv("GANTRY_DISPATCH_STRATEGY", "drain-first")
	t.Setenv("GANTRY_CLEANUP_ENABLED", "false")
	t.Setenv("GANTRY_LEASE_TTL", "45s")
	t.Setenv("GANTRY_DB_DSN", "postgres://localhost/orders")
	t.Setenv("GANTRY_DB_NAME", "orders")
	t.Setenv("GANTRY_DB_SCHEMA", "messaging")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Ops.Addr != ":8088" {
		t.Errorf("Expected ops addr :8088, got %s", cfg.Ops.Addr)
	}
	if cfg.Dispatch.Workers != 12 {
		t.Errorf("Expected 12 workers, got %d", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.Strategy != "drain-first" {
		t.Errorf("Expected drain-first strategy, got %s", cfg.Dispatch.Strategy)
	}
	if cfg.Cleanup.Enabled {
		t.Error("Expected cleanup disabled")
	}
	if cfg.Lease.Ttl != 45*time.Second {
		t.Errorf("Expected 45s lease ttl, got %v", cfg.Lease.Ttl)
	}
	if len(cfg.Stores) != 1 {
		t.Fatalf("Expected 1 store, got %d", len(cfg.Stores))
	}
	if cfg.Stores[0].Name != "orders" || cfg.Stores[0].Schema != "messaging" {
		t.Errorf("Expected orders/messaging store, got %s/%s",
			cfg.Stores[0].Name, cfg.Stores[0].Schema)
	}
}

func TestLoadUnparsableEnvValueKeepsDefault(t *testing.T) {
	t.Setenv("GANTRY_DISPATCH_WORKERS", "many")
	t.Setenv("GANTRY_CLEANUP_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Dispatch.Workers != 4 {
		t.Errorf("Expected default 4 workers on bad value, got %d", cfg.Dispatch.Workers)
	}
	if cfg.Cleanup.Interval != 1*time.Minute {
		t.Errorf("Expected default 1m interval on bad value, got %v", cfg.Cleanup.Interval)
	}
}

// === File Load Tests ===

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gantry.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
[ops]
addr = ":7070"
read_timeout = "5s"

[[stores]]
name = "orders"
schema = "messaging"
dsn = "postgres://localhost/orders"
max_conns = 8

[[stores]]
name = "billing"

[dispatch]
workers = 2
poll_interval = "250ms"
strategy = "drain-first"

[cleanup]
enabled = false
retention = "24h"

[lease]
backend = "redis"
redis_addr = "redis:6379"
ttl = "10s"
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Ops.Addr != ":7070" {
		t.Errorf("Expected ops addr :7070, got %s", cfg.Ops.Addr)
	}
	if cfg.Ops.ReadTimeout != 5*time.Second {
		t.Errorf("Expected 5s read timeout, got %v", cfg.Ops.ReadTimeout)
	}
	if len(cfg.Stores) != 2 {
		t.Fatalf("Expected 2 stores, got %d", len(cfg.Stores))
	}
	if cfg.Stores[0].Name != "orders" || cfg.Stores[0].MaxConns != 8 {
		t.Errorf("Expected orders store with 8 conns, got %s/%d",
			cfg.Stores[0].Name, cfg.Stores[0].MaxConns)
	}
	if cfg.Dispatch.Workers != 2 {
		t.Errorf("Expected 2 workers, got %d", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.PollInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms poll interval, got %v", cfg.Dispatch.PollInterval)
	}
	if cfg.Cleanup.Enabled {
		t.Error("Expected cleanup disabled from file")
	}
	if cfg.Cleanup.Retention != 24*time.Hour {
		t.Errorf("Expected 24h retention, got %v", cfg.Cleanup.Retention)
	}
	if cfg.Lease.Backend != "redis" {
		t.Errorf("Expected redis backend, got %s", cfg.Lease.Backend)
	}
}

func TestLoadFromFileOmittedCleanupEnabledDefaultsTrue(t *testing.T) {
	path := writeConfigFile(t, `
[cleanup]
retention = "48h"
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if !cfg.Cleanup.Enabled {
		t.Error("Expected cleanup enabled when the file does not set it")
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

// === Merge Tests ===

func TestLoadWithFileEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
[ops]
addr = ":7070"

[[stores]]
name = "filedb"
dsn = "postgres://localhost/filedb"

[dispatch]
workers = 2
`)
	t.Setenv("GANTRY_CONFIG_FILE", path)
	t.Setenv("GANTRY_DISPATCH_WORKERS", "8")
	t.Setenv("GANTRY_DB_DSN", "postgres://localhost/envdb")
	t.Setenv("GANTRY_DB_NAME", "envdb")

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("LoadWithFile failed: %v", err)
	}

	// Env wins where it was set, the file stands where it was not.
	if cfg.Dispatch.Workers != 8 {
		t.Errorf("Expected env workers 8 to win, got %d", cfg.Dispatch.Workers)
	}
	if cfg.Ops.Addr != ":7070" {
		t.Errorf("Expected file ops addr :7070 to stand, got %s", cfg.Ops.Addr)
	}

	if len(cfg.Stores) != 2 {
		t.Fatalf("Expected file store plus env store, got %d", len(cfg.Stores))
	}
	names := map[string]bool{}
	for _, s := range cfg.Stores {
		names[s.Name] = true
	}
	if !names["filedb"] || !names["envdb"] {
		t.Errorf("Expected filedb and envdb stores, got %v", names)
	}
}

func TestLoadWithFileEnvStoreReplacesSameName(t *testing.T) {
	path := writeConfigFile(t, `
[[stores]]
name = "orders"
dsn = "postgres://localhost/stale"
`)
	t.Setenv("GANTRY_CONFIG_FILE", path)
	t.Setenv("GANTRY_DB_DSN", "postgres://localhost/fresh")
	t.Setenv("GANTRY_DB_NAME", "orders")

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("LoadWithFile failed: %v", err)
	}
	if len(cfg.Stores) != 1 {
		t.Fatalf("Expected 1 store after replacement, got %d", len(cfg.Stores))
	}
	if cfg.Stores[0].DSN != "postgres://localhost/fresh" {
		t.Errorf("Expected env DSN to replace the file entry, got %s", cfg.Stores[0].DSN)
	}
}

// === Validate Tests ===

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default config to validate, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty store name", func(c *Config) {
			c.Stores = []StoreConfig{{Name: ""}}
		}},
		{"duplicate store name", func(c *Config) {
			c.Stores = []StoreConfig{{Name: "a"}, {Name: "a"}}
		}},
		{"unknown strategy", func(c *Config) {
			c.Dispatch.Strategy = "random"
		}},
		{"unknown lease backend", func(c *Config) {
			c.Lease.Backend = "etcd"
		}},
		{"renew fraction too high", func(c *Config) {
			c.Lease.RenewFraction = 1.0
		}},
		{"negative workers", func(c *Config) {
			c.Dispatch.Workers = -1
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error for %s", tt.name)
			}
		})
	}
}
