package store

import (
	"context"
	"fmt"
	"strings"

	"go.gantry.dev/internal/common/secrets"
)

// dsnKey is the secrets key pattern for a store's connection string.
const dsnKey = "database/%s/dsn"

// ResolveDSN fills in the connection string for a store config. A DSN set
// directly in the config wins; otherwise the secrets provider is asked for
// database/<name>/dsn.
func ResolveDSN(ctx context.Context, provider secrets.Provider, config *Config) error {
	if config.DSN != "" {
		return nil
	}
	if provider == nil {
		return fmt.Errorf("store %q: no dsn configured and no secrets provider available", config.Name)
	}

	key := fmt.Sprintf(dsnKey, config.Name)
	dsn, err := provider.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("store %q: resolve dsn from secret %q: %w", config.Name, key, err)
	}
	config.DSN = strings.TrimSpace(dsn)
	if config.DSN == "" {
		return fmt.Errorf("store %q: secret %q is empty", config.Name, key)
	}
	return nil
}
