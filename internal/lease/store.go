// Package lease implements a named exclusive lease with a self-renewing
// runner.
//
// A lease is a time-bounded exclusive hold on a name. Each successful
// acquisition bumps an epoch; renew and release are bound to that epoch so a
// holder that lost and re-lost the name cannot touch a successor's lease.
// The Runner wraps a store with automatic renewal scheduled on the monotonic
// clock, so wall-clock jumps and process pauses never fire renewals early.
//
// This is a different primitive from the semaphore's leases and from the
// distributed lock: no rows, tokens or fencing values are shared between
// them.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.gantry.dev/internal/common/fault"
)

// Store is the persistence surface a Runner renews against. Postgres and
// Redis implementations ship with the package.
type Store interface {
	// Acquire takes the lease when it is free or already held by this owner,
	// bumping and returning the epoch. acquired is false when another owner
	// holds an unexpired lease.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (epoch int64, acquired bool, err error)

	// Renew extends the lease bound to the epoch. The expiry never moves
	// backwards. renewed is false once the lease expired or was released.
	Renew(ctx context.Context, name string, epoch int64, ttl time.Duration) (renewed bool, err error)

	// Release drops the lease if the epoch still holds it.
	Release(ctx context.Context, name string, epoch int64) error
}

// PostgresStore implements Store over one row per name.
type PostgresStore struct {
	db     *pgxpool.Pool
	schema string
	table  string
}

// NewPostgresStore creates a lease store over the given pool and schema.
func NewPostgresStore(db *pgxpool.Pool, schema string) *PostgresStore {
	if schema == "" {
		schema = "gantry"
	}
	return &PostgresStore{
		db:     db,
		schema: schema,
		table:  pgx.Identifier{schema, "leases"}.Sanitize(),
	}
}

// Acquire implements Store. A free or expired row is taken over; a row held
// by this owner is re-acquired with a fresh epoch.
func (s *PostgresStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (int64, bool, error) {
	if err := validate(name, ttl); err != nil {
		return 0, false, err
	}
	if owner == "" {
		return 0, false, fault.Invalidf("lease owner must not be empty")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s AS l (name, owner, expires_at, epoch)
		VALUES ($1, $2, now() + make_interval(secs => $3::float8), 1)
		ON CONFLICT (name) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at, epoch = l.epoch + 1
		WHERE l.expires_at <= now() OR l.owner = excluded.owner
		RETURNING epoch
	`, s.table)

	var epoch int64
	err := s.db.QueryRow(ctx, query, name, owner, ttl.Seconds()).Scan(&epoch)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("lease: acquire: %w", err)
	}
	return epoch, true, nil
}

// Renew implements Store.
func (s *PostgresStore) Renew(ctx context.Context, name string, epoch int64, ttl time.Duration) (bool, error) {
	if err := validate(name, ttl); err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET expires_at = GREATEST(expires_at, now() + make_interval(secs => $3::float8))
		WHERE name = $1 AND epoch = $2 AND expires_at > now()
	`, s.table)

	tag, err := s.db.Exec(ctx, query, name, epoch, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("lease: renew: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release implements Store.
func (s *PostgresStore) Release(ctx context.Context, name string, epoch int64) error {
	if name == "" {
		return fault.Invalidf("lease name must not be empty")
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1 AND epoch = $2`, s.table)
	if _, err := s.db.Exec(ctx, query, name, epoch); err != nil {
		return fmt.Errorf("lease: release: %w", err)
	}
	return nil
}

func validate(name string, ttl time.Duration) error {
	if name == "" {
		return fault.Invalidf("lease name must not be empty")
	}
	if ttl <= 0 {
		return fault.Invalidf("lease ttl must be positive")
	}
	return nil
}
