// Package lock implements a named, owner-bound distributed lock.
//
// Unlike the lease package there is no epoch and no runner: a lock is a plain
// mutual-exclusion row, re-entrant for its owner, that services take around
// singleton work such as cleanup passes. Holders that die simply let the row
// expire.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.gantry.dev/internal/common/fault"
)

// Lock acquires and releases named locks in one schema.
type Lock struct {
	db     *pgxpool.Pool
	schema string
	table  string
}

// New creates a lock manager over the given pool and schema.
func New(db *pgxpool.Pool, schema string) *Lock {
	if schema == "" {
		schema = "gantry"
	}
	return &Lock{
		db:     db,
		schema: schema,
		table:  pgx.Identifier{schema, "locks"}.Sanitize(),
	}
}

// Acquire takes the named lock for the owner. Re-acquiring a lock already
// held by the same owner refreshes its expiry. acquired is false when another
// owner holds an unexpired lock.
func (l *Lock) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s AS k (name, owner, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3::float8))
		ON CONFLICT (name) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE k.expires_at <= now() OR k.owner = excluded.owner
	`, l.table)

	tag, err := l.db.Exec(ctx, query, name, owner, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("lock: acquire %q: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Renew extends the lock's expiry while the owner still holds it. The expiry
// never moves backwards. renewed is false once the lock expired or changed
// hands.
func (l *Lock) Renew(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET expires_at = GREATEST(expires_at, now() + make_interval(secs => $3::float8))
		WHERE name = $1 AND owner = $2 AND expires_at > now()
	`, l.table)

	tag, err := l.db.Exec(ctx, query, name, owner, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("lock: renew %q: %w", name, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release drops the lock if the owner still holds it. Releasing a lock held
// by someone else, or no longer held at all, is a no-op.
func (l *Lock) Release(ctx context.Context, name, owner string) error {
	if name == "" {
		return fault.Invalidf("lock name must not be empty")
	}
	if owner == "" {
		return fault.Invalidf("lock owner must not be empty")
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1 AND owner = $2`, l.table)
	if _, err := l.db.Exec(ctx, query, name, owner); err != nil {
		return fmt.Errorf("lock: release %q: %w", name, err)
	}
	return nil
}

// IsHeld reports whether an unexpired lock exists for the name, and by whom.
func (l *Lock) IsHeld(ctx context.Context, name string) (bool, string, error) {
	if name == "" {
		return false, "", fault.Invalidf("lock name must not be empty")
	}

	query := fmt.Sprintf(`SELECT owner FROM %s WHERE name = $1 AND expires_at > now()`, l.table)

	var owner string
	err := l.db.QueryRow(ctx, query, name).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("lock: is held %q: %w", name, err)
	}
	return true, owner, nil
}

// CleanupExpired deletes up to maxRows expired lock rows.
func (l *Lock) CleanupExpired(ctx context.Context, maxRows int) (int64, error) {
	if maxRows <= 0 {
		return 0, fault.Invalidf("maxRows must be positive, got %d", maxRows)
	}

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE name IN (
			SELECT name FROM %s
			WHERE expires_at <= now()
			LIMIT $1
		)
	`, l.table, l.table)

	tag, err := l.db.Exec(ctx, query, maxRows)
	if err != nil {
		return 0, fmt.Errorf("lock: cleanup expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func validate(name, owner string, ttl time.Duration) error {
	if name == "" {
		return fault.Invalidf("lock name must not be empty")
	}
	if owner == "" {
		return fault.Invalidf("lock owner must not be empty")
	}
	if ttl <= 0 {
		return fault.Invalidf("lock ttl must be positive")
	}
	return nil
}
