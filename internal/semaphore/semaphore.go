// Package semaphore implements a named bounded counting semaphore over
// Postgres, with unforgeable lease tokens and strictly increasing fencing
// counters.
//
// Every successful acquire stamps the lease with the next value of a
// per-name fencing counter held in the semaphore row. The counter is
// advanced under the same row lock that linearises acquires, so fencing
// values are totally ordered for the lifetime of the name and are never
// recycled, even across crashes. Downstream writers use them to reject
// operations from stale lease holders.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.gantry.dev/internal/common/fault"
	"go.gantry.dev/internal/common/metrics"
)

// Bounds on semaphore parameters.
const (
	// MaxNameBytes is the longest accepted semaphore name.
	MaxNameBytes = 200

	// MaxLimit is the largest concurrent-holder limit a semaphore may carry.
	MaxLimit = 10_000

	// MinTtlSeconds and MaxTtlSeconds bound the lease duration.
	MinTtlSeconds = 1
	MaxTtlSeconds = 3600

	// acquireReapLimit bounds the expired leases an acquire reaps in passing.
	acquireReapLimit = 10
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._:/\-]+$`)

// ValidateName checks a semaphore name against the accepted character set.
func ValidateName(name string) error {
	if name == "" {
		return fault.Invalidf("semaphore name must not be empty")
	}
	if len(name) > MaxNameBytes {
		return fault.Invalidf("semaphore name exceeds %d bytes", MaxNameBytes)
	}
	if !nameRe.MatchString(name) {
		return fault.Invalidf("semaphore name %q contains disallowed characters", name)
	}
	return nil
}

// AcquireResult is the outcome of TryAcquire. When Acquired is false the
// other fields are zero.
type AcquireResult struct {
	Acquired     bool
	Token        uuid.UUID
	Fencing      int64
	ExpiresAtUtc time.Time
}

// RenewResult is the outcome of Renew. Renewed false means the lease expired
// or was released; the holder must stop relying on it.
type RenewResult struct {
	Renewed      bool
	ExpiresAtUtc time.Time
}

// Store is the semaphore surface over one Postgres database.
type Store struct {
	db         *pgxpool.Pool
	schema     string
	semaphores string
	leases     string
}

// NewStore creates a semaphore store over the given pool and schema.
func NewStore(db *pgxpool.Pool, schema string) *Store {
	if schema == "" {
		schema = "gantry"
	}
	return &Store{
		db:         db,
		schema:     schema,
		semaphores: pgx.Identifier{schema, "semaphores"}.Sanitize(),
		leases:     pgx.Identifier{schema, "semaphore_leases"}.Sanitize(),
	}
}

// EnsureExists upserts the semaphore row with the given limit.
func (s *Store) EnsureExists(ctx context.Context, name string, limit int) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if limit < 1 || limit > MaxLimit {
		return fault.Invalidf("semaphore limit %d outside [1, %d]", limit, MaxLimit)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (name, max_limit, fencing_next)
		VALUES ($1, $2, 0)
		ON CONFLICT (name) DO UPDATE SET max_limit = excluded.max_limit
	`, s.semaphores)

	if _, err := s.db.Exec(ctx, query, name, limit); err != nil {
		return fmt.Errorf("semaphore: ensure exists: %w", err)
	}
	return nil
}

// UpdateLimit changes the limit. Existing leases stay in force until their
// natural expiry, so acquires above a lowered limit are rejected until the
// active count falls below it. With ensureIfMissing the semaphore is created
// when absent; otherwise a missing semaphore is an error.
func (s *Store) UpdateLimit(ctx context.Context, name string, newLimit int, ensureIfMissing bool) error {
	if ensureIfMissing {
		return s.EnsureExists(ctx, name, newLimit)
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	if newLimit < 1 || newLimit > MaxLimit {
		return fault.Invalidf("semaphore limit %d outside [1, %d]", newLimit, MaxLimit)
	}

	query := fmt.Sprintf(`UPDATE %s SET max_limit = $2 WHERE name = $1`, s.semaphores)
	tag, err := s.db.Exec(ctx, query, name, newLimit)
	if err != nil {
		return fmt.Errorf("semaphore: update limit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("semaphore: %q does not exist", name)
	}
	return nil
}

// TryAcquire attempts to take one slot of the named semaphore for ttlSeconds.
// Saturated semaphores reject rather than queue. A repeated call with the
// same clientRequestID while the original lease is active returns the
// existing lease instead of consuming another slot.
func (s *Store) TryAcquire(ctx context.Context, name string, ttlSeconds int, ownerID, clientRequestID string) (AcquireResult, error) {
	if err := ValidateName(name); err != nil {
		return AcquireResult{}, err
	}
	if ttlSeconds < MinTtlSeconds || ttlSeconds > MaxTtlSeconds {
		return AcquireResult{}, fault.Invalidf("ttl seconds %d outside [%d, %d]", ttlSeconds, MinTtlSeconds, MaxTtlSeconds)
	}
	if ownerID == "" {
		return AcquireResult{}, fault.Invalidf("owner id must not be empty")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("semaphore: begin acquire: %w", err)
	}
	defer tx.Rollback(ctx)

	// The row lock linearises every acquire for this name; fencing order and
	// the at-most-limit bound both follow from it.
	var limit int
	lockQuery := fmt.Sprintf(`SELECT max_limit FROM %s WHERE name = $1 FOR UPDATE`, s.semaphores)
	if err := tx.QueryRow(ctx, lockQuery, name).Scan(&limit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.SemaphoreAcquires.WithLabelValues("rejected").Inc()
			return AcquireResult{}, nil
		}
		return AcquireResult{}, fmt.Errorf("semaphore: lock: %w", err)
	}

	reapQuery := fmt.Sprintf(`
		WITH expired AS (
			SELECT token FROM %[1]s
			WHERE name = $1 AND expires_at_utc <= now()
			LIMIT $2
		)
		DELETE FROM %[1]s l USING expired WHERE l.name = $1 AND l.token = expired.token
	`, s.leases)
	if _, err := tx.Exec(ctx, reapQuery, name, acquireReapLimit); err != nil {
		return AcquireResult{}, fmt.Errorf("semaphore: reap on acquire: %w", err)
	}

	if clientRequestID != "" {
		existingQuery := fmt.Sprintf(`
			SELECT token, fencing, expires_at_utc FROM %s
			WHERE name = $1 AND client_request_id = $2 AND expires_at_utc > now()
		`, s.leases)
		var r AcquireResult
		err := tx.QueryRow(ctx, existingQuery, name, clientRequestID).Scan(&r.Token, &r.Fencing, &r.ExpiresAtUtc)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AcquireResult{}, fmt.Errorf("semaphore: commit acquire: %w", err)
			}
			r.Acquired = true
			metrics.SemaphoreAcquires.WithLabelValues("idempotent").Inc()
			return r, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AcquireResult{}, fmt.Errorf("semaphore: idempotency lookup: %w", err)
		}
	}

	var active int
	countQuery := fmt.Sprintf(`SELECT count(*) FROM %s WHERE name = $1 AND expires_at_utc > now()`, s.leases)
	if err := tx.QueryRow(ctx, countQuery, name).Scan(&active); err != nil {
		return AcquireResult{}, fmt.Errorf("semaphore: count active: %w", err)
	}
	if active >= limit {
		if err := tx.Commit(ctx); err != nil {
			return AcquireResult{}, fmt.Errorf("semaphore: commit acquire: %w", err)
		}
		metrics.SemaphoreAcquires.WithLabelValues("rejected").Inc()
		return AcquireResult{}, nil
	}

	var fencing int64
	fencingQuery := fmt.Sprintf(`
		UPDATE %s SET fencing_next = fencing_next + 1 WHERE name = $1 RETURNING fencing_next
	`, s.semaphores)
	if err := tx.QueryRow(ctx, fencingQuery, name).Scan(&fencing); err != nil {
		return AcquireResult{}, fmt.Errorf("semaphore: advance fencing: %w", err)
	}

	r := AcquireResult{Acquired: true, Token: uuid.New(), Fencing: fencing}
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (name, token, owner_id, client_request_id, acquired_at_utc, expires_at_utc, fencing)
		VALUES ($1, $2, $3, $4, now(), now() + make_interval(secs => $5), $6)
		RETURNING expires_at_utc
	`, s.leases)
	err = tx.QueryRow(ctx, insertQuery, name, r.Token, ownerID, nullable(clientRequestID), ttlSeconds, fencing).
		Scan(&r.ExpiresAtUtc)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("semaphore: insert lease: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AcquireResult{}, fmt.Errorf("semaphore: commit acquire: %w", err)
	}
	metrics.SemaphoreAcquires.WithLabelValues("acquired").Inc()
	return r, nil
}

// Renew extends an active lease. The expiry only ever moves forward: a renew
// with a shorter ttl than the remaining time leaves it unchanged. An expired
// or released lease reports lost.
func (s *Store) Renew(ctx context.Context, name string, token uuid.UUID, ttlSeconds int) (RenewResult, error) {
	if err := ValidateName(name); err != nil {
		return RenewResult{}, err
	}
	if ttlSeconds < MinTtlSeconds || ttlSeconds > MaxTtlSeconds {
		return RenewResult{}, fault.Invalidf("ttl seconds %d outside [%d, %d]", ttlSeconds, MinTtlSeconds, MaxTtlSeconds)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET expires_at_utc = GREATEST(expires_at_utc, now() + make_interval(secs => $3))
		WHERE name = $1 AND token = $2 AND expires_at_utc > now()
		RETURNING expires_at_utc
	`, s.leases)

	var r RenewResult
	err := s.db.QueryRow(ctx, query, name, token, ttlSeconds).Scan(&r.ExpiresAtUtc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.SemaphoreRenews.WithLabelValues("lost").Inc()
			return RenewResult{}, nil
		}
		return RenewResult{}, fmt.Errorf("semaphore: renew: %w", err)
	}
	r.Renewed = true
	metrics.SemaphoreRenews.WithLabelValues("renewed").Inc()
	return r, nil
}

// Release deletes a lease. It reports false when the lease does not exist,
// which a second release will observe.
func (s *Store) Release(ctx context.Context, name string, token uuid.UUID) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1 AND token = $2`, s.leases)
	tag, err := s.db.Exec(ctx, query, name, token)
	if err != nil {
		return false, fmt.Errorf("semaphore: release: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReapExpired deletes expired leases for the name, up to maxRows.
func (s *Store) ReapExpired(ctx context.Context, name string, maxRows int) (int64, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	if maxRows < 1 {
		return 0, fault.Invalidf("reap max rows %d must be positive", maxRows)
	}

	query := fmt.Sprintf(`
		WITH expired AS (
			SELECT token FROM %[1]s
			WHERE name = $1 AND expires_at_utc <= now()
			LIMIT $2
		)
		DELETE FROM %[1]s l USING expired WHERE l.name = $1 AND l.token = expired.token
	`, s.leases)

	tag, err := s.db.Exec(ctx, query, name, maxRows)
	if err != nil {
		return 0, fmt.Errorf("semaphore: reap expired: %w", err)
	}

	metrics.SemaphoreReapedLeases.Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// ReapAllExpired deletes expired leases across every name, up to maxRows.
// The cleanup service uses it so idle semaphores do not accumulate rows.
func (s *Store) ReapAllExpired(ctx context.Context, maxRows int) (int64, error) {
	if maxRows < 1 {
		return 0, fault.Invalidf("reap max rows %d must be positive", maxRows)
	}

	query := fmt.Sprintf(`
		WITH expired AS (
			SELECT name, token FROM %[1]s
			WHERE expires_at_utc <= now()
			LIMIT $1
		)
		DELETE FROM %[1]s l USING expired
		WHERE l.name = expired.name AND l.token = expired.token
	`, s.leases)

	tag, err := s.db.Exec(ctx, query, maxRows)
	if err != nil {
		return 0, fmt.Errorf("semaphore: reap all expired: %w", err)
	}

	metrics.SemaphoreReapedLeases.Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// ActiveCount returns the number of unexpired leases for the name.
func (s *Store) ActiveCount(ctx context.Context, name string) (int, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE name = $1 AND expires_at_utc > now()`, s.leases)
	var n int
	if err := s.db.QueryRow(ctx, query, name).Scan(&n); err != nil {
		return 0, fmt.Errorf("semaphore: active count: %w", err)
	}
	return n, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
