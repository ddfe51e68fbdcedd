package lease_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.gantry.dev/internal/lease"
	"go.gantry.dev/internal/pgtest"
)

func newPostgresStore(t *testing.T) (*lease.PostgresStore, *pgxpool.Pool, string) {
	t.Helper()
	pool, schema := pgtest.Pool(t)
	return lease.NewPostgresStore(pool, schema), pool, schema
}

func expireLeases(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()
	table := pgx.Identifier{schema, "leases"}.Sanitize()
	query := fmt.Sprintf("UPDATE %s SET expires_at = now() - interval '1 second'", table)
	if _, err := pool.Exec(context.Background(), query); err != nil {
		t.Fatalf("Failed to expire leases: %v", err)
	}
}

// === Acquire Tests ===

func TestAcquireBumpsEpoch(t *testing.T) {
	s, _, _ := newPostgresStore(t)
	ctx := context.Background()

	epoch, acquired, err := s.Acquire(ctx, "scheduler", "node-a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !acquired || epoch != 1 {
		t.Fatalf("Expected first acquire at epoch 1, got acquired=%v epoch=%d", acquired, epoch)
	}

	if err := s.Release(ctx, "scheduler", epoch); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	epoch, acquired, err = s.Acquire(ctx, "scheduler", "node-a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !acquired || epoch != 1 {
		t.Fatalf("Expected a released name to start a fresh row, got acquired=%v epoch=%d", acquired, epoch)
	}
}

func TestSameOwnerReacquireBumpsEpoch(t *testing.T) {
	s, _, _ := newPostgresStore(t)
	ctx := context.Background()

	first, acquired, err := s.Acquire(ctx, "scheduler", "node-a", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("Acquire failed: %v (acquired %v)", err, acquired)
	}
	second, acquired, err := s.Acquire(ctx, "scheduler", "node-a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !acquired {
		t.Fatal("Expected the holder to re-acquire its own lease")
	}
	if second <= first {
		t.Errorf("Expected re-acquire to bump the epoch, got %d after %d", second, first)
	}

	// The earlier epoch is fenced out.
	renewed, err := s.Renew(ctx, "scheduler", first, time.Minute)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if renewed {
		t.Error("Expected renew with a superseded epoch to fail")
	}
}

func TestAcquireHeldByOtherFails(t *testing.T) {
	s, _, _ := newPostgresStore(t)
	ctx := context.Background()

	if _, acquired, err := s.Acquire(ctx, "scheduler", "node-a", time.Minute); err != nil || !acquired {
		t.Fatalf("Acquire failed: %v (acquired %v)", err, acquired)
	}

	_, acquired, err := s.Acquire(ctx, "scheduler", "node-b", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if acquired {
		t.Error("Expected acquire of a held name to fail")
	}
}

func TestExpiredLeaseChangesHandsWithFencing(t *testing.T) {
	s, pool, schema := newPostgresStore(t)
	ctx := context.Background()

	old, acquired, err := s.Acquire(ctx, "scheduler", "node-a", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("Acquire failed: %v (acquired %v)", err, acquired)
	}
	expireLeases(t, pool, schema)

	fresh, acquired, err := s.Acquire(ctx, "scheduler", "node-b", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !acquired {
		t.Fatal("Expected expired lease to change hands")
	}
	if fresh <= old {
		t.Errorf("Expected takeover to bump the epoch, got %d after %d", fresh, old)
	}

	// The dead holder's epoch authorises nothing anymore.
	renewed, err := s.Renew(ctx, "scheduler", old, time.Minute)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if renewed {
		t.Error("Expected renew with the stale epoch to fail")
	}
	if err := s.Release(ctx, "scheduler", old); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	renewed, err = s.Renew(ctx, "scheduler", fresh, time.Minute)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if !renewed {
		t.Error("Expected the stale release to leave the successor's lease intact")
	}
}

// === Renew Tests ===

func TestRenewHeldLease(t *testing.T) {
	s, _, _ := newPostgresStore(t)
	ctx := context.Background()

	epoch, acquired, err := s.Acquire(ctx, "scheduler", "node-a", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("Acquire failed: %v (acquired %v)", err, acquired)
	}

	renewed, err := s.Renew(ctx, "scheduler", epoch, time.Minute)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if !renewed {
		t.Error("Expected renew with the current epoch to succeed")
	}

	renewed, err = s.Renew(ctx, "scheduler", epoch+1, time.Minute)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if renewed {
		t.Error("Expected renew with a wrong epoch to fail")
	}
}

func TestRenewExpiredLeaseFails(t *testing.T) {
	s, pool, schema := newPostgresStore(t)
	ctx := context.Background()

	epoch, acquired, err := s.Acquire(ctx, "scheduler", "node-a", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("Acquire failed: %v (acquired %v)", err, acquired)
	}
	expireLeases(t, pool, schema)

	renewed, err := s.Renew(ctx, "scheduler", epoch, time.Minute)
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if renewed {
		t.Error("Expected renew of an expired lease to fail")
	}
}

// === Validation Tests ===

func TestParameterValidation(t *testing.T) {
	s, _, _ := newPostgresStore(t)
	ctx := context.Background()

	if _, _, err := s.Acquire(ctx, "", "node-a", time.Minute); err == nil {
		t.Error("Expected empty name to be rejected")
	}
	if _, _, err := s.Acquire(ctx, "scheduler", "", time.Minute); err == nil {
		t.Error("Expected empty owner to be rejected")
	}
	if _, _, err := s.Acquire(ctx, "scheduler", "node-a", 0); err == nil {
		t.Error("Expected zero ttl to be rejected")
	}
	if _, err := s.Renew(ctx, "", 1, time.Minute); err == nil {
		t.Error("Expected empty name to be rejected")
	}
}
