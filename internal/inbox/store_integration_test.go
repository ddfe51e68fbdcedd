package inbox_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.gantry.dev/internal/common/id"
	"go.gantry.dev/internal/inbox"
	"go.gantry.dev/internal/pgtest"
	"go.gantry.dev/internal/workqueue"
)

func newStore(t *testing.T) (*inbox.Store, *pgxpool.Pool, string) {
	t.Helper()
	pool, schema := pgtest.Pool(t)
	s := inbox.NewStore(pool, inbox.Config{
		Name:   "test",
		Schema: schema,
		Limits: workqueue.DefaultLimits(),
	})
	return s, pool, schema
}

func expireLeases(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()
	table := pgx.Identifier{schema, "inbox"}.Sanitize()
	query := fmt.Sprintf(
		"UPDATE %s SET locked_until = now() - interval '1 second' WHERE locked_until IS NOT NULL", table)
	if _, err := pool.Exec(context.Background(), query); err != nil {
		t.Fatalf("Failed to expire leases: %v", err)
	}
}

// === Deduplication Tests ===

func TestAlreadyProcessedLifecycle(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	key := id.InboxMessageID("msg-1")

	processed, err := s.AlreadyProcessed(ctx, key, "billing", []byte{0x01})
	if err != nil {
		t.Fatalf("AlreadyProcessed failed: %v", err)
	}
	if processed {
		t.Error("Expected first sight to report unprocessed")
	}

	got, err := s.Get(ctx, key, "billing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != inbox.StatusSeen {
		t.Errorf("Expected status SEEN, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", got.Attempts)
	}

	processed, err = s.AlreadyProcessed(ctx, key, "billing", []byte{0x01})
	if err != nil {
		t.Fatalf("AlreadyProcessed failed: %v", err)
	}
	if processed {
		t.Error("Expected unfinished row to report unprocessed")
	}
	got, _ = s.Get(ctx, key, "billing")
	if got.Attempts != 2 {
		t.Errorf("Expected 2 attempts after second touch, got %d", got.Attempts)
	}

	if err := s.MarkProcessed(ctx, key, "billing"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	processed, err = s.AlreadyProcessed(ctx, key, "billing", []byte{0x01})
	if err != nil {
		t.Fatalf("AlreadyProcessed failed: %v", err)
	}
	if !processed {
		t.Error("Expected Done row to report processed")
	}
	got, _ = s.Get(ctx, key, "billing")
	if got.Attempts != 2 {
		t.Errorf("Expected Done row untouched, got %d attempts", got.Attempts)
	}
}

func TestDeduplicationKeysOnMessageAndSource(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	key := id.InboxMessageID("msg-1")

	if err := s.MarkProcessed(ctx, key, "billing"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if _, err := s.AlreadyProcessed(ctx, key, "billing", nil); err != nil {
		t.Fatalf("AlreadyProcessed failed: %v", err)
	}

	// Same id from another source is a different message.
	processed, err := s.AlreadyProcessed(ctx, key, "shipping", nil)
	if err != nil {
		t.Fatalf("AlreadyProcessed failed: %v", err)
	}
	if processed {
		t.Error("Expected same id from a different source to be unprocessed")
	}
}

func TestAlreadyProcessedConcurrentCallersCountEveryAttempt(t *testing.T) {
	s, pool, schema := newStore(t)
	ctx := context.Background()
	key := id.InboxMessageID("contended")

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processed, err := s.AlreadyProcessed(ctx, key, "src", nil)
			if err != nil {
				errs <- err
				return
			}
			if processed {
				errs <- fmt.Errorf("unexpected dedup hit on unfinished row")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Concurrent AlreadyProcessed failed: %v", err)
	}

	got, err := s.Get(ctx, key, "src")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Attempts != callers {
		t.Errorf("Expected %d attempts, got %d", callers, got.Attempts)
	}

	table := pgx.Identifier{schema, "inbox"}.Sanitize()
	var rows int
	countQuery := fmt.Sprintf("SELECT count(*) FROM %s WHERE message_id = $1", table)
	if err := pool.QueryRow(ctx, countQuery, key).Scan(&rows); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if rows != 1 {
		t.Errorf("Expected exactly one row for the contended key, got %d", rows)
	}
}

func TestHashPreservedFromFirstSight(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	key := id.InboxMessageID("msg-1")

	if _, err := s.AlreadyProcessed(ctx, key, "src", []byte{0xAA}); err != nil {
		t.Fatalf("AlreadyProcessed failed: %v", err)
	}
	if _, err := s.AlreadyProcessed(ctx, key, "src", []byte{0xBB}); err != nil {
		t.Fatalf("AlreadyProcessed failed: %v", err)
	}

	got, err := s.Get(ctx, key, "src")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got.Hash, []byte{0xAA}) {
		t.Errorf("Expected hash from first sight, got %x", got.Hash)
	}
}

// === Enqueue / Claim Tests ===

func TestEnqueueClaimAck(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	key := id.InboxMessageID("msg-1")

	if err := s.Enqueue(ctx, "order.created", "src", key, `{"n":1}`); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	owner := id.NewOwnerToken()
	claimed, err := s.Claim(ctx, owner, 60, 10)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("Expected 1 claimed row, got %d", len(claimed))
	}
	m := claimed[0]
	if m.Topic != "order.created" || m.Payload != `{"n":1}` {
		t.Errorf("Expected topic and payload on claimed row, got %q %q", m.Topic, m.Payload)
	}
	if m.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", m.Attempts)
	}

	if err := s.Ack(ctx, owner, []inbox.Key{{MessageID: m.MessageID, Source: m.Source}}); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	got, err := s.Get(ctx, key, "src")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != inbox.StatusDone {
		t.Errorf("Expected status DONE, got %s", got.Status)
	}
	if got.ProcessedUtc == nil {
		t.Error("Expected processed stamp after ack")
	}
}

func TestEnqueueAfterDoneIsSuppressed(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	key := id.InboxMessageID("msg-1")

	if err := s.Enqueue(ctx, "t", "src", key, "v1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := s.MarkProcessed(ctx, key, "src"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if err := s.Enqueue(ctx, "t", "src", key, "v2"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := s.Get(ctx, key, "src")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != inbox.StatusDone {
		t.Errorf("Expected Done row untouched, got %s", got.Status)
	}
	if got.Payload != "v1" {
		t.Errorf("Expected original payload preserved, got %q", got.Payload)
	}
	if got.Attempts != 1 {
		t.Errorf("Expected attempts unchanged, got %d", got.Attempts)
	}
}

func TestEnqueueRefreshesUnfinishedRow(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	key := id.InboxMessageID("msg-1")

	if err := s.Enqueue(ctx, "t", "src", key, "v1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := s.Enqueue(ctx, "t", "src", key, "v2"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := s.Get(ctx, key, "src")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Payload != "v2" {
		t.Errorf("Expected payload refreshed, got %q", got.Payload)
	}
	if got.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", got.Attempts)
	}
}

// === Completion Tests ===

func TestAbandonReturnsRowToSeen(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	key := id.InboxMessageID("msg-1")

	if err := s.Enqueue(ctx, "t", "src", key, "p"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	owner := id.NewOwnerToken()
	claimed, err := s.Claim(ctx, owner, 60, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim failed: %v (%d rows)", err, len(claimed))
	}

	if err := s.Abandon(ctx, owner, []inbox.Key{{MessageID: key, Source: "src"}}); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	got, err := s.Get(ctx, key, "src")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != inbox.StatusSeen {
		t.Errorf("Expected status SEEN after abandon, got %s", got.Status)
	}

	again, err := s.Claim(ctx, id.NewOwnerToken(), 60, 10)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(again) != 1 {
		t.Errorf("Expected abandoned row to be claimable, got %d rows", len(again))
	}
}

func TestFailDeadLetters(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	key := id.InboxMessageID("msg-1")

	if err := s.Enqueue(ctx, "t", "src", key, "p"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	owner := id.NewOwnerToken()
	claimed, err := s.Claim(ctx, owner, 60, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim failed: %v (%d rows)", err, len(claimed))
	}

	failures := []inbox.Failure{{MessageID: key, Source: "src", Message: "no handler"}}
	if err := s.Fail(ctx, owner, failures); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	got, err := s.Get(ctx, key, "src")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != inbox.StatusDead {
		t.Errorf("Expected status DEAD, got %s", got.Status)
	}

	again, err := s.Claim(ctx, id.NewOwnerToken(), 60, 10)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected dead row to be invisible, got %d rows", len(again))
	}
}

func TestWrongOwnerMutationIsNoop(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()
	key := id.InboxMessageID("msg-1")

	if err := s.Enqueue(ctx, "t", "src", key, "p"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	owner := id.NewOwnerToken()
	if _, err := s.Claim(ctx, owner, 3600, 10); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	stranger := id.NewOwnerToken()
	if err := s.Ack(ctx, stranger, []inbox.Key{{MessageID: key, Source: "src"}}); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if err := s.Abandon(ctx, stranger, []inbox.Key{{MessageID: key, Source: "src"}}); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}

	got, err := s.Get(ctx, key, "src")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != inbox.StatusProcessing {
		t.Errorf("Expected row untouched by wrong owner, got status %s", got.Status)
	}
}

// === Lease Expiry Tests ===

func TestClaimReclaimsExpiredLease(t *testing.T) {
	s, pool, schema := newStore(t)
	ctx := context.Background()
	key := id.InboxMessageID("msg-1")

	if err := s.Enqueue(ctx, "t", "src", key, "p"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := s.Claim(ctx, id.NewOwnerToken(), 60, 10); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	expireLeases(t, pool, schema)

	reclaimed, err := s.Claim(ctx, id.NewOwnerToken(), 60, 10)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Errorf("Expected expired row to be reclaimed, got %d rows", len(reclaimed))
	}
}

func TestReapExpiredResetsToSeen(t *testing.T) {
	s, pool, schema := newStore(t)
	ctx := context.Background()
	key := id.InboxMessageID("msg-1")

	if err := s.Enqueue(ctx, "t", "src", key, "p"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := s.Claim(ctx, id.NewOwnerToken(), 60, 10); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	expireLeases(t, pool, schema)

	reaped, err := s.ReapExpired(ctx, 100)
	if err != nil {
		t.Fatalf("ReapExpired failed: %v", err)
	}
	if reaped != 1 {
		t.Errorf("Expected 1 reaped row, got %d", reaped)
	}
	got, err := s.Get(ctx, key, "src")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != inbox.StatusSeen {
		t.Errorf("Expected status SEEN after reap, got %s", got.Status)
	}
	if got.OwnerToken != nil {
		t.Error("Expected owner token cleared after reap")
	}
}

// === Cleanup Tests ===

func TestCleanupRemovesAgedDoneRows(t *testing.T) {
	s, pool, schema := newStore(t)
	ctx := context.Background()
	key := id.InboxMessageID("msg-1")

	if err := s.Enqueue(ctx, "t", "src", key, "p"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := s.MarkProcessed(ctx, key, "src"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	table := pgx.Identifier{schema, "inbox"}.Sanitize()
	backdate := fmt.Sprintf("UPDATE %s SET processed_utc = now() - interval '8 days'", table)
	if _, err := pool.Exec(ctx, backdate); err != nil {
		t.Fatalf("Failed to backdate row: %v", err)
	}

	deleted, err := s.Cleanup(ctx, 7*24*time.Hour, 100)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted row, got %d", deleted)
	}
}

// === Validation Tests ===

func TestKeyValidation(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	if _, err := s.AlreadyProcessed(ctx, "", "src", nil); err == nil {
		t.Error("Expected empty message id to be rejected")
	}
	if _, err := s.AlreadyProcessed(ctx, "msg", "", nil); err == nil {
		t.Error("Expected empty source to be rejected")
	}
	long := id.InboxMessageID(make([]byte, id.MaxInboxMessageIDBytes+1))
	if _, err := s.AlreadyProcessed(ctx, long, "src", nil); err == nil {
		t.Error("Expected oversized message id to be rejected")
	}
	if err := s.Enqueue(ctx, "", "src", "msg", "p"); err == nil {
		t.Error("Expected empty topic to be rejected")
	}
}
