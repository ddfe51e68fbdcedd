package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.gantry.dev/internal/common/fault"
	"go.gantry.dev/internal/common/id"
	"go.gantry.dev/internal/common/metrics"
	"go.gantry.dev/internal/workqueue"
)

// Config holds per-store inbox settings.
type Config struct {
	// Name identifies the store in metrics and logs.
	Name string

	// Schema is the Postgres schema holding the inbox table.
	Schema string

	// Limits bound claim parameters for this store.
	Limits workqueue.Limits
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Name:   "default",
		Schema: "gantry",
		Limits: workqueue.DefaultLimits(),
	}
}

// Store is the inbox over one Postgres database.
type Store struct {
	db     *pgxpool.Pool
	config Config
	table  string
	queue  string
}

// NewStore creates an inbox store.
func NewStore(db *pgxpool.Pool, config Config) *Store {
	if config.Schema == "" {
		config.Schema = "gantry"
	}
	if config.Name == "" {
		config.Name = "default"
	}
	return &Store{
		db:     db,
		config: config,
		table:  pgx.Identifier{config.Schema, "inbox"}.Sanitize(),
		queue:  config.Name + "/inbox",
	}
}

// Name returns the store name used in metrics and logs.
func (s *Store) Name() string { return s.config.Name }

// AlreadyProcessed reports whether the (messageID, source) pair has been
// processed. A Done row returns true without being touched. Any other
// outcome upserts the row - created in Seen on first sight, with the hash
// preserved from that first sight - and counts the attempt. Under concurrent
// callers for a new key exactly one row is created and every call is counted.
func (s *Store) AlreadyProcessed(ctx context.Context, messageID id.InboxMessageID, source string, hash []byte) (bool, error) {
	if err := validateKey(messageID, source); err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s AS i (message_id, source, topic, payload, hash, first_seen_utc, last_seen_utc, attempts, status)
		VALUES ($1, $2, '', '', $3, now(), now(), 1, $4)
		ON CONFLICT (message_id, source) DO UPDATE
		SET last_seen_utc = now(), attempts = i.attempts + 1
		WHERE i.status <> $5
		RETURNING status
	`, s.table)

	var status Status
	err := s.db.QueryRow(ctx, query, messageID, source, hash, StatusSeen, StatusDone).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Conflict row is Done: the conditional update matched nothing.
			metrics.InboxDedupHits.WithLabelValues(s.config.Name).Inc()
			return true, nil
		}
		return false, fmt.Errorf("inbox: already processed: %w", err)
	}
	return false, nil
}

// Enqueue merges an inbound message for dispatcher-style consumption. A Done
// row is left untouched; otherwise topic and payload are refreshed and the
// attempt is counted.
func (s *Store) Enqueue(ctx context.Context, topic, source string, messageID id.InboxMessageID, payload string) error {
	if err := validateKey(messageID, source); err != nil {
		return err
	}
	if topic == "" {
		return fault.Invalidf("topic must not be empty")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s AS i (message_id, source, topic, payload, hash, first_seen_utc, last_seen_utc, attempts, status)
		VALUES ($1, $2, $3, $4, NULL, now(), now(), 1, $5)
		ON CONFLICT (message_id, source) DO UPDATE
		SET last_seen_utc = now(), attempts = i.attempts + 1,
		    topic = excluded.topic, payload = excluded.payload
		WHERE i.status <> $6
	`, s.table)

	if _, err := s.db.Exec(ctx, query, messageID, source, topic, payload, StatusSeen, StatusDone); err != nil {
		return fmt.Errorf("inbox: enqueue: %w", err)
	}

	metrics.InboxEnqueued.WithLabelValues(s.config.Name).Inc()
	return nil
}

// MarkProcessing transitions a Seen row to Processing for callers that manage
// their own ownership outside the work-queue protocol.
func (s *Store) MarkProcessing(ctx context.Context, messageID id.InboxMessageID, source string) error {
	return s.mark(ctx, messageID, source, StatusProcessing, false)
}

// MarkProcessed transitions a row to Done, suppressing future ingests.
func (s *Store) MarkProcessed(ctx context.Context, messageID id.InboxMessageID, source string) error {
	return s.mark(ctx, messageID, source, StatusDone, true)
}

// MarkDead dead-letters a row.
func (s *Store) MarkDead(ctx context.Context, messageID id.InboxMessageID, source string) error {
	return s.mark(ctx, messageID, source, StatusDead, true)
}

func (s *Store) mark(ctx context.Context, messageID id.InboxMessageID, source string, to Status, stampProcessed bool) error {
	if err := validateKey(messageID, source); err != nil {
		return err
	}

	processed := "processed_utc"
	if stampProcessed {
		processed = "now()"
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $3, processed_utc = %s, owner_token = NULL, locked_until = NULL
		WHERE message_id = $1 AND source = $2 AND status NOT IN ($4, $5)
	`, s.table, processed)

	if _, err := s.db.Exec(ctx, query, messageID, source, to, StatusDone, StatusDead); err != nil {
		return fmt.Errorf("inbox: mark %s: %w", to, err)
	}
	return nil
}

// Claim leases up to batchSize Seen rows to the owner for leaseSeconds,
// reclaiming a bounded number of rows whose previous lease expired. Rows
// locked by concurrent claimants are skipped.
func (s *Store) Claim(ctx context.Context, owner id.OwnerToken, leaseSeconds, batchSize int) ([]Message, error) {
	if err := workqueue.ValidateClaim(owner, leaseSeconds, batchSize, s.config.Limits); err != nil {
		return nil, err
	}
	reclaim := s.config.Limits.ReclaimLimit
	if reclaim <= 0 {
		reclaim = workqueue.DefaultReclaimLimit
	}

	query := fmt.Sprintf(`
		WITH ready AS (
			SELECT message_id, source FROM %[1]s
			WHERE status = $4
			ORDER BY first_seen_utc
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), expired AS (
			SELECT message_id, source FROM %[1]s
			WHERE status = $5 AND locked_until <= now()
			ORDER BY locked_until
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		), picked AS (
			SELECT message_id, source FROM ready
			UNION
			SELECT message_id, source FROM expired
		)
		UPDATE %[1]s t
		SET status = $5, owner_token = $1, locked_until = now() + make_interval(secs => $3)
		FROM picked
		WHERE t.message_id = picked.message_id AND t.source = picked.source
		RETURNING t.message_id, t.source, t.topic, t.payload, t.hash, t.first_seen_utc, t.attempts, t.locked_until
	`, s.table)

	start := time.Now()
	rows, err := s.db.Query(ctx, query, owner, batchSize, leaseSeconds, StatusSeen, StatusProcessing, reclaim)
	if err != nil {
		metrics.QueueClaims.WithLabelValues(s.queue, "error").Inc()
		return nil, fmt.Errorf("inbox: claim: %w", err)
	}
	defer rows.Close()

	var claimed []Message
	for rows.Next() {
		m := Message{Status: StatusProcessing, OwnerToken: &owner}
		err := rows.Scan(&m.MessageID, &m.Source, &m.Topic, &m.Payload, &m.Hash,
			&m.FirstSeenUtc, &m.Attempts, &m.LockedUntil)
		if err != nil {
			return nil, fmt.Errorf("inbox: scan claimed row: %w", err)
		}
		claimed = append(claimed, m)
	}
	if err := rows.Err(); err != nil {
		metrics.QueueClaims.WithLabelValues(s.queue, "error").Inc()
		return nil, fmt.Errorf("inbox: claim rows: %w", err)
	}

	metrics.QueueClaimDuration.WithLabelValues(s.queue).Observe(time.Since(start).Seconds())
	if len(claimed) == 0 {
		metrics.QueueClaims.WithLabelValues(s.queue, "empty").Inc()
	} else {
		metrics.QueueClaims.WithLabelValues(s.queue, "claimed").Inc()
		metrics.QueueClaimedItems.WithLabelValues(s.queue).Add(float64(len(claimed)))
	}
	return claimed, nil
}

// Ack marks the owner's Processing rows Done. Rows not held by the owner are
// silently skipped.
func (s *Store) Ack(ctx context.Context, owner id.OwnerToken, keys []Key) error {
	if err := workqueue.ValidateOwner(owner); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $4, processed_utc = now(), owner_token = NULL, locked_until = NULL
		WHERE message_id = $2 AND source = $3 AND status = $5 AND owner_token = $1
	`, s.table)

	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(query, owner, k.MessageID, k.Source, StatusDone, StatusProcessing)
	}

	acked, err := s.runBatch(ctx, batch, len(keys))
	if err != nil {
		return fmt.Errorf("inbox: ack: %w", err)
	}

	metrics.QueueCompletions.WithLabelValues(s.queue, "ack").Add(float64(acked))
	return nil
}

// Abandon releases the owner's Processing rows back to Seen for retry. Rows
// not held by the owner are silently skipped.
func (s *Store) Abandon(ctx context.Context, owner id.OwnerToken, keys []Key) error {
	if err := workqueue.ValidateOwner(owner); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $4, owner_token = NULL, locked_until = NULL
		WHERE message_id = $2 AND source = $3 AND status = $5 AND owner_token = $1
	`, s.table)

	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(query, owner, k.MessageID, k.Source, StatusSeen, StatusProcessing)
	}

	abandoned, err := s.runBatch(ctx, batch, len(keys))
	if err != nil {
		return fmt.Errorf("inbox: abandon: %w", err)
	}

	metrics.QueueCompletions.WithLabelValues(s.queue, "abandon").Add(float64(abandoned))
	return nil
}

// Fail dead-letters the owner's Processing rows. Rows not held by the owner
// are silently skipped.
func (s *Store) Fail(ctx context.Context, owner id.OwnerToken, failures []Failure) error {
	if err := workqueue.ValidateOwner(owner); err != nil {
		return err
	}
	if len(failures) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $4, processed_utc = now(), owner_token = NULL, locked_until = NULL
		WHERE message_id = $2 AND source = $3 AND status = $5 AND owner_token = $1
	`, s.table)

	batch := &pgx.Batch{}
	for _, f := range failures {
		batch.Queue(query, owner, f.MessageID, f.Source, StatusDead, StatusProcessing)
	}

	failed, err := s.runBatch(ctx, batch, len(failures))
	if err != nil {
		return fmt.Errorf("inbox: fail: %w", err)
	}

	metrics.QueueCompletions.WithLabelValues(s.queue, "fail").Add(float64(failed))
	return nil
}

// Renew extends the lease on the owner's Processing rows. The new expiry is
// never earlier than the current one.
func (s *Store) Renew(ctx context.Context, owner id.OwnerToken, keys []Key, leaseSeconds int) error {
	if err := workqueue.ValidateOwner(owner); err != nil {
		return err
	}
	if leaseSeconds < workqueue.MinLeaseSeconds || leaseSeconds > workqueue.MaxLeaseSeconds {
		return fault.Invalidf("lease seconds %d outside [%d, %d]", leaseSeconds, workqueue.MinLeaseSeconds, workqueue.MaxLeaseSeconds)
	}
	if len(keys) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET locked_until = GREATEST(locked_until, now() + make_interval(secs => $4))
		WHERE message_id = $2 AND source = $3 AND status = $5 AND owner_token = $1
	`, s.table)

	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(query, owner, k.MessageID, k.Source, leaseSeconds, StatusProcessing)
	}

	if _, err := s.runBatch(ctx, batch, len(keys)); err != nil {
		return fmt.Errorf("inbox: renew: %w", err)
	}
	return nil
}

// ReapExpired resets Processing rows whose lease has lapsed back to Seen.
// Rows still under lease are never touched.
func (s *Store) ReapExpired(ctx context.Context, maxRows int) (int64, error) {
	if err := workqueue.ValidateReap(maxRows); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		WITH expired AS (
			SELECT message_id, source FROM %[1]s
			WHERE status = $2 AND locked_until <= now()
			ORDER BY locked_until
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s t
		SET status = $3, owner_token = NULL, locked_until = NULL
		FROM expired
		WHERE t.message_id = expired.message_id AND t.source = expired.source
	`, s.table)

	tag, err := s.db.Exec(ctx, query, maxRows, StatusProcessing, StatusSeen)
	if err != nil {
		return 0, fmt.Errorf("inbox: reap expired: %w", err)
	}

	metrics.QueueReapedRows.WithLabelValues(s.queue).Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// Cleanup deletes Done rows processed before the retention window, up to
// maxRows per call.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration, maxRows int) (int64, error) {
	if retention <= 0 {
		return 0, fault.Invalidf("retention must be positive")
	}
	if maxRows < 1 {
		return 0, fault.Invalidf("cleanup max rows %d must be positive", maxRows)
	}

	query := fmt.Sprintf(`
		WITH aged AS (
			SELECT message_id, source FROM %[1]s
			WHERE status = $2 AND processed_utc < now() - make_interval(secs => $1::float8)
			LIMIT $3
		)
		DELETE FROM %[1]s t
		USING aged
		WHERE t.message_id = aged.message_id AND t.source = aged.source
	`, s.table)

	tag, err := s.db.Exec(ctx, query, retention.Seconds(), StatusDone, maxRows)
	if err != nil {
		return 0, fmt.Errorf("inbox: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get loads one row by key.
func (s *Store) Get(ctx context.Context, messageID id.InboxMessageID, source string) (*Message, error) {
	query := fmt.Sprintf(`
		SELECT message_id, source, topic, payload, hash, first_seen_utc, last_seen_utc,
		       processed_utc, attempts, status, owner_token, locked_until
		FROM %s WHERE message_id = $1 AND source = $2
	`, s.table)

	m := &Message{}
	err := s.db.QueryRow(ctx, query, messageID, source).Scan(
		&m.MessageID, &m.Source, &m.Topic, &m.Payload, &m.Hash, &m.FirstSeenUtc, &m.LastSeenUtc,
		&m.ProcessedUtc, &m.Attempts, &m.Status, &m.OwnerToken, &m.LockedUntil,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("inbox: message %q from %q not found", messageID, source)
		}
		return nil, fmt.Errorf("inbox: get: %w", err)
	}
	return m, nil
}

// StatusCounts returns the number of rows per status, for the stats endpoint.
func (s *Store) StatusCounts(ctx context.Context) (map[Status]int64, error) {
	query := fmt.Sprintf(`SELECT status, count(*) FROM %s GROUP BY status`, s.table)

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("inbox: status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("inbox: scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inbox: status count rows: %w", err)
	}
	return counts, nil
}

// runBatch executes a batch of single-row statements and returns the total
// rows affected.
func (s *Store) runBatch(ctx context.Context, batch *pgx.Batch, n int) (int64, error) {
	results := s.db.SendBatch(ctx, batch)
	var affected int64
	for i := 0; i < n; i++ {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return affected, err
		}
		affected += tag.RowsAffected()
	}
	return affected, results.Close()
}

func validateKey(messageID id.InboxMessageID, source string) error {
	if err := messageID.Validate(); err != nil {
		return fault.Invalidf("%v", err)
	}
	if source == "" {
		return fault.Invalidf("source must not be empty")
	}
	return nil
}
