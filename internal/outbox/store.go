package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.gantry.dev/internal/common/fault"
	"go.gantry.dev/internal/common/id"
	"go.gantry.dev/internal/common/metrics"
	"go.gantry.dev/internal/join"
	"go.gantry.dev/internal/workqueue"
)

// Config holds per-store outbox settings.
type Config struct {
	// Name identifies the store in metrics and logs.
	Name string

	// Schema is the Postgres schema holding the outbox table.
	Schema string

	// Instance is stamped into processed_by on ack and dead-letter.
	Instance string

	// Limits bound claim parameters for this store.
	Limits workqueue.Limits
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Name:     "default",
		Schema:   "gantry",
		Instance: id.NewInstanceName(),
		Limits:   workqueue.DefaultLimits(),
	}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the outbox over one Postgres database.
type Store struct {
	db     *pgxpool.Pool
	joins  *join.Store
	config Config
	table  string
	queue  string
}

// NewStore creates an outbox store. The join store is required: ack and fail
// advance join members in the same transaction as the row transition.
func NewStore(db *pgxpool.Pool, joins *join.Store, config Config) *Store {
	if config.Schema == "" {
		config.Schema = "gantry"
	}
	if config.Name == "" {
		config.Name = "default"
	}
	if config.Instance == "" {
		config.Instance = id.NewInstanceName()
	}
	return &Store{
		db:     db,
		joins:  joins,
		config: config,
		table:  pgx.Identifier{config.Schema, "outbox"}.Sanitize(),
		queue:  config.Name + "/outbox",
	}
}

// Name returns the store name used in metrics and logs.
func (s *Store) Name() string { return s.config.Name }

// Enqueue inserts one Ready row outside any caller transaction.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (id.WorkItemID, id.MessageID, error) {
	return s.enqueue(ctx, s.db, req)
}

// EnqueueTx inserts one Ready row inside the caller's transaction. The
// publish becomes durable iff the caller commits; this is the
// transactional-outbox contract.
func (s *Store) EnqueueTx(ctx context.Context, tx pgx.Tx, req EnqueueRequest) (id.WorkItemID, id.MessageID, error) {
	return s.enqueue(ctx, tx, req)
}

// EnqueueTopic publishes a bare topic+payload message. It satisfies the
// join.Enqueuer interface for follow-up publication.
func (s *Store) EnqueueTopic(ctx context.Context, topic, payload string) error {
	_, _, err := s.Enqueue(ctx, EnqueueRequest{Topic: topic, Payload: payload})
	return err
}

// EnqueueJoinWait publishes the join.wait follow-up for a barrier.
func (s *Store) EnqueueJoinWait(ctx context.Context, p join.WaitPayload) (id.MessageID, error) {
	if p.JoinID.IsZero() {
		return id.MessageID{}, fault.Invalidf("join id must not be zero")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return id.MessageID{}, fmt.Errorf("outbox: encode join.wait payload: %w", err)
	}
	_, messageID, err := s.Enqueue(ctx, EnqueueRequest{Topic: join.WaitTopic, Payload: string(body)})
	return messageID, err
}

func (s *Store) enqueue(ctx context.Context, q querier, req EnqueueRequest) (id.WorkItemID, id.MessageID, error) {
	if req.Topic == "" {
		return id.WorkItemID{}, id.MessageID{}, fault.Invalidf("topic must not be empty")
	}

	workItemID := id.NewWorkItemID()
	messageID := req.MessageID
	if messageID.IsZero() {
		messageID = id.NewMessageID()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, message_id, topic, payload, correlation_id, created_at, due_time_utc, is_processed, retry_count, status)
		VALUES ($1, $2, $3, $4, $5, now(), $6, false, 0, $7)
	`, s.table)

	_, err := q.Exec(ctx, query,
		workItemID, messageID, req.Topic, req.Payload,
		nullable(req.CorrelationID), req.DueTimeUtc, StatusReady)
	if err != nil {
		return id.WorkItemID{}, id.MessageID{}, fmt.Errorf("outbox: enqueue: %w", err)
	}

	metrics.OutboxEnqueued.WithLabelValues(s.config.Name).Inc()
	return workItemID, messageID, nil
}

// Claim leases up to batchSize ready rows to the owner for leaseSeconds. It
// also takes over a bounded number of rows whose previous lease expired. Rows
// locked by concurrent claimants are skipped, so no two owners ever receive
// the same row. An empty result is normal on an idle queue.
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
			SELECT id FROM %[1]s
			WHERE status = $4
			  AND (due_time_utc IS NULL OR due_time_utc <= now())
			  AND (next_attempt_at IS NULL OR next_attempt_at <= now())
			ORDER BY COALESCE(due_time_utc, created_at), created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), expired AS (
			SELECT id FROM %[1]s
			WHERE status = $5 AND locked_until <= now()
			ORDER BY locked_until
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		), picked AS (
			SELECT id FROM ready UNION SELECT id FROM expired
		)
		UPDATE %[1]s t
		SET status = $5, owner_token = $1, locked_until = now() + make_interval(secs => $3)
		FROM picked
		WHERE t.id = picked.id
		RETURNING t.id, t.message_id, t.topic, t.payload, t.correlation_id, t.created_at, t.due_time_utc, t.retry_count, t.locked_until
	`, s.table)

	start := time.Now()
	rows, err := s.db.Query(ctx, query, owner, batchSize, leaseSeconds, StatusReady, StatusInProgress, reclaim)
	if err != nil {
		metrics.QueueClaims.WithLabelValues(s.queue, "error").Inc()
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var claimed []Message
	for rows.Next() {
		m := Message{Status: StatusInProgress, OwnerToken: &owner}
		var correlationID *string
		err := rows.Scan(&m.ID, &m.MessageID, &m.Topic, &m.Payload, &correlationID,
			&m.CreatedAt, &m.DueTimeUtc, &m.RetryCount, &m.LockedUntil)
		if err != nil {
			return nil, fmt.Errorf("outbox: scan claimed row: %w", err)
		}
		if correlationID != nil {
			m.CorrelationID = *correlationID
		}
		claimed = append(claimed, m)
	}
	if err := rows.Err(); err != nil {
		metrics.QueueClaims.WithLabelValues(s.queue, "error").Inc()
		return nil, fmt.Errorf("outbox: claim rows: %w", err)
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

// Ack marks the owner's in-progress rows Done and advances join members for
// each transitioned message, all in one transaction. Rows not held by the
// owner, or already terminal, are silently skipped.
func (s *Store) Ack(ctx context.Context, owner id.OwnerToken, ids []id.WorkItemID) error {
	if err := workqueue.ValidateOwner(owner); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin ack: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $3, is_processed = true, processed_at = now(), processed_by = $4,
		    owner_token = NULL, locked_until = NULL
		WHERE id = ANY($2::uuid[]) AND status = $5 AND owner_token = $1
		RETURNING message_id
	`, s.table)

	rows, err := tx.Query(ctx, query, owner, itemIDStrings(ids), StatusDone, s.config.Instance, StatusInProgress)
	if err != nil {
		return fmt.Errorf("outbox: ack: %w", err)
	}
	messageIDs, err := scanMessageIDs(rows)
	if err != nil {
		return err
	}

	for _, messageID := range messageIDs {
		if err := s.joins.AdvanceCompleted(ctx, tx, messageID); err != nil {
			return fmt.Errorf("outbox: advance join on ack: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit ack: %w", err)
	}

	metrics.QueueCompletions.WithLabelValues(s.queue, "ack").Add(float64(len(messageIDs)))
	return nil
}

// Abandon releases the owner's rows back to Ready for retry, recording the
// error and an optional per-row backoff delay. Rows not held by the owner are
// silently skipped.
func (s *Store) Abandon(ctx context.Context, owner id.OwnerToken, failures []Failure, delay time.Duration) error {
	if err := workqueue.ValidateOwner(owner); err != nil {
		return err
	}
	if len(failures) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $4, retry_count = retry_count + 1, owner_token = NULL, locked_until = NULL,
		    last_error = $3,
		    next_attempt_at = CASE WHEN $5::float8 > 0 THEN now() + make_interval(secs => $5::float8) ELSE NULL END
		WHERE id = $2 AND status = $6 AND owner_token = $1
	`, s.table)

	batch := &pgx.Batch{}
	for _, f := range failures {
		batch.Queue(query, owner, f.ID, nullable(f.Message), StatusReady, delay.Seconds(), StatusInProgress)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()
	var abandoned int64
	for range failures {
		tag, err := results.Exec()
		if err != nil {
			return fmt.Errorf("outbox: abandon: %w", err)
		}
		abandoned += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("outbox: abandon close: %w", err)
	}

	metrics.QueueCompletions.WithLabelValues(s.queue, "abandon").Add(float64(abandoned))
	return nil
}

// Fail dead-letters the owner's rows and advances join members as failed, in
// one transaction. Rows not held by the owner are silently skipped.
func (s *Store) Fail(ctx context.Context, owner id.OwnerToken, failures []Failure) error {
	if err := workqueue.ValidateOwner(owner); err != nil {
		return err
	}
	if len(failures) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin fail: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $4, owner_token = NULL, locked_until = NULL, last_error = $3, processed_by = $5
		WHERE id = $2 AND status = $6 AND owner_token = $1
		RETURNING message_id
	`, s.table)

	batch := &pgx.Batch{}
	for _, f := range failures {
		batch.Queue(query, owner, f.ID, nullable(f.Message), StatusFailed, "FAILED:"+s.config.Instance, StatusInProgress)
	}

	results := tx.SendBatch(ctx, batch)
	var messageIDs []id.MessageID
	for range failures {
		rows, err := results.Query()
		if err != nil {
			results.Close()
			return fmt.Errorf("outbox: fail: %w", err)
		}
		ids, err := scanMessageIDs(rows)
		if err != nil {
			results.Close()
			return err
		}
		messageIDs = append(messageIDs, ids...)
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("outbox: fail close: %w", err)
	}

	for _, messageID := range messageIDs {
		if err := s.joins.AdvanceFailed(ctx, tx, messageID); err != nil {
			return fmt.Errorf("outbox: advance join on fail: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit fail: %w", err)
	}

	metrics.QueueCompletions.WithLabelValues(s.queue, "fail").Add(float64(len(messageIDs)))
	return nil
}

// Renew extends the lease on the owner's in-progress rows. The new expiry is
// never earlier than the current one.
func (s *Store) Renew(ctx context.Context, owner id.OwnerToken, ids []id.WorkItemID, leaseSeconds int) error {
	if err := workqueue.ValidateOwner(owner); err != nil {
		return err
	}
	if leaseSeconds < workqueue.MinLeaseSeconds || leaseSeconds > workqueue.MaxLeaseSeconds {
		return fault.Invalidf("lease seconds %d outside [%d, %d]", leaseSeconds, workqueue.MinLeaseSeconds, workqueue.MaxLeaseSeconds)
	}
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET locked_until = GREATEST(locked_until, now() + make_interval(secs => $3))
		WHERE id = ANY($2::uuid[]) AND status = $4 AND owner_token = $1
	`, s.table)

	if _, err := s.db.Exec(ctx, query, owner, itemIDStrings(ids), leaseSeconds, StatusInProgress); err != nil {
		return fmt.Errorf("outbox: renew: %w", err)
	}
	return nil
}

// ReapExpired resets in-progress rows whose lease has lapsed back to Ready
// without counting a retry. Rows still under lease are never touched.
func (s *Store) ReapExpired(ctx context.Context, maxRows int) (int64, error) {
	if err := workqueue.ValidateReap(maxRows); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		WITH expired AS (
			SELECT id FROM %[1]s
			WHERE status = $2 AND locked_until <= now()
			ORDER BY locked_until
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s t
		SET status = $3, owner_token = NULL, locked_until = NULL
		FROM expired
		WHERE t.id = expired.id
	`, s.table)

	tag, err := s.db.Exec(ctx, query, maxRows, StatusInProgress, StatusReady)
	if err != nil {
		return 0, fmt.Errorf("outbox: reap expired: %w", err)
	}

	metrics.QueueReapedRows.WithLabelValues(s.queue).Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// Cleanup deletes Done rows whose processing finished before the retention
// window, up to maxRows per call.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration, maxRows int) (int64, error) {
	if retention <= 0 {
		return 0, fault.Invalidf("retention must be positive")
	}
	if maxRows < 1 {
		return 0, fault.Invalidf("cleanup max rows %d must be positive", maxRows)
	}

	query := fmt.Sprintf(`
		WITH aged AS (
			SELECT id FROM %[1]s
			WHERE status = $2 AND processed_at < now() - make_interval(secs => $1::float8)
			LIMIT $3
		)
		DELETE FROM %[1]s t
		USING aged
		WHERE t.id = aged.id
	`, s.table)

	tag, err := s.db.Exec(ctx, query, retention.Seconds(), StatusDone, maxRows)
	if err != nil {
		return 0, fmt.Errorf("outbox: cleanup: %w", err)
	}

	metrics.OutboxCleanupDeleted.WithLabelValues(s.config.Name).Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// Get loads one row by work-item id.
func (s *Store) Get(ctx context.Context, workItemID id.WorkItemID) (*Message, error) {
	query := fmt.Sprintf(`
		SELECT id, message_id, topic, payload, correlation_id, created_at, due_time_utc,
		       is_processed, processed_at, processed_by, retry_count, last_error, next_attempt_at,
		       status, locked_until, owner_token
		FROM %s WHERE id = $1
	`, s.table)

	m := &Message{}
	var correlationID, processedBy, lastError *string
	err := s.db.QueryRow(ctx, query, workItemID).Scan(
		&m.ID, &m.MessageID, &m.Topic, &m.Payload, &correlationID, &m.CreatedAt, &m.DueTimeUtc,
		&m.IsProcessed, &m.ProcessedAt, &processedBy, &m.RetryCount, &lastError, &m.NextAttemptAt,
		&m.Status, &m.LockedUntil, &m.OwnerToken,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("outbox: work item %v not found", workItemID)
		}
		return nil, fmt.Errorf("outbox: get: %w", err)
	}
	if correlationID != nil {
		m.CorrelationID = *correlationID
	}
	if processedBy != nil {
		m.ProcessedBy = *processedBy
	}
	if lastError != nil {
		m.LastError = *lastError
	}
	return m, nil
}

// StatusCounts returns the number of rows per status, for the stats endpoint.
func (s *Store) StatusCounts(ctx context.Context) (map[Status]int64, error) {
	query := fmt.Sprintf(`SELECT status, count(*) FROM %s GROUP BY status`, s.table)

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("outbox: status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("outbox: scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: status count rows: %w", err)
	}
	return counts, nil
}

func scanMessageIDs(rows pgx.Rows) ([]id.MessageID, error) {
	defer rows.Close()
	var ids []id.MessageID
	for rows.Next() {
		var m id.MessageID
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("outbox: scan message id: %w", err)
		}
		ids = append(ids, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: rows: %w", err)
	}
	return ids, nil
}

func itemIDStrings(ids []id.WorkItemID) []string {
	out := make([]string, len(ids))
	for i, v := range ids {
		out[i] = v.String()
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
