package join

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.gantry.dev/internal/common/fault"
	"go.gantry.dev/internal/common/id"
	"go.gantry.dev/internal/common/metrics"
)

// ErrNotFound is returned when an operation targets a join that does not exist.
var ErrNotFound = errors.New("join: not found")

// MaxExpectedSteps bounds how many members a single barrier may count.
const MaxExpectedSteps = 100_000

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the advancement
// helpers can run inside the outbox ack/fail transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists join barriers and their members in one Postgres schema.
type Store struct {
	db     *pgxpool.Pool
	schema string
}

// NewStore creates a join store over the given pool and schema.
func NewStore(db *pgxpool.Pool, schema string) *Store {
	if schema == "" {
		schema = "gantry"
	}
	return &Store{db: db, schema: schema}
}

func (s *Store) joins() string   { return pgx.Identifier{s.schema, "outbox_joins"}.Sanitize() }
func (s *Store) members() string { return pgx.Identifier{s.schema, "outbox_join_members"}.Sanitize() }

// CreateJoin inserts a new Pending barrier expecting the given number of
// member outcomes.
func (s *Store) CreateJoin(ctx context.Context, tenantID int64, expectedSteps int, metadata string) (*Join, error) {
	if expectedSteps < 1 || expectedSteps > MaxExpectedSteps {
		return nil, fault.Invalidf("expected steps %d outside [1, %d]", expectedSteps, MaxExpectedSteps)
	}

	j := &Join{
		ID:            id.NewJoinID(),
		TenantID:      tenantID,
		ExpectedSteps: expectedSteps,
		Status:        StatusPending,
		Metadata:      metadata,
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (join_id, tenant_id, expected_steps, completed_steps, failed_steps, status, metadata, created_utc, last_updated_utc)
		VALUES ($1, $2, $3, 0, 0, $4, $5, now(), now())
		RETURNING created_utc, last_updated_utc
	`, s.joins())

	err := s.db.QueryRow(ctx, query, j.ID, j.TenantID, j.ExpectedSteps, j.Status, nullable(metadata)).
		Scan(&j.CreatedUtc, &j.LastUpdatedUtc)
	if err != nil {
		return nil, fmt.Errorf("join: create: %w", err)
	}

	metrics.JoinsCreated.Inc()
	return j, nil
}

// AttachMessage registers an outbox message as a member of the join. Attaching
// the same pair twice is a no-op.
func (s *Store) AttachMessage(ctx context.Context, joinID id.JoinID, messageID id.MessageID) error {
	if joinID.IsZero() {
		return fault.Invalidf("join id must not be zero")
	}
	if messageID.IsZero() {
		return fault.Invalidf("message id must not be zero")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (join_id, outbox_message_id, reported_status)
		VALUES ($1, $2, $3)
		ON CONFLICT (join_id, outbox_message_id) DO NOTHING
	`, s.members())

	if _, err := s.db.Exec(ctx, query, joinID, messageID, MemberPending); err != nil {
		return fmt.Errorf("join: attach message: %w", err)
	}
	return nil
}

// IncrementCompleted records a completed outcome for the member. The call is
// a no-op when the member already reported or the counters are full, and it
// returns the join as it stands afterwards.
func (s *Store) IncrementCompleted(ctx context.Context, joinID id.JoinID, messageID id.MessageID) (*Join, error) {
	return s.increment(ctx, joinID, messageID, MemberCompleted)
}

// IncrementFailed records a failed outcome for the member, with the same
// idempotency as IncrementCompleted.
func (s *Store) IncrementFailed(ctx context.Context, joinID id.JoinID, messageID id.MessageID) (*Join, error) {
	return s.increment(ctx, joinID, messageID, MemberFailed)
}

func (s *Store) increment(ctx context.Context, joinID id.JoinID, messageID id.MessageID, outcome MemberStatus) (*Join, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("join: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.advanceMember(ctx, tx, joinID, messageID, outcome); err != nil {
		return nil, err
	}

	j, err := s.getJoin(ctx, tx, joinID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("join: commit: %w", err)
	}
	return j, nil
}

// AdvanceCompleted records completed outcomes for every pending membership of
// the message, in the caller's transaction. The outbox ack path calls this so
// join advancement commits atomically with the row transition.
func (s *Store) AdvanceCompleted(ctx context.Context, q pgx.Tx, messageID id.MessageID) error {
	return s.advanceMessage(ctx, q, messageID, MemberCompleted)
}

// AdvanceFailed is the failure analogue of AdvanceCompleted.
func (s *Store) AdvanceFailed(ctx context.Context, q pgx.Tx, messageID id.MessageID) error {
	return s.advanceMessage(ctx, q, messageID, MemberFailed)
}

func (s *Store) advanceMessage(ctx context.Context, q querier, messageID id.MessageID, outcome MemberStatus) error {
	query := fmt.Sprintf(`
		SELECT join_id FROM %s
		WHERE outbox_message_id = $1 AND reported_status = $2
	`, s.members())

	rows, err := q.Query(ctx, query, messageID, MemberPending)
	if err != nil {
		return fmt.Errorf("join: find memberships: %w", err)
	}
	joinIDs, err := scanJoinIDs(rows)
	if err != nil {
		return err
	}

	for _, joinID := range joinIDs {
		if _, err := s.advanceMember(ctx, q, joinID, messageID, outcome); err != nil {
			return err
		}
	}
	return nil
}

// advanceMember performs one guarded increment: the join row is locked first,
// so concurrent member reports for the same join serialise and the counters
// can never overshoot the expected step count.
func (s *Store) advanceMember(ctx context.Context, q querier, joinID id.JoinID, messageID id.MessageID, outcome MemberStatus) (bool, error) {
	var expected, completed, failed int
	lockQuery := fmt.Sprintf(`
		SELECT expected_steps, completed_steps, failed_steps
		FROM %s WHERE join_id = $1 FOR UPDATE
	`, s.joins())

	err := q.QueryRow(ctx, lockQuery, joinID).Scan(&expected, &completed, &failed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("join: %v: %w", joinID, ErrNotFound)
		}
		return false, fmt.Errorf("join: lock: %w", err)
	}

	if completed+failed >= expected {
		return false, nil
	}

	memberQuery := fmt.Sprintf(`
		UPDATE %s SET reported_status = $3
		WHERE join_id = $1 AND outbox_message_id = $2 AND reported_status = $4
	`, s.members())

	tag, err := q.Exec(ctx, memberQuery, joinID, messageID, outcome, MemberPending)
	if err != nil {
		return false, fmt.Errorf("join: report member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already reported, or never attached.
		return false, nil
	}

	column := "completed_steps"
	if outcome == MemberFailed {
		column = "failed_steps"
	}
	countQuery := fmt.Sprintf(`
		UPDATE %s SET %s = %s + 1, last_updated_utc = now()
		WHERE join_id = $1
	`, s.joins(), column, column)

	if _, err := q.Exec(ctx, countQuery, joinID); err != nil {
		return false, fmt.Errorf("join: advance counters: %w", err)
	}

	if outcome == MemberFailed {
		metrics.JoinAdvancements.WithLabelValues("failed").Inc()
	} else {
		metrics.JoinAdvancements.WithLabelValues("completed").Inc()
	}
	return true, nil
}

// UpdateStatus transitions the barrier to a terminal status.
func (s *Store) UpdateStatus(ctx context.Context, joinID id.JoinID, status Status) error {
	if status != StatusCompleted && status != StatusFailed {
		return fault.Invalidf("join status %q is not terminal", status)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, last_updated_utc = now()
		WHERE join_id = $1
	`, s.joins())

	tag, err := s.db.Exec(ctx, query, joinID, status)
	if err != nil {
		return fmt.Errorf("join: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("join: %v: %w", joinID, ErrNotFound)
	}
	return nil
}

// GetJoin loads one barrier.
func (s *Store) GetJoin(ctx context.Context, joinID id.JoinID) (*Join, error) {
	return s.getJoin(ctx, s.db, joinID)
}

func (s *Store) getJoin(ctx context.Context, q querier, joinID id.JoinID) (*Join, error) {
	query := fmt.Sprintf(`
		SELECT join_id, tenant_id, expected_steps, completed_steps, failed_steps, status, metadata, created_utc, last_updated_utc
		FROM %s WHERE join_id = $1
	`, s.joins())

	j := &Join{}
	var metadata *string
	err := q.QueryRow(ctx, query, joinID).Scan(
		&j.ID, &j.TenantID, &j.ExpectedSteps, &j.CompletedSteps, &j.FailedSteps,
		&j.Status, &metadata, &j.CreatedUtc, &j.LastUpdatedUtc,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("join: %v: %w", joinID, ErrNotFound)
		}
		return nil, fmt.Errorf("join: get: %w", err)
	}
	if metadata != nil {
		j.Metadata = *metadata
	}
	return j, nil
}

// GetJoinMessages returns the message ids attached to the join.
func (s *Store) GetJoinMessages(ctx context.Context, joinID id.JoinID) ([]id.MessageID, error) {
	query := fmt.Sprintf(`
		SELECT outbox_message_id FROM %s
		WHERE join_id = $1
		ORDER BY outbox_message_id
	`, s.members())

	rows, err := s.db.Query(ctx, query, joinID)
	if err != nil {
		return nil, fmt.Errorf("join: get messages: %w", err)
	}
	defer rows.Close()

	var ids []id.MessageID
	for rows.Next() {
		var m id.MessageID
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("join: scan message id: %w", err)
		}
		ids = append(ids, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("join: rows: %w", err)
	}
	return ids, nil
}

func scanJoinIDs(rows pgx.Rows) ([]id.JoinID, error) {
	defer rows.Close()
	var ids []id.JoinID
	for rows.Next() {
		var j id.JoinID
		if err := rows.Scan(&j); err != nil {
			return nil, fmt.Errorf("join: scan join id: %w", err)
		}
		ids = append(ids, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("join: rows: %w", err)
	}
	return ids, nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
