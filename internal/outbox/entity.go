// Package outbox implements durable transactional publishing over a single
// Postgres table, governed by the shared work-queue lease protocol.
//
// Producers insert Ready rows, enlisting in the caller's transaction when one
// is supplied so the publish commits iff the business write commits. Dispatch
// workers claim batches under an owner token, and only the matching token can
// ack, abandon, fail or renew the claimed rows. Acknowledging or failing a
// message that belongs to a join barrier advances the join's counters in the
// same transaction.
package outbox

import (
	"time"

	"go.gantry.dev/internal/common/id"
)

// Status is the work-queue state of an outbox row.
type Status int

const (
	// StatusReady - row is waiting to be claimed
	StatusReady Status = 0

	// StatusInProgress - row is leased to an owner token
	StatusInProgress Status = 1

	// StatusDone - row was acknowledged by its owner
	StatusDone Status = 2

	// StatusFailed - row was dead-lettered by its owner
	StatusFailed Status = 3
)

// String returns a human-readable status name
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusDone:
		return "DONE"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true if this status represents a final state
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Message is one outbox row.
type Message struct {
	// ID is the work-item identity, the row primary key. Claim, ack, abandon
	// and fail traffic in this id.
	ID id.WorkItemID

	// MessageID is the business identity. It survives redelivery and is the
	// key join members are registered under.
	MessageID id.MessageID

	// Topic routes the message to a handler.
	Topic string

	// Payload is opaque text; the store never inspects it.
	Payload string

	// CorrelationID is an optional caller-supplied trace key.
	CorrelationID string

	CreatedAt time.Time

	// DueTimeUtc delays visibility: the row is not claimable before it.
	DueTimeUtc *time.Time

	IsProcessed bool
	ProcessedAt *time.Time
	ProcessedBy string

	// RetryCount counts abandons, not claims.
	RetryCount int

	LastError     string
	NextAttemptAt *time.Time

	Status      Status
	LockedUntil *time.Time
	OwnerToken  *id.OwnerToken
}

// EnqueueRequest describes a message to publish.
type EnqueueRequest struct {
	Topic         string
	Payload       string
	CorrelationID string
	DueTimeUtc    *time.Time

	// MessageID, when zero, is generated by the store.
	MessageID id.MessageID
}

// Failure pairs a work item with the error that stopped it.
type Failure struct {
	ID      id.WorkItemID
	Message string
}
