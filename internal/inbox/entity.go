// Package inbox implements at-most-once ingestion with deduplication,
// governed by the shared work-queue lease protocol.
//
// Ingesters merge rows keyed on (message id, source); a message already
// marked Done is suppressed rather than re-created. Dispatch workers claim
// Seen rows under an owner token and transition them to Done, back to Seen
// for retry, or to Dead when no handler can ever process them.
package inbox

import (
	"time"

	"go.gantry.dev/internal/common/id"
)

// Status is the work-queue state of an inbox row. Inbox states are stored as
// strings, unlike the outbox's integer enum.
type Status string

const (
	// StatusSeen - row has been ingested and is waiting to be claimed
	StatusSeen Status = "SEEN"

	// StatusProcessing - row is leased to an owner token
	StatusProcessing Status = "PROCESSING"

	// StatusDone - row was acknowledged; future ingests of the same key are
	// suppressed
	StatusDone Status = "DONE"

	// StatusDead - row was dead-lettered
	StatusDead Status = "DEAD"
)

// IsTerminal returns true if this status represents a final state
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusDead
}

// Message is one inbox row. Identity is the (MessageID, Source) pair.
type Message struct {
	MessageID id.InboxMessageID
	Source    string
	Topic     string
	Payload   string

	// Hash is an opaque caller-supplied digest, preserved from first sight.
	Hash []byte

	FirstSeenUtc time.Time
	LastSeenUtc  time.Time
	ProcessedUtc *time.Time

	// Attempts counts every ingestion touch of the row, including the first.
	Attempts int

	Status      Status
	OwnerToken  *id.OwnerToken
	LockedUntil *time.Time
}

// Failure pairs an inbox key with the error that stopped it.
type Failure struct {
	MessageID id.InboxMessageID
	Source    string
	Message   string
}

// Key identifies one inbox row.
type Key struct {
	MessageID id.InboxMessageID
	Source    string
}
