// Package id defines the typed identifiers shared by the Gantry stores.
//
// Every identifier is a distinct struct over a 128-bit UUID so owner tokens,
// work items, messages, joins, instances and databases cannot be mixed up at
// compile time. The inbox message id is the one exception: it is a
// caller-supplied string of at most 128 bytes, keyed together with its source.
package id

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// OwnerToken authorises mutation of claimed work-queue rows. A fresh token is
// generated per claim; possession of the matching token is the sole right to
// transition a row out of its in-progress state.
type OwnerToken struct{ uuid.UUID }

// NewOwnerToken returns a random owner token.
func NewOwnerToken() OwnerToken { return OwnerToken{uuid.New()} }

// ParseOwnerToken parses the canonical string form of an owner token.
func ParseOwnerToken(s string) (OwnerToken, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return OwnerToken{}, fmt.Errorf("id: parse owner token: %w", err)
	}
	return OwnerToken{u}, nil
}

// IsZero reports whether the token is the zero value. A zero token never
// authorises anything.
func (t OwnerToken) IsZero() bool { return t.UUID == uuid.Nil }

// WorkItemID is the primary key of an outbox row.
type WorkItemID struct{ uuid.UUID }

// NewWorkItemID returns a random work-item id.
func NewWorkItemID() WorkItemID { return WorkItemID{uuid.New()} }

// ParseWorkItemID parses the canonical string form of a work-item id.
func ParseWorkItemID(s string) (WorkItemID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return WorkItemID{}, fmt.Errorf("id: parse work item id: %w", err)
	}
	return WorkItemID{u}, nil
}

// IsZero reports whether the id is the zero value.
func (t WorkItemID) IsZero() bool { return t.UUID == uuid.Nil }

// MessageID is the business identity of an outbox message. It survives
// redelivery and is the key join members are registered under.
type MessageID struct{ uuid.UUID }

// NewMessageID returns a random message id.
func NewMessageID() MessageID { return MessageID{uuid.New()} }

// ParseMessageID parses the canonical string form of a message id.
func ParseMessageID(s string) (MessageID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return MessageID{}, fmt.Errorf("id: parse message id: %w", err)
	}
	return MessageID{u}, nil
}

// IsZero reports whether the id is the zero value.
func (t MessageID) IsZero() bool { return t.UUID == uuid.Nil }

// JoinID identifies an outbox join barrier.
type JoinID struct{ uuid.UUID }

// NewJoinID returns a random join id.
func NewJoinID() JoinID { return JoinID{uuid.New()} }

// ParseJoinID parses the canonical string form of a join id.
func ParseJoinID(s string) (JoinID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return JoinID{}, fmt.Errorf("id: parse join id: %w", err)
	}
	return JoinID{u}, nil
}

// IsZero reports whether the id is the zero value.
func (t JoinID) IsZero() bool { return t.UUID == uuid.Nil }

// InstanceID identifies one running process.
type InstanceID struct{ uuid.UUID }

// NewInstanceID returns a random instance id.
func NewInstanceID() InstanceID { return InstanceID{uuid.New()} }

// IsZero reports whether the id is the zero value.
func (t InstanceID) IsZero() bool { return t.UUID == uuid.Nil }

// DatabaseID identifies one tenant database.
type DatabaseID struct{ uuid.UUID }

// DatabaseIDFor derives a stable database id from a configured store name, so
// the same name maps to the same id across processes and restarts.
func DatabaseIDFor(name string) DatabaseID {
	return DatabaseID{uuid.NewSHA1(uuid.NameSpaceOID, []byte("gantry:database:"+name))}
}

// IsZero reports whether the id is the zero value.
func (t DatabaseID) IsZero() bool { return t.UUID == uuid.Nil }

// MaxInboxMessageIDBytes is the longest caller-supplied inbox message id.
const MaxInboxMessageIDBytes = 128

// InboxMessageID is the caller-supplied identity of an inbound message.
// Deduplication keys on the (id, source) pair, never on the id alone.
type InboxMessageID string

// Validate reports whether the id is usable as an inbox key.
func (m InboxMessageID) Validate() error {
	if m == "" {
		return fmt.Errorf("id: inbox message id must not be empty")
	}
	if len(m) > MaxInboxMessageIDBytes {
		return fmt.Errorf("id: inbox message id exceeds %d bytes", MaxInboxMessageIDBytes)
	}
	return nil
}

func (m InboxMessageID) String() string { return string(m) }

// NewInstanceName returns a human-readable name for this process, used for
// lock owners and the ProcessedBy stamp on dead-lettered rows.
func NewInstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gantry"
	}
	// Keep the suffix short; the hostname carries the real information.
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return host + "-" + suffix
}
