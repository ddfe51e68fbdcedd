// Package join implements the outbox fan-in barrier.
//
// A parent workflow creates a join declaring how many downstream outbox
// messages it expects, attaches each message to the join, and publishes a
// join.wait follow-up. Member outcomes are recorded at most once per
// (join, message) pair and the counters never exceed the expected step count,
// so the barrier tolerates double dispatch and repeated acks without
// over-counting.
package join

import (
	"time"

	"go.gantry.dev/internal/common/id"
)

// Status is the lifecycle state of a join barrier.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal returns true once the barrier has been resolved
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Join is one barrier row.
type Join struct {
	ID             id.JoinID
	TenantID       int64
	ExpectedSteps  int
	CompletedSteps int
	FailedSteps    int
	Status         Status
	Metadata       string
	CreatedUtc     time.Time
	LastUpdatedUtc time.Time
}

// Ready reports whether every expected member has reported an outcome.
func (j *Join) Ready() bool {
	return j.CompletedSteps+j.FailedSteps >= j.ExpectedSteps
}

// MemberStatus is the reported outcome of one attached message.
type MemberStatus string

const (
	MemberPending   MemberStatus = "PENDING"
	MemberCompleted MemberStatus = "COMPLETED"
	MemberFailed    MemberStatus = "FAILED"
)
