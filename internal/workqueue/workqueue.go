// Package workqueue defines the shared lease-claim protocol the outbox and
// inbox row sets implement.
//
// The protocol is five operations - Claim, Ack, Abandon, Fail, ReapExpired -
// each executed as a single round trip against the database. Claim hands a
// batch of rows to a fresh owner token for a bounded lease; only the matching
// token can transition those rows afterwards, and a mutation with the wrong
// token is a silent no-op rather than an error. Expired leases are reclaimed
// opportunistically by later claims and by the reaper.
//
// This package holds the pieces both specialisations share: input bounds,
// owner validation and the retry backoff schedule. The SQL itself lives with
// each store, because the row shapes differ.
package workqueue

import (
	"math"
	"math/rand"
	"time"

	"go.gantry.dev/internal/common/fault"
	"go.gantry.dev/internal/common/id"
)

// Protocol bounds. Limits can tighten these per store but never widen them.
const (
	MinLeaseSeconds = 1
	MaxLeaseSeconds = 3600

	MinBatchSize = 1
	MaxBatchSize = 10000

	// DefaultReclaimLimit bounds how many expired in-progress rows a single
	// Claim call may take over in addition to its ready candidates.
	DefaultReclaimLimit = 10

	// DefaultReapLimit bounds a ReapExpired pass.
	DefaultReapLimit = 100
)

// Limits configures the accepted claim parameter ranges for one store.
type Limits struct {
	// MinLeaseSeconds and MaxLeaseSeconds bound the lease duration a caller
	// may request.
	MinLeaseSeconds int
	MaxLeaseSeconds int

	// MaxBatchSize bounds how many rows one claim may take.
	MaxBatchSize int

	// ReclaimLimit bounds the expired rows reclaimed per claim.
	ReclaimLimit int
}

// DefaultLimits returns the protocol-wide defaults.
func DefaultLimits() Limits {
	return Limits{
		MinLeaseSeconds: MinLeaseSeconds,
		MaxLeaseSeconds: MaxLeaseSeconds,
		MaxBatchSize:    MaxBatchSize,
		ReclaimLimit:    DefaultReclaimLimit,
	}
}

func (l Limits) normalized() Limits {
	if l.MinLeaseSeconds < MinLeaseSeconds {
		l.MinLeaseSeconds = MinLeaseSeconds
	}
	if l.MaxLeaseSeconds <= 0 || l.MaxLeaseSeconds > MaxLeaseSeconds {
		l.MaxLeaseSeconds = MaxLeaseSeconds
	}
	if l.MaxBatchSize <= 0 || l.MaxBatchSize > MaxBatchSize {
		l.MaxBatchSize = MaxBatchSize
	}
	if l.ReclaimLimit <= 0 {
		l.ReclaimLimit = DefaultReclaimLimit
	}
	return l
}

// ValidateClaim checks a claim request against the limits. It returns an
// invalid-argument error; no claim parameters ever reach the database when
// validation fails.
func ValidateClaim(owner id.OwnerToken, leaseSeconds, batchSize int, limits Limits) error {
	limits = limits.normalized()
	if owner.IsZero() {
		return fault.Invalidf("owner token must not be zero")
	}
	if leaseSeconds < limits.MinLeaseSeconds || leaseSeconds > limits.MaxLeaseSeconds {
		return fault.Invalidf("lease seconds %d outside [%d, %d]", leaseSeconds, limits.MinLeaseSeconds, limits.MaxLeaseSeconds)
	}
	if batchSize < MinBatchSize || batchSize > limits.MaxBatchSize {
		return fault.Invalidf("batch size %d outside [%d, %d]", batchSize, MinBatchSize, limits.MaxBatchSize)
	}
	return nil
}

// ValidateOwner checks an owner token for the owner-bound mutations.
func ValidateOwner(owner id.OwnerToken) error {
	if owner.IsZero() {
		return fault.Invalidf("owner token must not be zero")
	}
	return nil
}

// ValidateReap checks a reap bound.
func ValidateReap(maxRows int) error {
	if maxRows < 1 {
		return fault.Invalidf("reap max rows %d must be positive", maxRows)
	}
	return nil
}

// Backoff computes abandon delays: exponential in the attempt count with
// proportional jitter so retrying workers spread out.
type Backoff struct {
	// Base is the delay after the first failure.
	Base time.Duration

	// Max caps the delay regardless of attempts.
	Max time.Duration

	// Jitter is the +/- fraction applied to the computed delay, in [0, 1).
	Jitter float64
}

// DefaultBackoff returns the schedule the dispatcher uses: 5s, 10s, 20s, ...
// capped at 15 minutes, with 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Max: 15 * time.Minute, Jitter: 0.2}
}

// Delay returns the wait before the given retry. attempt counts prior
// failures, so the first retry passes attempt=1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 5 * time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 15 * time.Minute
	}

	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	if b.Jitter > 0 {
		// Spread in [d*(1-jitter), d*(1+jitter)].
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d > float64(max) {
		d = float64(max)
	}
	if d < float64(time.Millisecond) {
		d = float64(time.Millisecond)
	}
	return time.Duration(d)
}
