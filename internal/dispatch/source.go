// Package dispatch pulls claimed work from message stores and routes it to
// topic handlers.
//
// The dispatcher is store-agnostic: outbox and inbox stores are adapted to
// the Source interface, and a strategy decides which source the next round
// polls. Handler outcomes map onto the work-queue protocol - success acks,
// ordinary failure abandons with backoff, poison dead-letters, and critical
// faults escape the loop with the rows left untouched for the reaper.
package dispatch

import (
	"context"
	"time"

	"go.gantry.dev/internal/common/id"
)

// Item is one claimed unit of work, normalised across sources.
type Item struct {
	Topic   string
	Payload string

	// Attempts counts prior failed deliveries of this item.
	Attempts int

	// Token is the source-private completion handle: the outbox hands out
	// work-item ids, the inbox hands out (message id, source) keys. The
	// dispatcher passes it back opaquely.
	Token any
}

// Failure pairs an item token with the error message that stopped it.
type Failure struct {
	Token   any
	Message string
}

// Source is a claimable message store. Implementations adapt the outbox and
// inbox stores; every mutation is bound to the owner token from the claim.
type Source interface {
	// Name identifies the source in metrics and logs.
	Name() string

	// Claim leases up to batchSize items to the owner. An empty slice is
	// normal on an idle source.
	Claim(ctx context.Context, owner id.OwnerToken, leaseSeconds, batchSize int) ([]Item, error)

	// Ack completes items. Tokens no longer held by the owner are skipped.
	Ack(ctx context.Context, owner id.OwnerToken, tokens []any) error

	// Abandon releases items for retry after the delay.
	Abandon(ctx context.Context, owner id.OwnerToken, failures []Failure, delay time.Duration) error

	// Fail dead-letters items.
	Fail(ctx context.Context, owner id.OwnerToken, failures []Failure) error
}
