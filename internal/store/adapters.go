package store

import (
	"context"
	"time"

	"go.gantry.dev/internal/common/id"
	"go.gantry.dev/internal/dispatch"
	"go.gantry.dev/internal/inbox"
	"go.gantry.dev/internal/outbox"
)

// OutboxSource adapts an outbox store to the dispatch Source interface.
// Item tokens are work-item ids.
type OutboxSource struct {
	store *outbox.Store
}

// NewOutboxSource wraps an outbox store for dispatch.
func NewOutboxSource(store *outbox.Store) *OutboxSource {
	return &OutboxSource{store: store}
}

// Name implements dispatch.Source.
func (s *OutboxSource) Name() string { return s.store.Name() + "/outbox" }

// Claim implements dispatch.Source.
func (s *OutboxSource) Claim(ctx context.Context, owner id.OwnerToken, leaseSeconds, batchSize int) ([]dispatch.Item, error) {
	messages, err := s.store.Claim(ctx, owner, leaseSeconds, batchSize)
	if err != nil {
		return nil, err
	}
	items := make([]dispatch.Item, len(messages))
	for i, m := range messages {
		items[i] = dispatch.Item{
			Topic:    m.Topic,
			Payload:  m.Payload,
			Attempts: m.RetryCount,
			Token:    m.ID,
		}
	}
	return items, nil
}

// Ack implements dispatch.Source.
func (s *OutboxSource) Ack(ctx context.Context, owner id.OwnerToken, tokens []any) error {
	return s.store.Ack(ctx, owner, workItemIDs(tokens))
}

// Abandon implements dispatch.Source.
func (s *OutboxSource) Abandon(ctx context.Context, owner id.OwnerToken, failures []dispatch.Failure, delay time.Duration) error {
	return s.store.Abandon(ctx, owner, outboxFailures(failures), delay)
}

// Fail implements dispatch.Source.
func (s *OutboxSource) Fail(ctx context.Context, owner id.OwnerToken, failures []dispatch.Failure) error {
	return s.store.Fail(ctx, owner, outboxFailures(failures))
}

func workItemIDs(tokens []any) []id.WorkItemID {
	ids := make([]id.WorkItemID, len(tokens))
	for i, t := range tokens {
		ids[i] = t.(id.WorkItemID)
	}
	return ids
}

func outboxFailures(failures []dispatch.Failure) []outbox.Failure {
	out := make([]outbox.Failure, len(failures))
	for i, f := range failures {
		out[i] = outbox.Failure{ID: f.Token.(id.WorkItemID), Message: f.Message}
	}
	return out
}

// InboxSource adapts an inbox store to the dispatch Source interface.
// Item tokens are (message id, source) keys.
type InboxSource struct {
	store *inbox.Store
}

// NewInboxSource wraps an inbox store for dispatch.
func NewInboxSource(store *inbox.Store) *InboxSource {
	return &InboxSource{store: store}
}

// Name implements dispatch.Source.
func (s *InboxSource) Name() string { return s.store.Name() + "/inbox" }

// Claim implements dispatch.Source.
func (s *InboxSource) Claim(ctx context.Context, owner id.OwnerToken, leaseSeconds, batchSize int) ([]dispatch.Item, error) {
	messages, err := s.store.Claim(ctx, owner, leaseSeconds, batchSize)
	if err != nil {
		return nil, err
	}
	items := make([]dispatch.Item, len(messages))
	for i, m := range messages {
		items[i] = dispatch.Item{
			Topic:   m.Topic,
			Payload: m.Payload,
			// Attempts counts ingestion touches, so the first delivery of a
			// once-seen message reports zero prior failures.
			Attempts: m.Attempts - 1,
			Token:    inbox.Key{MessageID: m.MessageID, Source: m.Source},
		}
	}
	return items, nil
}

// Ack implements dispatch.Source.
func (s *InboxSource) Ack(ctx context.Context, owner id.OwnerToken, tokens []any) error {
	return s.store.Ack(ctx, owner, inboxKeys(tokens))
}

// Abandon implements dispatch.Source. The inbox carries no per-row backoff
// column; abandoned rows become claimable immediately and the delay is
// dropped.
func (s *InboxSource) Abandon(ctx context.Context, owner id.OwnerToken, failures []dispatch.Failure, delay time.Duration) error {
	keys := make([]inbox.Key, len(failures))
	for i, f := range failures {
		keys[i] = f.Token.(inbox.Key)
	}
	return s.store.Abandon(ctx, owner, keys)
}

// Fail implements dispatch.Source.
func (s *InboxSource) Fail(ctx context.Context, owner id.OwnerToken, failures []dispatch.Failure) error {
	out := make([]inbox.Failure, len(failures))
	for i, f := range failures {
		key := f.Token.(inbox.Key)
		out[i] = inbox.Failure{MessageID: key.MessageID, Source: key.Source, Message: f.Message}
	}
	return s.store.Fail(ctx, owner, out)
}

// Sources returns a dispatch source for every store's outbox and inbox, in
// registration order, so the registry can feed a dispatcher directly.
func (r *Registry) Sources() []dispatch.Source {
	stores := r.All()
	sources := make([]dispatch.Source, 0, 2*len(stores))
	for _, s := range stores {
		sources = append(sources, NewOutboxSource(s.Outbox), NewInboxSource(s.Inbox))
	}
	return sources
}

func inboxKeys(tokens []any) []inbox.Key {
	keys := make([]inbox.Key, len(tokens))
	for i, t := range tokens {
		keys[i] = t.(inbox.Key)
	}
	return keys
}
