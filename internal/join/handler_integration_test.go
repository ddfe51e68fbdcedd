package join_test

import (
	"context"
	"errors"
	"testing"

	"go.gantry.dev/internal/common/id"
	"go.gantry.dev/internal/join"
)

type fakeEnqueuer struct {
	topics   []string
	payloads []string
	err      error
}

func (f *fakeEnqueuer) EnqueueTopic(ctx context.Context, topic, payload string) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func waitPayload(t *testing.T, p join.WaitPayload) string {
	t.Helper()
	// The payload shape is stable JSON; building it by hand keeps the test
	// independent of the producer side.
	body := `{"joinId":"` + p.JoinID.String() + `","failIfAnyStepFailed":`
	if p.FailIfAnyStepFailed {
		body += "true"
	} else {
		body += "false"
	}
	if p.OnCompleteTopic != "" {
		body += `,"onCompleteTopic":"` + p.OnCompleteTopic + `","onCompletePayload":"` + p.OnCompletePayload + `"`
	}
	if p.OnFailTopic != "" {
		body += `,"onFailTopic":"` + p.OnFailTopic + `","onFailPayload":"` + p.OnFailPayload + `"`
	}
	return body + "}"
}

// === Wait Handler Tests ===

func TestWaitNotReadyUntilAllMembersReport(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	enq := &fakeEnqueuer{}
	h := join.NewWaitHandler(s, enq)

	j, err := s.CreateJoin(ctx, 1, 2, "")
	if err != nil {
		t.Fatalf("CreateJoin failed: %v", err)
	}
	first := id.NewMessageID()
	second := id.NewMessageID()
	if err := s.AttachMessage(ctx, j.ID, first); err != nil {
		t.Fatalf("AttachMessage failed: %v", err)
	}
	if err := s.AttachMessage(ctx, j.ID, second); err != nil {
		t.Fatalf("AttachMessage failed: %v", err)
	}

	payload := waitPayload(t, join.WaitPayload{JoinID: j.ID, OnCompleteTopic: "next", OnCompletePayload: "go"})

	err = h.Handle(ctx, payload)
	if !errors.Is(err, join.ErrNotReady) {
		t.Fatalf("Expected ErrNotReady with no outcomes, got %v", err)
	}

	if _, err := s.IncrementCompleted(ctx, j.ID, first); err != nil {
		t.Fatalf("IncrementCompleted failed: %v", err)
	}
	err = h.Handle(ctx, payload)
	if !errors.Is(err, join.ErrNotReady) {
		t.Fatalf("Expected ErrNotReady with one of two outcomes, got %v", err)
	}

	if _, err := s.IncrementCompleted(ctx, j.ID, second); err != nil {
		t.Fatalf("IncrementCompleted failed: %v", err)
	}
	if err := h.Handle(ctx, payload); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got, err := s.GetJoin(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJoin failed: %v", err)
	}
	if got.Status != join.StatusCompleted {
		t.Errorf("Expected status COMPLETED, got %s", got.Status)
	}
	if len(enq.topics) != 1 || enq.topics[0] != "next" || enq.payloads[0] != "go" {
		t.Errorf("Expected on-complete follow-up published, got %v", enq.topics)
	}
}

func TestWaitFailsBarrierWhenAnyStepFailed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	enq := &fakeEnqueuer{}
	h := join.NewWaitHandler(s, enq)

	j, err := s.CreateJoin(ctx, 1, 2, "")
	if err != nil {
		t.Fatalf("CreateJoin failed: %v", err)
	}
	first := id.NewMessageID()
	second := id.NewMessageID()
	if err := s.AttachMessage(ctx, j.ID, first); err != nil {
		t.Fatalf("AttachMessage failed: %v", err)
	}
	if err := s.AttachMessage(ctx, j.ID, second); err != nil {
		t.Fatalf("AttachMessage failed: %v", err)
	}
	if _, err := s.IncrementCompleted(ctx, j.ID, first); err != nil {
		t.Fatalf("IncrementCompleted failed: %v", err)
	}
	if _, err := s.IncrementFailed(ctx, j.ID, second); err != nil {
		t.Fatalf("IncrementFailed failed: %v", err)
	}

	payload := waitPayload(t, join.WaitPayload{
		JoinID:              j.ID,
		FailIfAnyStepFailed: true,
		OnCompleteTopic:     "next",
		OnFailTopic:         "compensate",
		OnFailPayload:       "undo",
	})
	if err := h.Handle(ctx, payload); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got, err := s.GetJoin(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJoin failed: %v", err)
	}
	if got.Status != join.StatusFailed {
		t.Errorf("Expected status FAILED, got %s", got.Status)
	}
	if len(enq.topics) != 1 || enq.topics[0] != "compensate" || enq.payloads[0] != "undo" {
		t.Errorf("Expected only the on-fail follow-up, got %v", enq.topics)
	}
}

func TestWaitToleratesFailuresByDefault(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	enq := &fakeEnqueuer{}
	h := join.NewWaitHandler(s, enq)

	j, err := s.CreateJoin(ctx, 1, 1, "")
	if err != nil {
		t.Fatalf("CreateJoin failed: %v", err)
	}
	m := id.NewMessageID()
	if err := s.AttachMessage(ctx, j.ID, m); err != nil {
		t.Fatalf("AttachMessage failed: %v", err)
	}
	if _, err := s.IncrementFailed(ctx, j.ID, m); err != nil {
		t.Fatalf("IncrementFailed failed: %v", err)
	}

	payload := waitPayload(t, join.WaitPayload{JoinID: j.ID, OnCompleteTopic: "next", OnCompletePayload: "go"})
	if err := h.Handle(ctx, payload); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got, err := s.GetJoin(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJoin failed: %v", err)
	}
	if got.Status != join.StatusCompleted {
		t.Errorf("Expected a tolerant barrier to complete, got %s", got.Status)
	}
	if len(enq.topics) != 1 || enq.topics[0] != "next" {
		t.Errorf("Expected on-complete follow-up, got %v", enq.topics)
	}
}

func TestWaitIsIdempotentAfterTerminalisation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	enq := &fakeEnqueuer{}
	h := join.NewWaitHandler(s, enq)

	j, err := s.CreateJoin(ctx, 1, 1, "")
	if err != nil {
		t.Fatalf("CreateJoin failed: %v", err)
	}
	m := id.NewMessageID()
	if err := s.AttachMessage(ctx, j.ID, m); err != nil {
		t.Fatalf("AttachMessage failed: %v", err)
	}
	if _, err := s.IncrementCompleted(ctx, j.ID, m); err != nil {
		t.Fatalf("IncrementCompleted failed: %v", err)
	}

	payload := waitPayload(t, join.WaitPayload{JoinID: j.ID, OnCompleteTopic: "next"})
	if err := h.Handle(ctx, payload); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if err := h.Handle(ctx, payload); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(enq.topics) != 1 {
		t.Errorf("Expected the follow-up published exactly once, got %d", len(enq.topics))
	}
}

func TestWaitRejectsMalformedPayload(t *testing.T) {
	s := newStore(t)
	h := join.NewWaitHandler(s, &fakeEnqueuer{})

	if err := h.Handle(context.Background(), "not json"); err == nil {
		t.Error("Expected malformed payload to be rejected")
	}
	if err := h.Handle(context.Background(), "{}"); err == nil {
		t.Error("Expected missing join id to be rejected")
	}
}
