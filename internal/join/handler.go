package join

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.gantry.dev/internal/common/id"
	"go.gantry.dev/internal/common/metrics"
)

// WaitTopic is the reserved outbox topic the barrier's follow-up handler is
// registered under.
const WaitTopic = "join.wait"

// ErrNotReady marks a join.wait observation of a barrier whose members have
// not all reported yet. The dispatcher treats it as retryable and abandons
// the message with backoff.
var ErrNotReady = errors.New("join: not ready")

// WaitPayload is the JSON body of a join.wait message.
type WaitPayload struct {
	JoinID              id.JoinID `json:"joinId"`
	FailIfAnyStepFailed bool      `json:"failIfAnyStepFailed"`
	OnCompleteTopic     string    `json:"onCompleteTopic,omitempty"`
	OnCompletePayload   string    `json:"onCompletePayload,omitempty"`
	OnFailTopic         string    `json:"onFailTopic,omitempty"`
	OnFailPayload       string    `json:"onFailPayload,omitempty"`
}

// Enqueuer publishes a follow-up message once the barrier resolves. The
// outbox store satisfies it; taking the narrow interface here keeps the
// dependency one-way (outbox advances joins, joins never call back into the
// outbox beyond this publish).
type Enqueuer interface {
	EnqueueTopic(ctx context.Context, topic, payload string) error
}

// WaitHandler resolves join.wait messages.
type WaitHandler struct {
	store    *Store
	enqueuer Enqueuer
}

// NewWaitHandler creates the join.wait topic handler.
func NewWaitHandler(store *Store, enqueuer Enqueuer) *WaitHandler {
	return &WaitHandler{store: store, enqueuer: enqueuer}
}

// Handle processes one join.wait payload. It fails with ErrNotReady until all
// members have reported, then terminalises the barrier and publishes the
// configured follow-up. Invoked again after terminalisation it is a no-op.
func (h *WaitHandler) Handle(ctx context.Context, payload string) error {
	var p WaitPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("join: decode wait payload: %w", err)
	}
	if p.JoinID.IsZero() {
		return fmt.Errorf("join: wait payload has no join id")
	}

	j, err := h.store.GetJoin(ctx, p.JoinID)
	if err != nil {
		return err
	}

	if j.Status.IsTerminal() {
		metrics.JoinWaits.WithLabelValues("noop").Inc()
		return nil
	}

	if !j.Ready() {
		metrics.JoinWaits.WithLabelValues("not_ready").Inc()
		return fmt.Errorf("join %v: %d of %d steps reported: %w",
			j.ID, j.CompletedSteps+j.FailedSteps, j.ExpectedSteps, ErrNotReady)
	}

	if p.FailIfAnyStepFailed && j.FailedSteps > 0 {
		if err := h.store.UpdateStatus(ctx, j.ID, StatusFailed); err != nil {
			return err
		}
		slog.Info("Join failed", "joinId", j.ID, "failedSteps", j.FailedSteps)
		metrics.JoinWaits.WithLabelValues("failed").Inc()
		if p.OnFailTopic != "" {
			if err := h.enqueuer.EnqueueTopic(ctx, p.OnFailTopic, p.OnFailPayload); err != nil {
				return fmt.Errorf("join: enqueue on-fail follow-up: %w", err)
			}
		}
		return nil
	}

	if err := h.store.UpdateStatus(ctx, j.ID, StatusCompleted); err != nil {
		return err
	}
	slog.Info("Join completed", "joinId", j.ID, "completedSteps", j.CompletedSteps, "failedSteps", j.FailedSteps)
	metrics.JoinWaits.WithLabelValues("completed").Inc()
	if p.OnCompleteTopic != "" {
		if err := h.enqueuer.EnqueueTopic(ctx, p.OnCompleteTopic, p.OnCompletePayload); err != nil {
			return fmt.Errorf("join: enqueue on-complete follow-up: %w", err)
		}
	}
	return nil
}
