package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbox metrics

	// OutboxEnqueued tracks messages published to the outbox
	OutboxEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "outbox",
			Name:      "enqueued_total",
			Help:      "Total messages enqueued to the outbox",
		},
		[]string{"store"},
	)

	// OutboxCleanupDeleted tracks completed rows removed by retention
	OutboxCleanupDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "outbox",
			Name:      "cleanup_deleted_total",
			Help:      "Total processed outbox rows deleted by retention cleanup",
		},
		[]string{"store"},
	)

	// Inbox metrics

	// InboxEnqueued tracks messages merged into the inbox
	InboxEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "inbox",
			Name:      "enqueued_total",
			Help:      "Total messages enqueued to the inbox",
		},
		[]string{"store"},
	)

	// InboxDedupHits tracks ingestions suppressed by deduplication
	InboxDedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "inbox",
			Name:      "dedup_hits_total",
			Help:      "Total already-processed checks that suppressed a duplicate",
		},
		[]string{"store"},
	)

	// Work-queue protocol metrics

	// QueueClaims tracks claim calls by queue and result
	QueueClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "queue",
			Name:      "claims_total",
			Help:      "Total claim calls against a work queue",
		},
		[]string{"queue", "result"}, // result: claimed, empty, error
	)

	// QueueClaimedItems tracks rows handed out by claims
	QueueClaimedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "queue",
			Name:      "claimed_items_total",
			Help:      "Total rows handed to owners by claim calls",
		},
		[]string{"queue"},
	)

	// QueueClaimDuration tracks the claim round-trip time
	QueueClaimDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gantry",
			Subsystem: "queue",
			Name:      "claim_duration_seconds",
			Help:      "Time for a claim round trip",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"queue"},
	)

	// QueueCompletions tracks owner-bound terminal transitions
	QueueCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "queue",
			Name:      "completions_total",
			Help:      "Total owner-bound transitions out of in-progress",
		},
		[]string{"queue", "op"}, // op: ack, abandon, fail
	)

	// QueueReapedRows tracks expired leases reset by the reaper
	QueueReapedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "queue",
			Name:      "reaped_rows_total",
			Help:      "Total expired in-progress rows reset to ready",
		},
		[]string{"queue"},
	)

	// Dispatcher metrics

	// DispatchRounds tracks RunOnce rounds by result
	DispatchRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "dispatch",
			Name:      "rounds_total",
			Help:      "Total dispatch rounds",
		},
		[]string{"store", "result"}, // result: processed, empty, skipped, error
	)

	// DispatchHandled tracks handler outcomes
	DispatchHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "dispatch",
			Name:      "handled_total",
			Help:      "Total messages routed to handlers",
		},
		[]string{"topic", "outcome"}, // outcome: ack, retry, dead_letter
	)

	// DispatchHandlerDuration tracks per-message handler time
	DispatchHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gantry",
			Subsystem: "dispatch",
			Name:      "handler_duration_seconds",
			Help:      "Time a handler spent on one message",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	// DispatchBreakerState tracks the per-store circuit breaker state
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	DispatchBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gantry",
			Subsystem: "dispatch",
			Name:      "breaker_state",
			Help:      "Per-store circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"store"},
	)

	// Semaphore metrics

	// SemaphoreAcquires tracks acquire attempts by result
	SemaphoreAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "semaphore",
			Name:      "acquires_total",
			Help:      "Total semaphore acquire attempts",
		},
		[]string{"result"}, // result: acquired, rejected, idempotent
	)

	// SemaphoreRenews tracks renew attempts by result
	SemaphoreRenews = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "semaphore",
			Name:      "renews_total",
			Help:      "Total semaphore lease renew attempts",
		},
		[]string{"result"}, // result: renewed, lost
	)

	// SemaphoreReapedLeases tracks expired semaphore leases deleted
	SemaphoreReapedLeases = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "semaphore",
			Name:      "reaped_leases_total",
			Help:      "Total expired semaphore leases deleted",
		},
	)

	// Lease runner metrics

	// LeaseRenewals tracks automatic lease renewals by result
	LeaseRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "lease",
			Name:      "renewals_total",
			Help:      "Total lease renewals attempted by runners",
		},
		[]string{"result"}, // result: renewed, lost, error
	)

	// LeasesLost tracks leases lost by running holders
	LeasesLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "lease",
			Name:      "lost_total",
			Help:      "Total leases lost while a runner held them",
		},
	)

	// Join metrics

	// JoinsCreated tracks join barriers created
	JoinsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "join",
			Name:      "created_total",
			Help:      "Total join barriers created",
		},
	)

	// JoinAdvancements tracks member outcomes recorded
	JoinAdvancements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "join",
			Name:      "advancements_total",
			Help:      "Total join member outcomes recorded",
		},
		[]string{"outcome"}, // outcome: completed, failed
	)

	// JoinWaits tracks join.wait handler outcomes
	JoinWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "join",
			Name:      "waits_total",
			Help:      "Total join.wait handler invocations",
		},
		[]string{"result"}, // result: completed, failed, not_ready, noop
	)

	// Cleanup metrics

	// CleanupRuns tracks cleanup passes by result
	CleanupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "cleanup",
			Name:      "runs_total",
			Help:      "Total cleanup passes",
		},
		[]string{"store", "result"}, // result: completed, skipped, error
	)

	// CleanupDeletedRows tracks rows removed per table
	CleanupDeletedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "cleanup",
			Name:      "deleted_rows_total",
			Help:      "Total rows removed by cleanup, by table",
		},
		[]string{"store", "table"},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
