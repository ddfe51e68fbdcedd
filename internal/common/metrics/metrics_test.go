package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// === Queue Metrics Tests ===

func TestQueueClaims_Labels(t *testing.T) {
	// Test that we can increment with valid labels
	QueueClaims.WithLabelValues("test/outbox", "claimed").Inc()
	QueueClaims.WithLabelValues("test/outbox", "empty").Inc()
	QueueClaims.WithLabelValues("test/outbox", "error").Inc()

	// Verify we can get the counter value
	counter := QueueClaims.WithLabelValues("test/outbox", "claimed")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestQueueClaimDuration_Observe(t *testing.T) {
	// Test that we can observe durations
	durations := []float64{0.001, 0.01, 0.1, 0.5, 1.0}
	for _, d := range durations {
		QueueClaimDuration.WithLabelValues("test/outbox").Observe(d)
	}

	histogram := QueueClaimDuration.WithLabelValues("test/outbox")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestQueueCompletions_Labels(t *testing.T) {
	for _, op := range []string{"ack", "abandon", "fail"} {
		QueueCompletions.WithLabelValues("test/inbox", op).Inc()
	}

	counter := QueueCompletions.WithLabelValues("test/inbox", "ack")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Dispatch Metrics Tests ===

func TestDispatchRounds_Labels(t *testing.T) {
	results := []string{"processed", "empty", "skipped", "error"}
	for _, result := range results {
		DispatchRounds.WithLabelValues("test/outbox", result).Inc()
	}

	counter := DispatchRounds.WithLabelValues("test/outbox", "processed")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestDispatchHandled_Labels(t *testing.T) {
	outcomes := []string{"ack", "retry", "dead_letter", "critical"}
	for _, outcome := range outcomes {
		DispatchHandled.WithLabelValues("orders.created", outcome).Inc()
	}

	counter := DispatchHandled.WithLabelValues("orders.created", "ack")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestDispatchBreakerState_Values(t *testing.T) {
	gauge := DispatchBreakerState.WithLabelValues("test/outbox")

	// Test all valid states
	gauge.Set(CircuitBreakerClosed)
	gauge.Set(CircuitBreakerOpen)
	gauge.Set(CircuitBreakerHalfOpen)

	if gauge == nil {
		t.Error("Expected gauge to be non-nil")
	}
}

// === Semaphore Metrics Tests ===

func TestSemaphoreAcquires_Labels(t *testing.T) {
	for _, result := range []string{"acquired", "rejected", "idempotent"} {
		SemaphoreAcquires.WithLabelValues(result).Inc()
	}

	counter := SemaphoreAcquires.WithLabelValues("acquired")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestSemaphoreReapedLeases_Counter(t *testing.T) {
	SemaphoreReapedLeases.Inc()
	SemaphoreReapedLeases.Add(3)

	desc := SemaphoreReapedLeases.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

// === Lease Metrics Tests ===

func TestLeaseRenewals_Labels(t *testing.T) {
	for _, result := range []string{"renewed", "lost", "error"} {
		LeaseRenewals.WithLabelValues(result).Inc()
	}

	counter := LeaseRenewals.WithLabelValues("renewed")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestLeasesLost_Counter(t *testing.T) {
	LeasesLost.Inc()

	desc := LeasesLost.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

// === Join Metrics Tests ===

func TestJoinWaits_Labels(t *testing.T) {
	for _, result := range []string{"completed", "failed", "not_ready", "noop"} {
		JoinWaits.WithLabelValues(result).Inc()
	}

	counter := JoinWaits.WithLabelValues("completed")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Cleanup Metrics Tests ===

func TestCleanupRuns_Labels(t *testing.T) {
	for _, result := range []string{"completed", "skipped", "error"} {
		CleanupRuns.WithLabelValues("test", result).Inc()
	}

	counter := CleanupRuns.WithLabelValues("test", "completed")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestCleanupDeletedRows_Labels(t *testing.T) {
	for _, table := range []string{"outbox", "inbox", "semaphore_leases", "locks"} {
		CleanupDeletedRows.WithLabelValues("test", table).Add(10)
	}

	counter := CleanupDeletedRows.WithLabelValues("test", "outbox")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

// === Circuit Breaker Constants Tests ===

func TestCircuitBreakerConstants(t *testing.T) {
	if CircuitBreakerClosed != 0 {
		t.Errorf("Expected CircuitBreakerClosed=0, got %d", CircuitBreakerClosed)
	}
	if CircuitBreakerOpen != 1 {
		t.Errorf("Expected CircuitBreakerOpen=1, got %d", CircuitBreakerOpen)
	}
	if CircuitBreakerHalfOpen != 2 {
		t.Errorf("Expected CircuitBreakerHalfOpen=2, got %d", CircuitBreakerHalfOpen)
	}
}

// === Counter Value Tests ===

func TestCounterValue(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter",
	})

	reg.MustRegister(counter)

	counter.Add(5)

	val := testutil.ToFloat64(counter)
	if val != 5 {
		t.Errorf("Expected counter value 5, got %f", val)
	}

	counter.Inc()

	val = testutil.ToFloat64(counter)
	if val != 6 {
		t.Errorf("Expected counter value 6, got %f", val)
	}
}

// === Gauge Value Tests ===

func TestGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "Test gauge",
	})

	reg.MustRegister(gauge)

	gauge.Set(100)
	val := testutil.ToFloat64(gauge)
	if val != 100 {
		t.Errorf("Expected gauge value 100, got %f", val)
	}

	gauge.Add(50)
	val = testutil.ToFloat64(gauge)
	if val != 150 {
		t.Errorf("Expected gauge value 150, got %f", val)
	}

	gauge.Sub(30)
	val = testutil.ToFloat64(gauge)
	if val != 120 {
		t.Errorf("Expected gauge value 120, got %f", val)
	}
}

// === Dispatch Metrics Integration Tests ===

func TestDispatchMetricsIntegration(t *testing.T) {
	source := "integration-test/outbox"

	// Simulate dispatch rounds
	for i := 0; i < 50; i++ {
		result := "processed"
		if i%5 == 0 {
			result = "empty"
		}
		DispatchRounds.WithLabelValues(source, result).Inc()
		DispatchHandlerDuration.WithLabelValues("orders.created").Observe(0.050)
	}

	// Simulate circuit breaker state changes
	DispatchBreakerState.WithLabelValues(source).Set(CircuitBreakerClosed)
	DispatchBreakerState.WithLabelValues(source).Set(CircuitBreakerOpen)
	DispatchBreakerState.WithLabelValues(source).Set(CircuitBreakerHalfOpen)
	DispatchBreakerState.WithLabelValues(source).Set(CircuitBreakerClosed)

	// All operations should succeed without panic
}

// Benchmark for counter operations
func BenchmarkCounterInc(b *testing.B) {
	counter := QueueClaimedItems.WithLabelValues("bench/outbox")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		counter.Inc()
	}
}

// Benchmark for histogram observations
func BenchmarkHistogramObserve(b *testing.B) {
	histogram := QueueClaimDuration.WithLabelValues("bench/outbox")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		histogram.Observe(0.123)
	}
}
