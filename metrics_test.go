package codecks

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsCollectorWithRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewMetricsCollectorWithRegistry(registry)

	if collector.Registerer() != registry {
		t.Error("Expected collector to use the supplied registry")
	}
	if collector.requestsTotal == nil || collector.callsTotal == nil || collector.pendingCalls == nil {
		t.Error("metrics not initialized")
	}
}

func TestRecordRequest(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())

	collector.RecordRequest("list_cards", 200, 50*time.Millisecond)
	collector.RecordRequest("list_cards", 200, 70*time.Millisecond)
	collector.RecordRequest("list_cards", 503, 10*time.Millisecond)

	if got := testutil.ToFloat64(collector.requestsTotal.WithLabelValues("list_cards", "200")); got != 2 {
		t.Errorf("requests{200} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.requestsTotal.WithLabelValues("list_cards", "503")); got != 1 {
		t.Errorf("requests{503} = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(collector.requestDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestRecordRequestInFlight(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())

	collector.RecordRequestStart()
	collector.RecordRequestStart()
	collector.RecordRequestEnd()

	if got := testutil.ToFloat64(collector.requestsInFlight); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
}

func TestRecordCallAndErrors(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())

	collector.RecordCall("update_card", StateSucceeded)
	collector.RecordCall("update_card", StateFailed)
	collector.RecordError("update_card", KindConflict)
	collector.RecordRetry("list_cards", KindRateLimited)
	collector.RecordCredentialRefresh(true)
	collector.RecordCredentialRefresh(false)

	if got := testutil.ToFloat64(collector.callsTotal.WithLabelValues("update_card", "failed")); got != 1 {
		t.Errorf("calls{failed} = %v", got)
	}
	if got := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("update_card", "Conflict")); got != 1 {
		t.Errorf("errors{Conflict} = %v", got)
	}
	if got := testutil.ToFloat64(collector.retriesTotal.WithLabelValues("list_cards", "RateLimited")); got != 1 {
		t.Errorf("retries{RateLimited} = %v", got)
	}

	expected := `
# HELP codecks_credential_refresh_total Credential refresh attempts by result
# TYPE codecks_credential_refresh_total counter
codecks_credential_refresh_total{result="failure"} 1
codecks_credential_refresh_total{result="success"} 1
`
	if err := testutil.CollectAndCompare(collector.credentialRefresh, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
}

func TestRecordGauges(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())

	collector.RecordCircuitBreakerState(StateOpen)
	collector.RecordRateLimiterTokens(7)
	collector.RecordPendingCalls(4)
	collector.RecordQueueWait(3 * time.Millisecond)

	if got := testutil.ToFloat64(collector.circuitBreakerState); got != 1 {
		t.Errorf("breaker state = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.rateLimiterTokens); got != 7 {
		t.Errorf("tokens = %v, want 7", got)
	}
	if got := testutil.ToFloat64(collector.pendingCalls); got != 4 {
		t.Errorf("pending = %v, want 4", got)
	}
}

func TestMetricsCollectorWithNil(t *testing.T) {
	var collector *MetricsCollector

	// None of these may panic.
	collector.RecordRequest("op", 200, time.Millisecond)
	collector.RecordRequestStart()
	collector.RecordRequestEnd()
	collector.RecordQueueWait(time.Millisecond)
	collector.RecordCall("op", StateFailed)
	collector.RecordPendingCalls(1)
	collector.RecordRetry("op", KindTimeout)
	collector.RecordError("op", KindTimeout)
	collector.RecordCredentialRefresh(true)
	collector.RecordCircuitBreakerState(StateClosed)
	collector.RecordRateLimiterTokens(1)
}
