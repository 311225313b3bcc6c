package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("ok")
	m.ObserveRequest("ok")
	m.ObserveRequest("invalid_format")
	m.ObserveCacheLookup("hit")
	m.ObserveInference(120 * time.Millisecond)
	m.ObserveQueueWait(time.Millisecond)

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("ok")); got != 2 {
		t.Fatalf("expected 2 ok requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.Requests.WithLabelValues("invalid_format")); got != 1 {
		t.Fatalf("expected 1 invalid_format request, got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")); got != 1 {
		t.Fatalf("expected 1 cache hit, got %v", got)
	}
	if got := testutil.CollectAndCount(m.InferenceDuration); got != 1 {
		t.Fatalf("expected inference histogram to be collected, got %d", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("ok")
	m.ObserveInference(time.Second)
	m.ObserveQueueWait(time.Second)
	m.ObserveCacheLookup("miss")
}
