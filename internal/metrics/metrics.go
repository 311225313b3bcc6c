package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the segmentation service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Requests          *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	QueueWait         prometheus.Histogram
	CacheLookups      *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "floor_segment_requests_total",
			Help: "Segment-floor requests by outcome",
		}, []string{"outcome"}),
		InferenceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "floor_segment_inference_seconds",
			Help:    "Latency of segmentation model calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		QueueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "floor_segment_queue_wait_seconds",
			Help:    "Time spent waiting for an inference slot",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "floor_segment_cache_lookups_total",
			Help: "Result cache lookups by result (hit, miss, error)",
		}, []string{"result"}),
	}
}

// ObserveRequest counts one finished request.
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
}

// ObserveInference records the duration of one model call.
func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.InferenceDuration.Observe(d.Seconds())
}

// ObserveQueueWait records how long a request waited for a slot.
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.QueueWait.Observe(d.Seconds())
}

// ObserveCacheLookup counts a cache lookup result.
func (m *Metrics) ObserveCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}
