// Package metrics holds the Prometheus collectors exposed on the
// operational surface: request/response counters, the request-latency and
// claim-latency histograms, and the per-call upstream latency histogram.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector registered for this process.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	ResponsesTotal   *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	ClaimLatency     *prometheus.HistogramVec
	UpstreamLatency  *prometheus.HistogramVec
}

// New creates and registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxy",
			Name:      "requests_total",
			Help:      "Total number of envelope requests accepted from the bus.",
		}, []string{"method", "path"}),

		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxy",
			Name:      "responses_total",
			Help:      "Total number of replies sent back on the bus.",
		}, []string{"method", "path", "status"}),

		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proxy",
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of a bus request, from decode to reply.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ClaimLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proxy",
			Name:      "claim_duration_seconds",
			Help:      "Time spent blocked in gate.Claim before a permit was granted.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"bucket"}),

		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proxy",
			Name:      "upstream_call_duration_seconds",
			Help:      "Duration of the individual upstream HTTP call, labeled with the response status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.ResponsesTotal,
		m.RequestLatency,
		m.ClaimLatency,
		m.UpstreamLatency,
	)

	return m
}

// ObserveRequest records that a request for method/path was accepted.
func (m *Metrics) ObserveRequest(method, path string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path).Inc()
}

// ObserveResponse records a reply's status and end-to-end duration.
func (m *Metrics) ObserveResponse(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ResponsesTotal.WithLabelValues(method, path, status).Inc()
	m.RequestLatency.WithLabelValues(method, path).Observe(d.Seconds())
}

// ObserveClaim records how long a claim took for bucket.
func (m *Metrics) ObserveClaim(bucket string, d time.Duration) {
	if m == nil {
		return
	}
	m.ClaimLatency.WithLabelValues(bucket).Observe(d.Seconds())
}

// ObserveUpstreamCall records the duration of a single upstream HTTP call,
// labeled with its resulting status code ("0" if the call never returned
// a response).
func (m *Metrics) ObserveUpstreamCall(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamLatency.WithLabelValues(method, path, strconv.Itoa(status)).Observe(d.Seconds())
}
