// Package metrics provides HTTP metrics for observability
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics covers outbound image requests and the diagnostics server.
type HTTPMetrics struct {
	registry *prometheus.Registry

	outboundRequestsTotal   *prometheus.CounterVec
	outboundRequestDuration *prometheus.HistogramVec

	serverRequestsTotal   *prometheus.CounterVec
	serverRequestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics creates and registers HTTP metrics
func NewHTTPMetrics(registry *prometheus.Registry) (*HTTPMetrics, error) {
	m := &HTTPMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register HTTP metrics: %w", err)
	}
	return m, nil
}

func (m *HTTPMetrics) initMetrics() {
	m.outboundRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedimages_outbound_requests_total",
			Help: "Outbound HTTP requests by host and status code",
		},
		[]string{"host", "status_code"}, // status_code is "error" for transport failures
	)

	m.outboundRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedimages_outbound_request_duration_seconds",
			Help:    "Time until response headers for outbound HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"host"},
	)

	m.serverRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedimages_http_requests_total",
			Help: "Diagnostics server requests",
		},
		[]string{"method", "path", "status_code"},
	)

	m.serverRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedimages_http_request_duration_seconds",
			Help:    "Diagnostics server request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
}

// Describe implements the prometheus.Collector interface.
func (m *HTTPMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.outboundRequestsTotal.Describe(ch)
	m.outboundRequestDuration.Describe(ch)
	m.serverRequestsTotal.Describe(ch)
	m.serverRequestDuration.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *HTTPMetrics) Collect(ch chan<- prometheus.Metric) {
	m.outboundRequestsTotal.Collect(ch)
	m.outboundRequestDuration.Collect(ch)
	m.serverRequestsTotal.Collect(ch)
	m.serverRequestDuration.Collect(ch)
}

// RecordOutbound records one outbound request. statusCode 0 means the
// request failed before a response arrived.
func (m *HTTPMetrics) RecordOutbound(host string, statusCode int, d time.Duration) {
	if m == nil {
		return
	}
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	m.outboundRequestsTotal.WithLabelValues(host, status).Inc()
	m.outboundRequestDuration.WithLabelValues(host).Observe(d.Seconds())
}

// RecordServerRequest records one diagnostics server request. path must be
// the route pattern, not the raw URL, to keep label cardinality bounded.
func (m *HTTPMetrics) RecordServerRequest(method, path string, statusCode int, d time.Duration) {
	if m == nil {
		return
	}
	m.serverRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.serverRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
