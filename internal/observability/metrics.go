// Package observability provides metrics and monitoring capabilities for feedimages.
package observability

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/feedimages/internal/errors"
	"github.com/tphakala/feedimages/internal/httpclient"
	"github.com/tphakala/feedimages/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry      *prometheus.Registry
	ImagePipeline *metrics.ImagePipelineMetrics
	HTTP          *metrics.HTTPMetrics
	Errors        *metrics.ErrorMetrics
}

// NewMetrics creates a registry with the Go runtime collectors and all
// feedimages collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pipelineMetrics, err := metrics.NewImagePipelineMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create image pipeline metrics: %w", err)
	}

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	errorMetrics, err := metrics.NewErrorMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create error metrics: %w", err)
	}

	return &Metrics{
		registry:      registry,
		ImagePipeline: pipelineMetrics,
		HTTP:          httpMetrics,
		Errors:        errorMetrics,
	}, nil
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// InstrumentClient installs hooks on client that record outbound request
// counts and latency per host.
func (m *Metrics) InstrumentClient(client *httpclient.Client) {
	var starts sync.Map // *http.Request -> time.Time

	client.SetBeforeRequestHook(func(req *http.Request) {
		starts.Store(req, time.Now())
	})
	client.SetAfterResponseHook(func(req *http.Request, resp *http.Response, err error) {
		var elapsed time.Duration
		if v, ok := starts.LoadAndDelete(req); ok {
			if start, ok := v.(time.Time); ok {
				elapsed = time.Since(start)
			}
		}
		status := 0
		if err == nil && resp != nil {
			status = resp.StatusCode
		}
		m.HTTP.RecordOutbound(req.URL.Host, status, elapsed)
	})
}

// CountErrors registers an errors hook feeding the error counter.
func (m *Metrics) CountErrors() {
	errors.AddErrorHook(func(ee *errors.EnhancedError) {
		m.Errors.RecordError(ee.GetComponent(), ee.GetCategory())
	})
}
