package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrorMetrics counts EnhancedErrors by component and category. It is fed
// from an errors package hook.
type ErrorMetrics struct {
	errorsTotal *prometheus.CounterVec
}

// NewErrorMetrics creates and registers the error counter.
func NewErrorMetrics(registry *prometheus.Registry) (*ErrorMetrics, error) {
	m := &ErrorMetrics{
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedimages_errors_total",
			Help: "Errors built through the errors package, by component and category.",
		}, []string{"component", "category"}),
	}
	if err := registry.Register(m.errorsTotal); err != nil {
		return nil, fmt.Errorf("failed to register error metrics: %w", err)
	}
	return m, nil
}

// RecordError counts one error.
func (m *ErrorMetrics) RecordError(component, category string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(component, category).Inc()
}
