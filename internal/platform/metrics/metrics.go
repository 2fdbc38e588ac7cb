// Package metrics exposes Prometheus instrumentation for the lifecycle
// services and the HTTP layer.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/clinicalrecord/internal/platform/lifecycle"
)

// Metrics owns a private registry so that several instances can coexist in
// tests. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	transitions        *prometheus.CounterVec
	criticalValues     prometheus.Counter
	validationFailures *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicalrecord",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions attempted, by entity, operation and outcome.",
		}, []string{"entity", "operation", "outcome"}),
		criticalValues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinicalrecord",
			Name:      "critical_results_total",
			Help:      "Lab results recorded with a critical flag.",
		}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicalrecord",
			Name:      "approval_validation_failures_total",
			Help:      "Discharge summary approval checks that failed, by rule.",
		}, []string{"rule"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinicalrecord",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		m.transitions, m.criticalValues, m.validationFailures, m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Outcome maps a transition error to a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, lifecycle.ErrNotFound):
		return "not_found"
	case errors.Is(err, lifecycle.ErrValidation):
		return "validation"
	case errors.Is(err, lifecycle.ErrVersionConflict):
		return "conflict"
	default:
		return "error"
	}
}

func (m *Metrics) ObserveTransition(entity, operation string, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, operation, Outcome(err)).Inc()
}

func (m *Metrics) CriticalResult() {
	if m == nil {
		return
	}
	m.criticalValues.Inc()
}

func (m *Metrics) ValidationFailure(rule string) {
	if m == nil {
		return
	}
	m.validationFailures.WithLabelValues(rule).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Middleware records request latency labelled by route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
			m.requestDuration.
				WithLabelValues(c.Request().Method, c.Path(), strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}
