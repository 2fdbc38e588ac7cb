package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ehr/clinicalrecord/internal/platform/lifecycle"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("wrap: %w", lifecycle.Denied("lab_order", "cancelled", "complete")), "invalid_transition"},
		{&lifecycle.NotFoundError{Kind: "test", ID: "x"}, "not_found"},
		{&lifecycle.ValidationError{Errors: []string{"x"}}, "validation"},
		{lifecycle.ErrVersionConflict, "conflict"},
		{errors.New("db down"), "error"},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestObserveTransition(t *testing.T) {
	m := New()
	m.ObserveTransition("lab_order", "collect_sample", nil)
	m.ObserveTransition("lab_order", "collect_sample", nil)
	m.ObserveTransition("lab_order", "cancel", lifecycle.Denied("lab_order", "processing", "cancel"))

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("lab_order", "collect_sample", "ok")); got != 2 {
		t.Errorf("ok transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("lab_order", "cancel", "invalid_transition")); got != 1 {
		t.Errorf("invalid transitions = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTransition("x", "y", nil)
	m.CriticalResult()
	m.ValidationFailure("rule")
}

func TestHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.CriticalResult()
	m.ValidationFailure("medications_reconciled")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"clinicalrecord_critical_results_total 1",
		`clinicalrecord_approval_validation_failures_total{rule="medications_reconciled"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMiddleware_RecordsRoute(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/lab-orders/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "lab order not found")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lab-orders/abc", nil))

	if got := testutil.CollectAndCount(m.requestDuration); got != 1 {
		t.Fatalf("expected one histogram series, got %d", got)
	}
	body := httptest.NewRecorder()
	m.Handler().ServeHTTP(body, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(body.Body.String(), `route="/lab-orders/:id",status="404"`) {
		t.Error("expected latency series labelled with the route template and 404")
	}
}
