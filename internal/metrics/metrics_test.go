package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mgmtsystem/internal/metrics"
)

func TestCountersAreIsolatedPerInstance(t *testing.T) {
	a := metrics.New()
	b := metrics.New()

	a.IncTransition("draft", "analysis")
	a.IncTransition("draft", "analysis")
	a.IncValidationFailure("done_requires_evaluation")
	a.IncReminder("sent")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.Transitions.WithLabelValues("draft", "analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ValidationFailures.WithLabelValues("done_requires_evaluation")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Transitions.WithLabelValues("draft", "analysis")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *metrics.Metrics
	m.IncTransition("a", "b")
	m.IncReminder("sent")
	m.ObserveSweep(time.Second)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := metrics.New()
	m.IncMailDelivery("log", "sent")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mgmtsystem_mail_deliveries_total{outcome="sent",transport="log"} 1`)
}
