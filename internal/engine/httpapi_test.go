package engine

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/conduit/pkg/audit"
)

func TestHealthEndpoint(t *testing.T) {
	router, _ := testRouter(t)
	e := New(testConfig(), nil, router, audit.Noop{})
	s := NewServer(":0", e)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap HealthSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, HealthHealthy, snap.Status)
	assert.Equal(t, 100, snap.QueueCapacity)
}

func TestHealthEndpointCriticalReturns503(t *testing.T) {
	router, _ := testRouter(t)
	e := New(testConfig(), nil, router, audit.Noop{})
	startTracker(t, e.health)

	// Drag the rolling success rate to zero.
	for i := 0; i < 10; i++ {
		e.health.RecordDelivery("NCA", false)
	}
	require.Eventually(t, func() bool {
		return e.Snapshot().Status == HealthCritical
	}, 2*time.Second, 5*time.Millisecond)

	s := NewServer(":0", e)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := testRouter(t)
	e := New(testConfig(), nil, router, audit.Noop{})
	e.metrics.QueueRejections.Inc()

	s := NewServer(":0", e)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "conduit_queue_rejections_total 1")
}
