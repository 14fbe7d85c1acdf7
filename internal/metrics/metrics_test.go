package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveHeartbeat("ok")
		m.ObserveRegistration("initial", nil)
		m.ObserveStatusCheck("READY")
		m.ObserveActivity()
		m.SetIdle(time.Second)
		m.SetState("ACTIVE", nil)
		m.ObserveTeardown(time.Second)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveHeartbeat("ok")
	m.ObserveHeartbeat("ok")
	m.ObserveHeartbeat("not_found")
	m.ObserveRegistration("reregister", errors.New("down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.heartbeats.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.heartbeats.WithLabelValues("not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrations.WithLabelValues("reregister", "error")))
}

func TestSetStateIsExclusive(t *testing.T) {
	m := New()
	known := []string{"PROVISIONING", "ACTIVE"}
	m.SetState("PROVISIONING", known)
	m.SetState("ACTIVE", known)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.lifecycleState.WithLabelValues("PROVISIONING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecycleState.WithLabelValues("ACTIVE")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetIdle(90 * time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "runit_provider_idle_seconds 90")
}
