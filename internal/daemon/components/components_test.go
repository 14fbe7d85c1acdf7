package components

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harunnryd/runit/internal/config"
	"github.com/harunnryd/runit/internal/daemon"
	runitErrors "github.com/harunnryd/runit/internal/errors"
	"github.com/harunnryd/runit/internal/lifecycle"
	"github.com/harunnryd/runit/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	status lifecycle.Status
}

func (s staticSource) Status() lifecycle.Status { return s.status }

func TestStateStoreLockLifecycle(t *testing.T) {
	cfg := &config.DaemonConfig{StateDir: t.TempDir(), LockTimeout: "100ms"}

	first, err := NewStateStoreComponent(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Init(context.Background()))
	require.NoError(t, first.Start(context.Background()))

	health, err := first.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.NotEmpty(t, first.StateFile().Path())

	second, err := NewStateStoreComponent(cfg)
	require.NoError(t, err)
	err = second.Init(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, runitErrors.ErrFatalStartup)
	assert.ErrorIs(t, err, runitErrors.ErrConflict)

	require.NoError(t, first.Stop(context.Background()))
	require.NoError(t, first.Stop(context.Background()))

	require.NoError(t, second.Init(context.Background()))
	require.NoError(t, second.Stop(context.Background()))
}

func TestStateStoreHealthBeforeInit(t *testing.T) {
	s, err := NewStateStoreComponent(&config.DaemonConfig{StateDir: t.TempDir()})
	require.NoError(t, err)

	health, err := s.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, health.Healthy)
	assert.EqualError(t, health.Error, "not initialized")
}

func newStatusServer(t *testing.T, source StatusSource) (*StatusServerComponent, *daemon.Daemon) {
	t.Helper()
	d, err := daemon.NewDaemon(&config.Config{})
	require.NoError(t, err)
	cfg := &config.StatusConfig{Addr: "127.0.0.1:0"}
	return NewStatusServerComponent(d, cfg, source, metrics.New()), d
}

func TestStatusServerSessionOmitsAccessToken(t *testing.T) {
	srv, _ := newStatusServer(t, staticSource{status: lifecycle.Status{
		ProviderID: "prov-1",
		State:      lifecycle.StateActive,
		SessionID:  "S1",
		PublicURL:  "https://abc.trycloudflare.com",
	}})

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "S1", body["sessionId"])
	assert.Equal(t, "ACTIVE", body["state"])
	assert.NotContains(t, body, "accessToken")
}

func TestStatusServerHealth(t *testing.T) {
	srv, d := newStatusServer(t, staticSource{status: lifecycle.Status{State: lifecycle.StateActive}})
	storeComp, err := NewStateStoreComponent(&config.DaemonConfig{StateDir: t.TempDir()})
	require.NoError(t, err)
	d.AddComponent(storeComp)
	d.AddComponent(srv)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	// Not started yet, so the component reports itself unhealthy.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, d.Start(context.Background()))
	defer func() { require.NoError(t, d.Shutdown(context.Background())) }()

	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, lifecycle.StateActive, body.State)
	assert.True(t, body.Components["StatusServer"].Healthy)
	assert.True(t, body.Components["StateStore"].Healthy)
	assert.Contains(t, body.Components["StateStore"].Detail, "lock held")
}

func TestStatusServerFailedStateIsDegraded(t *testing.T) {
	srv, _ := newStatusServer(t, staticSource{status: lifecycle.Status{State: lifecycle.StateFailed}})

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusServerServesOverTCP(t *testing.T) {
	srv, _ := newStatusServer(t, staticSource{status: lifecycle.Status{State: lifecycle.StateRegistering}})
	require.NoError(t, srv.Init(context.Background()))
	require.NoError(t, srv.Start(context.Background()))
	defer func() { require.NoError(t, srv.Stop(context.Background())) }()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestStatusServerStartRequiresInit(t *testing.T) {
	srv, _ := newStatusServer(t, nil)
	assert.Error(t, srv.Start(context.Background()))
	assert.NoError(t, srv.Stop(context.Background()))
}
