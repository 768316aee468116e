package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/parsekit/internal/errors"
)

func serve(t *testing.T, h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthHandler_AllHealthy(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("store", HealthCheckerFunc(func(context.Context) error { return nil }))
	m.RegisterChecker("poller", HealthCheckerFunc(func(context.Context) error { return nil }))

	rec := serve(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, map[string]string{"store": "healthy", "poller": "healthy"}, resp.Checks)
	assert.NotEmpty(t, resp.Uptime)
}

func TestHealthHandler_UnhealthyIsErrorEnvelope(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("store", HealthCheckerFunc(func(context.Context) error { return errors.New("database is closed") }))
	m.RegisterChecker("poller", HealthCheckerFunc(func(context.Context) error { return nil }))

	rec := serve(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.CodeServiceUnavailable, resp.Error.Code)

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "details carry the per-check results")
	assert.Equal(t, "unhealthy", checks["store"])
	assert.Equal(t, "healthy", checks["poller"])
}

func TestHealthHandler_SlowCheckIsDegraded(t *testing.T) {
	m := NewHealthManager("dev")
	m.timeout = 20 * time.Millisecond
	m.RegisterChecker("remote", HealthCheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	rec := serve(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["remote"])
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	tests := []struct {
		name    string
		results map[string]string
		want    string
	}{
		{name: "no checks", results: nil, want: "healthy"},
		{name: "all healthy", results: map[string]string{"a": "healthy", "b": "healthy"}, want: "healthy"},
		{name: "timeout degrades", results: map[string]string{"a": "healthy", "b": "timeout"}, want: "degraded"},
		{name: "unhealthy wins over timeout", results: map[string]string{"a": "timeout", "b": "unhealthy"}, want: "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.determineOverallStatus(tt.results))
		})
	}
}

func TestRegisterChecker_Replaces(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("store", HealthCheckerFunc(func(context.Context) error { return errors.New("down") }))
	m.RegisterChecker("store", HealthCheckerFunc(func(context.Context) error { return nil }))

	assert.Equal(t, map[string]string{"store": "healthy"}, m.runChecks(context.Background()))
}

func TestProbeHandlers(t *testing.T) {
	m := NewHealthManager("0.4.0")
	m.RegisterChecker("store", HealthCheckerFunc(func(context.Context) error { return errors.New("down") }))

	live := serve(t, m.LivenessHandler, "/health/live")
	require.Equal(t, http.StatusOK, live.Code, "liveness ignores checks")
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(live.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)

	assert.Equal(t, http.StatusOK, serve(t, m.StartupHandler, "/health/startup").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, m.ReadinessHandler, "/health/ready").Code)
}

func TestGlobalHealthManager(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	globalHealthManager = nil
	assert.Nil(t, GetHealthManager())

	m := InitHealthManager("test-version")
	require.NotNil(t, m)
	assert.Same(t, m, GetHealthManager())

	for path, h := range map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	} {
		assert.Equal(t, http.StatusOK, serve(t, h, path).Code, path)
	}
}

func TestGlobalHandlers_WhenNotInitialized(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()
	globalHealthManager = nil

	for path, h := range map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	} {
		rec := serve(t, h, path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "health manager not initialized", path)
	}
}
