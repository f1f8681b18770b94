package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/jobwatch/internal/errors"
)

// checkerFunc adapts a function to HealthChecker.
type checkerFunc func(ctx context.Context) error

func (f checkerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

func healthy() HealthChecker { return checkerFunc(func(context.Context) error { return nil }) }

func failing(msg string) HealthChecker {
	return checkerFunc(func(context.Context) error { return errors.New(msg) })
}

// withGlobalManager swaps the process-wide manager for the test.
func withGlobalManager(t *testing.T, m *HealthManager) {
	t.Helper()
	globalMu.Lock()
	original := globalHealthManager
	globalHealthManager = m
	globalMu.Unlock()
	t.Cleanup(func() {
		globalMu.Lock()
		globalHealthManager = original
		globalMu.Unlock()
	})
}

func TestHealthHandler_AllChecksPass(t *testing.T) {
	m := NewHealthManager("0.4.0")
	m.RegisterChecker("registry", healthy())
	m.RegisterChecker("poller", healthy())

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, statusHealthy, resp.Status)
	assert.Equal(t, "0.4.0", resp.Version)
	assert.Equal(t, map[string]string{"registry": statusHealthy, "poller": statusHealthy}, resp.Checks)
	assert.NotEmpty(t, resp.Uptime)
}

func TestHealthHandler_StalePollerIsUnavailable(t *testing.T) {
	m := NewHealthManager("0.4.0")
	m.RegisterChecker("registry", healthy())
	m.RegisterChecker("poller", failing("no completed poll cycle for 2m0s"))

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	req.Header.Set(apperrors.RequestIDHeader, "req-ready")
	rec := httptest.NewRecorder()
	m.ReadinessHandler(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, apperrors.CodeServiceUnavailable, resp.Error.Code)
	assert.Equal(t, "req-ready", resp.Error.RequestID)
	assert.Equal(t, statusUnhealthy, resp.Error.Details["status"])

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "checks detail: %#v", resp.Error.Details["checks"])
	assert.Equal(t, statusUnhealthy, checks["poller"])
	assert.Equal(t, statusHealthy, checks["registry"])
}

func TestHealthHandler_TimeoutDegrades(t *testing.T) {
	m := NewHealthManager("0.4.0")
	m.RegisterChecker("registry", healthy())
	m.RegisterChecker("remote", checkerFunc(func(context.Context) error {
		return fmt.Errorf("ping: %w", context.DeadlineExceeded)
	}))

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, statusDegraded, resp.Status)
	assert.Equal(t, statusTimeout, resp.Checks["remote"])
}

func TestHealthManager_CheckerSeesDeadline(t *testing.T) {
	m := NewHealthManager("dev")
	var hasDeadline bool
	m.RegisterChecker("remote", checkerFunc(func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	}))

	m.runChecks(context.Background())
	assert.True(t, hasDeadline)
}

func TestHealthManager_RegisterReplaces(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("remote", failing("connection refused"))
	m.RegisterChecker("remote", healthy())

	assert.Equal(t, map[string]string{"remote": statusHealthy}, m.runChecks(context.Background()))
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	tests := []struct {
		name   string
		checks map[string]string
		want   string
	}{
		{"no checks", nil, statusHealthy},
		{"timeout only", map[string]string{"remote": statusTimeout, "registry": statusHealthy}, statusDegraded},
		{"unhealthy wins over timeout", map[string]string{"remote": statusTimeout, "poller": statusUnhealthy}, statusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.determineOverallStatus(tt.checks))
		})
	}
}

func TestGlobalHandlers(t *testing.T) {
	withGlobalManager(t, nil)
	InitHealthManager("0.4.0")
	require.NotNil(t, GetHealthManager())

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus string
	}{
		{"health", HealthHandler, statusHealthy},
		{"liveness", LivenessHandler, "alive"},
		{"readiness", ReadinessHandler, statusHealthy},
		{"startup", StartupHandler, "started"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			require.Equal(t, http.StatusOK, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "0.4.0", resp.Version)
		})
	}
}

func TestGlobalHandlers_Uninitialized(t *testing.T) {
	withGlobalManager(t, nil)
	assert.Nil(t, GetHealthManager())

	for _, h := range []http.HandlerFunc{HealthHandler, LivenessHandler, ReadinessHandler, StartupHandler} {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var resp apperrors.HTTPErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, apperrors.CodeServiceUnavailable, resp.Error.Code)
	}
}
