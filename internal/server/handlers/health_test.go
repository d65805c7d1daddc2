package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(msg string) Checker {
	return CheckerFunc(func(context.Context) error { return errors.New(msg) })
}

func healthy() Checker {
	return CheckerFunc(func(context.Context) error { return nil })
}

func TestHealth_AllChecksPass(t *testing.T) {
	m := NewHealthManager("0.4.0")
	m.RegisterChecker("registry", healthy())

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "0.4.0", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["registry"])
}

func TestHealth_FailedWorkerMakesRunUnready(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("workers", seededWorkers(t))

	rec := httptest.NewRecorder()
	m.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)
	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "details carry the per-check status")
	assert.Equal(t, "unhealthy", checks["workers"])
}

func TestHealth_TimeoutIsDegraded(t *testing.T) {
	m := NewHealthManager("dev")
	assert.Equal(t, "degraded", m.determineOverallStatus(map[string]string{"ledger": "timeout"}))
	assert.Equal(t, "unhealthy", m.determineOverallStatus(map[string]string{"ledger": "timeout", "workers": "unhealthy"}))
}

func TestHealth_LivenessIgnoresCheckers(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("workers", failing("rank 3 failed"))

	rec := httptest.NewRecorder()
	m.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth_StartupLatches(t *testing.T) {
	m := NewHealthManager("dev")
	down := true
	m.RegisterChecker("registry", CheckerFunc(func(context.Context) error {
		if down {
			return errors.New("registry root not mounted")
		}
		return nil
	}))

	status := func() int {
		rec := httptest.NewRecorder()
		m.StartupHandler(rec, httptest.NewRequest(http.MethodGet, "/health/startup", nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, status())
	down = false
	assert.Equal(t, http.StatusOK, status())
	down = true
	assert.Equal(t, http.StatusOK, status(), "startup stays latched")
}

func TestHealth_GlobalHandlers(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	handlers := map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	}

	globalHealthManager = nil
	assert.Nil(t, GetHealthManager())
	for path, h := range handlers {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "%s before init", path)
	}

	InitHealthManager("test-version")
	require.NotNil(t, GetHealthManager())
	for path, h := range handlers {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, "%s after init", path)
	}
}
