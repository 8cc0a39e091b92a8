package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/llm"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/metrics"
)

type stubChecker struct {
	report llm.HealthReport
}

func (s *stubChecker) Health(context.Context) llm.HealthReport { return s.report }

func TestHealthOK(t *testing.T) {
	router := NewRouter(RouterConfig{
		Health: &stubChecker{report: llm.HealthReport{
			Status:        "ok",
			Provider:      "claude",
			Authenticated: true,
			Model:         "claude-sonnet",
			QueueDepth:    3,
		}},
		Logger: zap.NewNop(),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "claude", body["provider"])
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "claude-sonnet", body["model"])
	assert.Equal(t, float64(3), body["queue_depth"])
}

func TestHealthDegradedIs503(t *testing.T) {
	router := NewRouter(RouterConfig{
		Health: &stubChecker{report: llm.HealthReport{Status: "auth-needed", Provider: "claude"}},
		Logger: zap.NewNop(),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsExposition(t *testing.T) {
	router := NewRouter(RouterConfig{
		Health: &stubChecker{report: llm.HealthReport{Status: "ok"}},
		Logger: zap.NewNop(),
	})

	metrics.QueueDepth.WithLabelValues("raw").Set(0)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "radio_queue_depth")
}
