package observability_test

import (
	"MiniPerps/internal/observability"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddCheck("nats", func(context.Context) error { return errors.New("disconnected") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "disconnected", body.Checks["nats"])
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	observability.NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoggerWritesComponent(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLoggerWithWriter("engine", &buf, zerolog.InfoLevel)
	log.Debug().Msg("hidden")
	log.Info().Str("op", "deposit").Msg("committed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "deposit", line["op"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestMetricsUseProvidedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.OpsApplied.WithLabelValues("deposit").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OpsApplied.WithLabelValues("deposit")))

	// a second set on another registry must not collide
	assert.NotPanics(t, func() { observability.NewMetrics(prometheus.NewRegistry()) })
}
