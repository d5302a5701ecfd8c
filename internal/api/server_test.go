package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecopulse/config"
	"ecopulse/internal/collector"
	"ecopulse/internal/device"
	"ecopulse/internal/insights"
	"ecopulse/internal/logger"
	"ecopulse/internal/metrics"
	"ecopulse/internal/storage"
	"ecopulse/internal/telemetry"
)

type fakeGenerator struct {
	text string
}

func (f *fakeGenerator) Generate(context.Context, string, insights.Options) (string, error) {
	return f.text, nil
}

type fixedRand struct{}

func (fixedRand) Float64() float64 { return 0.5 }

type testEnv struct {
	server     *Server
	collector  *collector.Collector
	configPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	log := logger.Discard()

	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("billing:\n  rate_per_kwh: 0.14\n"), 0o644))
	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	db, err := storage.NewDatabase(filepath.Join(dir, "ecopulse.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := metrics.New()
	link := device.NewLink(device.LinkConfig{
		CommandTimeout: 200 * time.Millisecond,
		ProbeTimeout:   200 * time.Millisecond,
		Logger:         log,
	})
	coll := collector.NewCollector(collector.CollectorConfig{
		Observer:     m,
		Relay:        link,
		VoltageLimit: 230,
		Nodes:        collector.DefaultNodes(),
		Rand:         fixedRand{},
		Logger:       log,
	})

	srv := NewServer(ServerConfig{
		Collector: coll,
		Database:  db,
		Link:      link,
		Analyst:   insights.NewAnalyst(&fakeGenerator{text: "Prediction: LED bulb - low wattage"}, log, nil),
		Metrics:   m,
		Config:    cfg,
		Logger:    log,
	})

	return &testEnv{server: srv, collector: coll, configPath: configPath}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["nodes"])
	assert.Equal(t, "idle", body["device_status"])
}

func TestUserFromEmail(t *testing.T) {
	user := UserFromEmail(" ada.lovelace@example.com ")
	assert.Equal(t, storage.User{ID: "1", Email: "ada.lovelace@example.com", Name: "ADA.LOVELACE"}, user)

	assert.Equal(t, "NOAT", UserFromEmail("noat").Name)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/session", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/session/login", map[string]string{"password": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/session/login", map[string]string{"email": "grace@navy.mil", "password": "x"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GRACE", decode[storage.User](t, rec).Name)

	rec = env.do(t, http.MethodGet, "/api/v1/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "grace@navy.mil", decode[storage.User](t, rec).Email)

	rec = env.do(t, http.MethodDelete, "/api/v1/session", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/session", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAppliancesCRUD(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/appliances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	nodes := decode[[]telemetry.Node](t, rec)
	require.Len(t, nodes, 1)
	assert.Equal(t, "bulb-01", nodes[0].ID)

	rec = env.do(t, http.MethodPost, "/api/v1/appliances", map[string]string{"name": "Kettle", "kind": "kettle"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/appliances", map[string]string{"name": "   ", "kind": "fan"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/appliances", map[string]string{"name": "Ceiling Fan", "kind": "fan"})
	require.Equal(t, http.StatusCreated, rec.Code)
	fan := decode[telemetry.Node](t, rec)
	assert.Equal(t, 55.0, fan.BasePower)
	assert.False(t, fan.IsOn)
	assert.NotEmpty(t, fan.ID)

	rec = env.do(t, http.MethodPost, "/api/v1/appliances/"+fan.ID+"/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[telemetry.Node](t, rec).IsOn)

	rec = env.do(t, http.MethodDelete, "/api/v1/appliances/"+fan.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/appliances/"+fan.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/appliances/missing/toggle", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIdentifyNeedsHistory(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/appliances/bulb-01/identify", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	for i := 0; i < collector.MinIdentifySamples; i++ {
		env.collector.Tick()
	}

	rec = env.do(t, http.MethodPost, "/api/v1/appliances/bulb-01/identify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Prediction: LED bulb - low wattage", decode[map[string]string](t, rec)["ai_prediction"])

	rec = env.do(t, http.MethodPost, "/api/v1/appliances/missing/identify", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAggregateAndBilling(t *testing.T) {
	env := newTestEnv(t)
	env.collector.Tick()

	rec := env.do(t, http.MethodGet, "/api/v1/telemetry/aggregate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agg := decode[telemetry.AggregateMetrics](t, rec)
	assert.InDelta(t, 12.0, agg.TotalPower, 1e-9)
	assert.Len(t, agg.History, 1)

	rec = env.do(t, http.MethodGet, "/api/v1/billing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var billing struct {
		Projection telemetry.BillingProjection `json:"projection"`
		History    []telemetry.BillingMonth    `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &billing))
	assert.Equal(t, 0.14, billing.Projection.RatePerKWh)
	assert.InDelta(t, 0.288, billing.Projection.EstimatedDailyKWh, 1e-9)
	assert.InDelta(t, 1.2096, billing.Projection.EstimatedMonthlyCost, 1e-9)
	assert.Len(t, billing.History, 4)
}

func TestVoltageLimit(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/config/voltage-limit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 230.0, decode[map[string]float64](t, rec)["voltage_limit"])

	rec = env.do(t, http.MethodPut, "/api/v1/config/voltage-limit", map[string]float64{"voltage_limit": 150})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 150.0, env.collector.VoltageLimit())

	rec = env.do(t, http.MethodPut, "/api/v1/config/voltage-limit", map[string]float64{"voltage_limit": 99})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/config/voltage-limit", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 150.0, env.collector.VoltageLimit())
}

func TestDeviceConfigProbesAndPersists(t *testing.T) {
	env := newTestEnv(t)
	fw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer fw.Close()
	address := strings.TrimPrefix(fw.URL, "http://")

	rec := env.do(t, http.MethodPut, "/api/v1/config/device", map[string]string{"address": address})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Device  device.LinkState `json:"device"`
		Warning string           `json:"warning"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, device.StatusConnected, body.Device.Status)
	assert.Empty(t, body.Warning)

	rec = env.do(t, http.MethodGet, "/api/v1/config/device", nil)
	assert.Equal(t, address, decode[map[string]string](t, rec)["address"])

	reloaded, err := config.Load(env.configPath)
	require.NoError(t, err)
	assert.Equal(t, address, reloaded.Device.Address)

	rec = env.do(t, http.MethodPut, "/api/v1/config/device", map[string]string{"address": ""})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/device/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, device.StatusIdle, decode[device.LinkState](t, rec).Status)
}

func TestInsights(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/insights", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Prediction: LED bulb - low wattage", decode[map[string]string](t, rec)["insights"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.collector.Tick()

	rec := env.do(t, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ecopulse_telemetry_total_power_watts 12")
	assert.Contains(t, rec.Body.String(), `ecopulse_telemetry_node_power_watts{id="bulb-01"`)
}

func TestDeviceConfigRejectsInvalidAddress(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/config/device", map[string]string{"address": "bad host/x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]any](t, rec)["error"], "invalid")

	rec = env.do(t, http.MethodGet, "/api/v1/device/status", nil)
	state := decode[device.LinkState](t, rec)
	assert.Equal(t, device.StatusIdle, state.Status)
	assert.Empty(t, state.Address)

	reloaded, err := config.Load(env.configPath)
	require.NoError(t, err)
	assert.Empty(t, reloaded.Device.Address)
}
