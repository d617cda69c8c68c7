package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/meshrelay/internal/metrics"
	"github.com/pscheid92/meshrelay/internal/platform/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

type fakeBinder struct{ bound bool }

func (f *fakeBinder) Bound() bool { return f.bound }

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandleLiveness(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv := NewServer(":0", nil, nil, clock)
	clock.Advance(90 * time.Second)

	rec := get(t, srv, "/health/live")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.InDelta(t, 90, body["uptime"], 0.001)
}

func TestHandleReadiness_AllHealthy(t *testing.T) {
	srv := NewServer(":0", nil, []HealthCheck{
		{Name: "ingest", Check: healthOK},
		{Name: "fanout", Check: healthOK},
	}, clockwork.NewRealClock())

	rec := get(t, srv, "/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestHandleReadiness_NamesFirstFailure(t *testing.T) {
	srv := NewServer(":0", nil, []HealthCheck{
		{Name: "ingest", Check: healthOK},
		{Name: "fanout", Check: healthErr("listener not bound")},
		{Name: "other", Check: healthErr("also broken")},
	}, clockwork.NewRealClock())

	rec := get(t, srv, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","failed_check":"fanout","error":"listener not bound"}`, rec.Body.String())
}

func TestBoundCheck(t *testing.T) {
	b := &fakeBinder{}
	check := BoundCheck("ingest", b)

	assert.Equal(t, "ingest", check.Name)
	assert.EqualError(t, check.Check(context.Background()), "listener not bound")

	b.bound = true
	assert.NoError(t, check.Check(context.Background()))
}

func TestHandleVersion(t *testing.T) {
	srv := NewServer(":0", nil, nil, clockwork.NewRealClock())

	rec := get(t, srv, "/version")

	require.Equal(t, http.StatusOK, rec.Code)
	var info version.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, version.Get(), info)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	m.FramesTotal.Add(3)

	srv := NewServer(":0", reg, nil, clockwork.NewRealClock())
	rec := get(t, srv, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meshrelay_ingest_frames_total 3")
}

func TestMetricsEndpoint_DisabledWithoutRegistry(t *testing.T) {
	srv := NewServer(":0", nil, nil, clockwork.NewRealClock())

	rec := get(t, srv, "/metrics")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
