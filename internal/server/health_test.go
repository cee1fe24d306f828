package server

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

	"github.com/dray-io/scavd/internal/logging"
)

func TestHealthz(t *testing.T) {
	h := NewHealthServer(":0", logging.Nop())
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status.Status)

	h.SetShuttingDown()
	assert.True(t, h.IsShuttingDown())
	resp2, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestHealthz_MethodNotAllowed(t *testing.T) {
	h := NewHealthServer(":0", logging.Nop())
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReadyz(t *testing.T) {
	h := NewHealthServer(":0", logging.Nop())
	var fail error
	h.RegisterReadinessCheck(NewFuncChecker("run_log", func(context.Context) error { return fail }))

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	fail = errors.New("oxia unreachable")
	rec = httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "not_ready", status.Status)
	assert.False(t, status.Checks["run_log"].Healthy)
	assert.Equal(t, "oxia unreachable", status.Checks["run_log"].Message)
}

func TestReadyz_CheckTimeout(t *testing.T) {
	h := NewHealthServer(":0", logging.Nop())
	h.SetReadinessTimeout(10 * time.Millisecond)
	h.RegisterReadinessCheck(NewFuncChecker("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	status := h.CheckReadiness(context.Background())
	assert.Equal(t, "not_ready", status.Status)
}

func TestRegisterHandler(t *testing.T) {
	h := NewHealthServer(":0", logging.Nop())
	h.RegisterHandler("", http.NotFoundHandler())
	h.RegisterHandler("/extra", nil)
	h.RegisterHandler("/extra", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/extra", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestHealthServer_StartClose(t *testing.T) {
	h := NewHealthServer("127.0.0.1:0", logging.Nop())
	require.NoError(t, h.Start())
	assert.NotEqual(t, "127.0.0.1:0", h.Addr())

	resp, err := http.Get("http://" + h.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Close(ctx))
}

func TestHealthServer_CloseBeforeStart(t *testing.T) {
	h := NewHealthServer(":0", nil)
	assert.Equal(t, ":0", h.Addr())
	assert.NoError(t, h.Close(context.Background()))
}
