package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-sentinel/internal/config"
)

func openTestApp(t *testing.T) *app {
	t.Helper()
	setupDataDir(t)
	cfg, err := config.Load()
	require.NoError(t, err)
	a, err := openStores(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func getHealth(t *testing.T, a *app) (healthReport, int) {
	t.Helper()
	srv := httptest.NewServer(a.metricsMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var rep healthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	return rep, resp.StatusCode
}

func TestHealthzOK(t *testing.T) {
	a := openTestApp(t)

	rep, code := getHealth(t, a)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", rep.Status)
	assert.Equal(t, "ok", rep.Database)
	assert.Equal(t, Version, rep.Version)
}

func TestHealthzDatabaseDown(t *testing.T) {
	a := openTestApp(t)
	require.NoError(t, a.db.Close())

	rep, code := getHealth(t, a)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", rep.Status)
	assert.NotEqual(t, "ok", rep.Database)
}

func TestMetricsEndpoint(t *testing.T) {
	a := openTestApp(t)
	srv := httptest.NewServer(a.metricsMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
