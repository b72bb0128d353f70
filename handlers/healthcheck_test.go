package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func doHealthcheck(t *testing.T, d *NebulaAPIHandlersCollection) map[string]string {
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	d.Healthcheck()(rec, req, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthcheckHealthy(t *testing.T) {
	d, _, _, _ := newTestCollection()
	body := doHealthcheck(t, d)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "healthy", body["database"])
	require.Equal(t, "available", body["worker"])
}

func TestHealthcheckDegradedDatabase(t *testing.T) {
	d, cat, _, _ := newTestCollection()
	cat.pingErr = fmt.Errorf("connection refused")

	body := doHealthcheck(t, d)
	require.Equal(t, "degraded", body["status"])
	require.Contains(t, body["database"], "unreachable")
	require.Equal(t, "available", body["worker"])
}

func TestHealthcheckDegradedBroker(t *testing.T) {
	d, _, _, q := newTestCollection()
	q.pingErr = fmt.Errorf("connection refused")

	body := doHealthcheck(t, d)
	require.Equal(t, "degraded", body["status"])
	require.Contains(t, body["worker"], "broker unreachable")
}

func TestHealthcheckBattery(t *testing.T) {
	d, _, _, _ := newTestCollection()
	path := filepath.Join(t.TempDir(), "capacity")
	require.NoError(t, os.WriteFile(path, []byte("87\n"), 0644))
	d.BatteryPath = path

	body := doHealthcheck(t, d)
	require.Equal(t, "87%", body["battery"])
}
