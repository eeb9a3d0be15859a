package httpapi_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/leafpulse/tracker/internal/browser"
	"github.com/leafpulse/tracker/internal/extract"
	"github.com/leafpulse/tracker/internal/health"
	"github.com/leafpulse/tracker/internal/httpapi"
	"github.com/leafpulse/tracker/internal/ingest"
	"github.com/leafpulse/tracker/internal/model"
	"github.com/leafpulse/tracker/internal/notify"
	"github.com/leafpulse/tracker/internal/orchestrator"
	"github.com/leafpulse/tracker/internal/store/storetest"
)

func newTestServer(t *testing.T) (*httptest.Server, *storetest.Store) {
	t.Helper()
	fake := storetest.New()
	registry := extract.NewRegistry()
	engine := ingest.NewEngine(fake)
	dispatcher := notify.NewDispatcher(fake, "")
	orch := orchestrator.New(fake, registry, engine, dispatcher, time.Hour, nil, browser.Config{})
	monitor := health.NewMonitor(fake, "")

	srv := httpapi.NewServer(httpapi.Config{
		Store:            fake,
		IngestEngine:     engine,
		Orchestrator:     orch,
		Monitor:          monitor,
		SharedKey:        "secret",
		ScheduleInterval: 15 * time.Minute,
	})
	return httptest.NewServer(srv.Handler()), fake
}

func TestHandleIngestRejectsMissingAPIKey(t *testing.T) {
	server, _ := newTestServer(t)
	defer server.Close()

	resp, err := http.Post(server.URL+"/ingest/scraped-batch", "application/json", bytes.NewReader([]byte(`{"batchId":"b1","results":[]}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleIngestProcessesBatch(t *testing.T) {
	server, _ := newTestServer(t)
	defer server.Close()

	body := `{
		"batchId": "batch-1",
		"results": [
			{
				"retailerId": "r1",
				"status": "ok",
				"items": [
					{"rawProductName":"Blue Dream","rawBrandName":"Pulse Farms","rawCategory":"flower","price":35,"inStock":true,"quantity":12}
				]
			}
		]
	}`
	req, err := http.NewRequest(http.MethodPost, server.URL+"/ingest/scraped-batch", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Equal(t, true, decoded["success"])
	require.Equal(t, float64(1), decoded["totalProcessed"])
}

func TestHandleHealthReportsActiveLocations(t *testing.T) {
	server, fake := newTestServer(t)
	defer server.Close()

	fake.SeedRetailer(model.Retailer{ID: "r1", IsActive: true})

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded struct {
		Status    string `json:"status"`
		Locations struct {
			Total  int `json:"total"`
			Active int `json:"active"`
		} `json:"locations"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Equal(t, "ok", decoded.Status)
	require.Equal(t, 1, decoded.Locations.Total)
}

func TestHandleCORSPreflightReturnsNoContent(t *testing.T) {
	server, _ := newTestServer(t)
	defer server.Close()

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example.test")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "GET, POST, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
}

func TestHandleAlertsCheckRunsMonitor(t *testing.T) {
	server, fake := newTestServer(t)
	defer server.Close()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, fake.AppendDeadLetter(ctx, model.DeadLetterEntry{
			RetailerID:    "r1",
			ErrorType:     "navigation_failed",
			LastAttemptAt: time.Now().UTC(),
		}))
	}

	resp, err := http.Post(server.URL+"/alerts/check", "application/json", bytes.NewReader([]byte(`{"forceAlert":true}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded struct {
		Alerts []map[string]any `json:"alerts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Len(t, decoded.Alerts, 1)
}
