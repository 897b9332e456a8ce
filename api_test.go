package canguard

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
)

func newTestAPI(t *testing.T) (*APIServer, *Engine) {
	t.Helper()
	engine := newTestEngine(t, DefaultConfig(), nil)
	return NewAPIServer(engine, NewAlertHub(), NewMetrics()), engine
}

func TestAPIHealth(t *testing.T) {
	api, _ := newTestAPI(t)
	resp, err := api.App().Test(httptest.NewRequest("GET", "/healthz", nil))
	if err != nil {
		t.Fatalf("healthz request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAPIStatus(t *testing.T) {
	api, engine := newTestAPI(t)
	engine.Process(Frame{ID: 0x310, DLC: 1, Data: [MaxPayload]byte{50}})
	engine.Process(Frame{ID: 0x050, DLC: 1})

	resp, err := api.App().Test(httptest.NewRequest("GET", "/api/status", nil))
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Engine    EngineStatus `json:"engine"`
		WSClients int          `json:"ws_clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.Engine.Frames != 2 || body.Engine.Anomalies != 1 {
		t.Fatalf("unexpected status %+v", body.Engine)
	}
}

func TestAPIAlertsWithoutLedger(t *testing.T) {
	api, _ := newTestAPI(t)
	resp, err := api.App().Test(httptest.NewRequest("GET", "/api/alerts", nil))
	if err != nil {
		t.Fatalf("alerts request: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404 without a ledger, got %d", resp.StatusCode)
	}
}

func TestAPIRangesAndBaselines(t *testing.T) {
	api, engine := newTestAPI(t)
	engine.Learn(Frame{ID: 0x310, DLC: 1, Data: [MaxPayload]byte{50}})

	resp, err := api.App().Test(httptest.NewRequest("GET", "/api/ranges", nil))
	if err != nil {
		t.Fatalf("ranges request: %v", err)
	}
	var ranges struct {
		Ranges []IdentifierRange `json:"ranges"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ranges); err != nil {
		t.Fatalf("decode ranges: %v", err)
	}
	if len(ranges.Ranges) != 6 {
		t.Fatalf("expected 6 ranges, got %d", len(ranges.Ranges))
	}

	resp, err = api.App().Test(httptest.NewRequest("GET", "/api/baselines", nil))
	if err != nil {
		t.Fatalf("baselines request: %v", err)
	}
	var baselines struct {
		Count    int               `json:"count"`
		Capacity int               `json:"capacity"`
		Profiles []BaselineProfile `json:"profiles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&baselines); err != nil {
		t.Fatalf("decode baselines: %v", err)
	}
	if baselines.Count != 1 || len(baselines.Profiles) != 1 {
		t.Fatalf("expected the learned baseline reported, got %+v", baselines)
	}
	if baselines.Profiles[0].ID != 0x310 {
		t.Fatalf("unexpected profile %+v", baselines.Profiles[0])
	}
}

func TestAPIMetricsEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	resp, err := api.App().Test(httptest.NewRequest("GET", "/metrics", nil))
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Fatalf("expected metrics exposition output")
	}
}
