package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	agentcfg "github.com/vigil-sec/vigil/agent/config"
	"github.com/vigil-sec/vigil/agent/event"
	"github.com/vigil-sec/vigil/internal/auth"
	"github.com/vigil-sec/vigil/internal/config"
	"github.com/vigil-sec/vigil/internal/ingest"
	"github.com/vigil-sec/vigil/internal/models"
	"github.com/vigil-sec/vigil/internal/notify"
	"github.com/vigil-sec/vigil/internal/response"
	"github.com/vigil-sec/vigil/internal/risk"
	"github.com/vigil-sec/vigil/internal/store"
)

const testEnrollKey = "enroll-me"

type testServer struct {
	*httptest.Server
	store *store.Memory
	orch  *response.Orchestrator
	hub   *StreamHub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemory()
	log := zap.NewNop()
	hub := NewStreamHub(log)

	authSvc, err := auth.NewService("test-secret", testEnrollKey, time.Hour)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	exec := response.ExecutorFunc(func(context.Context, models.ResponseActionRecord) error { return nil })
	orch := response.New(st, exec, hub, log, risk.TierHigh, time.Second)

	acfg := agentcfg.FromEnv()
	acfg.Version = 2
	ing := ingest.New(st, authSvc, orch, notify.Multi{hub}, log, &acfg, time.Minute)

	srvCfg := config.Default().Server
	router := Router(srvCfg, Deps{
		Store:        st,
		Ingest:       ing,
		Orchestrator: orch,
		Auth:         authSvc,
		Hub:          hub,
		Log:          log,
	})

	ts := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return &testServer{Server: ts, store: st, orch: orch, hub: hub}
}

func postJSON(t *testing.T, url string, token string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func registerAgent(t *testing.T, ts *testServer, hostname string) ingest.RegisterResult {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/agent/register", "", ingest.RegisterRequest{
		Hostname:     hostname,
		OS:           "linux",
		IPAddress:    "10.0.0.10",
		AgentVersion: "1.0.0",
		EnrollKey:    testEnrollKey,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	return decode[ingest.RegisterResult](t, resp)
}

func TestRegisterAndSubmitEvents(t *testing.T) {
	ts := newTestServer(t)
	reg := registerAgent(t, ts, "web-01")
	if reg.AgentID == "" || reg.Token == "" {
		t.Fatalf("incomplete registration: %+v", reg)
	}
	if reg.Config == nil || reg.Config.Version != 2 {
		t.Fatalf("config missing from registration: %+v", reg.Config)
	}

	batch := map[string]any{
		"agent_id": reg.AgentID,
		"events": []event.Event{
			event.New("web-01", reg.AgentID, event.TypeFile, map[string]any{"event": "file_change", "path": "/etc/shadow"}),
		},
	}
	resp := postJSON(t, ts.URL+"/api/agent/events", reg.Token, batch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	res := decode[ingest.BatchResult](t, resp)
	if res.Accepted != 1 || len(res.Rejected) != 0 {
		t.Fatalf("batch result = %+v", res)
	}
	if got := len(ts.store.Events()); got != 1 {
		t.Fatalf("stored %d events, want 1", got)
	}
}

func TestAgentRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	reg := registerAgent(t, ts, "web-01")

	// No token at all.
	resp := postJSON(t, ts.URL+"/api/agent/events", "", map[string]any{"agent_id": reg.AgentID})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	// A valid token for a different agent id.
	other := registerAgent(t, ts, "web-02")
	resp = postJSON(t, ts.URL+"/api/agent/events", other.Token, map[string]any{"agent_id": reg.AgentID})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRegisterRejectsBadEnrollKey(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/api/agent/register", "", ingest.RegisterRequest{
		Hostname:  "rogue",
		EnrollKey: "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHeartbeatRoute(t *testing.T) {
	ts := newTestServer(t)
	reg := registerAgent(t, ts, "web-01")

	resp := postJSON(t, ts.URL+"/api/agent/heartbeat", reg.Token, ingest.HeartbeatRequest{
		AgentID:       reg.AgentID,
		Timestamp:     time.Now().UTC(),
		ConfigVersion: 1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d", resp.StatusCode)
	}
	res := decode[ingest.HeartbeatResult](t, resp)
	if res.Status != "ok" {
		t.Fatalf("status = %q", res.Status)
	}
	if res.Config == nil || res.Config.Version != 2 {
		t.Fatalf("stale agent did not get config: %+v", res.Config)
	}
}

func TestEvaluateRiskRoute(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/risk/evaluate", "", risk.FactorSet{
		AssetID:          "asset-1",
		Anomaly:          0.7,
		EventFrequency:   0.5,
		Severity:         0.8,
		AssetCriticality: 0.6,
		UserRisk:         0.4,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decode[struct {
		CompositeScore  float64  `json:"composite_score"`
		Tier            string   `json:"tier"`
		Recommendations []string `json:"recommendations"`
	}](t, resp)
	if out.CompositeScore < 63.9 || out.CompositeScore > 64.1 {
		t.Fatalf("composite = %v, want 64.0", out.CompositeScore)
	}
	if out.Tier != "high" || len(out.Recommendations) == 0 {
		t.Fatalf("result = %+v", out)
	}

	// Out-of-range factors are rejected at the boundary.
	resp = postJSON(t, ts.URL+"/api/risk/evaluate", "", risk.FactorSet{Anomaly: 1.5})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestResponseExecuteAndStatus(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/response/execute", "", map[string]any{
		"asset_id":    "asset-1",
		"action_type": "block_ip",
		"target":      "10.0.0.66",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("execute status = %d", resp.StatusCode)
	}
	out := decode[struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
	}](t, resp)
	if out.ExecutionID == "" || out.Status != models.ActionPending {
		t.Fatalf("execute result = %+v", out)
	}

	ts.orch.Wait()

	statusResp, err := http.Get(ts.URL + "/api/response/" + out.ExecutionID)
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	body := decode[struct {
		Data models.ResponseActionRecord `json:"data"`
	}](t, statusResp)
	if body.Data.Status != models.ActionCompleted {
		t.Fatalf("final status = %q", body.Data.Status)
	}

	// Unknown action id.
	statusResp, err = http.Get(ts.URL + "/api/response/nope")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	if statusResp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", statusResp.StatusCode)
	}
	statusResp.Body.Close()
}

func TestStreamFanOut(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"

	connA, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial A: %v", err)
	}
	defer connA.Close()
	connB, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial B: %v", err)
	}
	defer connB.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ts.hub.ClientCount() != 2 {
		t.Fatalf("clients = %d, want 2", ts.hub.ClientCount())
	}

	alert := models.Alert{AssetID: "asset-1", AlertType: "risk_escalation", Severity: "high"}
	if err := ts.hub.NotifyAlert(context.Background(), alert); err != nil {
		t.Fatalf("NotifyAlert: %v", err)
	}

	for _, conn := range []*websocket.Conn{connA, connB} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg struct {
			Kind    string       `json:"kind"`
			Payload models.Alert `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if msg.Kind != "alert" || msg.Payload.AlertType != "risk_escalation" {
			t.Fatalf("message = %+v", msg)
		}
	}
}

func TestHealthAndStatusRoutes(t *testing.T) {
	ts := newTestServer(t)
	registerAgent(t, ts, "web-01")

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	body := decode[struct {
		Data map[string]any `json:"data"`
	}](t, resp)
	if body.Data["assets"].(float64) != 1 {
		t.Fatalf("status payload = %+v", body.Data)
	}

	resp, err = http.Get(ts.URL + "/api/assets")
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	assets := decode[struct {
		Data []models.Asset `json:"data"`
	}](t, resp)
	if len(assets.Data) != 1 || assets.Data[0].Hostname != "web-01" {
		t.Fatalf("assets = %+v", assets.Data)
	}
}
