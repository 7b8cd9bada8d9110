package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vigil-sec/vigil/agent/config"
	"github.com/vigil-sec/vigil/agent/event"
	"github.com/vigil-sec/vigil/internal/auth"
	"github.com/vigil-sec/vigil/internal/models"
	"github.com/vigil-sec/vigil/internal/notify"
	"github.com/vigil-sec/vigil/internal/response"
	"github.com/vigil-sec/vigil/internal/risk"
	"github.com/vigil-sec/vigil/internal/store"
)

const testEnrollKey = "enroll-me"

func newService(t *testing.T) (*Service, *store.Memory, *response.Orchestrator) {
	t.Helper()
	st := store.NewMemory()
	authSvc, err := auth.NewService("test-secret", testEnrollKey, time.Hour)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	exec := response.ExecutorFunc(func(context.Context, models.ResponseActionRecord) error { return nil })
	orch := response.New(st, exec, notify.NewMemory(), zap.NewNop(), risk.TierHigh, time.Second)
	cfg := config.FromEnv()
	cfg.Version = 3
	svc := New(st, authSvc, orch, notify.NewMemory(), zap.NewNop(), &cfg, 50*time.Millisecond)
	return svc, st, orch
}

func register(t *testing.T, svc *Service, hostname string) *RegisterResult {
	t.Helper()
	res, err := svc.Register(context.Background(), RegisterRequest{
		Hostname:     hostname,
		OS:           "linux",
		IPAddress:    "10.0.0.10",
		AgentVersion: "1.0.0",
		EnrollKey:    testEnrollKey,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return res
}

func secEvent(agentID, name string, userRisk float64) event.Event {
	return event.New("web-01", agentID, event.TypeSecurity, map[string]any{
		"event":     name,
		"user_risk": userRisk,
	})
}

func TestRegisterIdempotentByHostname(t *testing.T) {
	svc, st, _ := newService(t)

	first := register(t, svc, "web-01")
	if first.AgentID == "" || first.Token == "" {
		t.Fatalf("incomplete result: %+v", first)
	}
	if first.Config == nil || first.Config.Version != 3 {
		t.Fatalf("config not returned: %+v", first.Config)
	}

	// Same hostname again: same identity, refreshed details.
	res, err := svc.Register(context.Background(), RegisterRequest{
		Hostname:     "web-01",
		OS:           "linux",
		IPAddress:    "10.0.0.99",
		AgentVersion: "1.1.0",
		EnrollKey:    testEnrollKey,
	})
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if res.AgentID != first.AgentID {
		t.Fatalf("agent_id changed on re-registration: %q vs %q", res.AgentID, first.AgentID)
	}

	asset, err := st.AssetByAgentID(context.Background(), first.AgentID)
	if err != nil {
		t.Fatalf("AssetByAgentID: %v", err)
	}
	if asset.IPAddress != "10.0.0.99" || asset.AgentVersion != "1.1.0" {
		t.Fatalf("asset not refreshed: %+v", asset)
	}

	assets, _ := st.ListAssets(context.Background())
	if len(assets) != 1 {
		t.Fatalf("got %d assets, want 1", len(assets))
	}
}

func TestRegisterRejectsBadEnrollKey(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Register(context.Background(), RegisterRequest{Hostname: "web-01", EnrollKey: "nope"})
	if !errors.Is(err, auth.ErrInvalidEnrollKey) {
		t.Fatalf("err = %v, want ErrInvalidEnrollKey", err)
	}
}

func TestHeartbeatPiggybacksConfigWhenStale(t *testing.T) {
	svc, st, _ := newService(t)
	reg := register(t, svc, "web-01")

	// Agent already on the current version: no config in the reply.
	res, err := svc.Heartbeat(context.Background(), HeartbeatRequest{AgentID: reg.AgentID, ConfigVersion: 3})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if res.Config != nil {
		t.Fatalf("unexpected config for current version: %+v", res.Config)
	}

	// Behind: current config piggybacked.
	res, err = svc.Heartbeat(context.Background(), HeartbeatRequest{AgentID: reg.AgentID, ConfigVersion: 1})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if res.Config == nil || res.Config.Version != 3 {
		t.Fatalf("config not piggybacked: %+v", res.Config)
	}

	asset, _ := st.AssetByAgentID(context.Background(), reg.AgentID)
	if asset.LastHeartbeat == nil {
		t.Fatal("last heartbeat not recorded")
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.Heartbeat(context.Background(), HeartbeatRequest{AgentID: "ghost"}); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
}

func TestSubmitBatchIsolatesInvalidEvents(t *testing.T) {
	svc, st, _ := newService(t)
	reg := register(t, svc, "web-01")

	good := event.New("web-01", reg.AgentID, event.TypeFile, map[string]any{"event": "file_change", "path": "/etc/passwd"})
	noType := good
	noType.EventID = "bad-1"
	noType.EventType = ""
	noStamp := event.New("web-01", reg.AgentID, event.TypeProcess, map[string]any{"event": "new_process"})
	noStamp.Timestamp = time.Time{}

	res, err := svc.SubmitBatch(context.Background(), reg.AgentID, []event.Event{good, noType, noStamp})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if res.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", res.Accepted)
	}
	if len(res.Rejected) != 2 {
		t.Fatalf("rejected = %+v, want 2 entries", res.Rejected)
	}

	stored := st.Events()
	if len(stored) != 1 || stored[0].EventID != good.EventID {
		t.Fatalf("stored = %+v, want only the valid event", stored)
	}
}

func TestSubmitBatchDeduplicatesRedelivery(t *testing.T) {
	svc, st, _ := newService(t)
	reg := register(t, svc, "web-01")

	ev := event.New("web-01", reg.AgentID, event.TypeNetwork, map[string]any{"event": "new_connection"})
	batch := []event.Event{ev}

	if _, err := svc.SubmitBatch(context.Background(), reg.AgentID, batch); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	res, err := svc.SubmitBatch(context.Background(), reg.AgentID, batch)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Accepted != 1 {
		t.Fatalf("redelivered event not acknowledged: %+v", res)
	}
	if got := len(st.Events()); got != 1 {
		t.Fatalf("stored %d copies, want 1", got)
	}
}

func TestSubmitBatchScoresAndEscalates(t *testing.T) {
	svc, st, orch := newService(t)
	reg := register(t, svc, "web-01")

	batch := []event.Event{
		secEvent(reg.AgentID, "repeated_auth_failure", 1.0),
		secEvent(reg.AgentID, "repeated_auth_failure", 1.0),
		secEvent(reg.AgentID, "repeated_auth_failure", 0.8),
	}
	res, err := svc.SubmitBatch(context.Background(), reg.AgentID, batch)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if res.Score == nil {
		t.Fatal("no score produced")
	}
	// anomaly 1.0, severity 0.9, criticality 0.5, user 1.0, frequency ~0:
	// composite lands just above the high boundary.
	if res.Score.Tier != risk.TierHigh {
		t.Fatalf("tier = %s (%.2f), want high", res.Score.Tier, res.Score.Composite)
	}

	latest, err := st.LatestScore(context.Background(), reg.AgentID)
	if err != nil {
		t.Fatalf("LatestScore: %v", err)
	}
	if latest.Tier != string(risk.TierHigh) {
		t.Fatalf("persisted tier = %q", latest.Tier)
	}

	orch.Wait()
	alerts, _ := st.ListAlerts(context.Background(), 10)
	var sawEscalation bool
	for _, a := range alerts {
		if a.AlertType == "risk_escalation" {
			sawEscalation = true
		}
	}
	if !sawEscalation {
		t.Fatalf("no escalation alert in %+v", alerts)
	}
}

func TestSubmitBatchClampsPayloadUserRisk(t *testing.T) {
	svc, st, _ := newService(t)
	reg := register(t, svc, "web-01")

	// An agent payload can claim any user_risk value. The derived factor
	// is clamped into [0, 1] so one inflated event cannot suppress
	// scoring for the batch.
	res, err := svc.SubmitBatch(context.Background(), reg.AgentID, []event.Event{
		secEvent(reg.AgentID, "repeated_auth_failure", 5.0),
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if res.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", res.Accepted)
	}
	if res.Score == nil {
		t.Fatal("no score produced")
	}

	latest, err := st.LatestScore(context.Background(), reg.AgentID)
	if err != nil {
		t.Fatalf("LatestScore: %v", err)
	}
	if got, _ := latest.Factors["user_risk"].(float64); got != 1.0 {
		t.Fatalf("user_risk factor = %v, want 1.0", latest.Factors["user_risk"])
	}
}

func TestSubmitBatchUnknownAgent(t *testing.T) {
	svc, _, _ := newService(t)
	ev := event.New("web-01", "ghost", event.TypeFile, nil)
	if _, err := svc.SubmitBatch(context.Background(), "ghost", []event.Event{ev}); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
}

func TestStaleSweepMarksMissedHeartbeats(t *testing.T) {
	svc, st, _ := newService(t)
	reg := register(t, svc, "web-01")
	fresh := register(t, svc, "web-02")

	// Backdate one asset beyond three heartbeat intervals.
	asset, _ := st.AssetByAgentID(context.Background(), reg.AgentID)
	old := time.Now().Add(-time.Second)
	asset.LastHeartbeat = &old
	if err := st.SaveAsset(context.Background(), asset); err != nil {
		t.Fatalf("SaveAsset: %v", err)
	}

	svc.sweepOnce(context.Background())

	asset, _ = st.AssetByAgentID(context.Background(), reg.AgentID)
	if !asset.Stale {
		t.Fatal("backdated asset not marked stale")
	}
	other, _ := st.AssetByAgentID(context.Background(), fresh.AgentID)
	if other.Stale {
		t.Fatal("fresh asset wrongly marked stale")
	}

	// A heartbeat clears the mark.
	if _, err := svc.Heartbeat(context.Background(), HeartbeatRequest{AgentID: reg.AgentID, ConfigVersion: 3}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	asset, _ = st.AssetByAgentID(context.Background(), reg.AgentID)
	if asset.Stale {
		t.Fatal("heartbeat did not clear stale mark")
	}
}
