// Package ingest owns the agent session registry and the event intake
// path: registration, heartbeats, batch submission, and the hand-off into
// scoring and response orchestration.
package ingest

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
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

var (
	ErrUnknownAgent = errors.New("unknown agent")
)

// Per-event-type severity used when deriving risk factors from a batch.
var typeSeverity = map[string]float64{
	string(event.TypeFile):     0.4,
	string(event.TypeNetwork):  0.6,
	string(event.TypeProcess):  0.7,
	string(event.TypeSecurity): 0.9,
}

// Service is the session registry and intake pipeline.
type Service struct {
	store        store.Store
	auth         *auth.Service
	orchestrator *response.Orchestrator
	notifier     notify.Notifier
	log          *zap.Logger

	agentConfig atomic.Pointer[config.Config]

	heartbeatInterval time.Duration
	defaultCrit       float64
}

// New builds the ingest service. initial is the config document handed to
// agents; heartbeatInterval drives the stale sweep threshold.
func New(st store.Store, authSvc *auth.Service, orch *response.Orchestrator, notifier notify.Notifier, log *zap.Logger, initial *config.Config, heartbeatInterval time.Duration) *Service {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 60 * time.Second
	}
	s := &Service{
		store:             st,
		auth:              authSvc,
		orchestrator:      orch,
		notifier:          notifier,
		log:               log,
		heartbeatInterval: heartbeatInterval,
		defaultCrit:       0.5,
	}
	s.agentConfig.Store(initial)
	return s
}

// AgentConfig returns the config document currently pushed to agents.
func (s *Service) AgentConfig() *config.Config { return s.agentConfig.Load() }

// SetAgentConfig replaces the pushed config. Agents pick it up on their
// next heartbeat when the version advanced.
func (s *Service) SetAgentConfig(cfg *config.Config) { s.agentConfig.Store(cfg) }

// RegisterRequest is the registration payload an agent submits.
type RegisterRequest struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	IPAddress    string `json:"ip_address"`
	AgentVersion string `json:"agent_version"`
	EnrollKey    string `json:"enroll_key"`
}

// RegisterResult is the assigned identity plus the initial config.
type RegisterResult struct {
	AgentID string         `json:"agent_id"`
	Token   string         `json:"token"`
	Config  *config.Config `json:"config,omitempty"`
}

// Register enrolls an agent. Registration is idempotent on hostname: a
// known host keeps its agent_id and gets its session refreshed.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if req.Hostname == "" {
		return nil, errors.New("hostname is required")
	}
	if err := s.auth.CheckEnrollKey(req.EnrollKey); err != nil {
		return nil, err
	}

	cfg := s.agentConfig.Load()
	now := time.Now().UTC()

	asset, err := s.store.AssetByHostname(ctx, req.Hostname)
	switch {
	case err == nil:
		asset.OS = req.OS
		asset.IPAddress = req.IPAddress
		asset.AgentVersion = req.AgentVersion
		asset.LastHeartbeat = &now
		asset.Stale = false
		if cfg != nil {
			asset.ConfigVersion = cfg.Version
		}
	case errors.Is(err, store.ErrNotFound):
		asset = &models.Asset{
			AgentID:       uuid.NewString(),
			Hostname:      req.Hostname,
			OS:            req.OS,
			IPAddress:     req.IPAddress,
			AgentVersion:  req.AgentVersion,
			Criticality:   s.defaultCrit,
			LastHeartbeat: &now,
			RegisteredAt:  now,
		}
		if cfg != nil {
			asset.ConfigVersion = cfg.Version
		}
	default:
		return nil, err
	}

	if err := s.store.SaveAsset(ctx, asset); err != nil {
		return nil, err
	}
	token, err := s.auth.GenerateToken(asset.AgentID, asset.Hostname)
	if err != nil {
		return nil, err
	}

	s.log.Info("agent registered",
		zap.String("agent_id", asset.AgentID),
		zap.String("hostname", asset.Hostname),
		zap.String("version", asset.AgentVersion))

	return &RegisterResult{AgentID: asset.AgentID, Token: token, Config: cfg}, nil
}

// HeartbeatRequest is the periodic liveness report from an agent.
type HeartbeatRequest struct {
	AgentID       string         `json:"agent_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Health        models.JSONMap `json:"health"`
	ConfigVersion int            `json:"config_version"`
}

// HeartbeatResult acknowledges a heartbeat, piggybacking the current
// config when the agent's reported version is behind.
type HeartbeatResult struct {
	Status string         `json:"status"`
	Config *config.Config `json:"config,omitempty"`
}

// Heartbeat refreshes the session's liveness and clears any stale mark.
func (s *Service) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResult, error) {
	asset, err := s.store.AssetByAgentID(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownAgent
		}
		return nil, err
	}

	now := time.Now().UTC()
	asset.LastHeartbeat = &now
	asset.Stale = false
	asset.Health = req.Health
	asset.ConfigVersion = req.ConfigVersion
	if err := s.store.SaveAsset(ctx, asset); err != nil {
		return nil, err
	}

	res := &HeartbeatResult{Status: "ok"}
	if cfg := s.agentConfig.Load(); cfg != nil && cfg.Version > req.ConfigVersion {
		res.Config = cfg
	}
	return res, nil
}

// BatchResult summarizes per-event intake outcomes.
type BatchResult struct {
	Accepted int             `json:"accepted"`
	Rejected []RejectedEvent `json:"rejected,omitempty"`
	Score    *risk.Score     `json:"score,omitempty"`
}

// RejectedEvent names one event that failed validation and why.
type RejectedEvent struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// SubmitBatch validates each event independently, stores the accepted
// ones, re-scores the asset and hands escalations to the orchestrator.
// A bad event never fails the batch.
func (s *Service) SubmitBatch(ctx context.Context, agentID string, events []event.Event) (*BatchResult, error) {
	asset, err := s.store.AssetByAgentID(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownAgent
		}
		return nil, err
	}

	res := &BatchResult{}
	var records []models.EventRecord
	var scorable []event.Event

	for _, ev := range events {
		if reason := validateEvent(ev); reason != "" {
			res.Rejected = append(res.Rejected, RejectedEvent{EventID: ev.EventID, Reason: reason})
			continue
		}
		// Redelivered batches are acknowledged idempotently; an event id
		// seen before is accepted but not stored again.
		if _, err := s.store.EventByEventID(ctx, ev.EventID); err == nil {
			res.Accepted++
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		records = append(records, models.EventRecord{
			EventID:   ev.EventID,
			AgentID:   agentID,
			Hostname:  ev.Hostname,
			EventType: string(ev.EventType),
			Payload:   models.JSONMap(ev.Payload),
			Timestamp: ev.Timestamp,
		})
		scorable = append(scorable, ev)
		res.Accepted++
	}

	if len(records) > 0 {
		if err := s.store.SaveEvents(ctx, records); err != nil {
			return nil, err
		}
	}
	if len(res.Rejected) > 0 {
		alert := models.Alert{
			AssetID:     agentID,
			AlertType:   "events_rejected",
			Severity:    "low",
			Description: "batch contained invalid events",
			Data:        models.JSONMap{"count": len(res.Rejected)},
		}
		if err := s.store.SaveAlert(ctx, &alert); err != nil {
			s.log.Error("persist rejection alert", zap.Error(err))
		}
	}

	if len(scorable) > 0 {
		score, err := s.rescore(ctx, asset, scorable)
		if err != nil {
			s.log.Error("rescore after batch", zap.String("agent_id", agentID), zap.Error(err))
		} else {
			res.Score = score
		}
	}
	return res, nil
}

func validateEvent(ev event.Event) string {
	if ev.EventID == "" {
		return "missing event_id"
	}
	if ev.EventType == "" {
		return "missing event_type"
	}
	if !ev.EventType.Valid() {
		return "unknown event_type"
	}
	if ev.Timestamp.IsZero() {
		return "missing timestamp"
	}
	return ""
}

// rescore derives a factor set from the accepted events, persists the new
// score and, on an upward tier move, triggers the response orchestrator.
func (s *Service) rescore(ctx context.Context, asset *models.Asset, events []event.Event) (*risk.Score, error) {
	factors := s.deriveFactors(ctx, asset, events)
	if err := factors.Validate(); err != nil {
		return nil, err
	}
	score := risk.Compute(factors)

	prevTier := risk.TierLow
	if prev, err := s.store.LatestScore(ctx, asset.AgentID); err == nil {
		prevTier = risk.Tier(prev.Tier)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	rec := models.RiskScoreRecord{
		AssetID:   asset.AgentID,
		Composite: score.Composite,
		Tier:      string(score.Tier),
		Factors: models.JSONMap{
			"anomaly":           factors.Anomaly,
			"event_frequency":   factors.EventFrequency,
			"severity":          factors.Severity,
			"asset_criticality": factors.AssetCriticality,
			"user_risk":         factors.UserRisk,
		},
		Timestamp: score.Timestamp,
	}
	if err := s.store.SaveScore(ctx, &rec); err != nil {
		return nil, err
	}
	if err := s.notifier.NotifyScore(ctx, rec); err != nil {
		s.log.Warn("notify score", zap.Error(err))
	}

	if score.Tier.Escalated(prevTier) {
		alert := models.Alert{
			AssetID:     asset.AgentID,
			AlertType:   "risk_escalation",
			Severity:    string(score.Tier),
			Description: "risk tier moved " + string(prevTier) + " to " + string(score.Tier),
			Data:        models.JSONMap{"composite_score": score.Composite},
		}
		if err := s.store.SaveAlert(ctx, &alert); err != nil {
			s.log.Error("persist escalation alert", zap.Error(err))
		}
		if err := s.notifier.NotifyAlert(ctx, alert); err != nil {
			s.log.Warn("notify escalation alert", zap.Error(err))
		}
		trigger := dominantTrigger(events)
		if _, err := s.orchestrator.HandleEscalation(ctx, asset.AgentID, score, trigger); err != nil {
			s.log.Error("dispatch response", zap.String("agent_id", asset.AgentID), zap.Error(err))
		}
	}
	return &score, nil
}

func (s *Service) deriveFactors(ctx context.Context, asset *models.Asset, events []event.Event) risk.FactorSet {
	var suspicious, security int
	severity := 0.0
	userRisk := 0.0
	for _, ev := range events {
		if sev := typeSeverity[string(ev.EventType)]; sev > severity {
			severity = sev
		}
		name, _ := ev.Payload["event"].(string)
		if strings.HasPrefix(name, "suspicious_") {
			suspicious++
		}
		if ev.EventType == event.TypeSecurity {
			security++
			if u, ok := ev.Payload["user_risk"].(float64); ok && u > userRisk {
				userRisk = u
			}
		}
	}

	anomaly := float64(suspicious+security) / float64(len(events))

	// Frequency normalizes the last hour of activity against a nominal
	// ceiling of one event per second.
	frequency := 0.0
	since := time.Now().Add(-time.Hour).Unix()
	if count, err := s.store.CountEventsSince(ctx, asset.AgentID, since); err == nil {
		frequency = float64(count) / 3600.0
	}

	// Every factor is derived from agent-supplied data and must land in
	// [0, 1] before it reaches the risk model.
	return risk.FactorSet{
		AssetID:          asset.AgentID,
		Anomaly:          clamp01(anomaly),
		EventFrequency:   clamp01(frequency),
		Severity:         clamp01(severity),
		AssetCriticality: clamp01(asset.Criticality),
		UserRisk:         clamp01(userRisk),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// dominantTrigger maps what the batch shows to a response trigger type.
func dominantTrigger(events []event.Event) string {
	counts := map[string]int{}
	for _, ev := range events {
		name, _ := ev.Payload["event"].(string)
		switch {
		case name == "auth_failure" || name == "repeated_auth_failure":
			counts[response.TriggerAuthFailure]++
		case name == "privilege_escalation":
			counts[response.TriggerPrivilegeAbuse]++
		case name == "suspicious_connection":
			counts[response.TriggerLateralMovement]++
		case name == "suspicious_process" || ev.EventType == event.TypeSecurity:
			counts[response.TriggerCompromise]++
		}
	}
	best, bestN := "", 0
	for trig, n := range counts {
		if n > bestN {
			best, bestN = trig, n
		}
	}
	return best
}

// RunStaleSweep periodically marks sessions stale when no heartbeat
// arrived within three intervals. Blocks until ctx is done.
func (s *Service) RunStaleSweep(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	assets, err := s.store.ListAssets(ctx)
	if err != nil {
		s.log.Error("list assets for sweep", zap.Error(err))
		return
	}
	cutoff := time.Now().Add(-3 * s.heartbeatInterval)
	for i := range assets {
		a := &assets[i]
		if a.Stale || a.LastHeartbeat == nil || a.LastHeartbeat.After(cutoff) {
			continue
		}
		a.Stale = true
		if err := s.store.SaveAsset(ctx, a); err != nil {
			s.log.Error("mark asset stale", zap.String("agent_id", a.AgentID), zap.Error(err))
			continue
		}
		alert := models.Alert{
			AssetID:     a.AgentID,
			AlertType:   "agent_stale",
			Severity:    "medium",
			Description: a.Hostname + " missed heartbeats",
		}
		if err := s.store.SaveAlert(ctx, &alert); err != nil {
			s.log.Error("persist stale alert", zap.Error(err))
		}
		if err := s.notifier.NotifyAlert(ctx, alert); err != nil {
			s.log.Warn("notify stale alert", zap.Error(err))
		}
		s.log.Warn("agent session stale",
			zap.String("agent_id", a.AgentID),
			zap.String("hostname", a.Hostname))
	}
}
