package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vigil-sec/vigil/internal/models"
)

// Memory is an in-memory Store for tests and single-node development.
type Memory struct {
	mu      sync.Mutex
	nextID  uint
	assets  map[string]*models.Asset // keyed by agent_id
	events  []models.EventRecord
	scores  []models.RiskScoreRecord
	alerts  []models.Alert
	actions map[string]*models.ResponseActionRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		assets:  make(map[string]*models.Asset),
		actions: make(map[string]*models.ResponseActionRecord),
	}
}

func (s *Memory) id() uint {
	s.nextID++
	return s.nextID
}

func (s *Memory) SaveAsset(_ context.Context, asset *models.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if asset.ID == 0 {
		asset.ID = s.id()
	}
	cp := *asset
	s.assets[asset.AgentID] = &cp
	return nil
}

func (s *Memory) AssetByAgentID(_ context.Context, agentID string) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.assets[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *asset
	return &cp, nil
}

func (s *Memory) AssetByHostname(_ context.Context, hostname string) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, asset := range s.assets {
		if asset.Hostname == hostname {
			cp := *asset
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) ListAssets(_ context.Context) ([]models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Asset, 0, len(s.assets))
	for _, asset := range s.assets {
		out = append(out, *asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func (s *Memory) SaveEvents(_ context.Context, events []models.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range events {
		if events[i].ID == 0 {
			events[i].ID = s.id()
		}
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *Memory) EventByEventID(_ context.Context, eventID string) (*models.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].EventID == eventID {
			cp := s.events[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) CountEventsSince(_ context.Context, agentID string, sinceUnix int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := time.Unix(sinceUnix, 0)
	var count int64
	for i := range s.events {
		if s.events[i].AgentID == agentID && s.events[i].Timestamp.After(since) {
			count++
		}
	}
	return count, nil
}

// Events returns a copy of all stored events (test inspection).
func (s *Memory) Events() []models.EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventRecord, len(s.events))
	copy(out, s.events)
	return out
}

func (s *Memory) SaveScore(_ context.Context, score *models.RiskScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if score.ID == 0 {
		score.ID = s.id()
	}
	s.scores = append(s.scores, *score)
	return nil
}

func (s *Memory) LatestScore(_ context.Context, assetID string) (*models.RiskScoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.RiskScoreRecord
	for i := range s.scores {
		sc := &s.scores[i]
		if sc.AssetID != assetID {
			continue
		}
		if latest == nil || sc.Timestamp.After(latest.Timestamp) {
			latest = sc
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *Memory) SaveAlert(_ context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alert.ID == 0 {
		alert.ID = s.id()
	}
	s.alerts = append(s.alerts, *alert)
	return nil
}

func (s *Memory) ListAlerts(_ context.Context, limit int) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Alert, len(s.alerts))
	copy(out, s.alerts)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) SaveAction(_ context.Context, action *models.ResponseActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if action.ID == 0 {
		action.ID = s.id()
	}
	cp := *action
	s.actions[action.ActionID] = &cp
	return nil
}

func (s *Memory) ActionByID(_ context.Context, actionID string) (*models.ResponseActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.actions[actionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *action
	return &cp, nil
}
