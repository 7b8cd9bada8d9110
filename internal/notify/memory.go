package notify

import (
	"context"
	"sync"

	"github.com/vigil-sec/vigil/internal/models"
)

// Memory records notifications in memory. Used in tests and when no broker
// is configured.
type Memory struct {
	mu      sync.Mutex
	alerts  []models.Alert
	actions []models.ResponseActionRecord
	scores  []models.RiskScoreRecord
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) NotifyAlert(_ context.Context, alert models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *Memory) NotifyAction(_ context.Context, action models.ResponseActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action)
	return nil
}

func (m *Memory) NotifyScore(_ context.Context, score models.RiskScoreRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, score)
	return nil
}

// Scores returns a copy of all score notifications so far.
func (m *Memory) Scores() []models.RiskScoreRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RiskScoreRecord, len(m.scores))
	copy(out, m.scores)
	return out
}

// Alerts returns a copy of everything notified so far.
func (m *Memory) Alerts() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Actions returns a copy of all action notifications so far.
func (m *Memory) Actions() []models.ResponseActionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ResponseActionRecord, len(m.actions))
	copy(out, m.actions)
	return out
}
