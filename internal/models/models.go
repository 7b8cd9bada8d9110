package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// JSONMap stores an opaque key-value payload as JSON text, compatible with
// both postgres and sqlite column types.
type JSONMap map[string]any

// Scan implements the sql.Scanner interface for JSONMap.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}
}

// Value implements the driver.Valuer interface for JSONMap.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Asset is the server-side record of one monitored host and its agent
// session: identity, liveness and the config version the agent runs.
type Asset struct {
	ID            uint           `json:"id" gorm:"primaryKey"`
	AgentID       string         `json:"agent_id" gorm:"uniqueIndex;not null"`
	Hostname      string         `json:"hostname" gorm:"uniqueIndex;not null"`
	OS            string         `json:"os"`
	IPAddress     string         `json:"ip_address"`
	AgentVersion  string         `json:"agent_version"`
	Criticality   float64        `json:"criticality"` // [0,1], used as the asset_criticality factor
	LastHeartbeat *time.Time     `json:"last_heartbeat"`
	Health        JSONMap        `json:"health" gorm:"type:text"`
	ConfigVersion int            `json:"config_version"`
	Stale         bool           `json:"stale"`
	RegisteredAt  time.Time      `json:"registered_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}

// EventRecord is an accepted agent event as persisted by the ingest path.
type EventRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	EventID   string    `json:"event_id" gorm:"uniqueIndex;not null"`
	AgentID   string    `json:"agent_id" gorm:"index"`
	Hostname  string    `json:"hostname"`
	EventType string    `json:"event_type"` // file, process, network, security
	Payload   JSONMap   `json:"payload" gorm:"type:text"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

// RiskScoreRecord is one immutable scoring result. New evaluations insert
// new rows; rows are never updated.
type RiskScoreRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	AssetID   string    `json:"asset_id" gorm:"index"`
	Composite float64   `json:"composite_score"`
	Tier      string    `json:"tier"`
	Factors   JSONMap   `json:"factors" gorm:"type:text"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert surfaces a condition needing operator attention: a tier escalation,
// a failed response action, a rejected event.
type Alert struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	AssetID     string    `json:"asset_id" gorm:"index"`
	AlertType   string    `json:"alert_type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	Data        JSONMap   `json:"data" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`
}

// Response action statuses. Terminal states are completed and failed.
const (
	ActionPending   = "pending"
	ActionExecuting = "executing"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
)

// ResponseActionRecord tracks one containment action through its lifecycle.
type ResponseActionRecord struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	ActionID    string    `json:"action_id" gorm:"uniqueIndex;not null"`
	AssetID     string    `json:"asset_id" gorm:"index"`
	ActionType  string    `json:"action_type"` // block_ip, isolate_host, disable_user, update_firewall, scan
	Target      string    `json:"target"`
	Parameters  JSONMap   `json:"parameters" gorm:"type:text"`
	Status      string    `json:"status"`
	RequestedBy string    `json:"requested_by"` // tier/event reference
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
