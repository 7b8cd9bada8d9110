package event

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies the OS surface an event was observed on.
type Type string

const (
	TypeFile     Type = "file"
	TypeProcess  Type = "process"
	TypeNetwork  Type = "network"
	TypeSecurity Type = "security"
)

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case TypeFile, TypeProcess, TypeNetwork, TypeSecurity:
		return true
	}
	return false
}

// Event is a single observation emitted by a monitor. Events are immutable
// once created; the payload map must not be mutated after New returns.
type Event struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Hostname  string         `json:"hostname"`
	AgentID   string         `json:"agent_id"`
	EventType Type           `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

// New creates an event with a fresh ID and the current timestamp.
func New(hostname, agentID string, typ Type, payload map[string]any) Event {
	return Event{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Hostname:  hostname,
		AgentID:   agentID,
		EventType: typ,
		Payload:   payload,
	}
}
