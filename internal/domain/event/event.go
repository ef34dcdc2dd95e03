package event

import (
	"encoding/json"
	"time"
)

// Priority controls queue placement and broker message weight.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Weight maps a priority to the numeric weight carried on broker publishes.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 10
	default:
		return 5
	}
}

// Metadata travels with an event across every delivery channel.
type Metadata struct {
	CorrelationID string   `json:"correlation_id,omitempty"`
	UserID        string   `json:"user_id,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	InstanceID    string   `json:"instance_id,omitempty"`
	RetryCount    int      `json:"retry_count,omitempty"`
	Priority      Priority `json:"priority,omitempty"`
}

// Event is the unit of distribution. Type is dot-namespaced
// (e.g. "payment.completed"); Data is kept as raw JSON produced
// by the originating service. ID and Timestamp are assigned on
// first dispatch if absent and immutable afterwards.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  Metadata        `json:"metadata,omitempty"`
}
