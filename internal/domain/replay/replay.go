package replay

import (
	"time"

	"eventpipe/internal/domain/event"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Options selects and paces the historical slice to replay.
type Options struct {
	// StartTime/EndTime bound the timeline query. Zero values mean
	// unbounded on that side.
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`

	// EventTypes, when non-empty, is an allowlist filter.
	EventTypes []string `json:"event_types,omitempty"`

	// Filter is an arbitrary predicate applied after the type filter.
	// Not serializable; only settable in-process.
	Filter func(event.Event) bool `json:"-"`

	// Speed is a multiplier over the original inter-event timing.
	// Zero disables pacing entirely.
	Speed float64 `json:"speed,omitempty"`

	DryRun    bool `json:"dry_run,omitempty"`
	BatchSize int  `json:"batch_size,omitempty"`
}

// Progress is the single mutable record of the active session.
type Progress struct {
	TotalEvents         int        `json:"total_events"`
	ProcessedEvents     int        `json:"processed_events"`
	SkippedEvents       int        `json:"skipped_events"`
	FailedEvents        int        `json:"failed_events"`
	StartedAt           time.Time  `json:"started_at,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	CurrentEvent        string     `json:"current_event,omitempty"`
	Status              Status     `json:"status"`
}

// ItemError records one per-event redispatch failure.
type ItemError struct {
	Event event.Event `json:"event"`
	Error string      `json:"error"`
}

// Result is the immutable summary emitted when a session ends.
type Result struct {
	TotalEvents     int           `json:"total_events"`
	ProcessedEvents int           `json:"processed_events"`
	SkippedEvents   int           `json:"skipped_events"`
	FailedEvents    int           `json:"failed_events"`
	Success         bool          `json:"success"`
	Duration        time.Duration `json:"duration"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at"`
	Errors          []ItemError   `json:"errors,omitempty"`
}
