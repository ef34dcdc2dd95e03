package store

import (
	"fmt"

	"eventpipe/internal/domain/event"
)

// Persisted key layout shared by the dispatcher, monitor and replay engine.
const (
	TimelineKey      = "events:timeline"
	DeadLetterKey    = "events:dead-letter"
	ReplayHistoryKey = "replay:history"
)

// PersistentKey addresses one persisted event body.
func PersistentKey(id string) string {
	return "events:persistent:" + id
}

// QueueKey addresses the active list for a type. Low and high priority
// events get their own sub-list.
func QueueKey(eventType string, priority event.Priority) string {
	if priority == "" || priority == event.PriorityNormal {
		return "events:" + eventType
	}
	return fmt.Sprintf("events:%s:%s", eventType, priority)
}

// DelayedKey addresses the delayed sorted set for a type, scored by due time.
func DelayedKey(eventType string) string {
	return fmt.Sprintf("events:%s:delayed", eventType)
}

// MetricsSnapshotKey addresses one timestamped queue-health snapshot.
func MetricsSnapshotKey(unixMilli int64) string {
	return fmt.Sprintf("queue:metrics:%d", unixMilli)
}
