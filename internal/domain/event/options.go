package event

import "time"

// DispatchOptions selects which delivery channels a dispatch engages
// beyond the always-on in-process bus.
type DispatchOptions struct {
	// Async pushes the event onto its per-type queue (or, with Delay
	// set, onto the delayed sub-queue scored by due time).
	Async bool `json:"async,omitempty"`
	// Persistent writes the event body and indexes it in the timeline.
	Persistent bool `json:"persistent,omitempty"`

	Priority Priority `json:"priority,omitempty"`

	// TTL bounds the lifetime of the persisted copy and the queue entry.
	// Zero means no expiry.
	TTL time.Duration `json:"ttl,omitempty"`
	// Delay routes the event to the delayed sub-queue; it becomes
	// visible on the active queue once moved by ProcessDelayedEvents.
	Delay time.Duration `json:"delay,omitempty"`

	// Retryable enables dead-lettering when a durable channel fails.
	Retryable  bool `json:"retryable,omitempty"`
	MaxRetries int  `json:"max_retries,omitempty"`
}

// DeadLetterEntry is one record on the capped dead-letter list,
// retained for inspection and manual requeue.
type DeadLetterEntry struct {
	Event      Event     `json:"event"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
	RetryCount int       `json:"retry_count"`
}
