package broker

import (
	"context"
	"time"
)

// PublishOptions is the metadata attached to one broker publish.
type PublishOptions struct {
	Persistent    bool
	Priority      int
	Timestamp     time.Time
	MessageID     string
	CorrelationID string
}

// Publisher is the topic-exchange surface the dispatcher requires of the
// message broker. Routing keys are the dot-namespaced event types.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte, opts PublishOptions) error
	Close() error
}
