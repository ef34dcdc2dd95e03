package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"eventpipe/internal/broker"
)

type Config struct {
	Brokers []string
	Topic   string
}

// Producer publishes events to the durable topic. Routing keys become
// message keys so consumers can partition by event type; priority,
// persistence, message id and correlation id travel as headers.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg Config) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &Producer{writer: w}
}

func (p *Producer) Publish(ctx context.Context, routingKey string, payload []byte, opts broker.PublishOptions) error {
	msg := kafka.Message{
		Key:   []byte(routingKey),
		Value: payload,
		Time:  opts.Timestamp,
		Headers: []kafka.Header{
			{Key: "priority", Value: []byte(strconv.Itoa(opts.Priority))},
			{Key: "persistent", Value: []byte(strconv.FormatBool(opts.Persistent))},
		},
	}
	if opts.MessageID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "message_id", Value: []byte(opts.MessageID)})
	}
	if opts.CorrelationID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "correlation_id", Value: []byte(opts.CorrelationID)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (p *Producer) GetTopic() string {
	return p.writer.Topic
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
