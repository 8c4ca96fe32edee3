// Package kafka moves task events between chartflow processes.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
)

// DefaultTopic is where task events are published unless configured otherwise.
const DefaultTopic = "chart.tasks.events"

// EventPublisher publishes task events.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.TaskEvent) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type publisher struct {
	writer messageWriter
	topic  string
}

// NewEventPublisher creates a publisher writing to topic on brokers.
// Events are keyed by task ID so one task's events stay ordered on a
// single partition.
func NewEventPublisher(brokers []string, topic string) EventPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &publisher{writer: w, topic: topic}
}

func (p *publisher) Publish(ctx context.Context, ev domain.TaskEvent) error {
	msg, err := encodeEvent(ctx, p.topic, ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s to %s: %w", ev.Type, p.topic, err)
	}
	return nil
}

func (p *publisher) Close() error {
	return p.writer.Close()
}

func encodeEvent(ctx context.Context, topic string, ev domain.TaskEvent) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	headers := HeaderCarrier{{Key: eventTypeHeader, Value: []byte(ev.Type)}}
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(ev.TaskID),
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    ev.OccurredAt,
	}, nil
}
