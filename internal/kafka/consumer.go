package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
)

// EventHandler processes one decoded task event.
// Return nil to commit the offset. Return an error to skip committing; the
// event is redelivered after a restart or rebalance.
type EventHandler func(ctx context.Context, ev domain.TaskEvent) error

// EventConsumer reads task events as part of a consumer group.
type EventConsumer interface {
	Subscribe(ctx context.Context, handler EventHandler) error
	Close() error
}

// messageReader is the subset of *kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type consumer struct {
	reader messageReader
	logger *slog.Logger
}

// NewEventConsumer creates a consumer for topic in consumer group groupID.
func NewEventConsumer(brokers []string, topic, groupID string, logger *slog.Logger) EventConsumer {
	if topic == "" {
		topic = DefaultTopic
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10 MB
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    kafka.FirstOffset,
	})
	return &consumer{reader: r, logger: logger}
}

// Subscribe reads events until ctx is cancelled. Offsets are committed only
// after the handler returns nil (at-least-once delivery). Messages that do
// not decode as a task event are logged and committed so they cannot block
// the partition.
func (c *consumer) Subscribe(ctx context.Context, handler EventHandler) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		var ev domain.TaskEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.ID == "" {
			c.logger.Warn("skipping malformed task event",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("header_type", HeaderCarrier(m.Headers).Get(eventTypeHeader)),
			)
			c.commit(ctx, m)
			continue
		}

		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		if err := handler(msgCtx, ev); err != nil {
			c.logger.Error("event handler failed, skipping commit",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.commit(ctx, m)
	}
}

func (c *consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		c.logger.Error("failed to commit kafka offset",
			slog.String("topic", m.Topic),
			slog.Int64("offset", m.Offset),
			slog.String("error", err.Error()),
		)
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
