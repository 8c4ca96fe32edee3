// Package auditor persists the task event stream to the audit trail.
package auditor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
	"github.com/ramiqadoumi/go-chart-flow/internal/kafka"
	"github.com/ramiqadoumi/go-chart-flow/pkg/retry"
	"github.com/ramiqadoumi/go-chart-flow/pkg/telemetry"
)

// EventStore is where audited events are written. RecordEvent must be
// idempotent on event ID; redelivered events are written again.
type EventStore interface {
	RecordEvent(ctx context.Context, ev domain.TaskEvent) error
}

// Auditor consumes task events and records each one.
type Auditor struct {
	consumer   kafka.EventConsumer
	store      EventStore
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

// Option configures an Auditor.
type Option func(*Auditor)

func WithRetries(n int) Option             { return func(a *Auditor) { a.maxRetries = n } }
func WithBaseDelay(d time.Duration) Option { return func(a *Auditor) { a.baseDelay = d } }
func WithMaxDelay(d time.Duration) Option  { return func(a *Auditor) { a.maxDelay = d } }
func WithLogger(l *slog.Logger) Option     { return func(a *Auditor) { a.logger = l } }

// NewAuditor constructs an Auditor with the given dependencies and options.
func NewAuditor(consumer kafka.EventConsumer, store EventStore, opts ...Option) *Auditor {
	a := &Auditor{
		consumer:   consumer,
		store:      store,
		maxRetries: 5,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   10 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run consumes events until ctx is cancelled.
func (a *Auditor) Run(ctx context.Context) error {
	return a.consumer.Subscribe(ctx, a.Handle)
}

// Handle records one event, retrying transient store failures. An event that
// still fails is dropped and counted so the partition keeps moving; only a
// shutdown mid-retry leaves the offset uncommitted.
func (a *Auditor) Handle(ctx context.Context, ev domain.TaskEvent) error {
	ctx, span := telemetry.Tracer().Start(ctx, "auditor.record_event", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", string(ev.Type)),
		attribute.String("task.id", ev.TaskID),
	))
	defer span.End()

	log := a.logger.With(
		slog.String("event_id", ev.ID),
		slog.String("task_id", ev.TaskID),
		slog.String("type", string(ev.Type)),
	)

	err := retry.Do(ctx, retry.Config{
		MaxAttempts: a.maxRetries + 1,
		BaseDelay:   a.baseDelay,
		MaxDelay:    a.maxDelay,
		Retryable:   func(err error) bool { return domain.KindOf(err) == "" },
		OnRetry: func(attempt int, err error) {
			log.Warn("audit write failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		return a.store.RecordEvent(ctx, ev)
	})
	if err == nil {
		telemetry.AuditEventsPersistedTotal.WithLabelValues(string(ev.Type)).Inc()
		log.Debug("task event recorded")
		return nil
	}

	span.RecordError(err)
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		span.SetStatus(codes.Error, "shutdown before event was recorded")
		return err
	}
	span.SetStatus(codes.Error, "event dropped")
	telemetry.AuditEventsDroppedTotal.Inc()
	log.Error("task event dropped", slog.String("error", err.Error()))
	return nil
}
