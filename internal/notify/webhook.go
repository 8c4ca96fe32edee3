package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
	"github.com/ramiqadoumi/go-chart-flow/pkg/telemetry"
)

// EventHeader names the event type on outbound webhook calls.
const EventHeader = "X-Chartflow-Event"

// Webhook POSTs each event as JSON to a fixed URL.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHeader adds a header to every call, e.g. a shared-secret token.
func WithHeader(key, value string) WebhookOption {
	return func(w *Webhook) { w.headers[key] = value }
}

func WithHTTPClient(c *http.Client) WebhookOption { return func(w *Webhook) { w.client = c } }

// NewWebhook creates a Webhook sink for url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:     url,
		headers: make(map[string]string),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) Name() string { return "webhook " + w.url }

func (w *Webhook) Notify(ctx context.Context, ev domain.TaskEvent) error {
	ctx, span := telemetry.Tracer().Start(ctx, "notify.webhook", trace.WithAttributes(
		attribute.String("webhook.url", w.url),
		attribute.String("event.type", string(ev.Type)),
		attribute.String("task.id", ev.TaskID),
	))
	defer span.End()

	body, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(ev.Type))
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return fmt.Errorf("webhook call to %s: %w", w.url, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook %s returned status %d", w.url, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return err
	}
	return nil
}
