package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	onDrain   func()
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	if r.onDrain != nil {
		r.onDrain()
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sampleEvent(id string) domain.TaskEvent {
	return domain.TaskEvent{
		ID:         id,
		TaskID:     "task-1",
		Type:       domain.EventAssigned,
		From:       domain.StatusUnassigned,
		To:         domain.StatusAssigned,
		OccurredAt: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestPublisher_KeysByTaskAndTagsType(t *testing.T) {
	w := &fakeWriter{}
	p := &publisher{writer: w, topic: DefaultTopic}

	require.NoError(t, p.Publish(context.Background(), sampleEvent("ev-1")))
	require.Len(t, w.msgs, 1)

	m := w.msgs[0]
	assert.Equal(t, DefaultTopic, m.Topic)
	assert.Equal(t, []byte("task-1"), m.Key)
	assert.Equal(t, string(domain.EventAssigned), HeaderCarrier(m.Headers).Get(eventTypeHeader))

	var got domain.TaskEvent
	require.NoError(t, json.Unmarshal(m.Value, &got))
	assert.Equal(t, sampleEvent("ev-1"), got)
}

func TestPublisher_WrapsWriteError(t *testing.T) {
	p := &publisher{writer: &fakeWriter{err: errors.New("broker down")}, topic: DefaultTopic}
	err := p.Publish(context.Background(), sampleEvent("ev-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestConsumer_CommitsOnlyHandledAndMalformed(t *testing.T) {
	good, err := encodeEvent(context.Background(), DefaultTopic, sampleEvent("ev-ok"))
	require.NoError(t, err)
	good.Offset = 1
	failing, err := encodeEvent(context.Background(), DefaultTopic, sampleEvent("ev-fail"))
	require.NoError(t, err)
	failing.Offset = 2
	garbage := kafka.Message{Topic: DefaultTopic, Offset: 3, Value: []byte("{not json")}

	ctx, cancel := context.WithCancel(context.Background())
	r := &fakeReader{queue: []kafka.Message{good, failing, garbage}, onDrain: cancel}
	c := &consumer{reader: r, logger: discardLogger()}

	var seen []string
	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(ctx, func(_ context.Context, ev domain.TaskEvent) error {
			seen = append(seen, ev.ID)
			if ev.ID == "ev-fail" {
				return errors.New("db unavailable")
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.Equal(t, []string{"ev-ok", "ev-fail"}, seen)
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []int64{1, 3}, r.committed)
}

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	var c HeaderCarrier
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
