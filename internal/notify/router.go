// Package notify forwards task events to outside systems in addition to the
// main event stream.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
)

// Sink receives task events of the types it was registered for.
type Sink interface {
	Notify(ctx context.Context, ev domain.TaskEvent) error
	Name() string
}

// Publisher is the downstream the router always forwards to.
type Publisher interface {
	Publish(ctx context.Context, ev domain.TaskEvent) error
}

// Router publishes every event to next and then to each sink registered for
// the event's type.
type Router struct {
	next Publisher

	mu     sync.RWMutex
	all    []Sink
	byType map[domain.EventType][]Sink
}

// NewRouter wraps next. A nil next only feeds the sinks.
func NewRouter(next Publisher) *Router {
	return &Router{next: next, byType: make(map[domain.EventType][]Sink)}
}

// Register adds a sink for the given types, or for every type when none are
// named. Safe to call concurrently.
func (r *Router) Register(s Sink, types ...domain.EventType) error {
	for _, t := range types {
		if !t.Valid() {
			return &domain.ValidationError{Field: "event_type", Reason: fmt.Sprintf("unknown event type %q", t)}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(types) == 0 {
		r.all = append(r.all, s)
		return nil
	}
	for _, t := range types {
		r.byType[t] = append(r.byType[t], s)
	}
	return nil
}

// Publish implements the workflow event publisher. Every destination is
// tried; the failures are joined.
func (r *Router) Publish(ctx context.Context, ev domain.TaskEvent) error {
	var errs []error
	if r.next != nil {
		if err := r.next.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.all)+len(r.byType[ev.Type]))
	sinks = append(sinks, r.all...)
	sinks = append(sinks, r.byType[ev.Type]...)
	r.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
