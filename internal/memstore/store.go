// Package memstore keeps tasks, QA data and task events in process memory.
// It backs the console when no PostgreSQL DSN is configured and mirrors the
// behaviour of the postgres repository.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ramiqadoumi/go-chart-flow/internal/capacity"
	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
	"github.com/ramiqadoumi/go-chart-flow/internal/quality"
)

// Store is an in-memory task, score and event repository. Every read and
// write copies, so callers never share a *domain.Task with the store.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]*domain.Task
	findings map[string][]quality.Finding
	external map[string]int
	events   map[string][]domain.TaskEvent
	eventIDs map[string]struct{}
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		tasks:    make(map[string]*domain.Task),
		findings: make(map[string][]quality.Finding),
		external: make(map[string]int),
		events:   make(map[string][]domain.TaskEvent),
		eventIDs: make(map[string]struct{}),
	}
}

func (s *Store) Create(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("insert task %s: already exists", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "task", ID: id}
	}
	return t.Clone(), nil
}

// GetMany returns tasks in the order of ids. A repeated id yields the same
// pointer each time.
func (s *Store) GetMany(_ context.Context, ids []string) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loaded := make(map[string]*domain.Task, len(ids))
	out := make([]*domain.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := loaded[id]; ok {
			out = append(out, t)
			continue
		}
		t, ok := s.tasks[id]
		if !ok {
			return nil, &domain.NotFoundError{Resource: "task", ID: id}
		}
		loaded[id] = t.Clone()
		out = append(out, loaded[id])
	}
	return out, nil
}

func (s *Store) Save(ctx context.Context, task *domain.Task) error {
	return s.SaveAll(ctx, []*domain.Task{task})
}

// SaveAll replaces every task or none of them.
func (s *Store) SaveAll(_ context.Context, tasks []*domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if _, ok := s.tasks[t.ID]; !ok {
			return &domain.NotFoundError{Resource: "task", ID: t.ID}
		}
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
	}
	return nil
}

// ListByStatus returns up to limit tasks in status, newest first.
func (s *Store) ListByStatus(_ context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountActiveAssignments counts tasks holding capacity, per ledger entry.
func (s *Store) CountActiveAssignments(_ context.Context) (map[capacity.Key]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[capacity.Key]int)
	for _, t := range s.tasks {
		if t.Assignment == nil || !t.Status.RequiresAssignment() {
			continue
		}
		out[capacity.KeyFor(*t.Assignment)]++
	}
	return out, nil
}

func (s *Store) AddFinding(_ context.Context, taskID string, f quality.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings[taskID] = append(s.findings[taskID], f)
	return nil
}

func (s *Store) ListFindings(_ context.Context, taskID string) ([]quality.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]quality.Finding(nil), s.findings[taskID]...), nil
}

func (s *Store) SetExternalScore(_ context.Context, taskID string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.external[taskID] = score
	return nil
}

func (s *Store) GetExternalScore(_ context.Context, taskID string) (*int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.external[taskID]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// RecordEvent appends ev unless an event with the same ID was recorded.
func (s *Store) RecordEvent(_ context.Context, ev domain.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.eventIDs[ev.ID]; dup {
		return nil
	}
	s.eventIDs[ev.ID] = struct{}{}
	if len(ev.Detail) > 0 {
		d := make(map[string]string, len(ev.Detail))
		for k, v := range ev.Detail {
			d[k] = v
		}
		ev.Detail = d
	}
	s.events[ev.TaskID] = append(s.events[ev.TaskID], ev)
	return nil
}

// ListEvents returns a task's events ordered by time, then id.
func (s *Store) ListEvents(_ context.Context, taskID string) ([]domain.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]domain.TaskEvent(nil), s.events[taskID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
