// Package swap exchanges task ownership between assignees. A swap never
// changes how many tasks any assignee holds, so it leaves the capacity
// ledger untouched.
package swap

import (
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
)

// Engine performs single and bulk swaps.
type Engine struct {
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used to restamp assignments.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine constructs an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BulkRequest pairs Source[i] with Target[i]. MaxSelection is the size of
// the selection the swap dialog was opened with; neither side may exceed it.
type BulkRequest struct {
	Source       []*domain.Task
	Target       []*domain.Task
	MaxSelection int
}

// Swappable reports whether a task in status s may change hands.
func Swappable(s domain.Status) bool {
	switch s {
	case domain.StatusAssigned, domain.StatusOnHold, domain.StatusRehold:
		return true
	}
	return false
}

// SwapSingle exchanges the assignees of a and b.
func (e *Engine) SwapSingle(a, b *domain.Task) error {
	if err := checkPair(a, b); err != nil {
		return err
	}
	e.exchange(a, b, e.now())
	return nil
}

// SwapBulk exchanges assignees pairwise. Every pair is validated before
// any task is touched.
func (e *Engine) SwapBulk(req BulkRequest) error {
	if req.MaxSelection < 0 {
		return &domain.ValidationError{Field: "max_selection", Reason: "must not be negative"}
	}
	if req.MaxSelection > 0 {
		if n := len(req.Source); n > req.MaxSelection {
			return &domain.SelectionOverflowError{Selected: n, Max: req.MaxSelection}
		}
		if n := len(req.Target); n > req.MaxSelection {
			return &domain.SelectionOverflowError{Selected: n, Max: req.MaxSelection}
		}
	}
	if len(req.Source) != len(req.Target) {
		return &domain.CountMismatchError{Source: len(req.Source), Target: len(req.Target)}
	}

	seen := make(map[string]struct{}, 2*len(req.Source))
	for _, t := range append(append([]*domain.Task(nil), req.Source...), req.Target...) {
		if _, dup := seen[t.ID]; dup {
			return &domain.ValidationError{Field: "task_ids", Reason: fmt.Sprintf("task %s appears more than once", t.ID)}
		}
		seen[t.ID] = struct{}{}
	}
	for i := range req.Source {
		if err := checkPair(req.Source[i], req.Target[i]); err != nil {
			return err
		}
	}

	now := e.now()
	for i := range req.Source {
		e.exchange(req.Source[i], req.Target[i], now)
	}
	return nil
}

func checkPair(a, b *domain.Task) error {
	for _, t := range []*domain.Task{a, b} {
		if !Swappable(t.Status) || t.Assignment == nil {
			return &domain.StatusMismatchError{TaskID: t.ID, Status: t.Status, Operation: "swap"}
		}
	}
	if a.Assignment.Assignee() == b.Assignment.Assignee() {
		return &domain.SameAssigneeError{TaskA: a.ID, TaskB: b.ID, Assignee: a.Assignment.Assignee()}
	}
	return nil
}

func (e *Engine) exchange(a, b *domain.Task, now time.Time) {
	a.Assignment, b.Assignment = b.Assignment, a.Assignment
	a.Assignment.AssignedAt = now
	b.Assignment.AssignedAt = now
	a.UpdatedAt = now
	b.UpdatedAt = now
}

// AssigneeCounts tallies tasks per assignee.
func AssigneeCounts(tasks []*domain.Task) map[string]int {
	counts := make(map[string]int)
	for _, t := range tasks {
		if t.Assignment != nil {
			counts[t.Assignment.Assignee()]++
		}
	}
	return counts
}
