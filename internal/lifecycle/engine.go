// Package lifecycle applies work-state transitions to coding tasks.
package lifecycle

import (
	"strings"
	"time"

	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
)

// Resolution carries the reviewer's verdict when a hold is cleared.
// Exactly one of MarkValid and MarkInvalid must be set.
type Resolution struct {
	MarkValid   bool
	MarkInvalid bool
	Comment     string
}

// Input is the context a transition may need.
type Input struct {
	Reason     *domain.HoldReason
	Resolution *Resolution
	Comment    string
}

// Engine validates and applies status changes. It holds no task state;
// every method mutates only the task it is given.
type Engine struct {
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine constructs an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transition applies the edge task.Status -> to. A hold is requested with
// to = StatusOnHold; the engine itself decides between OnHold and Rehold.
// Unassigned -> Assigned belongs to the assignment engine and is rejected here.
func (e *Engine) Transition(task *domain.Task, to domain.Status, in Input) error {
	from := task.Status
	switch {
	case from == domain.StatusAssigned && to == domain.StatusOnHold:
		if in.Reason == nil {
			return &domain.MissingReasonError{TaskID: task.ID}
		}
		return e.Hold(task, *in.Reason)
	case from.IsHeld() && to == domain.StatusAssigned:
		if in.Resolution == nil {
			return &domain.ValidationError{Field: "resolution", Reason: "required to resolve a hold"}
		}
		return e.ResolveHold(task, *in.Resolution)
	case from == domain.StatusAssigned && to == domain.StatusUnderQA:
		return e.SubmitForQA(task)
	case from == domain.StatusUnderQA && to == domain.StatusCompleted:
		return e.Complete(task)
	case from == domain.StatusUnderQA && to == domain.StatusAssigned:
		return e.Reject(task, in.Comment)
	}
	return &domain.InvalidTransitionError{TaskID: task.ID, From: from, To: to}
}

// Hold pauses an assigned task. The escalation counter is bumped and the
// task lands in Rehold from its second hold onwards.
func (e *Engine) Hold(task *domain.Task, reason domain.HoldReason) error {
	if task.Status != domain.StatusAssigned {
		return &domain.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusOnHold}
	}
	r := reason.Normalized()
	if len(r.Reasons) == 0 {
		return &domain.MissingReasonError{TaskID: task.ID}
	}

	task.HoldEscalationCount++
	task.Status = domain.StatusOnHold
	if task.HoldEscalationCount >= reholdThreshold {
		task.Status = domain.StatusRehold
	}
	task.HoldReason = &r
	task.ReadyToComplete = false
	task.UpdatedAt = e.now()
	return nil
}

// ResolveHold returns a held task to Assigned and tags it ready to complete.
func (e *Engine) ResolveHold(task *domain.Task, res Resolution) error {
	if !task.Status.IsHeld() {
		return &domain.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusAssigned}
	}
	if res.MarkValid == res.MarkInvalid {
		return &domain.ValidationError{Field: "resolution", Reason: "exactly one of valid or invalid must be marked"}
	}
	comment := strings.TrimSpace(res.Comment)
	if comment == "" {
		return &domain.ValidationError{Field: "comment", Reason: "required to resolve a hold"}
	}

	outcome := domain.OutcomeValid
	if res.MarkInvalid {
		outcome = domain.OutcomeInvalid
	}
	now := e.now()
	resolution := domain.HoldResolution{Outcome: outcome, Comment: comment, ResolvedAt: now}
	if task.HoldReason != nil {
		resolution.Reason = *task.HoldReason
	}

	task.Status = domain.StatusAssigned
	task.LastResolution = &resolution
	task.HoldReason = nil
	task.ReadyToComplete = true
	task.UpdatedAt = now
	return nil
}

// SubmitForQA moves finished coding work into review.
func (e *Engine) SubmitForQA(task *domain.Task) error {
	if task.Status != domain.StatusAssigned {
		return &domain.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusUnderQA}
	}
	task.Status = domain.StatusUnderQA
	task.ReadyToComplete = false
	task.UpdatedAt = e.now()
	return nil
}

// Complete closes a reviewed task. The assignment is kept as history.
func (e *Engine) Complete(task *domain.Task) error {
	if task.Status != domain.StatusUnderQA {
		return &domain.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusCompleted}
	}
	task.Status = domain.StatusCompleted
	task.UpdatedAt = e.now()
	return nil
}

// Reject sends a task back from QA to its assignee for rework and keeps the
// reviewer's comment on the task.
func (e *Engine) Reject(task *domain.Task, comment string) error {
	if task.Status != domain.StatusUnderQA {
		return &domain.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusAssigned}
	}
	now := e.now()
	task.Status = domain.StatusAssigned
	task.LastRejection = &domain.Rejection{Comment: strings.TrimSpace(comment), RejectedAt: now}
	task.UpdatedAt = now
	return nil
}

// Attach gives an unassigned task its assignee. Only the assignment engine
// calls this, after it has reserved capacity.
func (e *Engine) Attach(task *domain.Task, a domain.Assignment) error {
	if task.Status != domain.StatusUnassigned {
		return &domain.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusAssigned}
	}
	if a.TeamID == "" {
		return &domain.ValidationError{Field: "team_id", Reason: "required"}
	}
	now := e.now()
	if a.AssignedAt.IsZero() {
		a.AssignedAt = now
	}
	task.Assignment = &a
	task.Status = domain.StatusAssigned
	task.UpdatedAt = now
	return nil
}

// Detach clears a task's assignee and returns the assignment it had.
func (e *Engine) Detach(task *domain.Task) (domain.Assignment, error) {
	if task.Assignment == nil {
		return domain.Assignment{}, &domain.NotAssignedError{TaskID: task.ID}
	}
	if task.Status.IsTerminal() {
		return domain.Assignment{}, &domain.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusUnassigned}
	}
	prev := *task.Assignment
	task.Assignment = nil
	task.HoldReason = nil
	task.ReadyToComplete = false
	task.Status = domain.StatusUnassigned
	task.UpdatedAt = e.now()
	return prev, nil
}
