package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the work states a coding task can be in.
type Status string

const (
	StatusUnassigned Status = "UNASSIGNED"
	StatusAssigned   Status = "ASSIGNED"
	StatusOnHold     Status = "ON_HOLD"
	StatusRehold     Status = "REHOLD"
	StatusUnderQA    Status = "UNDER_QA"
	StatusCompleted  Status = "COMPLETED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// IsHeld reports whether the task is paused on a hold.
func (s Status) IsHeld() bool {
	return s == StatusOnHold || s == StatusRehold
}

// RequiresAssignment reports whether a task in this status must carry an assignment.
func (s Status) RequiresAssignment() bool {
	switch s {
	case StatusAssigned, StatusOnHold, StatusRehold, StatusUnderQA:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusUnassigned, StatusAssigned, StatusOnHold, StatusRehold, StatusUnderQA, StatusCompleted:
		return true
	}
	return false
}

// Priority ranks tasks in the work queue.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Assignment ties a task to a team and, optionally, a single member of it.
type Assignment struct {
	TeamID     string    `json:"team_id" yaml:"team_id"`
	MemberID   string    `json:"member_id,omitempty" yaml:"member_id,omitempty"`
	AssignedAt time.Time `json:"assigned_at" yaml:"assigned_at"`
}

// Assignee identifies who carries the task. Two assignments with the same
// assignee are the same owner for swap purposes.
func (a Assignment) Assignee() string {
	if a.MemberID == "" {
		return "team:" + a.TeamID
	}
	return "member:" + a.TeamID + "/" + a.MemberID
}

// MemberScoped reports whether the assignment consumes member capacity
// rather than team capacity.
func (a Assignment) MemberScoped() bool { return a.MemberID != "" }

// OtherReason is the catalog tag that enables the free-text explanation.
const OtherReason = "Other"

// HoldReason is the set of canned reasons selected when pausing a task.
type HoldReason struct {
	Reasons []string `json:"reasons" yaml:"reasons"`
	Other   string   `json:"other,omitempty" yaml:"other,omitempty"`
}

// Normalized returns a copy with blank and duplicate tags dropped.
// Other is kept only when the "Other" tag is selected.
func (r HoldReason) Normalized() HoldReason {
	seen := make(map[string]struct{}, len(r.Reasons))
	out := HoldReason{}
	for _, tag := range r.Reasons {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out.Reasons = append(out.Reasons, tag)
	}
	if _, ok := seen[OtherReason]; ok {
		out.Other = strings.TrimSpace(r.Other)
	}
	return out
}

// Empty reports whether no usable reason tag is present.
func (r *HoldReason) Empty() bool {
	return r == nil || len(r.Normalized().Reasons) == 0
}

// ResolutionOutcome records whether a hold turned out to be justified.
type ResolutionOutcome string

const (
	OutcomeValid   ResolutionOutcome = "valid"
	OutcomeInvalid ResolutionOutcome = "invalid"
)

// HoldResolution is the record left behind when a hold is cleared.
type HoldResolution struct {
	Outcome    ResolutionOutcome `json:"outcome"`
	Comment    string            `json:"comment"`
	Reason     HoldReason        `json:"reason"`
	ResolvedAt time.Time         `json:"resolved_at"`
}

// Rejection is the rework note QA left on the last send-back.
type Rejection struct {
	Comment    string    `json:"comment"`
	RejectedAt time.Time `json:"rejected_at"`
}

// Task is a single chart-coding work item.
type Task struct {
	ID                  string          `json:"id" yaml:"id"`
	MRN                 string          `json:"mrn" yaml:"mrn"`
	Name                string          `json:"name" yaml:"name"`
	Status              Status          `json:"status" yaml:"status"`
	Priority            Priority        `json:"priority" yaml:"priority"`
	HoldEscalationCount int             `json:"hold_escalation_count" yaml:"hold_escalation_count"`
	Assignment          *Assignment     `json:"assignment,omitempty" yaml:"assignment,omitempty"`
	HoldReason          *HoldReason     `json:"hold_reason,omitempty" yaml:"hold_reason,omitempty"`
	LastResolution      *HoldResolution `json:"last_resolution,omitempty" yaml:"-"`
	LastRejection       *Rejection      `json:"last_rejection,omitempty" yaml:"-"`
	ReadyToComplete     bool            `json:"ready_to_complete" yaml:"-"`
	CreatedAt           time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt           time.Time       `json:"updated_at" yaml:"-"`
}

// NewTask returns an unassigned task.
func NewTask(id, mrn, name string, priority Priority, now time.Time) *Task {
	if priority == "" {
		priority = PriorityMedium
	}
	return &Task{
		ID:        id,
		MRN:       mrn,
		Name:      name,
		Status:    StatusUnassigned,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the record-level invariants.
func (t *Task) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if !t.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", t.Status)}
	}
	if t.HoldEscalationCount < 0 {
		return &ValidationError{Field: "hold_escalation_count", Reason: "must not be negative"}
	}
	if t.Status.RequiresAssignment() && t.Assignment == nil {
		return &ValidationError{Field: "assignment", Reason: fmt.Sprintf("required in status %s", t.Status)}
	}
	if t.Status.IsHeld() && t.HoldReason.Empty() {
		return &MissingReasonError{TaskID: t.ID}
	}
	return nil
}

// Clone returns a deep copy so engines can validate against a scratch copy.
func (t *Task) Clone() *Task {
	c := *t
	if t.Assignment != nil {
		a := *t.Assignment
		c.Assignment = &a
	}
	if t.HoldReason != nil {
		r := HoldReason{Reasons: append([]string(nil), t.HoldReason.Reasons...), Other: t.HoldReason.Other}
		c.HoldReason = &r
	}
	if t.LastResolution != nil {
		res := *t.LastResolution
		res.Reason.Reasons = append([]string(nil), t.LastResolution.Reason.Reasons...)
		c.LastResolution = &res
	}
	if t.LastRejection != nil {
		rej := *t.LastRejection
		c.LastRejection = &rej
	}
	return &c
}
