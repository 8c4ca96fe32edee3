package domain

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates the expected business-rule failures callers render.
type ErrorKind string

const (
	KindInvalidTransition    ErrorKind = "InvalidTransition"
	KindMissingReason        ErrorKind = "MissingReason"
	KindValidation           ErrorKind = "ValidationError"
	KindCapacityExceeded     ErrorKind = "CapacityExceeded"
	KindInsufficientCapacity ErrorKind = "InsufficientCapacity"
	KindNotAssigned          ErrorKind = "NotAssigned"
	KindSameAssignee         ErrorKind = "SameAssignee"
	KindStatusMismatch       ErrorKind = "StatusMismatch"
	KindCountMismatch        ErrorKind = "CountMismatch"
	KindSelectionOverflow    ErrorKind = "SelectionOverflow"
	KindOutOfRange           ErrorKind = "OutOfRange"
	KindNotFound             ErrorKind = "NotFound"
	KindAlreadyCheckedIn     ErrorKind = "AlreadyCheckedIn"
	KindNoOpenSession        ErrorKind = "NoOpenSession"
)

// KindOf returns the kind of the first business error in err's chain,
// or "" when err is nil or an infrastructure failure.
func KindOf(err error) ErrorKind {
	var k interface{ Kind() ErrorKind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

// InvalidTransitionError is returned when a status change is not permitted
// from the task's current status.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: transition %s -> %s not allowed", e.TaskID, e.From, e.To)
}

func (e *InvalidTransitionError) Kind() ErrorKind { return KindInvalidTransition }

// MissingReasonError is returned when a hold is requested without a reason.
type MissingReasonError struct {
	TaskID string
}

func (e *MissingReasonError) Error() string {
	return fmt.Sprintf("task %s: hold requires at least one reason", e.TaskID)
}

func (e *MissingReasonError) Kind() ErrorKind { return KindMissingReason }

// ValidationError is returned when a required field is absent or malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() ErrorKind { return KindValidation }

// CapacityExceededError is returned when a single reservation would push a
// ledger entry past its total.
type CapacityExceededError struct {
	Scope string
	ID    string
	Used  int
	Total int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("%s %s is at capacity (%d/%d)", e.Scope, e.ID, e.Used, e.Total)
}

func (e *CapacityExceededError) Kind() ErrorKind { return KindCapacityExceeded }

// InsufficientCapacityError is returned when a bulk assignment cannot be
// fully placed across the selected teams.
type InsufficientCapacityError struct {
	Requested int
	Available int
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity: %d tasks requested, %d slots available", e.Requested, e.Available)
}

func (e *InsufficientCapacityError) Kind() ErrorKind { return KindInsufficientCapacity }

// NotAssignedError is returned when unassigning a task that has no assignee.
type NotAssignedError struct {
	TaskID string
}

func (e *NotAssignedError) Error() string {
	return fmt.Sprintf("task %s is not assigned", e.TaskID)
}

func (e *NotAssignedError) Kind() ErrorKind { return KindNotAssigned }

// SameAssigneeError is returned when swapping two tasks owned by the same assignee.
type SameAssigneeError struct {
	TaskA    string
	TaskB    string
	Assignee string
}

func (e *SameAssigneeError) Error() string {
	return fmt.Sprintf("tasks %s and %s both belong to %s", e.TaskA, e.TaskB, e.Assignee)
}

func (e *SameAssigneeError) Kind() ErrorKind { return KindSameAssignee }

// StatusMismatchError is returned when a task's status does not allow the operation.
type StatusMismatchError struct {
	TaskID    string
	Status    Status
	Operation string
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("task %s in status %s cannot be used for %s", e.TaskID, e.Status, e.Operation)
}

func (e *StatusMismatchError) Kind() ErrorKind { return KindStatusMismatch }

// CountMismatchError is returned when the two sides of a bulk swap differ in size.
type CountMismatchError struct {
	Source int
	Target int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("swap sides differ: %d source tasks, %d target tasks", e.Source, e.Target)
}

func (e *CountMismatchError) Kind() ErrorKind { return KindCountMismatch }

// SelectionOverflowError is returned when more tasks are selected than the
// operation was opened with.
type SelectionOverflowError struct {
	Selected int
	Max      int
}

func (e *SelectionOverflowError) Error() string {
	return fmt.Sprintf("%d tasks selected, at most %d allowed", e.Selected, e.Max)
}

func (e *SelectionOverflowError) Kind() ErrorKind { return KindSelectionOverflow }

// OutOfRangeError is returned when a score falls outside [Min, Max].
type OutOfRangeError struct {
	Field string
	Value int
	Min   int
	Max   int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s %d out of range [%d, %d]", e.Field, e.Value, e.Min, e.Max)
}

func (e *OutOfRangeError) Kind() ErrorKind { return KindOutOfRange }

// NotFoundError is returned when a referenced team, member or task id is absent.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Kind() ErrorKind { return KindNotFound }

// AlreadyCheckedInError is returned when a worker already has an open session on a task.
type AlreadyCheckedInError struct {
	TaskID   string
	WorkerID string
}

func (e *AlreadyCheckedInError) Error() string {
	return fmt.Sprintf("worker %s already checked in on task %s", e.WorkerID, e.TaskID)
}

func (e *AlreadyCheckedInError) Kind() ErrorKind { return KindAlreadyCheckedIn }

// NoOpenSessionError is returned when checking out without a matching check-in.
type NoOpenSessionError struct {
	TaskID   string
	WorkerID string
}

func (e *NoOpenSessionError) Error() string {
	return fmt.Sprintf("worker %s has no open session on task %s", e.WorkerID, e.TaskID)
}

func (e *NoOpenSessionError) Kind() ErrorKind { return KindNoOpenSession }
