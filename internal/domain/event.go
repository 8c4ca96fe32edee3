package domain

import "time"

// EventType names a task mutation published on the event stream.
type EventType string

const (
	EventAssigned     EventType = "task.assigned"
	EventUnassigned   EventType = "task.unassigned"
	EventHeld         EventType = "task.held"
	EventHoldResolved EventType = "task.hold_resolved"
	EventSubmittedQA  EventType = "task.submitted_qa"
	EventCompleted    EventType = "task.completed"
	EventRejected     EventType = "task.rejected"
	EventSwapped      EventType = "task.swapped"
	EventCheckedIn    EventType = "task.checked_in"
	EventCheckedOut   EventType = "task.checked_out"
	EventQAScored     EventType = "task.qa_scored"
)

var eventTypes = map[EventType]struct{}{
	EventAssigned: {}, EventUnassigned: {}, EventHeld: {}, EventHoldResolved: {},
	EventSubmittedQA: {}, EventCompleted: {}, EventRejected: {}, EventSwapped: {},
	EventCheckedIn: {}, EventCheckedOut: {}, EventQAScored: {},
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// TaskEvent records one successful mutation of a task.
type TaskEvent struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	Type       EventType         `json:"type"`
	From       Status            `json:"from,omitempty"`
	To         Status            `json:"to,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
