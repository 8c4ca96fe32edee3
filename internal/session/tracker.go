// Package session records when a worker starts and stops active work on a task.
package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
)

// Session is one stretch of active work by a worker on a task.
type Session struct {
	TaskID    string        `json:"task_id"`
	WorkerID  string        `json:"worker_id"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

type key struct {
	taskID   string
	workerID string
}

// Tracker holds the open sessions. At most one session is open per
// (task, worker) pair.
type Tracker struct {
	mu   sync.Mutex
	open map[key]Session
	now  func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// NewTracker constructs an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		open: make(map[key]Session),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CheckIn opens a session for workerID on task.
func (t *Tracker) CheckIn(task *domain.Task, workerID string) (Session, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return Session{}, &domain.ValidationError{Field: "worker_id", Reason: "required"}
	}
	if task.Status == domain.StatusUnassigned || task.Status.IsTerminal() {
		return Session{}, &domain.StatusMismatchError{TaskID: task.ID, Status: task.Status, Operation: "check-in"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{taskID: task.ID, workerID: workerID}
	if _, ok := t.open[k]; ok {
		return Session{}, &domain.AlreadyCheckedInError{TaskID: task.ID, WorkerID: workerID}
	}
	s := Session{TaskID: task.ID, WorkerID: workerID, StartedAt: t.now()}
	t.open[k] = s
	return s, nil
}

// CheckOut closes the open session and returns it with its duration.
func (t *Tracker) CheckOut(taskID, workerID string) (Session, error) {
	workerID = strings.TrimSpace(workerID)

	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{taskID: taskID, workerID: workerID}
	s, ok := t.open[k]
	if !ok {
		return Session{}, &domain.NoOpenSessionError{TaskID: taskID, WorkerID: workerID}
	}
	delete(t.open, k)

	end := t.now()
	s.EndedAt = &end
	s.Duration = end.Sub(s.StartedAt)
	return s, nil
}

// Open returns the sessions currently open on taskID, ordered by worker.
func (t *Tracker) Open(taskID string) []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Session
	for k, s := range t.open {
		if k.taskID == taskID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}
