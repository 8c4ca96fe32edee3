// Package workflow hosts the task engines behind a persistent store. Every
// operation locks the tasks it touches, loads them, runs the engine, saves
// the result and publishes one event per changed task.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-chart-flow/internal/assignment"
	"github.com/ramiqadoumi/go-chart-flow/internal/capacity"
	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
	"github.com/ramiqadoumi/go-chart-flow/internal/lifecycle"
	"github.com/ramiqadoumi/go-chart-flow/internal/quality"
	"github.com/ramiqadoumi/go-chart-flow/internal/session"
	"github.com/ramiqadoumi/go-chart-flow/internal/swap"
	"github.com/ramiqadoumi/go-chart-flow/pkg/telemetry"
)

// TaskStore is the persistence the service needs for tasks.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	GetMany(ctx context.Context, ids []string) ([]*domain.Task, error)
	SaveAll(ctx context.Context, tasks []*domain.Task) error
}

// ScoreStore is the persistence the service needs for QA data.
type ScoreStore interface {
	AddFinding(ctx context.Context, taskID string, f quality.Finding) error
	ListFindings(ctx context.Context, taskID string) ([]quality.Finding, error)
	SetExternalScore(ctx context.Context, taskID string, score int) error
	GetExternalScore(ctx context.Context, taskID string) (*int, error)
}

// EventPublisher receives an event after each successful mutation.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.TaskEvent) error
}

// PublisherFunc adapts a function to EventPublisher.
type PublisherFunc func(ctx context.Context, ev domain.TaskEvent) error

func (f PublisherFunc) Publish(ctx context.Context, ev domain.TaskEvent) error { return f(ctx, ev) }

// Service is the single entry point for task mutations.
type Service struct {
	tasks  TaskStore
	scores ScoreStore
	ledger capacity.Ledger
	events EventPublisher
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	lifecycle *lifecycle.Engine
	assigner  *assignment.Engine
	swapper   *swap.Engine
	sessions  *session.Tracker
	locks     *keyedMutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source for the service and its engines.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithEventPublisher enables the task event stream.
func WithEventPublisher(p EventPublisher) Option { return func(s *Service) { s.events = p } }

// WithIDGenerator overrides event id generation.
func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }

// NewService wires the engines to the given stores.
func NewService(tasks TaskStore, scores ScoreStore, ledger capacity.Ledger, opts ...Option) *Service {
	s := &Service{
		tasks:  tasks,
		scores: scores,
		ledger: ledger,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lifecycle = lifecycle.NewEngine(lifecycle.WithClock(s.now))
	s.assigner = assignment.NewEngine(ledger, s.lifecycle)
	s.swapper = swap.NewEngine(swap.WithClock(s.now))
	s.sessions = session.NewTracker(session.WithClock(s.now))
	return s
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Task returns a task by id.
func (s *Service) Task(ctx context.Context, id string) (*domain.Task, error) {
	return s.tasks.GetByID(ctx, id)
}

// Sessions lists the open work sessions on a task.
func (s *Service) Sessions(taskID string) []session.Session {
	return s.sessions.Open(taskID)
}

// Capacity returns one ledger entry.
func (s *Service) Capacity(ctx context.Context, key capacity.Key) (capacity.Entry, error) {
	return s.ledger.Get(ctx, key)
}

// ProvisionCapacity sets the total for a team or member, keeping usage.
func (s *Service) ProvisionCapacity(ctx context.Context, key capacity.Key, total int) (capacity.Entry, error) {
	e, err := s.ledger.Provision(ctx, key, total)
	if err != nil {
		return capacity.Entry{}, err
	}
	s.logger.InfoContext(ctx, "capacity provisioned",
		slog.String("key", key.String()),
		slog.Int("used", e.Used),
		slog.Int("total", e.Total),
	)
	return e, nil
}

// CreateTask stores a new unassigned task.
func (s *Service) CreateTask(ctx context.Context, task *domain.Task) error {
	if task.Status == "" {
		task.Status = domain.StatusUnassigned
	}
	if task.Status != domain.StatusUnassigned {
		return &domain.ValidationError{Field: "status", Reason: "new tasks start unassigned"}
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
		task.UpdatedAt = task.CreatedAt
	}
	if err := task.Validate(); err != nil {
		return err
	}
	return s.tasks.Create(ctx, task)
}

// ─── Assignment ─────────────────────────────────────────────────────────────

// Assign gives a task to a team, or to one member of it when memberID is set.
func (s *Service) Assign(ctx context.Context, taskID, teamID, memberID string) (*domain.Task, error) {
	tasks, err := s.mutate(ctx, "assign", domain.EventAssigned, []string{taskID}, func(ctx context.Context, ts []*domain.Task) error {
		if memberID != "" {
			return s.assigner.AssignToMember(ctx, ts[0], teamID, memberID)
		}
		return s.assigner.AssignSingle(ctx, ts[0], teamID)
	})
	if err != nil {
		return nil, err
	}
	telemetry.AssignmentsTotal.WithLabelValues(string(capacity.KeyFor(*tasks[0].Assignment).Scope)).Inc()
	s.logger.DebugContext(ctx, "task assigned",
		slog.String("task_id", taskID),
		slog.String("team_id", teamID),
		slog.String("member_id", memberID),
	)
	return tasks[0], nil
}

// Unassign takes a task away from its assignee.
func (s *Service) Unassign(ctx context.Context, taskID string) (*domain.Task, error) {
	var teamID, memberID string
	tasks, err := s.mutate(ctx, "unassign", domain.EventUnassigned, []string{taskID}, func(ctx context.Context, ts []*domain.Task) error {
		if a := ts[0].Assignment; a != nil {
			teamID, memberID = a.TeamID, a.MemberID
		}
		return s.assigner.Unassign(ctx, ts[0])
	})
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "task unassigned",
		slog.String("task_id", taskID),
		slog.String("team_id", teamID),
		slog.String("member_id", memberID),
	)
	return tasks[0], nil
}

// BulkAssign spreads tasks over teams, all or nothing.
func (s *Service) BulkAssign(ctx context.Context, taskIDs, teamIDs []string) (assignment.BulkResult, error) {
	var result assignment.BulkResult
	_, err := s.mutate(ctx, "bulk_assign", domain.EventAssigned, taskIDs, func(ctx context.Context, ts []*domain.Task) error {
		var err error
		result, err = s.assigner.BulkAssign(ctx, ts, teamIDs)
		return err
	})
	if err != nil {
		return assignment.BulkResult{}, err
	}
	telemetry.BulkAssignSize.Observe(float64(result.Assigned()))
	telemetry.AssignmentsTotal.WithLabelValues(string(capacity.ScopeTeam)).Add(float64(result.Assigned()))
	return result, nil
}

// BulkUnassign unassigns every assigned, non-completed task in the set.
func (s *Service) BulkUnassign(ctx context.Context, taskIDs []string) (int, error) {
	var n int
	_, err := s.mutate(ctx, "bulk_unassign", domain.EventUnassigned, taskIDs, func(ctx context.Context, ts []*domain.Task) error {
		var err error
		n, err = s.assigner.BulkUnassign(ctx, ts)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.DebugContext(ctx, "tasks unassigned",
		slog.Int("requested", len(taskIDs)),
		slog.Int("unassigned", n),
	)
	return n, nil
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Hold pauses a task. The resulting status is OnHold or Rehold depending on
// how often the task has been held before.
func (s *Service) Hold(ctx context.Context, taskID string, reason domain.HoldReason) (*domain.Task, error) {
	t, err := s.single(ctx, "hold", domain.EventHeld, taskID, func(t *domain.Task) error {
		return s.lifecycle.Hold(t, reason)
	})
	if err != nil {
		return nil, err
	}
	telemetry.HoldsTotal.WithLabelValues(lifecycle.HoldLabel(t.HoldEscalationCount)).Inc()
	return t, nil
}

// ResolveHold clears a hold with the reviewer's verdict.
func (s *Service) ResolveHold(ctx context.Context, taskID string, res lifecycle.Resolution) (*domain.Task, error) {
	t, err := s.single(ctx, "resolve_hold", domain.EventHoldResolved, taskID, func(t *domain.Task) error {
		return s.lifecycle.ResolveHold(t, res)
	})
	if err != nil {
		return nil, err
	}
	telemetry.HoldResolutionsTotal.WithLabelValues(string(t.LastResolution.Outcome)).Inc()
	return t, nil
}

// SubmitForQA moves a task into review.
func (s *Service) SubmitForQA(ctx context.Context, taskID string) (*domain.Task, error) {
	return s.single(ctx, "submit_qa", domain.EventSubmittedQA, taskID, s.lifecycle.SubmitForQA)
}

// Complete closes a reviewed task and frees its capacity.
func (s *Service) Complete(ctx context.Context, taskID string) (*domain.Task, error) {
	tasks, err := s.mutate(ctx, "complete", domain.EventCompleted, []string{taskID}, func(ctx context.Context, ts []*domain.Task) error {
		return s.assigner.Finish(ctx, ts[0])
	})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// Reject sends a task back from QA for rework.
func (s *Service) Reject(ctx context.Context, taskID, comment string) (*domain.Task, error) {
	return s.single(ctx, "reject", domain.EventRejected, taskID, func(t *domain.Task) error {
		return s.lifecycle.Reject(t, comment)
	})
}

// ─── Swaps ──────────────────────────────────────────────────────────────────

// Swap exchanges the assignees of two tasks.
func (s *Service) Swap(ctx context.Context, taskA, taskB string) ([]*domain.Task, error) {
	tasks, err := s.mutate(ctx, "swap", domain.EventSwapped, []string{taskA, taskB}, func(_ context.Context, ts []*domain.Task) error {
		return s.swapper.SwapSingle(ts[0], ts[1])
	})
	if err != nil {
		return nil, err
	}
	telemetry.SwapsTotal.WithLabelValues("single").Inc()
	return tasks, nil
}

// SwapBulk exchanges assignees pairwise between source and target.
// maxSelection of zero means no limit.
func (s *Service) SwapBulk(ctx context.Context, source, target []string, maxSelection int) ([]*domain.Task, error) {
	// Size rules are checked before anything is loaded.
	if maxSelection < 0 {
		err := &domain.ValidationError{Field: "max_selection", Reason: "must not be negative"}
		s.recordFailure(ctx, "swap_bulk", err)
		return nil, err
	}
	if maxSelection > 0 {
		for _, side := range [][]string{source, target} {
			if len(side) > maxSelection {
				err := &domain.SelectionOverflowError{Selected: len(side), Max: maxSelection}
				s.recordFailure(ctx, "swap_bulk", err)
				return nil, err
			}
		}
	}
	if len(source) != len(target) {
		err := &domain.CountMismatchError{Source: len(source), Target: len(target)}
		s.recordFailure(ctx, "swap_bulk", err)
		return nil, err
	}

	ids := append(append([]string(nil), source...), target...)
	tasks, err := s.mutate(ctx, "swap_bulk", domain.EventSwapped, ids, func(_ context.Context, ts []*domain.Task) error {
		return s.swapper.SwapBulk(swap.BulkRequest{
			Source:       ts[:len(source)],
			Target:       ts[len(source):],
			MaxSelection: maxSelection,
		})
	})
	if err != nil {
		return nil, err
	}
	telemetry.SwapsTotal.WithLabelValues("bulk").Add(float64(len(source)))
	return tasks, nil
}

// ─── Sessions ───────────────────────────────────────────────────────────────

// CheckIn opens a work session for a worker on a task.
func (s *Service) CheckIn(ctx context.Context, taskID, workerID string) (session.Session, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "workflow.check_in",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	unlock := s.locks.Lock(taskID)
	defer unlock()

	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return session.Session{}, s.fail(ctx, span, "check_in", err)
	}
	sess, err := s.sessions.CheckIn(task, workerID)
	if err != nil {
		return session.Session{}, s.fail(ctx, span, "check_in", err)
	}
	s.publish(ctx, s.event(task, domain.EventCheckedIn, task.Status, map[string]string{"worker_id": sess.WorkerID}))
	return sess, nil
}

// CheckOut closes a worker's open session on a task.
func (s *Service) CheckOut(ctx context.Context, taskID, workerID string) (session.Session, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "workflow.check_out",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	unlock := s.locks.Lock(taskID)
	defer unlock()

	sess, err := s.sessions.CheckOut(taskID, workerID)
	if err != nil {
		return session.Session{}, s.fail(ctx, span, "check_out", err)
	}
	s.publish(ctx, domain.TaskEvent{
		ID:     s.newID(),
		TaskID: taskID,
		Type:   domain.EventCheckedOut,
		Actor:  ActorFrom(ctx),
		Detail: map[string]string{
			"worker_id":        sess.WorkerID,
			"duration_seconds": strconv.FormatInt(int64(sess.Duration/time.Second), 10),
		},
		OccurredAt: s.now(),
	})
	return sess, nil
}

// ─── Quality ────────────────────────────────────────────────────────────────

// AddFinding records a QA finding and returns the recomputed score.
func (s *Service) AddFinding(ctx context.Context, taskID string, f quality.Finding) (quality.Score, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "workflow.add_finding",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	if err := f.Validate(); err != nil {
		return quality.Score{}, s.fail(ctx, span, "add_finding", err)
	}
	unlock := s.locks.Lock(taskID)
	defer unlock()

	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return quality.Score{}, s.fail(ctx, span, "add_finding", err)
	}
	if err := s.scores.AddFinding(ctx, taskID, f); err != nil {
		return quality.Score{}, s.fail(ctx, span, "add_finding", err)
	}
	score, err := s.score(ctx, taskID)
	if err != nil {
		return quality.Score{}, s.fail(ctx, span, "add_finding", err)
	}

	telemetry.QAOverallPercentage.Observe(score.Overall.Percentage)
	s.publish(ctx, s.event(task, domain.EventQAScored, task.Status, map[string]string{
		"section":            string(f.Section),
		"overall_percentage": strconv.FormatFloat(score.Overall.Percentage, 'f', 2, 64),
	}))
	return score, nil
}

// SetExternalScore stores the manually entered external score.
func (s *Service) SetExternalScore(ctx context.Context, taskID string, v int) (quality.Score, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "workflow.set_external_score",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	if err := quality.NewScorecard(taskID).SetExternalScore(v); err != nil {
		return quality.Score{}, s.fail(ctx, span, "set_external_score", err)
	}
	unlock := s.locks.Lock(taskID)
	defer unlock()

	if _, err := s.tasks.GetByID(ctx, taskID); err != nil {
		return quality.Score{}, s.fail(ctx, span, "set_external_score", err)
	}
	if err := s.scores.SetExternalScore(ctx, taskID, v); err != nil {
		return quality.Score{}, s.fail(ctx, span, "set_external_score", err)
	}
	score, err := s.score(ctx, taskID)
	if err != nil {
		return quality.Score{}, s.fail(ctx, span, "set_external_score", err)
	}
	return score, nil
}

// Score recomputes a task's QA score from its stored findings.
func (s *Service) Score(ctx context.Context, taskID string) (quality.Score, error) {
	if _, err := s.tasks.GetByID(ctx, taskID); err != nil {
		return quality.Score{}, err
	}
	return s.score(ctx, taskID)
}

func (s *Service) score(ctx context.Context, taskID string) (quality.Score, error) {
	findings, err := s.scores.ListFindings(ctx, taskID)
	if err != nil {
		return quality.Score{}, err
	}
	card := quality.NewScorecard(taskID)
	for _, f := range findings {
		if err := card.AddFinding(f); err != nil {
			return quality.Score{}, fmt.Errorf("stored finding for task %s: %w", taskID, err)
		}
	}
	ext, err := s.scores.GetExternalScore(ctx, taskID)
	if err != nil {
		return quality.Score{}, err
	}
	if ext != nil {
		if err := card.SetExternalScore(*ext); err != nil {
			return quality.Score{}, fmt.Errorf("stored external score for task %s: %w", taskID, err)
		}
	}
	return card.Score()
}

// ─── Plumbing ───────────────────────────────────────────────────────────────

func (s *Service) single(ctx context.Context, op string, typ domain.EventType, taskID string, fn func(*domain.Task) error) (*domain.Task, error) {
	tasks, err := s.mutate(ctx, op, typ, []string{taskID}, func(_ context.Context, ts []*domain.Task) error {
		return fn(ts[0])
	})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// mutate runs fn over the locked tasks and persists whatever it changed.
// If the save fails, ledger usage is rolled back to match the stored tasks.
func (s *Service) mutate(
	ctx context.Context,
	op string,
	typ domain.EventType,
	ids []string,
	fn func(context.Context, []*domain.Task) error,
) ([]*domain.Task, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "workflow."+op,
		trace.WithAttributes(attribute.Int("task.count", len(ids))))
	defer span.End()
	if len(ids) == 1 {
		span.SetAttributes(attribute.String("task.id", ids[0]))
	}

	unlock := s.locks.Lock(ids...)
	defer unlock()

	tasks, err := s.tasks.GetMany(ctx, ids)
	if err != nil {
		return nil, s.fail(ctx, span, op, err)
	}
	before := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		if _, ok := before[t.ID]; !ok {
			before[t.ID] = t.Clone()
		}
	}
	heldBefore := heldUnits(tasks)

	if err := fn(ctx, tasks); err != nil {
		return nil, s.fail(ctx, span, op, err)
	}

	var changed []*domain.Task
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		if differs(before[t.ID], t) {
			changed = append(changed, t)
		}
	}
	if len(changed) == 0 {
		return tasks, nil
	}

	if err := s.tasks.SaveAll(ctx, changed); err != nil {
		s.rollbackLedger(ctx, heldBefore, heldUnits(uniqueTasks(tasks)))
		return nil, s.fail(ctx, span, op, fmt.Errorf("save tasks: %w", err))
	}

	for _, t := range changed {
		prev := before[t.ID]
		if prev.Status != t.Status {
			telemetry.TransitionsTotal.WithLabelValues(string(t.Status)).Inc()
		}
		s.publish(ctx, s.event(t, typ, prev.Status, nil))
	}
	s.logger.InfoContext(ctx, "tasks updated",
		slog.String("operation", op),
		slog.Int("changed", len(changed)),
		slog.String("actor", ActorFrom(ctx)),
	)
	return tasks, nil
}

// heldUnits counts the ledger units the given tasks consume.
func heldUnits(tasks []*domain.Task) map[capacity.Key]int {
	out := make(map[capacity.Key]int)
	for _, t := range uniqueTasks(tasks) {
		if t.Assignment != nil && t.Status.RequiresAssignment() {
			out[capacity.KeyFor(*t.Assignment)]++
		}
	}
	return out
}

func uniqueTasks(tasks []*domain.Task) []*domain.Task {
	seen := make(map[string]struct{}, len(tasks))
	out := make([]*domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out
}

// rollbackLedger undoes the reservations and releases an engine made for
// tasks that were never stored.
func (s *Service) rollbackLedger(ctx context.Context, before, after map[capacity.Key]int) {
	ctx = context.WithoutCancel(ctx)
	var reserve, release []capacity.Claim
	for k, n := range after {
		if d := n - before[k]; d > 0 {
			release = append(release, capacity.Claim{Key: k, Units: d})
		}
	}
	for k, n := range before {
		if d := n - after[k]; d > 0 {
			reserve = append(reserve, capacity.Claim{Key: k, Units: d})
		}
	}
	if len(release) > 0 {
		if err := s.ledger.Release(ctx, release); err != nil {
			s.logger.ErrorContext(ctx, "ledger rollback release failed", slog.String("error", err.Error()))
		}
	}
	if len(reserve) > 0 {
		if err := s.ledger.Reserve(ctx, reserve); err != nil {
			s.logger.ErrorContext(ctx, "ledger rollback reserve failed", slog.String("error", err.Error()))
		}
	}
}

func differs(a, b *domain.Task) bool {
	if a.Status != b.Status || a.HoldEscalationCount != b.HoldEscalationCount ||
		a.ReadyToComplete != b.ReadyToComplete || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return true
	}
	if (a.Assignment == nil) != (b.Assignment == nil) {
		return true
	}
	return a.Assignment != nil && (*a.Assignment != *b.Assignment)
}

func (s *Service) event(t *domain.Task, typ domain.EventType, from domain.Status, extra map[string]string) domain.TaskEvent {
	detail := map[string]string{"label": lifecycle.StatusLabel(t)}
	if a := t.Assignment; a != nil {
		detail["team_id"] = a.TeamID
		if a.MemberID != "" {
			detail["member_id"] = a.MemberID
		}
	}
	if t.Status.IsHeld() {
		detail["hold_count"] = strconv.Itoa(t.HoldEscalationCount)
	}
	if typ == domain.EventRejected && t.LastRejection != nil && t.LastRejection.Comment != "" {
		detail["comment"] = t.LastRejection.Comment
	}
	for k, v := range extra {
		detail[k] = v
	}
	return domain.TaskEvent{
		ID:         s.newID(),
		TaskID:     t.ID,
		Type:       typ,
		From:       from,
		To:         t.Status,
		Detail:     detail,
		OccurredAt: s.now(),
	}
}

// publish is best effort; the task change is already stored.
func (s *Service) publish(ctx context.Context, ev domain.TaskEvent) {
	if ev.Actor == "" {
		ev.Actor = ActorFrom(ctx)
	}
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		telemetry.EventPublishFailuresTotal.Inc()
		s.logger.WarnContext(ctx, "task event not published",
			slog.String("task_id", ev.TaskID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	telemetry.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
}

func (s *Service) fail(ctx context.Context, span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.recordFailure(ctx, op, err)
	return err
}

func (s *Service) recordFailure(ctx context.Context, op string, err error) {
	kind := domain.KindOf(err)
	label := string(kind)
	if kind == "" {
		label = "internal"
		s.logger.ErrorContext(ctx, "workflow operation failed",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
	}
	telemetry.OperationErrorsTotal.WithLabelValues(op, label).Inc()
	if kind == domain.KindCapacityExceeded || kind == domain.KindInsufficientCapacity {
		telemetry.CapacityRejectionsTotal.WithLabelValues(string(kind)).Inc()
	}
}
