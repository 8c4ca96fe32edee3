// Package assignment attaches tasks to teams and members without ever
// exceeding the capacity recorded in the ledger.
package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/ramiqadoumi/go-chart-flow/internal/capacity"
	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
	"github.com/ramiqadoumi/go-chart-flow/internal/lifecycle"
)

// Engine performs single and bulk (un)assignment.
//
// Capacity is charged at the granularity the assignment targets: a team
// assignment consumes the team entry, a member assignment consumes that
// member's entry. Release always returns the unit to the same entry.
type Engine struct {
	ledger    capacity.Ledger
	lifecycle *lifecycle.Engine
}

// NewEngine constructs an Engine.
func NewEngine(ledger capacity.Ledger, lc *lifecycle.Engine) *Engine {
	return &Engine{ledger: ledger, lifecycle: lc}
}

// Allocation reports how many tasks a team received in a bulk assignment
// and the team's ledger state afterwards.
type Allocation struct {
	TeamID  string   `json:"team_id"`
	TaskIDs []string `json:"task_ids"`
	Used    int      `json:"used"`
	Total   int      `json:"total"`
}

// BulkResult is the per-team breakdown of a bulk assignment.
type BulkResult struct {
	Allocations []Allocation `json:"allocations"`
}

// Assigned returns the number of tasks placed.
func (r BulkResult) Assigned() int {
	n := 0
	for _, a := range r.Allocations {
		n += len(a.TaskIDs)
	}
	return n
}

// AssignSingle gives an unassigned task to a team.
func (e *Engine) AssignSingle(ctx context.Context, task *domain.Task, teamID string) error {
	return e.assign(ctx, task, domain.Assignment{TeamID: teamID})
}

// AssignToMember gives an unassigned task to one member of a team.
func (e *Engine) AssignToMember(ctx context.Context, task *domain.Task, teamID, memberID string) error {
	if memberID == "" {
		return &domain.ValidationError{Field: "member_id", Reason: "required"}
	}
	return e.assign(ctx, task, domain.Assignment{TeamID: teamID, MemberID: memberID})
}

func (e *Engine) assign(ctx context.Context, task *domain.Task, a domain.Assignment) error {
	if a.TeamID == "" {
		return &domain.ValidationError{Field: "team_id", Reason: "required"}
	}
	if task.Status != domain.StatusUnassigned {
		return &domain.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusAssigned}
	}

	claim := []capacity.Claim{{Key: capacity.KeyFor(a), Units: 1}}
	if err := e.ledger.Reserve(ctx, claim); err != nil {
		return fmt.Errorf("reserve %s: %w", claim[0].Key, err)
	}
	if err := e.lifecycle.Attach(task, a); err != nil {
		if relErr := e.ledger.Release(ctx, claim); relErr != nil {
			return errors.Join(err, fmt.Errorf("release %s: %w", claim[0].Key, relErr))
		}
		return err
	}
	return nil
}

// Unassign detaches a task and returns its capacity unit.
func (e *Engine) Unassign(ctx context.Context, task *domain.Task) error {
	if task.Assignment == nil {
		return &domain.NotAssignedError{TaskID: task.ID}
	}
	if task.Status.IsTerminal() {
		return &domain.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusUnassigned}
	}

	key := capacity.KeyFor(*task.Assignment)
	if err := e.ledger.Release(ctx, []capacity.Claim{{Key: key, Units: 1}}); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	_, err := e.lifecycle.Detach(task)
	return err
}

// Finish completes a task that passed QA and frees its capacity unit.
// The assignment stays on the task as history.
func (e *Engine) Finish(ctx context.Context, task *domain.Task) error {
	if task.Status != domain.StatusUnderQA || task.Assignment == nil {
		return &domain.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusCompleted}
	}
	key := capacity.KeyFor(*task.Assignment)
	if err := e.ledger.Release(ctx, []capacity.Claim{{Key: key, Units: 1}}); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return e.lifecycle.Complete(task)
}

// BulkAssign distributes tasks over the selected teams. Either every task is
// placed or none is. Each task goes to the team with the most free slots at
// that point, ties broken by the order of teamIDs, so a full team never
// receives work.
func (e *Engine) BulkAssign(ctx context.Context, tasks []*domain.Task, teamIDs []string) (BulkResult, error) {
	if err := checkDistinct(tasks); err != nil {
		return BulkResult{}, err
	}
	for _, t := range tasks {
		if t.Status != domain.StatusUnassigned {
			return BulkResult{}, &domain.InvalidTransitionError{TaskID: t.ID, From: t.Status, To: domain.StatusAssigned}
		}
	}
	teamIDs = dedupe(teamIDs)
	if len(teamIDs) == 0 {
		if len(tasks) == 0 {
			return BulkResult{}, nil
		}
		return BulkResult{}, &domain.ValidationError{Field: "team_ids", Reason: "at least one team required"}
	}

	keys := make([]capacity.Key, len(teamIDs))
	for i, id := range teamIDs {
		keys[i] = capacity.TeamKey(id)
	}
	entries, err := e.ledger.Snapshot(ctx, keys)
	if err != nil {
		return BulkResult{}, fmt.Errorf("snapshot teams: %w", err)
	}

	available := 0
	free := make([]int, len(entries))
	for i, en := range entries {
		free[i] = max(en.Available(), 0)
		available += free[i]
	}
	if available < len(tasks) {
		return BulkResult{}, &domain.InsufficientCapacityError{Requested: len(tasks), Available: available}
	}

	plan := make([][]*domain.Task, len(entries))
	for _, t := range tasks {
		best := 0
		for i := 1; i < len(free); i++ {
			if free[i] > free[best] {
				best = i
			}
		}
		plan[best] = append(plan[best], t)
		free[best]--
	}

	claims := make([]capacity.Claim, 0, len(entries))
	for i, group := range plan {
		if len(group) > 0 {
			claims = append(claims, capacity.Claim{Key: keys[i], Units: len(group)})
		}
	}
	if err := e.ledger.Reserve(ctx, claims); err != nil {
		var exceeded *domain.CapacityExceededError
		if errors.As(err, &exceeded) {
			// Another caller took slots between the snapshot and the reservation.
			return BulkResult{}, &domain.InsufficientCapacityError{Requested: len(tasks), Available: e.available(ctx, keys)}
		}
		return BulkResult{}, fmt.Errorf("reserve bulk: %w", err)
	}

	result := BulkResult{Allocations: make([]Allocation, len(entries))}
	for i, group := range plan {
		alloc := Allocation{
			TeamID:  teamIDs[i],
			TaskIDs: make([]string, 0, len(group)),
			Used:    entries[i].Used + len(group),
			Total:   entries[i].Total,
		}
		for _, t := range group {
			if err := e.lifecycle.Attach(t, domain.Assignment{TeamID: teamIDs[i]}); err != nil {
				panic(fmt.Sprintf("assignment: attach after validation failed for %s: %v", t.ID, err))
			}
			alloc.TaskIDs = append(alloc.TaskIDs, t.ID)
		}
		result.Allocations[i] = alloc
	}
	return result, nil
}

// BulkUnassign detaches every assigned, non-completed task in the set and
// returns how many were affected. Tasks without an assignee are skipped.
func (e *Engine) BulkUnassign(ctx context.Context, tasks []*domain.Task) (int, error) {
	var claims []capacity.Claim
	var affected []*domain.Task
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.Assignment == nil || t.Status.IsTerminal() {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		claims = append(claims, capacity.Claim{Key: capacity.KeyFor(*t.Assignment), Units: 1})
		affected = append(affected, t)
	}
	if len(affected) == 0 {
		return 0, nil
	}
	if err := e.ledger.Release(ctx, claims); err != nil {
		return 0, fmt.Errorf("release bulk: %w", err)
	}
	for _, t := range affected {
		if _, err := e.lifecycle.Detach(t); err != nil {
			panic(fmt.Sprintf("assignment: detach after validation failed for %s: %v", t.ID, err))
		}
	}
	return len(affected), nil
}

// available sums free slots across keys, reporting 0 when the ledger
// cannot be read.
func (e *Engine) available(ctx context.Context, keys []capacity.Key) int {
	entries, err := e.ledger.Snapshot(ctx, keys)
	if err != nil {
		return 0
	}
	n := 0
	for _, en := range entries {
		n += max(en.Available(), 0)
	}
	return n
}

func checkDistinct(tasks []*domain.Task) error {
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, dup := seen[t.ID]; dup {
			return &domain.ValidationError{Field: "task_ids", Reason: fmt.Sprintf("task %s selected twice", t.ID)}
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
