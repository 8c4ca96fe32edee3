package assignment_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-chart-flow/internal/assignment"
	"github.com/ramiqadoumi/go-chart-flow/internal/capacity"
	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
	"github.com/ramiqadoumi/go-chart-flow/internal/lifecycle"
)

var fixedNow = time.Date(2026, 5, 11, 8, 0, 0, 0, time.UTC)

type fixture struct {
	ledger capacity.Ledger
	engine *assignment.Engine
}

func newFixture(t *testing.T, totals map[capacity.Key]int) fixture {
	t.Helper()
	ledger := capacity.NewMemoryLedger()
	for k, total := range totals {
		_, err := ledger.Provision(context.Background(), k, total)
		require.NoError(t, err)
	}
	lc := lifecycle.NewEngine(lifecycle.WithClock(func() time.Time { return fixedNow }))
	return fixture{ledger: ledger, engine: assignment.NewEngine(ledger, lc)}
}

func (f fixture) entry(t *testing.T, k capacity.Key) capacity.Entry {
	t.Helper()
	e, err := f.ledger.Get(context.Background(), k)
	require.NoError(t, err)
	return e
}

func newTasks(n int) []*domain.Task {
	tasks := make([]*domain.Task, n)
	for i := range tasks {
		tasks[i] = domain.NewTask(fmt.Sprintf("task-%02d", i), fmt.Sprintf("MRN-%04d", i), "coding", domain.PriorityMedium, fixedNow)
	}
	return tasks
}

func TestAssignSingle(t *testing.T) {
	team := capacity.TeamKey("coding-east")
	f := newFixture(t, map[capacity.Key]int{team: 1})
	tasks := newTasks(2)
	ctx := context.Background()

	require.NoError(t, f.engine.AssignSingle(ctx, tasks[0], "coding-east"))
	assert.Equal(t, domain.StatusAssigned, tasks[0].Status)
	assert.Equal(t, "coding-east", tasks[0].Assignment.TeamID)
	assert.Equal(t, 1, f.entry(t, team).Used)

	err := f.engine.AssignSingle(ctx, tasks[1], "coding-east")
	assert.Equal(t, domain.KindCapacityExceeded, domain.KindOf(err))
	assert.Equal(t, domain.StatusUnassigned, tasks[1].Status)
	assert.Nil(t, tasks[1].Assignment)
}

func TestAssignSingle_UnknownTeam(t *testing.T) {
	f := newFixture(t, nil)
	task := newTasks(1)[0]

	err := f.engine.AssignSingle(context.Background(), task, "ghost")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.Equal(t, domain.StatusUnassigned, task.Status)
}

func TestAssignSingle_AlreadyAssigned(t *testing.T) {
	team := capacity.TeamKey("coding-east")
	f := newFixture(t, map[capacity.Key]int{team: 5})
	task := newTasks(1)[0]
	ctx := context.Background()

	require.NoError(t, f.engine.AssignSingle(ctx, task, "coding-east"))
	err := f.engine.AssignSingle(ctx, task, "coding-east")
	assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(err))
	assert.Equal(t, 1, f.entry(t, team).Used, "rejected assignment must not consume capacity")
}

func TestAssignToMember_ChargesMemberLedger(t *testing.T) {
	team := capacity.TeamKey("coding-east")
	member := capacity.MemberKey("coder-7")
	f := newFixture(t, map[capacity.Key]int{team: 10, member: 1})
	tasks := newTasks(2)
	ctx := context.Background()

	require.NoError(t, f.engine.AssignToMember(ctx, tasks[0], "coding-east", "coder-7"))
	assert.Equal(t, 1, f.entry(t, member).Used)
	assert.Equal(t, 0, f.entry(t, team).Used, "member assignment does not consume team capacity")

	err := f.engine.AssignToMember(ctx, tasks[1], "coding-east", "coder-7")
	assert.Equal(t, domain.KindCapacityExceeded, domain.KindOf(err))

	require.NoError(t, f.engine.Unassign(ctx, tasks[0]))
	assert.Equal(t, 0, f.entry(t, member).Used)
}

func TestUnassign(t *testing.T) {
	team := capacity.TeamKey("coding-east")
	f := newFixture(t, map[capacity.Key]int{team: 3})
	task := newTasks(1)[0]
	ctx := context.Background()

	err := f.engine.Unassign(ctx, task)
	assert.Equal(t, domain.KindNotAssigned, domain.KindOf(err))

	require.NoError(t, f.engine.AssignSingle(ctx, task, "coding-east"))
	require.NoError(t, f.engine.Unassign(ctx, task))
	assert.Equal(t, domain.StatusUnassigned, task.Status)
	assert.Nil(t, task.Assignment)
	assert.Equal(t, 0, f.entry(t, team).Used)
}

func TestAssignUnassign_RandomSequence_StaysWithinBounds(t *testing.T) {
	team := capacity.TeamKey("coding-east")
	const total = 4
	f := newFixture(t, map[capacity.Key]int{team: total})
	tasks := newTasks(10)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		task := tasks[rng.Intn(len(tasks))]
		if rng.Intn(2) == 0 {
			_ = f.engine.AssignSingle(ctx, task, "coding-east")
		} else {
			_ = f.engine.Unassign(ctx, task)
		}

		e := f.entry(t, team)
		require.GreaterOrEqual(t, e.Used, 0)
		require.LessOrEqual(t, e.Used, total)

		assigned := 0
		for _, tk := range tasks {
			if tk.Assignment != nil {
				assigned++
			}
		}
		require.Equal(t, assigned, e.Used, "ledger must match the number of assigned tasks")
	}
}

func TestFinish_ReleasesCapacity(t *testing.T) {
	team := capacity.TeamKey("coding-east")
	f := newFixture(t, map[capacity.Key]int{team: 1})
	task := newTasks(1)[0]
	ctx := context.Background()
	lc := lifecycle.NewEngine()

	require.NoError(t, f.engine.AssignSingle(ctx, task, "coding-east"))
	err := f.engine.Finish(ctx, task)
	assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(err), "finish requires QA first")

	require.NoError(t, lc.SubmitForQA(task))
	require.NoError(t, f.engine.Finish(ctx, task))
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, 0, f.entry(t, team).Used)

	err = f.engine.Unassign(ctx, task)
	assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(err))
	assert.Equal(t, 0, f.entry(t, team).Used)
}

func TestBulkAssign_InsufficientCapacity_AssignsNothing(t *testing.T) {
	a, b := capacity.TeamKey("team-a"), capacity.TeamKey("team-b")
	f := newFixture(t, map[capacity.Key]int{a: 6, b: 4})
	tasks := newTasks(12)

	_, err := f.engine.BulkAssign(context.Background(), tasks, []string{"team-a", "team-b"})

	var insufficient *domain.InsufficientCapacityError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 12, insufficient.Requested)
	assert.Equal(t, 10, insufficient.Available)
	for _, task := range tasks {
		assert.Equal(t, domain.StatusUnassigned, task.Status)
		assert.Nil(t, task.Assignment)
	}
	assert.Equal(t, 0, f.entry(t, a).Used)
	assert.Equal(t, 0, f.entry(t, b).Used)
}

func TestBulkAssign_DistributesByFreeSlots(t *testing.T) {
	a, b, c := capacity.TeamKey("team-a"), capacity.TeamKey("team-b"), capacity.TeamKey("team-c")
	f := newFixture(t, map[capacity.Key]int{a: 5, b: 3, c: 2})
	ctx := context.Background()

	// team-c is already full.
	require.NoError(t, f.ledger.Reserve(ctx, []capacity.Claim{{Key: c, Units: 2}}))
	tasks := newTasks(6)

	res, err := f.engine.BulkAssign(ctx, tasks, []string{"team-a", "team-b", "team-c"})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Assigned())

	require.Len(t, res.Allocations, 3)
	assert.Equal(t, "team-a", res.Allocations[0].TeamID)
	assert.Len(t, res.Allocations[0].TaskIDs, 4)
	assert.Equal(t, 4, res.Allocations[0].Used)
	assert.Equal(t, 5, res.Allocations[0].Total)
	assert.Len(t, res.Allocations[1].TaskIDs, 2)
	assert.Equal(t, 2, res.Allocations[1].Used)
	assert.Empty(t, res.Allocations[2].TaskIDs, "full team receives nothing")
	assert.Equal(t, 2, res.Allocations[2].Used)

	assert.Equal(t, 4, f.entry(t, a).Used)
	assert.Equal(t, 2, f.entry(t, b).Used)
	assert.Equal(t, 2, f.entry(t, c).Used)
	for _, task := range tasks {
		assert.Equal(t, domain.StatusAssigned, task.Status)
	}
}

func TestBulkAssign_ExactFit(t *testing.T) {
	a, b := capacity.TeamKey("team-a"), capacity.TeamKey("team-b")
	f := newFixture(t, map[capacity.Key]int{a: 6, b: 4})

	res, err := f.engine.BulkAssign(context.Background(), newTasks(10), []string{"team-a", "team-b"})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Assigned())
	assert.Equal(t, 6, f.entry(t, a).Used)
	assert.Equal(t, 4, f.entry(t, b).Used)
}

func TestBulkAssign_Validation(t *testing.T) {
	a := capacity.TeamKey("team-a")
	ctx := context.Background()

	t.Run("duplicate task", func(t *testing.T) {
		f := newFixture(t, map[capacity.Key]int{a: 5})
		task := newTasks(1)[0]
		_, err := f.engine.BulkAssign(ctx, []*domain.Task{task, task}, []string{"team-a"})
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	})
	t.Run("no teams", func(t *testing.T) {
		f := newFixture(t, map[capacity.Key]int{a: 5})
		_, err := f.engine.BulkAssign(ctx, newTasks(1), nil)
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	})
	t.Run("unknown team", func(t *testing.T) {
		f := newFixture(t, map[capacity.Key]int{a: 5})
		_, err := f.engine.BulkAssign(ctx, newTasks(1), []string{"team-a", "ghost"})
		assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	})
	t.Run("task already assigned", func(t *testing.T) {
		f := newFixture(t, map[capacity.Key]int{a: 5})
		tasks := newTasks(2)
		require.NoError(t, f.engine.AssignSingle(ctx, tasks[1], "team-a"))
		_, err := f.engine.BulkAssign(ctx, tasks, []string{"team-a"})
		assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(err))
		assert.Equal(t, domain.StatusUnassigned, tasks[0].Status)
		assert.Equal(t, 1, f.entry(t, a).Used)
	})
	t.Run("empty selection", func(t *testing.T) {
		f := newFixture(t, map[capacity.Key]int{a: 5})
		res, err := f.engine.BulkAssign(ctx, nil, []string{"team-a"})
		require.NoError(t, err)
		assert.Zero(t, res.Assigned())
	})
}

func TestBulkUnassign_Idempotent(t *testing.T) {
	a := capacity.TeamKey("team-a")
	m := capacity.MemberKey("coder-1")
	f := newFixture(t, map[capacity.Key]int{a: 5, m: 2})
	ctx := context.Background()
	tasks := newTasks(4)

	require.NoError(t, f.engine.AssignSingle(ctx, tasks[0], "team-a"))
	require.NoError(t, f.engine.AssignSingle(ctx, tasks[1], "team-a"))
	require.NoError(t, f.engine.AssignToMember(ctx, tasks[2], "team-a", "coder-1"))

	n, err := f.engine.BulkUnassign(ctx, append(tasks, tasks[0]))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, f.entry(t, a).Used)
	assert.Equal(t, 0, f.entry(t, m).Used)

	n, err = f.engine.BulkUnassign(ctx, tasks)
	require.NoError(t, err)
	assert.Zero(t, n)
}
