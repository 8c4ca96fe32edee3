package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-chart-flow/internal/capacity"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeCounter struct {
	counts map[capacity.Key]int
	err    error
	calls  int
	during func() // runs between the two ledger reads
}

func (c *fakeCounter) CountActiveAssignments(context.Context) (map[capacity.Key]int, error) {
	c.calls++
	if c.during != nil {
		c.during()
	}
	out := make(map[capacity.Key]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out, c.err
}

type fakeLeader struct {
	leader   bool
	err      error
	resigned bool
}

func (l *fakeLeader) Acquire(context.Context) (bool, error) { return l.leader, l.err }
func (l *fakeLeader) Resign(context.Context) error         { l.resigned = true; return nil }

// unlisted hides the Lister implementation of the wrapped ledger.
type unlisted struct{ capacity.Ledger }

var (
	east = capacity.TeamKey("east")
	m1   = capacity.MemberKey("m1")
)

func ledgerWith(t *testing.T, entries map[capacity.Key][2]int) capacity.Ledger {
	t.Helper()
	ctx := context.Background()
	l := capacity.NewMemoryLedger()
	for k, e := range entries {
		_, err := l.Provision(ctx, k, e[1])
		require.NoError(t, err)
		_, err = l.SetUsed(ctx, k, e[0])
		require.NoError(t, err)
	}
	return l
}

func quiet() Option { return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))) }

func used(t *testing.T, l capacity.Ledger, k capacity.Key) int {
	t.Helper()
	e, err := l.Get(context.Background(), k)
	require.NoError(t, err)
	return e.Used
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestRunOnce_NoDrift(t *testing.T) {
	l := ledgerWith(t, map[capacity.Key][2]int{east: {2, 5}, m1: {1, 1}})
	c := &fakeCounter{counts: map[capacity.Key]int{east: 2, m1: 1}}
	r := NewReconciler(c, l, quiet())

	rep, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
	assert.Empty(t, rep.Suspected)
	assert.Empty(t, rep.Corrected)
}

func TestRunOnce_CorrectsAfterTwoMatchingRuns(t *testing.T) {
	ctx := context.Background()
	l := ledgerWith(t, map[capacity.Key][2]int{east: {3, 5}, m1: {0, 2}})
	c := &fakeCounter{counts: map[capacity.Key]int{east: 1}}
	r := NewReconciler(c, l, quiet())

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Drift{{Key: east, Used: 3, Count: 1}}, rep.Suspected)
	assert.Empty(t, rep.Corrected)
	assert.Equal(t, 3, used(t, l, east), "first sighting only records the mismatch")

	rep, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Drift{{Key: east, Used: 3, Count: 1}}, rep.Corrected)
	assert.Equal(t, 1, used(t, l, east))

	rep, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Suspected)
	assert.Empty(t, rep.Corrected)
}

func TestRunOnce_ChangedObservationRestartsConfirmation(t *testing.T) {
	ctx := context.Background()
	l := ledgerWith(t, map[capacity.Key][2]int{east: {3, 5}})
	c := &fakeCounter{counts: map[capacity.Key]int{east: 1}}
	r := NewReconciler(c, l, quiet())

	_, err := r.RunOnce(ctx)
	require.NoError(t, err)

	c.counts[east] = 2
	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Corrected)
	assert.Equal(t, []Drift{{Key: east, Used: 3, Count: 2}}, rep.Suspected)
	assert.Equal(t, 3, used(t, l, east))
}

func TestRunOnce_SkipsEntriesThatMoveDuringTheCount(t *testing.T) {
	ctx := context.Background()
	l := ledgerWith(t, map[capacity.Key][2]int{east: {1, 5}})
	c := &fakeCounter{counts: map[capacity.Key]int{east: 1}}
	c.during = func() {
		// An assignment reserves its unit before its row is saved.
		require.NoError(t, l.Reserve(ctx, []capacity.Claim{{Key: east, Units: 1}}))
	}
	r := NewReconciler(c, l, quiet())

	for i := 0; i < 3; i++ {
		rep, err := r.RunOnce(ctx)
		require.NoError(t, err)
		assert.Empty(t, rep.Suspected)
		assert.Empty(t, rep.Corrected)
	}
	assert.Equal(t, 4, used(t, l, east))
}

func TestRunOnce_StaleEntryWithNoActiveTasks(t *testing.T) {
	ctx := context.Background()
	l := ledgerWith(t, map[capacity.Key][2]int{m1: {2, 3}})
	c := &fakeCounter{counts: map[capacity.Key]int{}}

	r := NewReconciler(c, l, quiet())
	_, err := r.RunOnce(ctx)
	require.NoError(t, err)
	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Drift{{Key: m1, Used: 2, Count: 0}}, rep.Corrected)
	assert.Equal(t, 0, used(t, l, m1))
}

func TestRunOnce_WithoutListerChecksCountedKeys(t *testing.T) {
	ctx := context.Background()
	l := ledgerWith(t, map[capacity.Key][2]int{m1: {2, 3}, east: {3, 5}})
	c := &fakeCounter{counts: map[capacity.Key]int{east: 1}}
	r := NewReconciler(c, unlisted{l}, quiet())

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Checked)
	assert.Empty(t, rep.Suspected, "a key first seen in the count has no earlier reading")

	_, err = r.RunOnce(ctx)
	require.NoError(t, err)
	rep, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Drift{{Key: east, Used: 3, Count: 1}}, rep.Corrected)
	assert.Equal(t, 2, used(t, l, m1), "uncounted entries are invisible without a lister")
}

func TestRunOnce_Overcommitted(t *testing.T) {
	ctx := context.Background()
	l := ledgerWith(t, map[capacity.Key][2]int{east: {2, 2}})
	c := &fakeCounter{counts: map[capacity.Key]int{east: 3}}
	r := NewReconciler(c, l, quiet())

	_, err := r.RunOnce(ctx)
	require.NoError(t, err)
	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Drift{{Key: east, Used: 2, Count: 3}}, rep.Overcommitted)
	assert.Empty(t, rep.Corrected)
	assert.Equal(t, 2, used(t, l, east))
}

func TestRunOnce_Unprovisioned(t *testing.T) {
	l := ledgerWith(t, nil)
	c := &fakeCounter{counts: map[capacity.Key]int{capacity.TeamKey("ghost"): 2}}

	rep, err := NewReconciler(c, l, quiet()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []capacity.Key{capacity.TeamKey("ghost")}, rep.Unprovisioned)
	assert.Zero(t, rep.Checked)
}

func TestRunOnce_CounterError(t *testing.T) {
	c := &fakeCounter{err: errors.New("db down")}

	_, err := NewReconciler(c, ledgerWith(t, nil), quiet()).RunOnce(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestRun_FollowerSkipsAndResignsOnShutdown(t *testing.T) {
	l := ledgerWith(t, map[capacity.Key][2]int{east: {1, 5}})
	c := &fakeCounter{counts: map[capacity.Key]int{east: 1}}
	leader := &fakeLeader{leader: false}
	sched, err := ParseSchedule("@every 1h")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewReconciler(c, l, WithLeader(leader), WithSchedule(sched), quiet()).Run(ctx)

	assert.Zero(t, c.calls, "a follower never counts")
	assert.True(t, leader.resigned)
}

func TestRun_LeaderRunsImmediately(t *testing.T) {
	l := ledgerWith(t, map[capacity.Key][2]int{east: {1, 5}})
	c := &fakeCounter{counts: map[capacity.Key]int{east: 1}}
	leader := &fakeLeader{leader: true}
	fixed := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewReconciler(c, l,
		WithLeader(leader),
		WithClock(func() time.Time { return fixed }),
		quiet(),
	).Run(ctx)

	assert.Equal(t, 1, c.calls)
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("*/5 * * * *")
	require.NoError(t, err)
	from := time.Date(2026, 7, 1, 9, 1, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 7, 1, 9, 5, 0, 0, time.UTC), s.Next(from))

	_, err = ParseSchedule("not a schedule")
	assert.Error(t, err)
}
