// Package reconciler keeps the capacity ledger honest against the task table.
//
// Assignments reserve ledger units before the task rows are saved, so a
// single comparison can catch an operation in flight. A mismatch is only
// corrected after it has been seen unchanged on two consecutive runs and the
// ledger usage did not move while the table was being counted.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-chart-flow/internal/capacity"
	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
	redisstore "github.com/ramiqadoumi/go-chart-flow/internal/redis"
	"github.com/ramiqadoumi/go-chart-flow/pkg/telemetry"
)

// DefaultSchedule runs a pass every five minutes.
const DefaultSchedule = "*/5 * * * *"

// Counter reports how many active tasks consume each ledger entry.
type Counter interface {
	CountActiveAssignments(ctx context.Context) (map[capacity.Key]int, error)
}

// Drift is a ledger entry whose usage disagrees with the task table.
type Drift struct {
	Key   capacity.Key `json:"key"`
	Used  int          `json:"used"`
	Count int          `json:"count"`
}

// Report summarizes one pass.
type Report struct {
	Checked   int     `json:"checked"`
	Suspected []Drift `json:"suspected,omitempty"`
	Corrected []Drift `json:"corrected,omitempty"`
	// Overcommitted entries carry more active tasks than their total allows;
	// SetUsed refuses them and an operator must raise the total.
	Overcommitted []Drift `json:"overcommitted,omitempty"`
	// Unprovisioned keys have active tasks but no ledger entry.
	Unprovisioned []capacity.Key `json:"unprovisioned,omitempty"`
}

type observation struct{ used, count int }

// Reconciler compares ledger usage with active task counts.
type Reconciler struct {
	counter  Counter
	ledger   capacity.Ledger
	leader   redisstore.LeaderElector
	schedule cron.Schedule
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[capacity.Key]observation
	known   []capacity.Key
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLeader restricts scheduled passes to the instance holding the lease.
func WithLeader(l redisstore.LeaderElector) Option { return func(r *Reconciler) { r.leader = l } }
func WithSchedule(s cron.Schedule) Option          { return func(r *Reconciler) { r.schedule = s } }
func WithClock(now func() time.Time) Option        { return func(r *Reconciler) { r.now = now } }
func WithLogger(l *slog.Logger) Option             { return func(r *Reconciler) { r.logger = l } }

// ParseSchedule accepts a standard five-field cron expression or a
// descriptor such as "@every 1m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse reconcile schedule %q: %w", expr, err)
	}
	return s, nil
}

// NewReconciler constructs a Reconciler. Without a Lister on the ledger,
// only entries that had active tasks on the previous pass or this one are
// checked.
func NewReconciler(counter Counter, ledger capacity.Ledger, opts ...Option) *Reconciler {
	def, _ := cron.ParseStandard(DefaultSchedule)
	r := &Reconciler{
		counter:  counter,
		ledger:   ledger,
		schedule: def,
		now:      time.Now,
		logger:   slog.Default(),
		pending:  make(map[capacity.Key]observation),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a pass immediately and then on every scheduled tick until
// ctx is cancelled. The lease is given up on the way out.
func (r *Reconciler) Run(ctx context.Context) {
	r.tick(ctx)
	for {
		now := r.now()
		timer := time.NewTimer(r.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.resign()
			return
		case <-timer.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) resign() {
	if r.leader == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.leader.Resign(ctx); err != nil {
		r.logger.Warn("reconciler resign", slog.String("error", err.Error()))
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	if r.leader != nil {
		ok, err := r.leader.Acquire(ctx)
		if err != nil {
			telemetry.ReconcileRunsTotal.WithLabelValues("error").Inc()
			r.logger.Error("reconciler leader election", slog.String("error", err.Error()))
			return
		}
		if !ok {
			// Observations from a previous term are stale once another
			// instance has been reconciling.
			r.mu.Lock()
			clear(r.pending)
			r.known = nil
			r.mu.Unlock()
			telemetry.ReconcileRunsTotal.WithLabelValues("skipped").Inc()
			return
		}
	}

	rep, err := r.RunOnce(ctx)
	if err != nil {
		telemetry.ReconcileRunsTotal.WithLabelValues("error").Inc()
		r.logger.Error("reconcile pass failed", slog.String("error", err.Error()))
		return
	}
	telemetry.ReconcileRunsTotal.WithLabelValues("ok").Inc()
	r.logger.Info("reconcile pass done",
		slog.Int("checked", rep.Checked),
		slog.Int("suspected", len(rep.Suspected)),
		slog.Int("corrected", len(rep.Corrected)),
	)
}

// RunOnce performs a single pass and returns what it found.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "reconciler.run")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	rep, err := r.pass(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Report{}, err
	}
	span.SetAttributes(
		attribute.Int("reconcile.checked", rep.Checked),
		attribute.Int("reconcile.corrected", len(rep.Corrected)),
	)
	return rep, nil
}

func (r *Reconciler) pass(ctx context.Context) (Report, error) {
	var keys []capacity.Key
	if lister, ok := r.ledger.(capacity.Lister); ok {
		ks, err := lister.Keys(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("list ledger keys: %w", err)
		}
		keys = ks
	}
	// Keys counted last pass are read up front too, so entries are still
	// checked when the ledger cannot be listed.
	keys = union(keys, r.known)

	before := make(map[capacity.Key]int, len(keys))
	for _, k := range keys {
		e, err := r.ledger.Get(ctx, k)
		if domain.KindOf(err) == domain.KindNotFound {
			continue
		}
		if err != nil {
			return Report{}, fmt.Errorf("read ledger %s: %w", k, err)
		}
		before[k] = e.Used
	}

	counts, err := r.counter.CountActiveAssignments(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("count active assignments: %w", err)
	}

	counted := make([]capacity.Key, 0, len(counts))
	for k := range counts {
		counted = append(counted, k)
	}
	keys = union(keys, counted)
	r.known = counted

	var rep Report
	for _, k := range keys {
		count := counts[k]
		after, err := r.ledger.Get(ctx, k)
		if domain.KindOf(err) == domain.KindNotFound {
			delete(r.pending, k)
			if count > 0 {
				rep.Unprovisioned = append(rep.Unprovisioned, k)
				r.logger.Warn("active tasks charged to an unprovisioned entry",
					slog.String("key", k.String()), slog.Int("count", count))
			}
			continue
		}
		if err != nil {
			return Report{}, fmt.Errorf("read ledger %s: %w", k, err)
		}
		rep.Checked++

		if after.Used == count {
			delete(r.pending, k)
			continue
		}
		used, ok := before[k]
		if !ok || used != after.Used {
			// Ledger moved under us; look again next pass.
			delete(r.pending, k)
			continue
		}

		d := Drift{Key: k, Used: after.Used, Count: count}
		obs := observation{used: after.Used, count: count}
		if prev, ok := r.pending[k]; !ok || prev != obs {
			r.pending[k] = obs
			rep.Suspected = append(rep.Suspected, d)
			continue
		}

		delete(r.pending, k)
		if _, err := r.ledger.SetUsed(ctx, k, count); err != nil {
			if domain.KindOf(err) == domain.KindCapacityExceeded {
				rep.Overcommitted = append(rep.Overcommitted, d)
				r.logger.Warn("ledger entry is overcommitted",
					slog.String("key", k.String()),
					slog.Int("count", count),
					slog.Int("total", after.Total),
				)
				continue
			}
			return Report{}, fmt.Errorf("correct ledger %s: %w", k, err)
		}
		telemetry.LedgerDriftTotal.WithLabelValues(string(k.Scope)).Inc()
		rep.Corrected = append(rep.Corrected, d)
		r.logger.Warn("ledger drift corrected",
			slog.String("key", k.String()),
			slog.Int("was", after.Used),
			slog.Int("now", count),
		)
	}

	checked := make(map[capacity.Key]struct{}, len(keys))
	for _, k := range keys {
		checked[k] = struct{}{}
	}
	for k := range r.pending {
		if _, ok := checked[k]; !ok {
			delete(r.pending, k)
		}
	}
	return rep, nil
}

// union returns the distinct keys of a and b in sorted order.
func union(a, b []capacity.Key) []capacity.Key {
	seen := make(map[capacity.Key]struct{}, len(a)+len(b))
	out := make([]capacity.Key, 0, len(a)+len(b))
	for _, ks := range [][]capacity.Key{a, b} {
		for _, k := range ks {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	capacity.SortKeys(out)
	return out
}
