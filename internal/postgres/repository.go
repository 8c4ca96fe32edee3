// Package postgres is the durable store for tasks, QA findings and the
// task event audit trail.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-chart-flow/internal/capacity"
	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
	"github.com/ramiqadoumi/go-chart-flow/internal/postgres/migrations"
	"github.com/ramiqadoumi/go-chart-flow/internal/quality"
)

// TaskRepository abstracts database access for tasks.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	// GetMany returns tasks in the order of ids; any missing id is NotFound.
	GetMany(ctx context.Context, ids []string) ([]*domain.Task, error)
	Save(ctx context.Context, task *domain.Task) error
	// SaveAll writes every task in one transaction.
	SaveAll(ctx context.Context, tasks []*domain.Task) error
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error)
	// CountActiveAssignments returns how many tasks currently consume each
	// ledger entry.
	CountActiveAssignments(ctx context.Context) (map[capacity.Key]int, error)
}

// ScoreRepository stores QA findings and external scores.
type ScoreRepository interface {
	AddFinding(ctx context.Context, taskID string, f quality.Finding) error
	ListFindings(ctx context.Context, taskID string) ([]quality.Finding, error)
	SetExternalScore(ctx context.Context, taskID string, score int) error
	GetExternalScore(ctx context.Context, taskID string) (*int, error)
}

// EventRepository is the audit trail of task events.
type EventRepository interface {
	// RecordEvent is idempotent on event ID.
	RecordEvent(ctx context.Context, ev domain.TaskEvent) error
	ListEvents(ctx context.Context, taskID string) ([]domain.TaskEvent, error)
}

// Repository is every store backed by the same pool.
type Repository interface {
	TaskRepository
	ScoreRepository
	EventRepository
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the Repository interface.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in order and returns the file
// names applied. The scripts are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return nil, fmt.Errorf("execute migration %s: %w", f, err)
		}
	}
	return files, nil
}

const taskColumns = `id, mrn, name, status, priority, hold_escalation_count,
	team_id, member_id, assigned_at, hold_reasons, hold_other, last_resolution,
	last_rejection, ready_to_complete, created_at, updated_at`

const upsertTask = `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (id) DO UPDATE SET
		mrn                   = EXCLUDED.mrn,
		name                  = EXCLUDED.name,
		status                = EXCLUDED.status,
		priority              = EXCLUDED.priority,
		hold_escalation_count = EXCLUDED.hold_escalation_count,
		team_id               = EXCLUDED.team_id,
		member_id             = EXCLUDED.member_id,
		assigned_at           = EXCLUDED.assigned_at,
		hold_reasons          = EXCLUDED.hold_reasons,
		hold_other            = EXCLUDED.hold_other,
		last_resolution       = EXCLUDED.last_resolution,
		last_rejection        = EXCLUDED.last_rejection,
		ready_to_complete     = EXCLUDED.ready_to_complete,
		updated_at            = EXCLUDED.updated_at
`

func (r *repository) Create(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`, args...)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Resource: "task", ID: id}
	}
	return task, err
}

func (r *repository) GetMany(ctx context.Context, ids []string) ([]*domain.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*domain.Task, len(ids))
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		byID[task.ID] = task
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}

	out := make([]*domain.Task, 0, len(ids))
	for _, id := range ids {
		task, ok := byID[id]
		if !ok {
			return nil, &domain.NotFoundError{Resource: "task", ID: id}
		}
		out = append(out, task)
	}
	return out, nil
}

func (r *repository) Save(ctx context.Context, task *domain.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, upsertTask, args...); err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (r *repository) SaveAll(ctx context.Context, tasks []*domain.Task) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, task := range tasks {
			args, err := taskArgs(task)
			if err != nil {
				return err
			}
			batch.Queue(upsertTask, args...)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save %d tasks: %w", len(tasks), err)
		}
		return nil
	})
}

func (r *repository) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *repository) CountActiveAssignments(ctx context.Context) (map[capacity.Key]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT CASE WHEN member_id IS NULL THEN 'team' ELSE 'member' END,
		       COALESCE(member_id, team_id),
		       COUNT(*)
		FROM tasks
		WHERE team_id IS NOT NULL AND status = ANY($1)
		GROUP BY 1, 2
	`, activeStatuses())
	if err != nil {
		return nil, fmt.Errorf("count active assignments: %w", err)
	}
	defer rows.Close()

	out := make(map[capacity.Key]int)
	for rows.Next() {
		var scope, id string
		var n int
		if err := rows.Scan(&scope, &id, &n); err != nil {
			return nil, fmt.Errorf("scan assignment count: %w", err)
		}
		out[capacity.Key{Scope: capacity.Scope(scope), ID: id}] = n
	}
	return out, rows.Err()
}

func activeStatuses() []string {
	var out []string
	for _, s := range []domain.Status{
		domain.StatusAssigned, domain.StatusOnHold, domain.StatusRehold, domain.StatusUnderQA,
	} {
		out = append(out, string(s))
	}
	return out
}

func (r *repository) AddFinding(ctx context.Context, taskID string, f quality.Finding) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO qa_findings (task_id, section, category, point_value, count)
		VALUES ($1, $2, $3, $4, $5)
	`, taskID, string(f.Section), f.Category, f.PointValue, f.Count)
	if err != nil {
		return fmt.Errorf("add finding for task %s: %w", taskID, err)
	}
	return nil
}

func (r *repository) ListFindings(ctx context.Context, taskID string) ([]quality.Finding, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT section, category, point_value, count
		FROM qa_findings
		WHERE task_id = $1
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list findings for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []quality.Finding
	for rows.Next() {
		var f quality.Finding
		var section string
		if err := rows.Scan(&section, &f.Category, &f.PointValue, &f.Count); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.Section = quality.Section(section)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *repository) SetExternalScore(ctx context.Context, taskID string, score int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO qa_external_scores (task_id, score, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO UPDATE SET score = EXCLUDED.score, updated_at = EXCLUDED.updated_at
	`, taskID, score, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set external score for task %s: %w", taskID, err)
	}
	return nil
}

func (r *repository) GetExternalScore(ctx context.Context, taskID string) (*int, error) {
	var score int
	err := r.pool.QueryRow(ctx, `SELECT score FROM qa_external_scores WHERE task_id = $1`, taskID).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get external score for task %s: %w", taskID, err)
	}
	return &score, nil
}

func (r *repository) RecordEvent(ctx context.Context, ev domain.TaskEvent) error {
	var detail []byte
	if len(ev.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(ev.Detail); err != nil {
			return fmt.Errorf("marshal event detail: %w", err)
		}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_events (id, task_id, type, from_status, to_status, actor, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.TaskID, string(ev.Type), nullable(string(ev.From)), nullable(string(ev.To)),
		nullable(ev.Actor), detail, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("record event %s: %w", ev.ID, err)
	}
	return nil
}

func (r *repository) ListEvents(ctx context.Context, taskID string) ([]domain.TaskEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, type, COALESCE(from_status, ''), COALESCE(to_status, ''),
		       COALESCE(actor, ''), detail, occurred_at
		FROM task_events
		WHERE task_id = $1
		ORDER BY occurred_at, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []domain.TaskEvent
	for rows.Next() {
		var ev domain.TaskEvent
		var typ, from, to string
		var detail []byte
		if err := rows.Scan(&ev.ID, &ev.TaskID, &typ, &from, &to, &ev.Actor, &detail, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type, ev.From, ev.To = domain.EventType(typ), domain.Status(from), domain.Status(to)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal event detail: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func taskArgs(t *domain.Task) ([]any, error) {
	var teamID, memberID *string
	var assignedAt *time.Time
	if a := t.Assignment; a != nil {
		teamID = &a.TeamID
		memberID = nullable(a.MemberID)
		assignedAt = &a.AssignedAt
	}
	var reasons []string
	var other *string
	if h := t.HoldReason; h != nil {
		reasons = h.Reasons
		other = nullable(h.Other)
	}
	var resolution []byte
	if t.LastResolution != nil {
		var err error
		if resolution, err = json.Marshal(t.LastResolution); err != nil {
			return nil, fmt.Errorf("marshal resolution for task %s: %w", t.ID, err)
		}
	}
	var rejection []byte
	if t.LastRejection != nil {
		var err error
		if rejection, err = json.Marshal(t.LastRejection); err != nil {
			return nil, fmt.Errorf("marshal rejection for task %s: %w", t.ID, err)
		}
	}
	return []any{
		t.ID, t.MRN, t.Name, string(t.Status), string(t.Priority), t.HoldEscalationCount,
		teamID, memberID, assignedAt, reasons, other, resolution,
		rejection, t.ReadyToComplete, t.CreatedAt, t.UpdatedAt,
	}, nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var status, priority string
	var teamID, memberID, other *string
	var assignedAt *time.Time
	var reasons []string
	var resolution, rejection []byte
	err := row.Scan(
		&task.ID, &task.MRN, &task.Name, &status, &priority, &task.HoldEscalationCount,
		&teamID, &memberID, &assignedAt, &reasons, &other, &resolution,
		&rejection, &task.ReadyToComplete, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(status)
	task.Priority = domain.Priority(priority)
	if teamID != nil {
		a := domain.Assignment{TeamID: *teamID}
		if memberID != nil {
			a.MemberID = *memberID
		}
		if assignedAt != nil {
			a.AssignedAt = *assignedAt
		}
		task.Assignment = &a
	}
	if len(reasons) > 0 {
		h := domain.HoldReason{Reasons: reasons}
		if other != nil {
			h.Other = *other
		}
		task.HoldReason = &h
	}
	if len(resolution) > 0 {
		var res domain.HoldResolution
		if err := json.Unmarshal(resolution, &res); err != nil {
			return nil, fmt.Errorf("unmarshal resolution for task %s: %w", task.ID, err)
		}
		task.LastResolution = &res
	}
	if len(rejection) > 0 {
		var rej domain.Rejection
		if err := json.Unmarshal(rejection, &rej); err != nil {
			return nil, fmt.Errorf("unmarshal rejection for task %s: %w", task.ID, err)
		}
		task.LastRejection = &rej
	}
	return &task, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
