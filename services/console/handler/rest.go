package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-chart-flow/internal/assignment"
	"github.com/ramiqadoumi/go-chart-flow/internal/capacity"
	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
	"github.com/ramiqadoumi/go-chart-flow/internal/lifecycle"
	"github.com/ramiqadoumi/go-chart-flow/internal/quality"
	redisstore "github.com/ramiqadoumi/go-chart-flow/internal/redis"
	"github.com/ramiqadoumi/go-chart-flow/internal/session"
	"github.com/ramiqadoumi/go-chart-flow/internal/workflow"
	"github.com/ramiqadoumi/go-chart-flow/pkg/telemetry"
)

// Workflow is the task service behind the REST API.
type Workflow interface {
	Task(ctx context.Context, id string) (*domain.Task, error)
	CreateTask(ctx context.Context, task *domain.Task) error
	Sessions(taskID string) []session.Session
	Capacity(ctx context.Context, key capacity.Key) (capacity.Entry, error)
	ProvisionCapacity(ctx context.Context, key capacity.Key, total int) (capacity.Entry, error)

	Assign(ctx context.Context, taskID, teamID, memberID string) (*domain.Task, error)
	Unassign(ctx context.Context, taskID string) (*domain.Task, error)
	BulkAssign(ctx context.Context, taskIDs, teamIDs []string) (assignment.BulkResult, error)
	BulkUnassign(ctx context.Context, taskIDs []string) (int, error)

	Hold(ctx context.Context, taskID string, reason domain.HoldReason) (*domain.Task, error)
	ResolveHold(ctx context.Context, taskID string, res lifecycle.Resolution) (*domain.Task, error)
	SubmitForQA(ctx context.Context, taskID string) (*domain.Task, error)
	Complete(ctx context.Context, taskID string) (*domain.Task, error)
	Reject(ctx context.Context, taskID, comment string) (*domain.Task, error)

	Swap(ctx context.Context, taskA, taskB string) ([]*domain.Task, error)
	SwapBulk(ctx context.Context, source, target []string, maxSelection int) ([]*domain.Task, error)

	CheckIn(ctx context.Context, taskID, workerID string) (session.Session, error)
	CheckOut(ctx context.Context, taskID, workerID string) (session.Session, error)

	AddFinding(ctx context.Context, taskID string, f quality.Finding) (quality.Score, error)
	SetExternalScore(ctx context.Context, taskID string, v int) (quality.Score, error)
	Score(ctx context.Context, taskID string) (quality.Score, error)
}

// EventLister reads a task's audit trail.
type EventLister interface {
	ListEvents(ctx context.Context, taskID string) ([]domain.TaskEvent, error)
}

// REST handles HTTP requests for the console API.
type REST struct {
	svc          Workflow
	events       EventLister
	limiter      redisstore.RateLimiter
	maxSelection int
	logger       *slog.Logger
}

// Option configures a REST handler.
type Option func(*REST)

// WithEventLister enables GET /tasks/{id}/events.
func WithEventLister(l EventLister) Option { return func(h *REST) { h.events = l } }

// WithBulkRateLimiter throttles the bulk endpoints per actor.
func WithBulkRateLimiter(l redisstore.RateLimiter) Option { return func(h *REST) { h.limiter = l } }

// WithMaxSelection caps bulk swap selections. Requests may ask for a lower
// limit but not a higher one.
func WithMaxSelection(n int) Option { return func(h *REST) { h.maxSelection = n } }

// NewREST creates a new REST handler.
func NewREST(svc Workflow, logger *slog.Logger, opts ...Option) *REST {
	h := &REST{svc: svc, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the API under /api/v1 on r.
func (h *REST) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/assign", h.Assign)
		r.Post("/tasks/{id}/unassign", h.Unassign)
		r.Post("/tasks/{id}/hold", h.Hold)
		r.Post("/tasks/{id}/resolve-hold", h.ResolveHold)
		r.Post("/tasks/{id}/submit-qa", h.SubmitForQA)
		r.Post("/tasks/{id}/complete", h.Complete)
		r.Post("/tasks/{id}/reject", h.Reject)
		r.Post("/tasks/{id}/check-in", h.CheckIn)
		r.Post("/tasks/{id}/check-out", h.CheckOut)
		r.Get("/tasks/{id}/sessions", h.Sessions)
		r.Post("/tasks/{id}/findings", h.AddFinding)
		r.Put("/tasks/{id}/external-score", h.SetExternalScore)
		r.Get("/tasks/{id}/score", h.Score)
		if h.events != nil {
			r.Get("/tasks/{id}/events", h.Events)
		}

		r.Group(func(r chi.Router) {
			r.Use(h.throttleBulk)
			r.Post("/tasks/bulk-assign", h.BulkAssign)
			r.Post("/tasks/bulk-unassign", h.BulkUnassign)
			r.Post("/tasks/swap-bulk", h.SwapBulk)
		})
		r.Post("/tasks/swap", h.Swap)

		r.Get("/capacity/{scope}/{id}", h.GetCapacity)
		r.Put("/capacity/{scope}/{id}", h.ProvisionCapacity)
	})
}

// ─── Request bodies ─────────────────────────────────────────────────────────

// CreateTaskRequest is the JSON body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	ID       string          `json:"id"`
	MRN      string          `json:"mrn"`
	Name     string          `json:"name"`
	Priority domain.Priority `json:"priority"`
}

// AssignRequest is the body for POST /tasks/{id}/assign.
type AssignRequest struct {
	TeamID   string `json:"team_id"`
	MemberID string `json:"member_id,omitempty"`
}

// BulkAssignRequest is the body for POST /tasks/bulk-assign.
type BulkAssignRequest struct {
	TaskIDs []string `json:"task_ids"`
	TeamIDs []string `json:"team_ids"`
}

// BulkUnassignRequest is the body for POST /tasks/bulk-unassign.
type BulkUnassignRequest struct {
	TaskIDs []string `json:"task_ids"`
}

// BulkUnassignResponse reports how many tasks were released.
type BulkUnassignResponse struct {
	Unassigned int `json:"unassigned"`
}

// ResolveHoldRequest is the body for POST /tasks/{id}/resolve-hold.
type ResolveHoldRequest struct {
	MarkValid   bool   `json:"mark_valid"`
	MarkInvalid bool   `json:"mark_invalid"`
	Comment     string `json:"comment"`
}

// CommentRequest carries an optional comment.
type CommentRequest struct {
	Comment string `json:"comment"`
}

// SwapRequest is the body for POST /tasks/swap.
type SwapRequest struct {
	TaskA string `json:"task_a"`
	TaskB string `json:"task_b"`
}

// SwapBulkRequest is the body for POST /tasks/swap-bulk.
type SwapBulkRequest struct {
	Source       []string `json:"source"`
	Target       []string `json:"target"`
	MaxSelection int      `json:"max_selection"`
}

// WorkerRequest names the worker for check-in and check-out.
type WorkerRequest struct {
	WorkerID string `json:"worker_id"`
}

// ExternalScoreRequest is the body for PUT /tasks/{id}/external-score.
type ExternalScoreRequest struct {
	Score int `json:"score"`
}

// ProvisionRequest is the body for PUT /capacity/{scope}/{id}.
type ProvisionRequest struct {
	Total int `json:"total"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

// CreateTask handles POST /api/v1/tasks.
func (h *REST) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "create_task")
	defer span.End()

	var req CreateTaskRequest
	if !decode(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.New().String()
	}
	span.SetAttributes(attribute.String("task.id", id))

	task := domain.NewTask(id, req.MRN, req.Name, req.Priority, time.Now().UTC())
	if err := h.svc.CreateTask(ctx, task); err != nil {
		h.fail(w, r, span, err)
		return
	}
	h.logger.InfoContext(ctx, "task created", slog.String("task_id", id))
	writeJSON(w, http.StatusCreated, task)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "get_task")
	defer span.End()

	task, err := h.svc.Task(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Assign handles POST /api/v1/tasks/{id}/assign.
func (h *REST) Assign(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "assign")
	defer span.End()

	var req AssignRequest
	if !decode(w, r, &req) {
		return
	}
	span.SetAttributes(attribute.String("team.id", req.TeamID))
	task, err := h.svc.Assign(ctx, chi.URLParam(r, "id"), req.TeamID, req.MemberID)
	h.respond(w, r, span, task, err)
}

// Unassign handles POST /api/v1/tasks/{id}/unassign.
func (h *REST) Unassign(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "unassign")
	defer span.End()

	task, err := h.svc.Unassign(ctx, chi.URLParam(r, "id"))
	h.respond(w, r, span, task, err)
}

// BulkAssign handles POST /api/v1/tasks/bulk-assign.
func (h *REST) BulkAssign(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "bulk_assign")
	defer span.End()

	var req BulkAssignRequest
	if !decode(w, r, &req) {
		return
	}
	span.SetAttributes(attribute.Int("bulk.tasks", len(req.TaskIDs)), attribute.Int("bulk.teams", len(req.TeamIDs)))
	res, err := h.svc.BulkAssign(ctx, req.TaskIDs, req.TeamIDs)
	h.respond(w, r, span, res, err)
}

// BulkUnassign handles POST /api/v1/tasks/bulk-unassign.
func (h *REST) BulkUnassign(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "bulk_unassign")
	defer span.End()

	var req BulkUnassignRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := h.svc.BulkUnassign(ctx, req.TaskIDs)
	h.respond(w, r, span, BulkUnassignResponse{Unassigned: n}, err)
}

// Hold handles POST /api/v1/tasks/{id}/hold.
func (h *REST) Hold(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "hold")
	defer span.End()

	var req domain.HoldReason
	if !decode(w, r, &req) {
		return
	}
	task, err := h.svc.Hold(ctx, chi.URLParam(r, "id"), req)
	h.respond(w, r, span, task, err)
}

// ResolveHold handles POST /api/v1/tasks/{id}/resolve-hold.
func (h *REST) ResolveHold(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "resolve_hold")
	defer span.End()

	var req ResolveHoldRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.svc.ResolveHold(ctx, chi.URLParam(r, "id"), lifecycle.Resolution{
		MarkValid:   req.MarkValid,
		MarkInvalid: req.MarkInvalid,
		Comment:     req.Comment,
	})
	h.respond(w, r, span, task, err)
}

// SubmitForQA handles POST /api/v1/tasks/{id}/submit-qa.
func (h *REST) SubmitForQA(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "submit_qa")
	defer span.End()

	task, err := h.svc.SubmitForQA(ctx, chi.URLParam(r, "id"))
	h.respond(w, r, span, task, err)
}

// Complete handles POST /api/v1/tasks/{id}/complete.
func (h *REST) Complete(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "complete")
	defer span.End()

	task, err := h.svc.Complete(ctx, chi.URLParam(r, "id"))
	h.respond(w, r, span, task, err)
}

// Reject handles POST /api/v1/tasks/{id}/reject. The body is optional.
func (h *REST) Reject(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "reject")
	defer span.End()

	var req CommentRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	task, err := h.svc.Reject(ctx, chi.URLParam(r, "id"), req.Comment)
	h.respond(w, r, span, task, err)
}

// Swap handles POST /api/v1/tasks/swap.
func (h *REST) Swap(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "swap")
	defer span.End()

	var req SwapRequest
	if !decode(w, r, &req) {
		return
	}
	tasks, err := h.svc.Swap(ctx, req.TaskA, req.TaskB)
	h.respond(w, r, span, tasks, err)
}

// SwapBulk handles POST /api/v1/tasks/swap-bulk.
func (h *REST) SwapBulk(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "swap_bulk")
	defer span.End()

	var req SwapBulkRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MaxSelection < 0 {
		h.fail(w, r, span, &domain.ValidationError{Field: "max_selection", Reason: "must not be negative"})
		return
	}
	// A request may tighten the server limit but never lift it.
	limit := req.MaxSelection
	if h.maxSelection > 0 && (limit == 0 || limit > h.maxSelection) {
		limit = h.maxSelection
	}
	tasks, err := h.svc.SwapBulk(ctx, req.Source, req.Target, limit)
	h.respond(w, r, span, tasks, err)
}

// ─── Sessions ───────────────────────────────────────────────────────────────

// CheckIn handles POST /api/v1/tasks/{id}/check-in.
func (h *REST) CheckIn(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "check_in")
	defer span.End()

	var req WorkerRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.svc.CheckIn(ctx, chi.URLParam(r, "id"), req.WorkerID)
	h.respond(w, r, span, s, err)
}

// CheckOut handles POST /api/v1/tasks/{id}/check-out.
func (h *REST) CheckOut(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "check_out")
	defer span.End()

	var req WorkerRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.svc.CheckOut(ctx, chi.URLParam(r, "id"), req.WorkerID)
	h.respond(w, r, span, s, err)
}

// Sessions handles GET /api/v1/tasks/{id}/sessions.
func (h *REST) Sessions(w http.ResponseWriter, r *http.Request) {
	open := h.svc.Sessions(chi.URLParam(r, "id"))
	if open == nil {
		open = []session.Session{}
	}
	writeJSON(w, http.StatusOK, open)
}

// ─── Quality ────────────────────────────────────────────────────────────────

// AddFinding handles POST /api/v1/tasks/{id}/findings.
func (h *REST) AddFinding(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "add_finding")
	defer span.End()

	var f quality.Finding
	if !decode(w, r, &f) {
		return
	}
	if section, err := quality.ParseSection(string(f.Section)); err == nil {
		f.Section = section
	}
	score, err := h.svc.AddFinding(ctx, chi.URLParam(r, "id"), f)
	h.respond(w, r, span, score, err)
}

// SetExternalScore handles PUT /api/v1/tasks/{id}/external-score.
func (h *REST) SetExternalScore(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "set_external_score")
	defer span.End()

	var req ExternalScoreRequest
	if !decode(w, r, &req) {
		return
	}
	score, err := h.svc.SetExternalScore(ctx, chi.URLParam(r, "id"), req.Score)
	h.respond(w, r, span, score, err)
}

// Score handles GET /api/v1/tasks/{id}/score.
func (h *REST) Score(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "score")
	defer span.End()

	score, err := h.svc.Score(ctx, chi.URLParam(r, "id"))
	h.respond(w, r, span, score, err)
}

// Events handles GET /api/v1/tasks/{id}/events.
func (h *REST) Events(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "events")
	defer span.End()

	id := chi.URLParam(r, "id")
	if _, err := h.svc.Task(ctx, id); err != nil {
		h.fail(w, r, span, err)
		return
	}
	evs, err := h.events.ListEvents(ctx, id)
	if evs == nil {
		evs = []domain.TaskEvent{}
	}
	h.respond(w, r, span, evs, err)
}

// ─── Capacity ───────────────────────────────────────────────────────────────

// GetCapacity handles GET /api/v1/capacity/{scope}/{id}.
func (h *REST) GetCapacity(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "get_capacity")
	defer span.End()

	key, err := capacityKey(r)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	e, err := h.svc.Capacity(ctx, key)
	h.respond(w, r, span, e, err)
}

// ProvisionCapacity handles PUT /api/v1/capacity/{scope}/{id}.
func (h *REST) ProvisionCapacity(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "provision_capacity")
	defer span.End()

	key, err := capacityKey(r)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	var req ProvisionRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := h.svc.ProvisionCapacity(ctx, key, req.Total)
	h.respond(w, r, span, e, err)
}

func capacityKey(r *http.Request) (capacity.Key, error) {
	key := capacity.Key{
		Scope: capacity.Scope(strings.ToLower(chi.URLParam(r, "scope"))),
		ID:    chi.URLParam(r, "id"),
	}
	return key, capacity.ValidateKey(key)
}

// ─── Plumbing ───────────────────────────────────────────────────────────────

func (h *REST) start(r *http.Request, op string) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "console."+op)
	if id := chi.URLParam(r, "id"); id != "" {
		span.SetAttributes(attribute.String("http.path_id", id))
	}
	return ctx, span
}

// throttleBulk applies the per-actor rate limit. Limiter failures let the
// request through.
func (h *REST) throttleBulk(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := workflow.ActorFrom(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}
		d, err := h.limiter.Allow(r.Context(), "bulk:"+key)
		if err != nil {
			h.logger.WarnContext(r.Context(), "rate limiter unavailable", slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.limiter.Limit()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			secs := int((d.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "bulk operation rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *REST) respond(w http.ResponseWriter, r *http.Request, span trace.Span, body any, err error) {
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *REST) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	kind := domain.KindOf(err)
	code := statusFor(kind)
	span.RecordError(err)
	if code >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, err.Error())
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeJSON(w, code, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Kind: string(kind)})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindCapacityExceeded, domain.KindInsufficientCapacity,
		domain.KindInvalidTransition, domain.KindStatusMismatch,
		domain.KindNotAssigned, domain.KindSameAssignee,
		domain.KindAlreadyCheckedIn, domain.KindNoOpenSession:
		return http.StatusConflict
	case domain.KindValidation, domain.KindMissingReason,
		domain.KindCountMismatch, domain.KindSelectionOverflow,
		domain.KindOutOfRange:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "invalid request body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg + ": " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
