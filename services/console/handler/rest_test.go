package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-chart-flow/internal/capacity"
	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
	"github.com/ramiqadoumi/go-chart-flow/internal/memstore"
	"github.com/ramiqadoumi/go-chart-flow/internal/quality"
	redisstore "github.com/ramiqadoumi/go-chart-flow/internal/redis"
	"github.com/ramiqadoumi/go-chart-flow/internal/workflow"
	"github.com/ramiqadoumi/go-chart-flow/services/console/handler"
	"github.com/ramiqadoumi/go-chart-flow/services/console/middleware"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeLimiter struct {
	decision redisstore.Decision
	err      error
	keys     []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string) (redisstore.Decision, error) {
	f.keys = append(f.keys, key)
	return f.decision, f.err
}

func (f *fakeLimiter) Limit() int { return 3 }

type failingEvents struct{}

func (failingEvents) ListEvents(context.Context, string) ([]domain.TaskEvent, error) {
	return nil, errors.New("connection refused")
}

// ── harness ──────────────────────────────────────────────────────────────────

type testAPI struct {
	router http.Handler
	store  *memstore.Store
}

func newAPI(t *testing.T, opts ...handler.Option) *testAPI {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	ledger := capacity.NewMemoryLedger()
	_, err := ledger.Provision(ctx, capacity.TeamKey("east"), 2)
	require.NoError(t, err)
	_, err = ledger.Provision(ctx, capacity.TeamKey("west"), 5)
	require.NoError(t, err)

	svc := workflow.NewService(store, store, ledger,
		workflow.WithLogger(logger),
		workflow.WithEventPublisher(workflow.PublisherFunc(store.RecordEvent)),
	)
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		require.NoError(t, svc.CreateTask(ctx, domain.NewTask(id, "MRN-"+id, "SOC", domain.PriorityMedium, now)))
	}

	opts = append([]handler.Option{handler.WithEventLister(store)}, opts...)
	r := chi.NewRouter()
	r.Use(middleware.Actor)
	handler.NewREST(svc, logger, opts...).Register(r)
	return &testAPI{router: r, store: store}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(middleware.ActorHeader, "lead-1")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

type errBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireKind(t *testing.T, rec *httptest.ResponseRecorder, code int, kind domain.ErrorKind) {
	t.Helper()
	require.Equal(t, code, rec.Code, rec.Body.String())
	assert.Equal(t, string(kind), decodeAs[errBody](t, rec).Kind)
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestCreateAndGetTask(t *testing.T) {
	api := newAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"id": "t9", "mrn": "MRN-9", "name": "ROC"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/v1/tasks/t9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decodeAs[domain.Task](t, rec)
	assert.Equal(t, domain.StatusUnassigned, task.Status)
	assert.Equal(t, domain.PriorityMedium, task.Priority)

	rec = api.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"name": "generated id"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, decodeAs[domain.Task](t, rec).ID)
}

func TestGetTask_NotFound(t *testing.T) {
	api := newAPI(t)
	requireKind(t, api.do(t, http.MethodGet, "/api/v1/tasks/missing", nil), http.StatusNotFound, domain.KindNotFound)
}

func TestAssign_ChargesLedger(t *testing.T) {
	api := newAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/tasks/t1/assign", handler.AssignRequest{TeamID: "east"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	task := decodeAs[domain.Task](t, rec)
	assert.Equal(t, domain.StatusAssigned, task.Status)
	require.NotNil(t, task.Assignment)
	assert.Equal(t, "east", task.Assignment.TeamID)

	rec = api.do(t, http.MethodGet, "/api/v1/capacity/team/east", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	e := decodeAs[capacity.Entry](t, rec)
	assert.Equal(t, 1, e.Used)
	assert.Equal(t, 2, e.Total)
}

func TestAssign_CapacityExceeded(t *testing.T) {
	api := newAPI(t)
	for _, id := range []string{"t1", "t2"} {
		require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/assign", handler.AssignRequest{TeamID: "east"}).Code)
	}

	rec := api.do(t, http.MethodPost, "/api/v1/tasks/t3/assign", handler.AssignRequest{TeamID: "east"})
	requireKind(t, rec, http.StatusConflict, domain.KindCapacityExceeded)

	rec = api.do(t, http.MethodPost, "/api/v1/tasks/t3/assign", handler.AssignRequest{TeamID: "north"})
	requireKind(t, rec, http.StatusNotFound, domain.KindNotFound)
}

func TestHoldResolveQAComplete(t *testing.T) {
	api := newAPI(t)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/tasks/t1/assign", handler.AssignRequest{TeamID: "east"}).Code)

	rec := api.do(t, http.MethodPost, "/api/v1/tasks/t1/hold", domain.HoldReason{})
	requireKind(t, rec, http.StatusUnprocessableEntity, domain.KindMissingReason)

	rec = api.do(t, http.MethodPost, "/api/v1/tasks/t1/hold", domain.HoldReason{Reasons: []string{"Missing signature"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusOnHold, decodeAs[domain.Task](t, rec).Status)

	rec = api.do(t, http.MethodPost, "/api/v1/tasks/t1/resolve-hold", handler.ResolveHoldRequest{MarkValid: true, MarkInvalid: true, Comment: "x"})
	requireKind(t, rec, http.StatusUnprocessableEntity, domain.KindValidation)

	rec = api.do(t, http.MethodPost, "/api/v1/tasks/t1/resolve-hold", handler.ResolveHoldRequest{MarkValid: true, Comment: "signature found"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeAs[domain.Task](t, rec).ReadyToComplete)

	rec = api.do(t, http.MethodPost, "/api/v1/tasks/t1/complete", nil)
	requireKind(t, rec, http.StatusConflict, domain.KindInvalidTransition)

	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/tasks/t1/submit-qa", nil).Code)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/tasks/t1/reject", handler.CommentRequest{Comment: "recode"}).Code)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/tasks/t1/submit-qa", nil).Code)

	rec = api.do(t, http.MethodPost, "/api/v1/tasks/t1/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusCompleted, decodeAs[domain.Task](t, rec).Status)

	e := decodeAs[capacity.Entry](t, api.do(t, http.MethodGet, "/api/v1/capacity/team/east", nil))
	assert.Equal(t, 0, e.Used, "completion frees capacity")
}

func TestBulkAssign(t *testing.T) {
	api := newAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/tasks/bulk-assign", handler.BulkAssignRequest{
		TaskIDs: []string{"t1", "t2", "t3"},
		TeamIDs: []string{"east"},
	})
	requireKind(t, rec, http.StatusConflict, domain.KindInsufficientCapacity)

	rec = api.do(t, http.MethodPost, "/api/v1/tasks/bulk-assign", handler.BulkAssignRequest{
		TaskIDs: []string{"t1", "t2", "t3"},
		TeamIDs: []string{"east", "west"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/api/v1/tasks/bulk-unassign", handler.BulkUnassignRequest{TaskIDs: []string{"t1", "t2", "t3"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decodeAs[handler.BulkUnassignResponse](t, rec).Unassigned)
}

func TestSwap(t *testing.T) {
	api := newAPI(t)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/tasks/t1/assign", handler.AssignRequest{TeamID: "east"}).Code)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/tasks/t2/assign", handler.AssignRequest{TeamID: "west"}).Code)

	rec := api.do(t, http.MethodPost, "/api/v1/tasks/swap", handler.SwapRequest{TaskA: "t1", TaskB: "t2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tasks := decodeAs[[]domain.Task](t, rec)
	require.Len(t, tasks, 2)
	assert.Equal(t, "west", tasks[0].Assignment.TeamID)
	assert.Equal(t, "east", tasks[1].Assignment.TeamID)

	rec = api.do(t, http.MethodPost, "/api/v1/tasks/swap", handler.SwapRequest{TaskA: "t1", TaskB: "t3"})
	requireKind(t, rec, http.StatusConflict, domain.KindStatusMismatch)
}

func TestSwapBulk_SizeRules(t *testing.T) {
	api := newAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/tasks/swap-bulk", handler.SwapBulkRequest{
		Source: []string{"t1", "t2"}, Target: []string{"t3"},
	})
	requireKind(t, rec, http.StatusUnprocessableEntity, domain.KindCountMismatch)

	rec = api.do(t, http.MethodPost, "/api/v1/tasks/swap-bulk", handler.SwapBulkRequest{
		Source: []string{"t1", "t2"}, Target: []string{"t3", "t4"}, MaxSelection: 1,
	})
	requireKind(t, rec, http.StatusUnprocessableEntity, domain.KindSelectionOverflow)
}

func TestSwapBulk_NegativeMaxSelection(t *testing.T) {
	api := newAPI(t, handler.WithMaxSelection(1))

	rec := api.do(t, http.MethodPost, "/api/v1/tasks/swap-bulk", handler.SwapBulkRequest{
		Source: []string{"t1", "t2"}, Target: []string{"t3", "t4"}, MaxSelection: -1,
	})
	requireKind(t, rec, http.StatusUnprocessableEntity, domain.KindValidation)
}

func TestSwapBulk_RequestCannotRaiseServerLimit(t *testing.T) {
	api := newAPI(t, handler.WithMaxSelection(1))

	rec := api.do(t, http.MethodPost, "/api/v1/tasks/swap-bulk", handler.SwapBulkRequest{
		Source: []string{"t1", "t2"}, Target: []string{"t3", "t4"}, MaxSelection: 50,
	})
	requireKind(t, rec, http.StatusUnprocessableEntity, domain.KindSelectionOverflow)
}

func TestSwapBulk_DefaultMaxSelection(t *testing.T) {
	api := newAPI(t, handler.WithMaxSelection(1))

	rec := api.do(t, http.MethodPost, "/api/v1/tasks/swap-bulk", handler.SwapBulkRequest{
		Source: []string{"t1", "t2"}, Target: []string{"t3", "t4"},
	})
	requireKind(t, rec, http.StatusUnprocessableEntity, domain.KindSelectionOverflow)
}

func TestSessions(t *testing.T) {
	api := newAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/tasks/t1/check-in", handler.WorkerRequest{WorkerID: "coder-1"})
	requireKind(t, rec, http.StatusConflict, domain.KindStatusMismatch)

	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/tasks/t1/assign", handler.AssignRequest{TeamID: "east"}).Code)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/tasks/t1/check-in", handler.WorkerRequest{WorkerID: "coder-1"}).Code)

	rec = api.do(t, http.MethodPost, "/api/v1/tasks/t1/check-in", handler.WorkerRequest{WorkerID: "coder-1"})
	requireKind(t, rec, http.StatusConflict, domain.KindAlreadyCheckedIn)

	rec = api.do(t, http.MethodGet, "/api/v1/tasks/t1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeAs[[]map[string]any](t, rec), 1)

	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/tasks/t1/check-out", handler.WorkerRequest{WorkerID: "coder-1"}).Code)
	rec = api.do(t, http.MethodPost, "/api/v1/tasks/t1/check-out", handler.WorkerRequest{WorkerID: "coder-1"})
	requireKind(t, rec, http.StatusConflict, domain.KindNoOpenSession)

	rec = api.do(t, http.MethodGet, "/api/v1/tasks/t1/sessions", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestQualityEndpoints(t *testing.T) {
	api := newAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/tasks/t1/findings", map[string]any{
		"section": "coding", "category": "Primary diagnosis", "point_value": 4, "count": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	score := decodeAs[quality.Score](t, rec)
	assert.Equal(t, 92.0, score.Sections[quality.SectionCoding].Percentage)

	rec = api.do(t, http.MethodPost, "/api/v1/tasks/t1/findings", map[string]any{"section": "BILLING", "point_value": 1, "count": 1})
	requireKind(t, rec, http.StatusUnprocessableEntity, domain.KindValidation)

	rec = api.do(t, http.MethodPut, "/api/v1/tasks/t1/external-score", handler.ExternalScoreRequest{Score: 101})
	requireKind(t, rec, http.StatusUnprocessableEntity, domain.KindOutOfRange)

	require.Equal(t, http.StatusOK, api.do(t, http.MethodPut, "/api/v1/tasks/t1/external-score", handler.ExternalScoreRequest{Score: 87}).Code)

	rec = api.do(t, http.MethodGet, "/api/v1/tasks/t1/score", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	score = decodeAs[quality.Score](t, rec)
	require.NotNil(t, score.ExternalScore)
	assert.Equal(t, 87, *score.ExternalScore)
}

func TestProvisionCapacity(t *testing.T) {
	api := newAPI(t)

	rec := api.do(t, http.MethodPut, "/api/v1/capacity/team/north", handler.ProvisionRequest{Total: 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decodeAs[capacity.Entry](t, rec).Total)

	rec = api.do(t, http.MethodPut, "/api/v1/capacity/squad/north", handler.ProvisionRequest{Total: 3})
	requireKind(t, rec, http.StatusUnprocessableEntity, domain.KindValidation)

	rec = api.do(t, http.MethodGet, "/api/v1/capacity/member/coder-9", nil)
	requireKind(t, rec, http.StatusNotFound, domain.KindNotFound)
}

func TestEvents_RecordActor(t *testing.T) {
	api := newAPI(t)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/tasks/t1/assign", handler.AssignRequest{TeamID: "east"}).Code)

	rec := api.do(t, http.MethodGet, "/api/v1/tasks/t1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decodeAs[[]domain.TaskEvent](t, rec)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventAssigned, evs[0].Type)
	assert.Equal(t, "lead-1", evs[0].Actor)

	requireKind(t, api.do(t, http.MethodGet, "/api/v1/tasks/missing/events", nil), http.StatusNotFound, domain.KindNotFound)
}

func TestInternalErrorsAreMasked(t *testing.T) {
	api := newAPI(t, handler.WithEventLister(failingEvents{}))

	rec := api.do(t, http.MethodGet, "/api/v1/tasks/t1/events", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeAs[errBody](t, rec)
	assert.Equal(t, "internal error", body.Error)
	assert.Empty(t, body.Kind)
}

func TestBadRequestBodies(t *testing.T) {
	api := newAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/t1/assign", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/tasks/t1/assign", map[string]string{"team": "east"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestBulkRateLimit(t *testing.T) {
	limiter := &fakeLimiter{decision: redisstore.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}}
	api := newAPI(t, handler.WithBulkRateLimiter(limiter))

	rec := api.do(t, http.MethodPost, "/api/v1/tasks/bulk-unassign", handler.BulkUnassignRequest{TaskIDs: []string{"t1"}})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, []string{"bulk:lead-1"}, limiter.keys)

	// Single-task routes are not throttled.
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/tasks/t1/assign", handler.AssignRequest{TeamID: "east"}).Code)
	assert.Len(t, limiter.keys, 1)
}

func TestBulkRateLimit_FailsOpen(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis down")}
	api := newAPI(t, handler.WithBulkRateLimiter(limiter))

	rec := api.do(t, http.MethodPost, "/api/v1/tasks/bulk-assign", handler.BulkAssignRequest{
		TaskIDs: []string{"t1"}, TeamIDs: []string{"west"},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
