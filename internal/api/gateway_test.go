package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pipeline-works/contentflow/internal/logging"
	"github.com/pipeline-works/contentflow/internal/models"
	"github.com/pipeline-works/contentflow/internal/scheduler"
	"github.com/pipeline-works/contentflow/internal/store"
	"github.com/pipeline-works/contentflow/internal/workflow"
)

// MockEngine implements Engine for testing
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) StartWorkflow(ctx context.Context, kind string, opts models.RunOptions) (*models.WorkflowInstance, error) {
	args := m.Called(ctx, kind, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WorkflowInstance), args.Error(1)
}

func (m *MockEngine) GetWorkflow(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WorkflowInstance), args.Error(1)
}

func (m *MockEngine) ListWorkflows(ctx context.Context, filter *store.ListFilter) ([]*models.WorkflowInstance, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.WorkflowInstance), args.Error(1)
}

func (m *MockEngine) Metrics(ctx context.Context, id string) (*workflow.WorkflowMetrics, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*workflow.WorkflowMetrics), args.Error(1)
}

func (m *MockEngine) CancelWorkflow(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockEngine) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ApprovalRequest), args.Error(1)
}

func (m *MockEngine) Decide(ctx context.Context, approvalID string, approved bool, by string) (*models.ApprovalRequest, error) {
	args := m.Called(ctx, approvalID, approved, by)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ApprovalRequest), args.Error(1)
}

func (m *MockEngine) Ready() bool {
	return m.Called().Bool(0)
}

type fixedSchedules []scheduler.Entry

func (f fixedSchedules) Entries() []scheduler.Entry { return f }

func newTestGateway(t *testing.T, engine Engine, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewFromZap(zaptest.NewLogger(t))), WithRateLimit(0, 0)}, opts...)
	return NewGateway(engine, opts...)
}

func do(t *testing.T, g *Gateway, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthAndReady(t *testing.T) {
	engine := &MockEngine{}
	engine.On("Ready").Return(false).Once()
	engine.On("Ready").Return(true).Once()
	g := newTestGateway(t, engine)

	rec := do(t, g, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, g, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var errResp ErrorResponse
	decode(t, rec, &errResp)
	assert.Equal(t, "SERVICE_UNAVAILABLE", errResp.Code)

	rec = do(t, g, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	engine.AssertExpectations(t)
}

func TestStartWorkflow(t *testing.T) {
	engine := &MockEngine{}
	inst := models.NewWorkflowInstance("wf-1", "content", models.RunOptions{}, time.Now())
	engine.On("StartWorkflow", mock.Anything, "", models.RunOptions{TriggeredBy: "api"}).Return(inst, nil).Once()
	engine.On("StartWorkflow", mock.Anything, "digest", models.RunOptions{ApprovalPolicy: "review_first_n", ReviewLimit: 3, TriggeredBy: "api"}).Return(inst, nil).Once()
	g := newTestGateway(t, engine)

	rec := do(t, g, http.MethodPost, "/workflow/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StartResponse
	decode(t, rec, &resp)
	assert.Equal(t, StartResponse{WorkflowID: "wf-1", Status: "started"}, resp)

	body, _ := json.Marshal(StartRequest{Kind: "digest", ReviewLimit: 3, ApprovalPolicy: "review_first_n"})
	rec = do(t, g, http.MethodPost, "/workflow/start", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	engine.AssertExpectations(t)
}

func TestStartWorkflowErrors(t *testing.T) {
	engine := &MockEngine{}
	engine.On("StartWorkflow", mock.Anything, "bad", mock.Anything).
		Return(nil, fmt.Errorf("%w: unknown approval policy", workflow.ErrInvalidOptions)).Once()
	engine.On("StartWorkflow", mock.Anything, "content", mock.Anything).
		Return(nil, errors.New("redis: connection refused")).Once()
	g := newTestGateway(t, engine)

	rec := do(t, g, http.MethodPost, "/workflow/start", []byte(`{"kind":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, g, http.MethodPost, "/workflow/start", []byte(`{"review_limit":-1}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, g, http.MethodPost, "/workflow/start", []byte(`{"kind":"bad"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, g, http.MethodPost, "/workflow/start", []byte(`{"kind":"content"}`))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var errResp ErrorResponse
	decode(t, rec, &errResp)
	assert.Equal(t, "START_FAILED", errResp.Code)
	engine.AssertExpectations(t)
}

func TestGetWorkflow(t *testing.T) {
	engine := &MockEngine{}
	inst := models.NewWorkflowInstance("wf-1", "content", models.RunOptions{}, time.Now())
	inst.State = models.StateFactChecking
	inst.CurrentStep = "fact_check"
	inst.StepsCompleted = []string{"monitor", "analyze", "generate"}
	inst.AccumulatedResults["generate"] = map[string]any{"articles_generated": float64(4)}
	engine.On("GetWorkflow", mock.Anything, "wf-1").Return(inst, nil)
	engine.On("GetWorkflow", mock.Anything, "missing").Return(nil, fmt.Errorf("%w: workflow missing", store.ErrNotFound))
	g := newTestGateway(t, engine)

	rec := do(t, g, http.MethodGet, "/workflow/wf-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status WorkflowStatus
	decode(t, rec, &status)
	assert.Equal(t, "wf-1", status.WorkflowID)
	assert.Equal(t, "fact_checking", status.State)
	assert.Equal(t, "fact_check", status.CurrentStep)
	assert.Equal(t, []string{"monitor", "analyze", "generate"}, status.StepsCompleted)
	assert.Equal(t, 4, status.ArticlesGeneratedCount)

	rec = do(t, g, http.MethodGet, "/workflow/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errResp ErrorResponse
	decode(t, rec, &errResp)
	assert.Equal(t, "NOT_FOUND", errResp.Code)
	assert.Equal(t, "missing", errResp.Details["id"])
}

func TestWorkflowMetrics(t *testing.T) {
	engine := &MockEngine{}
	engine.On("Metrics", mock.Anything, "wf-1").Return(&workflow.WorkflowMetrics{
		WorkflowID:    "wf-1",
		TotalDuration: 12.5,
		StepDurations: map[string]float64{"monitor": 1.5},
		APICosts:      map[string]float64{"anthropic": 0.2},
		RetryAttempts: map[string]int{"monitor": 1},
	}, nil)
	engine.On("Metrics", mock.Anything, "missing").Return(nil, store.ErrNotFound)
	g := newTestGateway(t, engine)

	rec := do(t, g, http.MethodGet, "/workflow/wf-1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, 12.5, body["total_duration"])
	assert.Equal(t, map[string]any{"anthropic": 0.2}, body["api_costs"])
	assert.Equal(t, map[string]any{"monitor": float64(1)}, body["retry_attempts"])

	rec = do(t, g, http.MethodGet, "/workflow/missing/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListWorkflows(t *testing.T) {
	engine := &MockEngine{}
	inst := models.NewWorkflowInstance("wf-1", "content", models.RunOptions{}, time.Now())
	inst.State = models.StateFailed
	engine.On("ListWorkflows", mock.Anything, &store.ListFilter{
		States: []models.WorkflowState{models.StateFailed, models.StatePublished},
		Limit:  10,
	}).Return([]*models.WorkflowInstance{inst}, nil)
	g := newTestGateway(t, engine)

	rec := do(t, g, http.MethodGet, "/workflows?state=failed&state=published&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Workflows []WorkflowStatus `json:"workflows"`
		Count     int              `json:"count"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "failed", body.Workflows[0].State)

	assert.Equal(t, http.StatusBadRequest, do(t, g, http.MethodGet, "/workflows?state=sleeping", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, g, http.MethodGet, "/workflows?limit=-3", nil).Code)
	engine.AssertExpectations(t)
}

func TestCancelWorkflow(t *testing.T) {
	engine := &MockEngine{}
	engine.On("CancelWorkflow", mock.Anything, "wf-1").Return(nil)
	engine.On("CancelWorkflow", mock.Anything, "wf-2").Return(fmt.Errorf("%w: workflow wf-2 is already published", workflow.ErrInvalidTransition))
	engine.On("CancelWorkflow", mock.Anything, "wf-3").Return(store.ErrNotFound)
	g := newTestGateway(t, engine)

	assert.Equal(t, http.StatusOK, do(t, g, http.MethodPost, "/workflow/wf-1/cancel", nil).Code)
	assert.Equal(t, http.StatusConflict, do(t, g, http.MethodPost, "/workflow/wf-2/cancel", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, g, http.MethodPost, "/workflow/wf-3/cancel", nil).Code)
}

func TestDecide(t *testing.T) {
	engine := &MockEngine{}
	approved := &models.ApprovalRequest{ID: "ap-1", WorkflowID: "wf-1", Decision: models.DecisionApproved}
	expired := &models.ApprovalRequest{ID: "ap-2", WorkflowID: "wf-1", Decision: models.DecisionRejected, Reason: "expired"}
	engine.On("Decide", mock.Anything, "ap-1", true, "alice").Return(approved, nil)
	engine.On("Decide", mock.Anything, "ap-2", true, "api").Return(expired, nil)
	engine.On("Decide", mock.Anything, "ap-3", false, "api").Return(approved, fmt.Errorf("%w: approval ap-3", store.ErrAlreadyResolved))
	engine.On("Decide", mock.Anything, "missing", true, "api").Return(nil, fmt.Errorf("%w: approval missing", store.ErrNotFound))
	g := newTestGateway(t, engine)

	req := httptest.NewRequest(http.MethodPost, "/approval/ap-1?approved=true", nil)
	req.Header.Set("X-Reviewer", "alice")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp DecisionResponse
	decode(t, rec, &resp)
	assert.Equal(t, DecisionResponse{RequestID: "ap-1", Status: "approved"}, resp)

	rec = do(t, g, http.MethodPost, "/approval/ap-2?approved=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, "rejected", resp.Status)

	rec = do(t, g, http.MethodPost, "/approval/ap-3?approved=false", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusNotFound, do(t, g, http.MethodPost, "/approval/missing?approved=true", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, g, http.MethodPost, "/approval/ap-1?approved=maybe", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, g, http.MethodPost, "/approval/ap-1", nil).Code)
	engine.AssertExpectations(t)
}

func TestGetApproval(t *testing.T) {
	engine := &MockEngine{}
	engine.On("GetApproval", mock.Anything, "ap-1").Return(&models.ApprovalRequest{ID: "ap-1", StepName: "generate", Decision: models.DecisionPending}, nil)
	engine.On("GetApproval", mock.Anything, "gone").Return(nil, store.ErrNotFound)
	g := newTestGateway(t, engine)

	rec := do(t, g, http.MethodGet, "/approval/ap-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var req models.ApprovalRequest
	decode(t, rec, &req)
	assert.Equal(t, "generate", req.StepName)
	assert.Equal(t, models.DecisionPending, req.Decision)

	assert.Equal(t, http.StatusNotFound, do(t, g, http.MethodGet, "/approval/gone", nil).Code)
}

func TestListSchedules(t *testing.T) {
	g := newTestGateway(t, &MockEngine{}, WithSchedules(fixedSchedules{{ID: 1, Name: "hourly", Spec: "@hourly", Kind: "content"}}))

	rec := do(t, g, http.MethodGet, "/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Schedules []scheduler.Entry `json:"schedules"`
		Count     int               `json:"count"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "hourly", body.Schedules[0].Name)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	g := newTestGateway(t, &MockEngine{})

	rec := do(t, g, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, g, http.MethodDelete, "/workflow/wf-1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Body.String(), "METHOD_NOT_ALLOWED")

	rec = do(t, g, http.MethodPut, "/approval/ap-1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	g := newTestGateway(t, &MockEngine{})

	rec := do(t, g, http.MethodOptions, "/workflow/start", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitPerClient(t *testing.T) {
	engine := &MockEngine{}
	engine.On("GetWorkflow", mock.Anything, "wf-1").Return(models.NewWorkflowInstance("wf-1", "content", models.RunOptions{}, time.Now()), nil)
	g := newTestGateway(t, engine, WithRateLimit(0.001, 2))

	get := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/workflow/wf-1", nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("10.0.0.1"))
	assert.Equal(t, http.StatusOK, get("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, get("10.0.0.1"))
	assert.Equal(t, http.StatusOK, get("10.0.0.2"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5123"
	assert.Equal(t, "192.0.2.7", clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}
