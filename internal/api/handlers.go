package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pipeline-works/contentflow/internal/agent"
	"github.com/pipeline-works/contentflow/internal/logging"
	"github.com/pipeline-works/contentflow/internal/models"
	"github.com/pipeline-works/contentflow/internal/scheduler"
	"github.com/pipeline-works/contentflow/internal/store"
	"github.com/pipeline-works/contentflow/internal/workflow"
)

const maxListLimit = 500

// StartRequest is the optional body of POST /workflow/start.
type StartRequest struct {
	Kind           string `json:"kind,omitempty"`
	ReviewLimit    int    `json:"review_limit,omitempty"`
	ApprovalPolicy string `json:"approval_policy,omitempty"`
}

// StartResponse acknowledges a started workflow.
type StartResponse struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// WorkflowStatus is the public view of an instance.
type WorkflowStatus struct {
	WorkflowID             string    `json:"workflow_id"`
	Kind                   string    `json:"kind"`
	State                  string    `json:"state"`
	CurrentStep            string    `json:"current_step"`
	StepsCompleted         []string  `json:"steps_completed"`
	ArticlesGeneratedCount int       `json:"articles_generated_count"`
	TotalCost              float64   `json:"total_cost"`
	ApprovalRequests       []string  `json:"approval_requests"`
	FailureReason          string    `json:"failure_reason,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// DecisionResponse echoes the recorded outcome of an approval request.
type DecisionResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

func newWorkflowStatus(inst *models.WorkflowInstance) WorkflowStatus {
	steps := inst.StepsCompleted
	if steps == nil {
		steps = []string{}
	}
	approvals := inst.ApprovalRequests
	if approvals == nil {
		approvals = []string{}
	}
	return WorkflowStatus{
		WorkflowID:             inst.ID,
		Kind:                   inst.Kind,
		State:                  string(inst.State),
		CurrentStep:            inst.CurrentStep,
		StepsCompleted:         steps,
		ArticlesGeneratedCount: agent.ArticlesGenerated(inst.AccumulatedResults["generate"]),
		TotalCost:              inst.TotalCost,
		ApprovalRequests:       approvals,
		FailureReason:          inst.FailureReason,
		CreatedAt:              inst.CreatedAt,
		UpdatedAt:              inst.UpdatedAt,
	}
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "contentflow",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) ready(w http.ResponseWriter, r *http.Request) {
	if !g.engine.Ready() {
		g.writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Engine not ready", nil)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"service":   "contentflow",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// startWorkflow handles POST /workflow/start. The body is optional.
func (g *Gateway) startWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body", map[string]any{"error": err.Error()})
		return
	}
	if req.ReviewLimit < 0 {
		g.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "review_limit must not be negative", nil)
		return
	}

	inst, err := g.engine.StartWorkflow(r.Context(), req.Kind, models.RunOptions{
		ApprovalPolicy: req.ApprovalPolicy,
		ReviewLimit:    req.ReviewLimit,
		TriggeredBy:    "api",
	})
	if err != nil {
		if errors.Is(err, workflow.ErrInvalidOptions) {
			g.writeError(w, http.StatusBadRequest, "INVALID_OPTIONS", err.Error(), nil)
			return
		}
		g.logger.Error(r.Context(), "Failed to start workflow", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "START_FAILED", "Failed to start workflow", map[string]any{"error": err.Error()})
		return
	}

	g.writeJSON(w, http.StatusOK, StartResponse{WorkflowID: inst.ID, Status: "started"})
}

// getWorkflow handles GET /workflow/{id}.
func (g *Gateway) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inst, err := g.engine.GetWorkflow(r.Context(), id)
	if err != nil {
		g.writeLookupError(w, r, "Workflow", id, err)
		return
	}
	g.writeJSON(w, http.StatusOK, newWorkflowStatus(inst))
}

// workflowMetrics handles GET /workflow/{id}/metrics.
func (g *Gateway) workflowMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := g.engine.Metrics(r.Context(), id)
	if err != nil {
		g.writeLookupError(w, r, "Workflow", id, err)
		return
	}
	g.writeJSON(w, http.StatusOK, m)
}

// listWorkflows handles GET /workflows?state=&kind=&limit=&offset=.
func (g *Gateway) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &store.ListFilter{Kind: q.Get("kind"), Limit: 50}

	for _, v := range q["state"] {
		s, err := models.ParseState(v)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "INVALID_STATE", err.Error(), nil)
			return
		}
		filter.States = append(filter.States, s)
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.writeError(w, http.StatusBadRequest, "INVALID_PARAMETER", name+" must be a non-negative integer", nil)
			return
		}
		*dst = n
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	items, err := g.engine.ListWorkflows(r.Context(), filter)
	if err != nil {
		g.logger.Error(r.Context(), "Failed to list workflows", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "LIST_FAILED", "Failed to list workflows", nil)
		return
	}

	out := make([]WorkflowStatus, len(items))
	for i, inst := range items {
		out[i] = newWorkflowStatus(inst)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"workflows": out,
		"count":     len(out),
	})
}

// cancelWorkflow handles POST /workflow/{id}/cancel.
func (g *Gateway) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := g.engine.CancelWorkflow(r.Context(), id); err != nil {
		if errors.Is(err, workflow.ErrInvalidTransition) {
			g.writeError(w, http.StatusConflict, "ALREADY_FINISHED", err.Error(), nil)
			return
		}
		g.writeLookupError(w, r, "Workflow", id, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"workflow_id": id, "status": "cancelled"})
}

// getApproval handles GET /approval/{id}.
func (g *Gateway) getApproval(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, err := g.engine.GetApproval(r.Context(), id)
	if err != nil {
		g.writeLookupError(w, r, "Approval request", id, err)
		return
	}
	g.writeJSON(w, http.StatusOK, req)
}

// decide handles POST /approval/{id}?approved=bool. The reviewer is taken
// from the X-Reviewer header.
func (g *Gateway) decide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	raw := r.URL.Query().Get("approved")
	if raw == "" {
		g.writeError(w, http.StatusBadRequest, "INVALID_PARAMETER", "approved is required", nil)
		return
	}
	approved, err := strconv.ParseBool(raw)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "INVALID_PARAMETER", "approved must be a boolean", map[string]any{"approved": raw})
		return
	}

	by := r.Header.Get("X-Reviewer")
	if by == "" {
		by = "api"
	}

	req, err := g.engine.Decide(r.Context(), id, approved, by)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyResolved) && req != nil {
			g.writeError(w, http.StatusConflict, "ALREADY_RESOLVED", "Approval request already resolved", map[string]any{
				"request_id": id,
				"status":     string(req.Decision),
			})
			return
		}
		g.writeLookupError(w, r, "Approval request", id, err)
		return
	}

	g.logger.Info(r.Context(), "Approval decided",
		logging.ApprovalID(id),
		logging.WorkflowID(req.WorkflowID),
		zap.String("decision", string(req.Decision)),
		zap.String("by", by))
	g.writeJSON(w, http.StatusOK, DecisionResponse{RequestID: id, Status: string(req.Decision)})
}

// listSchedules handles GET /schedules.
func (g *Gateway) listSchedules(w http.ResponseWriter, r *http.Request) {
	entries := []scheduler.Entry{}
	if g.schedules != nil {
		entries = g.schedules.Entries()
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"schedules": entries,
		"count":     len(entries),
	})
}

// writeLookupError maps store.ErrNotFound to 404 and anything else to 500.
func (g *Gateway) writeLookupError(w http.ResponseWriter, r *http.Request, what, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		g.writeError(w, http.StatusNotFound, "NOT_FOUND", what+" not found", map[string]any{"id": id})
		return
	}
	g.logger.Error(r.Context(), "Request failed", zap.String("id", id), zap.Error(err))
	g.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
}
