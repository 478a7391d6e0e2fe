package eventbus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/pipeline-works/contentflow/internal/models"
)

const source = "contentflow-engine"

// NewWorkflowEvent snapshots the externally interesting parts of an instance.
func NewWorkflowEvent(ctx context.Context, eventType EventType, inst *models.WorkflowInstance) *Event {
	data := map[string]any{
		"workflow_id":     inst.ID,
		"kind":            inst.Kind,
		"state":           string(inst.State),
		"current_step":    inst.CurrentStep,
		"steps_completed": append([]string(nil), inst.StepsCompleted...),
		"total_cost":      inst.TotalCost,
	}
	if inst.Options.TriggeredBy != "" {
		data["triggered_by"] = inst.Options.TriggeredBy
	}
	if inst.FailureReason != "" {
		data["failure_reason"] = inst.FailureReason
	}
	if inst.CompletedAt != nil {
		data["completed_at"] = inst.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	return withTrace(ctx, NewEvent(eventType, source, inst.ID, data))
}

// NewStepEvent reports the outcome of one step.
func NewStepEvent(ctx context.Context, inst *models.WorkflowInstance, step, status string, attempt int) *Event {
	data := map[string]any{
		"workflow_id": inst.ID,
		"step":        step,
		"status":      status,
		"attempt":     attempt,
		"progress":    progress(inst),
	}
	return withTrace(ctx, NewEvent(EventTypeWorkflowStep, source, inst.ID, data))
}

// NewApprovalEvent reports a request or a decision.
func NewApprovalEvent(ctx context.Context, eventType EventType, req *models.ApprovalRequest) *Event {
	data := map[string]any{
		"request_id":  req.ID,
		"workflow_id": req.WorkflowID,
		"step":        req.StepName,
		"decision":    string(req.Decision),
		"expires_at":  req.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	if req.DecidedBy != "" {
		data["decided_by"] = req.DecidedBy
	}
	if req.Reason != "" {
		data["reason"] = req.Reason
	}
	return withTrace(ctx, NewEvent(eventType, source, req.ID, data))
}

func progress(inst *models.WorkflowInstance) float64 {
	// Rank of published is the end of the pipeline.
	total := models.StatePublished.Rank()
	r := inst.State.Rank()
	if r < 0 || total <= 0 {
		return 0
	}
	return float64(r) / float64(total)
}

func withTrace(ctx context.Context, e *Event) *Event {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		e.WithTraceID(sc.TraceID().String())
	}
	return e
}
