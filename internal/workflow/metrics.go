package workflow

import (
	"context"
	"time"

	"github.com/pipeline-works/contentflow/internal/models"
)

// WorkflowMetrics summarises the cost and timing of one instance.
// Durations are in seconds.
type WorkflowMetrics struct {
	WorkflowID    string             `json:"workflow_id"`
	State         string             `json:"state"`
	TotalDuration float64            `json:"total_duration"`
	StepDurations map[string]float64 `json:"step_durations"`
	APICosts      map[string]float64 `json:"api_costs"`
	TotalCost     float64            `json:"total_cost"`
	RetryAttempts map[string]int     `json:"retry_attempts"`
}

// Metrics computes the metrics of a stored instance. Unfinished steps and runs
// are measured up to now.
func (e *Engine) Metrics(ctx context.Context, id string) (*WorkflowMetrics, error) {
	inst, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ComputeMetrics(inst, e.now()), nil
}

// ComputeMetrics derives WorkflowMetrics from a snapshot.
func ComputeMetrics(inst *models.WorkflowInstance, now time.Time) *WorkflowMetrics {
	end := now
	if inst.CompletedAt != nil {
		end = *inst.CompletedAt
	}

	m := &WorkflowMetrics{
		WorkflowID:    inst.ID,
		State:         string(inst.State),
		TotalDuration: end.Sub(inst.CreatedAt).Seconds(),
		StepDurations: make(map[string]float64, len(inst.StepTimings)),
		APICosts:      make(map[string]float64),
		TotalCost:     inst.TotalCost,
		RetryAttempts: make(map[string]int, len(inst.RetryCount)),
	}
	for step, timing := range inst.StepTimings {
		if timing == nil {
			continue
		}
		m.StepDurations[step] = timing.Duration(now).Seconds()
	}
	for _, entry := range inst.CostLedger {
		m.APICosts[entry.Provider] += entry.Amount
	}
	for step, n := range inst.RetryCount {
		m.RetryAttempts[step] = n
	}
	return m
}
