package models

import (
	"math"
	"time"
)

// WorkflowInstance is one run of the step sequence with its own persisted state.
// Only the execution engine mutates it; stores persist full snapshots.
type WorkflowInstance struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	State          WorkflowState `json:"state"`
	CurrentStep    string        `json:"current_step,omitempty"`
	StepsCompleted []string      `json:"steps_completed"`

	RetryCount         map[string]int            `json:"retry_count"`
	ErrorLog           []ErrorEntry              `json:"error_log"`
	ApprovalRequests   []string                  `json:"approval_requests"`
	AccumulatedResults map[string]map[string]any `json:"accumulated_results"`
	StepTimings        map[string]*StepTiming    `json:"step_timings"`

	TotalCost  float64           `json:"total_cost"`
	CostLedger []CostLedgerEntry `json:"cost_ledger"`

	Compensated   bool       `json:"compensated"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Options       RunOptions `json:"options"`
}

// NewWorkflowInstance returns a pending instance with all collections initialized.
func NewWorkflowInstance(id, kind string, opts RunOptions, now time.Time) *WorkflowInstance {
	return &WorkflowInstance{
		ID:                 id,
		Kind:               kind,
		CreatedAt:          now,
		UpdatedAt:          now,
		State:              StatePending,
		StepsCompleted:     []string{},
		RetryCount:         make(map[string]int),
		ErrorLog:           []ErrorEntry{},
		ApprovalRequests:   []string{},
		AccumulatedResults: make(map[string]map[string]any),
		StepTimings:        make(map[string]*StepTiming),
		CostLedger:         []CostLedgerEntry{},
		Options:            opts,
	}
}

// EnsureMaps fills collections that may come back nil from a decoder.
func (w *WorkflowInstance) EnsureMaps() {
	if w.StepsCompleted == nil {
		w.StepsCompleted = []string{}
	}
	if w.RetryCount == nil {
		w.RetryCount = make(map[string]int)
	}
	if w.ErrorLog == nil {
		w.ErrorLog = []ErrorEntry{}
	}
	if w.ApprovalRequests == nil {
		w.ApprovalRequests = []string{}
	}
	if w.AccumulatedResults == nil {
		w.AccumulatedResults = make(map[string]map[string]any)
	}
	if w.StepTimings == nil {
		w.StepTimings = make(map[string]*StepTiming)
	}
	if w.CostLedger == nil {
		w.CostLedger = []CostLedgerEntry{}
	}
}

// HasCompleted reports whether the named step is in StepsCompleted.
func (w *WorkflowInstance) HasCompleted(step string) bool {
	for _, name := range w.StepsCompleted {
		if name == step {
			return true
		}
	}
	return false
}

// LastApproval returns the most recent approval request id, if any.
func (w *WorkflowInstance) LastApproval() (string, bool) {
	if len(w.ApprovalRequests) == 0 {
		return "", false
	}
	return w.ApprovalRequests[len(w.ApprovalRequests)-1], true
}

// ErrorsFor returns the error log entries recorded for one step.
func (w *WorkflowInstance) ErrorsFor(step string) []ErrorEntry {
	var entries []ErrorEntry
	for _, e := range w.ErrorLog {
		if e.Step == step {
			entries = append(entries, e)
		}
	}
	return entries
}

// AddCost appends a ledger entry and folds it into TotalCost.
// Negative and non-finite amounts are ignored so TotalCost never decreases.
func (w *WorkflowInstance) AddCost(entry CostLedgerEntry) {
	if entry.Amount <= 0 || math.IsNaN(entry.Amount) || math.IsInf(entry.Amount, 0) {
		return
	}
	w.CostLedger = append(w.CostLedger, entry)
	w.TotalCost += entry.Amount
}

// ErrorEntry is one failed step attempt.
type ErrorEntry struct {
	Step      string    `json:"step"`
	Error     string    `json:"error"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// CostLedgerEntry records a cost reported by a step.
type CostLedgerEntry struct {
	Step      string    `json:"step"`
	Provider  string    `json:"provider"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// StepTiming tracks wall-clock bounds of a step, including retries.
type StepTiming struct {
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Duration returns the elapsed time of the step, measured up to now when unfinished.
func (s *StepTiming) Duration(now time.Time) time.Duration {
	if s.FinishedAt != nil {
		return s.FinishedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// RunOptions travel with a single run. The review counter lives here rather than in
// process-wide state so concurrent runs never share it.
type RunOptions struct {
	ApprovalPolicy string `json:"approval_policy,omitempty"`
	ReviewLimit    int    `json:"review_limit,omitempty"`
	ApprovedSoFar  int    `json:"approved_so_far"`
	TriggeredBy    string `json:"triggered_by,omitempty"`
}

// StepDefinition describes one step of the pipeline. Definitions never change at runtime.
type StepDefinition struct {
	Name               string        `json:"name" yaml:"name"`
	Agent              string        `json:"agent" yaml:"agent"`
	MaxRetries         int           `json:"max_retries" yaml:"max_retries"`
	RetryDelayBase     time.Duration `json:"retry_delay_base" yaml:"retry_delay_base"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	RequiresApproval   bool          `json:"requires_approval" yaml:"requires_approval"`
	CompensationAction string        `json:"compensation_action,omitempty" yaml:"compensation_action"`
	State              WorkflowState `json:"state,omitempty" yaml:"state"`
}

// ApprovalRequest is a pending review of a step result.
type ApprovalRequest struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	StepName   string         `json:"step_name"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Decision   Decision       `json:"decision"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
	DecidedBy  string         `json:"decided_by,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Expired reports whether the review window closed before now.
func (a *ApprovalRequest) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Decision is the outcome of an approval request.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Resolved reports whether a decision has been recorded.
func (d Decision) Resolved() bool {
	return d == DecisionApproved || d == DecisionRejected
}
