package models

import "fmt"

// WorkflowState is the closed set of states a workflow instance moves through.
type WorkflowState string

const (
	StatePending          WorkflowState = "pending"
	StateMonitoring       WorkflowState = "monitoring"
	StateAnalyzing        WorkflowState = "analyzing"
	StateGenerating       WorkflowState = "generating"
	StateFactChecking     WorkflowState = "fact_checking"
	StateAwaitingApproval WorkflowState = "awaiting_approval"
	StatePublishing       WorkflowState = "publishing"
	StatePublished        WorkflowState = "published"
	StateFailed           WorkflowState = "failed"
	StateCompensating     WorkflowState = "compensating"
)

// AllStates lists every state in pipeline order.
var AllStates = []WorkflowState{
	StatePending,
	StateMonitoring,
	StateAnalyzing,
	StateGenerating,
	StateFactChecking,
	StateAwaitingApproval,
	StatePublishing,
	StatePublished,
	StateFailed,
	StateCompensating,
}

// StepStates are the states a step may map to while it executes.
var StepStates = []WorkflowState{
	StateMonitoring,
	StateAnalyzing,
	StateGenerating,
	StateFactChecking,
	StatePublishing,
}

// stepStateTable maps the canonical pipeline step names to their states.
var stepStateTable = map[string]WorkflowState{
	"monitor":    StateMonitoring,
	"analyze":    StateAnalyzing,
	"generate":   StateGenerating,
	"fact_check": StateFactChecking,
	"publish":    StatePublishing,
}

// StateForStep looks up the state for a canonical step name.
func StateForStep(name string) (WorkflowState, bool) {
	s, ok := stepStateTable[name]
	return s, ok
}

// Rank orders states along the pipeline. Failed and Compensating are off the main
// line and rank -1.
func (s WorkflowState) Rank() int {
	switch s {
	case StatePending:
		return 0
	case StateMonitoring:
		return 1
	case StateAnalyzing:
		return 2
	case StateGenerating:
		return 3
	case StateFactChecking:
		return 4
	case StateAwaitingApproval:
		return 5
	case StatePublishing:
		return 6
	case StatePublished:
		return 7
	case StateFailed, StateCompensating:
		return -1
	default:
		return -1
	}
}

// Valid reports whether s is one of the declared states.
func (s WorkflowState) Valid() bool {
	switch s {
	case StatePending, StateMonitoring, StateAnalyzing, StateGenerating, StateFactChecking,
		StateAwaitingApproval, StatePublishing, StatePublished, StateFailed, StateCompensating:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition can leave s.
func (s WorkflowState) IsTerminal() bool {
	switch s {
	case StatePublished, StateFailed:
		return true
	case StatePending, StateMonitoring, StateAnalyzing, StateGenerating, StateFactChecking,
		StateAwaitingApproval, StatePublishing, StateCompensating:
		return false
	default:
		return false
	}
}

// IsStepState reports whether s may be entered by executing a step.
func (s WorkflowState) IsStepState() bool {
	switch s {
	case StateMonitoring, StateAnalyzing, StateGenerating, StateFactChecking, StatePublishing:
		return true
	case StatePending, StateAwaitingApproval, StatePublished, StateFailed, StateCompensating:
		return false
	default:
		return false
	}
}

// IsInProgress reports whether a workflow in s still has a live driver or can be resumed.
func (s WorkflowState) IsInProgress() bool {
	return s.Valid() && !s.IsTerminal()
}

// ParseState converts a string into a WorkflowState.
func ParseState(v string) (WorkflowState, error) {
	s := WorkflowState(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown workflow state %q", v)
	}
	return s, nil
}

func (s WorkflowState) String() string {
	return string(s)
}
