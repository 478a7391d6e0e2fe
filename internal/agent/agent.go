// Package agent invokes the external collaborators that do the actual work of
// each pipeline step.
package agent

import (
	"context"
	"errors"
)

// ErrAgentNotFound is returned when a step names an agent nobody registered.
var ErrAgentNotFound = errors.New("agent not found")

// Agent executes one step of a workflow. Implementations must be safe for
// concurrent use; the engine may call the same agent from many runs at once.
// Delivery is at-least-once, so agents own their idempotency.
type Agent interface {
	Name() string
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Request is what an agent receives for one attempt.
type Request struct {
	WorkflowID string `json:"workflow_id"`
	Kind       string `json:"kind,omitempty"`
	Step       string `json:"step"`
	Attempt    int    `json:"attempt"`
	// Operation is empty for normal execution and "rollback" for compensation.
	Operation string `json:"operation,omitempty"`
	// Context holds the results of the steps completed so far, keyed by step.
	Context map[string]map[string]any `json:"context"`
}

// Result is the payload an agent hands back.
type Result struct {
	Data     map[string]any `json:"data"`
	Cost     float64        `json:"cost"`
	Provider string         `json:"provider,omitempty"`
}

// OperationRollback asks an agent to undo its side effects.
const OperationRollback = "rollback"

// Func adapts a plain function to the Agent interface.
type Func struct {
	AgentName string
	Fn        func(ctx context.Context, req *Request) (*Result, error)
}

// NewFunc returns a Func agent.
func NewFunc(name string, fn func(ctx context.Context, req *Request) (*Result, error)) *Func {
	return &Func{AgentName: name, Fn: fn}
}

func (f *Func) Name() string { return f.AgentName }

func (f *Func) Execute(ctx context.Context, req *Request) (*Result, error) {
	return f.Fn(ctx, req)
}

// ArticlesGenerated reads the articles_generated counter from a result payload.
// JSON decoding turns numbers into float64, so both forms are accepted.
func ArticlesGenerated(data map[string]any) int {
	switch v := data["articles_generated"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
