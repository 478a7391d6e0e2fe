package agent

import (
	"context"
	"time"
)

// EchoAgent succeeds immediately and reflects the request back. It stands in
// for real agents in local runs.
type EchoAgent struct {
	name string
	now  func() time.Time
}

func NewEchoAgent(name string) *EchoAgent {
	return &EchoAgent{name: name, now: time.Now}
}

func (e *EchoAgent) Name() string { return e.name }

func (e *EchoAgent) Execute(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data := map[string]any{
		"agent":       e.name,
		"step":        req.Step,
		"attempt":     req.Attempt,
		"executed_at": e.now().UTC().Format(time.RFC3339Nano),
	}
	switch {
	case req.Operation == OperationRollback:
		data["rolled_back"] = true
	case req.Step == "generate":
		data["articles_generated"] = 1
	}

	return &Result{Data: data, Provider: "echo"}, nil
}
