package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pipeline-works/contentflow/internal/telemetry"
)

// Registry maps agent names to implementations.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]Agent
	telemetry *telemetry.Telemetry
	logger    *zap.Logger
}

// NewRegistry creates an empty registry. Telemetry may be nil.
func NewRegistry(tel *telemetry.Telemetry, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents:    make(map[string]Agent),
		telemetry: tel,
		logger:    logger.Named("agents"),
	}
}

// Register adds an agent. Names are unique.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.Name() == "" {
		return fmt.Errorf("agent must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.Name()]; exists {
		return fmt.Errorf("agent %s already registered", a.Name())
	}
	r.agents[a.Name()] = a
	r.logger.Debug("Registered agent", zap.String("agent", a.Name()))
	return nil
}

// Get looks up an agent by name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named agent inside a span and counts the outcome.
func (r *Registry) Invoke(ctx context.Context, name string, req *Request) (*Result, error) {
	a, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}

	ctx, span := r.telemetry.StartSpan(ctx, "agent.invoke",
		trace.WithAttributes(
			attribute.String("agent", name),
			attribute.String("workflow_id", req.WorkflowID),
			attribute.String("step", req.Step),
			attribute.Int("attempt", req.Attempt),
		))
	defer span.End()

	start := time.Now()
	res, err := a.Execute(ctx, req)

	status := "success"
	if err == nil && res == nil {
		err = fmt.Errorf("agent %s returned no result", name)
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	attrs := []attribute.KeyValue{attribute.String("agent", name), attribute.String("status", status)}
	_ = r.telemetry.IncrementCounter(ctx, "contentflow_agent_invocations_total", attrs...)
	_ = r.telemetry.RecordDuration(ctx, "contentflow_agent_invocation", start, attrs...)

	if err != nil {
		return nil, err
	}
	if res.Data == nil {
		res.Data = make(map[string]any)
	}
	return res, nil
}
