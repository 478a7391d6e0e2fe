// Package compensation undoes the side effects of a workflow whose step ran
// out of retries.
package compensation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pipeline-works/contentflow/internal/agent"
	"github.com/pipeline-works/contentflow/internal/logging"
	"github.com/pipeline-works/contentflow/internal/models"
	"github.com/pipeline-works/contentflow/internal/telemetry"
)

// ErrUnknownAction is returned for an action name nobody registered.
var ErrUnknownAction = errors.New("unknown compensation action")

// Action undoes work for one workflow instance.
type Action interface {
	Compensate(ctx context.Context, inst *models.WorkflowInstance) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, inst *models.WorkflowInstance) error

func (f ActionFunc) Compensate(ctx context.Context, inst *models.WorkflowInstance) error {
	return f(ctx, inst)
}

// Handler runs named compensation actions. It never retries and never
// triggers further compensation; failures are returned for the caller to record.
type Handler struct {
	mu      sync.RWMutex
	actions map[string]Action
	logger  logging.Logger
	metrics *telemetry.PipelineMetrics
}

func NewHandler(logger logging.Logger, metrics *telemetry.PipelineMetrics) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		actions: make(map[string]Action),
		logger:  logger.Named("compensation"),
		metrics: metrics,
	}
}

// Register adds or replaces an action.
func (h *Handler) Register(name string, action Action) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions[name] = action
}

// Actions returns the registered action names.
func (h *Handler) Actions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.actions))
	for name := range h.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compensate runs the named action once.
func (h *Handler) Compensate(ctx context.Context, name string, inst *models.WorkflowInstance) error {
	h.mu.RLock()
	action, ok := h.actions[name]
	h.mu.RUnlock()
	if !ok {
		h.metrics.Compensated(name, "unknown")
		return fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}

	start := time.Now()
	if err := action.Compensate(ctx, inst); err != nil {
		h.logger.Error(ctx, "Compensation failed",
			logging.WorkflowID(inst.ID),
			zap.String("action", name),
			zap.Error(err))
		h.metrics.Compensated(name, "error")
		return fmt.Errorf("compensation %s: %w", name, err)
	}

	h.logger.Info(ctx, "Compensation completed",
		logging.WorkflowID(inst.ID),
		zap.String("action", name),
		zap.Duration("duration", time.Since(start)))
	h.metrics.Compensated(name, "success")
	return nil
}

// Invoker is the part of the agent registry compensation needs.
type Invoker interface {
	Invoke(ctx context.Context, name string, req *agent.Request) (*agent.Result, error)
}

// AgentAction compensates by asking an agent to roll back, passing along
// everything the workflow produced.
type AgentAction struct {
	Invoker Invoker
	Agent   string
	Step    string
}

func (a *AgentAction) Compensate(ctx context.Context, inst *models.WorkflowInstance) error {
	_, err := a.Invoker.Invoke(ctx, a.Agent, &agent.Request{
		WorkflowID: inst.ID,
		Kind:       inst.Kind,
		Step:       a.Step,
		Attempt:    1,
		Operation:  agent.OperationRollback,
		Context:    inst.AccumulatedResults,
	})
	return err
}

// RegisterDefaults wires the actions the default pipeline declares.
func RegisterDefaults(h *Handler, invoker Invoker) {
	h.Register("delete_draft", &AgentAction{Invoker: invoker, Agent: agent.NamePublisher, Step: "publish"})
}
