// Package workflow drives workflow instances through the step registry: it
// executes steps with retries, gates results on approval, compensates failures
// and persists every state change before acting on it.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pipeline-works/contentflow/internal/agent"
	"github.com/pipeline-works/contentflow/internal/approval"
	"github.com/pipeline-works/contentflow/internal/compensation"
	"github.com/pipeline-works/contentflow/internal/config"
	"github.com/pipeline-works/contentflow/internal/eventbus"
	"github.com/pipeline-works/contentflow/internal/logging"
	"github.com/pipeline-works/contentflow/internal/models"
	"github.com/pipeline-works/contentflow/internal/registry"
	"github.com/pipeline-works/contentflow/internal/store"
	"github.com/pipeline-works/contentflow/internal/telemetry"
)

var (
	// ErrInvalidTransition is returned for a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrApprovalRejected ends a run whose result was rejected or expired.
	ErrApprovalRejected = errors.New("approval rejected")
	// ErrAlreadyRunning is returned when a driver for the instance is already active.
	ErrAlreadyRunning = errors.New("workflow already running")
	// ErrStepFailed is returned when a step exhausted its attempts.
	ErrStepFailed = errors.New("step failed")
	// ErrCancelled is returned by a run that was cancelled through CancelWorkflow.
	ErrCancelled = errors.New("workflow cancelled")
	// ErrInvalidOptions is returned when run options name an unknown policy.
	ErrInvalidOptions = errors.New("invalid run options")

	errShutdown = errors.New("engine shutting down")
)

// Failure reasons recorded on the instance.
const (
	ReasonCancelled        = "cancelled"
	ReasonApprovalRejected = "approval rejected"
	ReasonApprovalExpired  = "approval expired"
)

// Invoker runs an agent by name.
type Invoker interface {
	Invoke(ctx context.Context, name string, req *agent.Request) (*agent.Result, error)
}

// Deps are the collaborators of an Engine. Publisher and Telemetry are optional.
type Deps struct {
	Store        store.Store
	Registry     *registry.Registry
	Agents       Invoker
	Gate         *approval.Gate
	Policies     *approval.Policies
	Compensation *compensation.Handler
	Publisher    eventbus.Publisher
	Telemetry    *telemetry.Telemetry
	Logger       logging.Logger

	Config config.EngineConfig
	// ReviewLimit is applied to runs that do not set their own.
	ReviewLimit int
	Clock       func() time.Time
}

type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Engine owns the drivers of every workflow instance in this process.
type Engine struct {
	store        store.Store
	registry     *registry.Registry
	agents       Invoker
	gate         *approval.Gate
	policies     *approval.Policies
	compensation *compensation.Handler
	publisher    eventbus.Publisher
	telemetry    *telemetry.Telemetry
	metrics      *telemetry.PipelineMetrics
	logger       logging.Logger
	cfg          config.EngineConfig
	reviewLimit  int
	now          func() time.Time

	sem chan struct{}

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	ready      atomic.Bool
}

// NewEngine validates the dependencies and returns an idle engine.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("workflow engine requires a store")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("workflow engine requires a step registry")
	}
	if deps.Agents == nil {
		return nil, fmt.Errorf("workflow engine requires an agent invoker")
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("workflow engine requires an approval gate")
	}
	if deps.Policies == nil {
		deps.Policies = approval.NewPolicies(approval.PolicyAlways, nil)
	}
	if deps.Compensation == nil {
		deps.Compensation = compensation.NewHandler(deps.Logger, deps.Telemetry.Pipeline())
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Config.MaxConcurrent <= 0 {
		deps.Config.MaxConcurrent = 16
	}
	if deps.Config.ShutdownTimeout <= 0 {
		deps.Config.ShutdownTimeout = 30 * time.Second
	}
	if deps.Config.Kind == "" {
		deps.Config.Kind = "content"
	}

	baseCtx, baseCancel := context.WithCancelCause(context.Background())

	return &Engine{
		store:        deps.Store,
		registry:     deps.Registry,
		agents:       deps.Agents,
		gate:         deps.Gate,
		policies:     deps.Policies,
		compensation: deps.Compensation,
		publisher:    deps.Publisher,
		telemetry:    deps.Telemetry,
		metrics:      deps.Telemetry.Pipeline(),
		logger:       deps.Logger.Named("workflow"),
		cfg:          deps.Config,
		reviewLimit:  deps.ReviewLimit,
		now:          deps.Clock,
		sem:          make(chan struct{}, deps.Config.MaxConcurrent),
		running:      make(map[string]*run),
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
	}, nil
}

// Start marks the engine ready and, when configured, resumes every instance
// the store still holds in a non-terminal state.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info(ctx, "Starting workflow engine",
		zap.Int("max_concurrent", e.cfg.MaxConcurrent),
		zap.Strings("steps", e.registry.Names()))

	if e.cfg.ResumeOnStart {
		if err := e.resumeAll(ctx); err != nil {
			return fmt.Errorf("failed to resume workflows: %w", err)
		}
	}

	e.ready.Store(true)
	return nil
}

func (e *Engine) resumeAll(ctx context.Context) error {
	pending, err := e.store.List(ctx, store.InProgressFilter())
	if err != nil {
		return err
	}

	resumed := 0
	for _, inst := range pending {
		if err := e.launch(ctx, inst); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			return err
		}
		resumed++
	}

	e.logger.Info(ctx, "Resumed workflows", zap.Int("count", resumed))
	return nil
}

// Stop interrupts every driver and waits for them to persist and exit.
// Interrupted instances keep their state and resume on the next Start.
func (e *Engine) Stop(ctx context.Context) error {
	e.ready.Store(false)
	e.logger.Info(ctx, "Stopping workflow engine")

	e.baseCancel(errShutdown)
	e.mu.Lock()
	for _, r := range e.running {
		r.cancel(errShutdown)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timeout := time.NewTimer(e.cfg.ShutdownTimeout)
	defer timeout.Stop()

	select {
	case <-done:
		e.logger.Info(ctx, "Workflow engine stopped")
		return nil
	case <-timeout.C:
		e.logger.Warn(ctx, "Timeout waiting for workflow drivers, forcing shutdown")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the engine accepts work.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Active returns the number of drivers currently running.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// StartWorkflow persists a new instance and drives it in the background.
// Only creation errors are returned; execution outcomes live in the store.
func (e *Engine) StartWorkflow(ctx context.Context, kind string, opts models.RunOptions) (*models.WorkflowInstance, error) {
	inst, err := e.NewInstance(ctx, kind, opts)
	if err != nil {
		return nil, err
	}
	if err := e.launch(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// NewInstance validates the options and persists a pending instance without
// driving it.
func (e *Engine) NewInstance(ctx context.Context, kind string, opts models.RunOptions) (*models.WorkflowInstance, error) {
	if kind == "" {
		kind = e.cfg.Kind
	}
	if opts.ApprovalPolicy == "" {
		opts.ApprovalPolicy = e.policies.Default()
	}
	if opts.ReviewLimit == 0 {
		opts.ReviewLimit = e.reviewLimit
	}
	if _, err := e.policies.Resolve(opts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	inst := models.NewWorkflowInstance(uuid.New().String(), kind, opts, e.now())
	if err := e.store.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	e.logger.Info(ctx, "Created workflow",
		logging.WorkflowID(inst.ID),
		zap.String("kind", kind),
		zap.String("approval_policy", opts.ApprovalPolicy),
		zap.String("triggered_by", opts.TriggeredBy))
	e.publish(ctx, eventbus.NewWorkflowEvent(ctx, eventbus.EventTypeWorkflowStarted, inst))
	return inst, nil
}

// launch starts a background driver on a private copy of inst. The driver
// outlives the caller's context but keeps its trace.
func (e *Engine) launch(ctx context.Context, inst *models.WorkflowInstance) error {
	runCtx := trace.ContextWithSpanContext(e.baseCtx, trace.SpanContextFromContext(ctx))
	runCtx, r, err := e.claim(runCtx, inst.ID)
	if err != nil {
		return err
	}

	own := cloneInstance(inst)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(own.ID, r)

		if err := e.acquire(runCtx); err != nil {
			_ = e.abandoned(runCtx, own, err)
			return
		}
		defer func() { <-e.sem }()

		if err := e.drive(runCtx, own); err != nil {
			e.logger.Debug(runCtx, "Workflow run ended with error",
				logging.WorkflowID(own.ID),
				zap.Error(err))
		}
	}()
	return nil
}

// Run drives an instance to completion on the calling goroutine. It returns
// nil once the instance is published.
func (e *Engine) Run(ctx context.Context, inst *models.WorkflowInstance) error {
	runCtx, r, err := e.claim(ctx, inst.ID)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	defer e.wg.Done()
	defer e.release(inst.ID, r)

	if err := e.acquire(runCtx); err != nil {
		return e.abandoned(runCtx, inst, err)
	}
	defer func() { <-e.sem }()

	return e.drive(runCtx, inst)
}

func (e *Engine) claim(ctx context.Context, id string) (context.Context, *run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.running[id]; exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	e.running[id] = r
	return runCtx, r, nil
}

func (e *Engine) release(id string, r *run) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
	r.cancel(nil)
	close(r.done)
}

// abandoned handles a driver that never got a slot. Only cancellation changes
// the stored state.
func (e *Engine) abandoned(ctx context.Context, inst *models.WorkflowInstance, cause error) error {
	if !errors.Is(cause, ErrCancelled) {
		return cause
	}
	if err := e.markFailed(ctx, newMachine(inst), inst, ReasonCancelled); err != nil {
		return err
	}
	return fmt.Errorf("workflow %s: %w", inst.ID, ErrCancelled)
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// GetWorkflow returns the stored snapshot of an instance.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return e.store.Get(ctx, id)
}

// ListWorkflows returns stored instances, newest first.
func (e *Engine) ListWorkflows(ctx context.Context, filter *store.ListFilter) ([]*models.WorkflowInstance, error) {
	return e.store.List(ctx, filter)
}

// GetApproval returns an approval request.
func (e *Engine) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return e.gate.Get(ctx, id)
}

// Decide records a reviewer's decision; the waiting driver picks it up.
func (e *Engine) Decide(ctx context.Context, approvalID string, approved bool, by string) (*models.ApprovalRequest, error) {
	return e.gate.Decide(ctx, approvalID, approved, by)
}

// CancelWorkflow stops an instance and marks it failed with reason
// "cancelled". A driver in this process is interrupted and waited for; an
// instance without a driver is updated in the store directly.
func (e *Engine) CancelWorkflow(ctx context.Context, id string) error {
	e.mu.Lock()
	r, running := e.running[id]
	e.mu.Unlock()

	if running {
		r.cancel(ErrCancelled)
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	inst, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.State.IsTerminal() {
		return fmt.Errorf("%w: workflow %s is already %s", ErrInvalidTransition, id, inst.State)
	}
	if inst.State == models.StateAwaitingApproval {
		e.withdrawApproval(ctx, inst)
	}
	return e.markFailed(ctx, newMachine(inst), inst, ReasonCancelled)
}

func cloneInstance(inst *models.WorkflowInstance) *models.WorkflowInstance {
	data, err := json.Marshal(inst)
	if err != nil {
		return inst
	}
	var cp models.WorkflowInstance
	if err := json.Unmarshal(data, &cp); err != nil {
		return inst
	}
	cp.EnsureMaps()
	return &cp
}

func (e *Engine) publish(ctx context.Context, event *eventbus.Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Warn(ctx, "Failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.String("subject", event.Subject),
			zap.Error(err))
	}
}

// save stamps and persists a snapshot. It ignores cancellation of ctx so a
// driver that is being interrupted can still record where it stopped.
func (e *Engine) save(ctx context.Context, inst *models.WorkflowInstance) error {
	inst.UpdatedAt = e.now()
	if err := e.store.Save(context.WithoutCancel(ctx), inst); err != nil {
		e.logger.Error(ctx, "Failed to persist workflow",
			logging.WorkflowID(inst.ID),
			logging.State(string(inst.State)),
			zap.Error(err))
		return fmt.Errorf("failed to persist workflow %s: %w", inst.ID, err)
	}
	return nil
}
