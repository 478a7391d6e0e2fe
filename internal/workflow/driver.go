package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pipeline-works/contentflow/internal/agent"
	"github.com/pipeline-works/contentflow/internal/approval"
	"github.com/pipeline-works/contentflow/internal/eventbus"
	"github.com/pipeline-works/contentflow/internal/logging"
	"github.com/pipeline-works/contentflow/internal/models"
	"github.com/pipeline-works/contentflow/internal/store"
)

// drive executes the remaining steps of inst. A fresh instance starts at the
// first step; a resumed one re-runs the step it was in, or re-awaits the
// approval it was waiting on.
func (e *Engine) drive(ctx context.Context, inst *models.WorkflowInstance) (err error) {
	inst.EnsureMaps()

	ctx, span := e.telemetry.StartSpan(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow_id", inst.ID),
			attribute.String("kind", inst.Kind),
			attribute.String("state", string(inst.State)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !inst.State.Valid() || inst.State.IsTerminal() {
		return fmt.Errorf("%w: workflow %s is %s", ErrInvalidTransition, inst.ID, inst.State)
	}

	e.metrics.WorkflowStarted(inst.Kind)
	defer func() { e.metrics.WorkflowFinished(inst.Kind, string(inst.State)) }()

	sm := newMachine(inst)

	if !e.registry.IsPrefix(inst.StepsCompleted) {
		reason := "completed steps do not match the pipeline definition"
		if err := e.markFailed(ctx, sm, inst, reason); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrInvalidTransition, reason)
	}

	if inst.State == models.StateCompensating {
		step, _ := e.registry.Get(inst.CurrentStep)
		if err := e.compensate(ctx, sm, inst, step); err != nil {
			return err
		}
		if err := e.markFailed(ctx, sm, inst, inst.FailureReason); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrStepFailed, inst.CurrentStep)
	}

	if len(inst.StepsCompleted) > 0 || inst.State != models.StatePending {
		e.logger.Info(ctx, "Resuming workflow",
			logging.WorkflowID(inst.ID),
			logging.State(string(inst.State)),
			logging.Step(inst.CurrentStep),
			zap.Int("steps_completed", len(inst.StepsCompleted)))
	}

	steps := e.registry.Steps()
	for i := len(inst.StepsCompleted); i < len(steps); i++ {
		step := steps[i]
		awaiting := inst.State == models.StateAwaitingApproval && inst.CurrentStep == step.Name
		if err := e.runStep(ctx, sm, inst, step, awaiting); err != nil {
			return err
		}
	}

	return e.complete(ctx, sm, inst)
}

func (e *Engine) runStep(ctx context.Context, sm *stateless.StateMachine, inst *models.WorkflowInstance, step models.StepDefinition, awaiting bool) error {
	ctx, span := e.telemetry.StartSpan(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("workflow_id", inst.ID),
			attribute.String("step", step.Name),
			attribute.String("agent", step.Agent),
		))
	defer span.End()

	var result map[string]any
	if awaiting {
		result = inst.AccumulatedResults[step.Name]
	} else {
		data, err := e.executeStep(ctx, sm, inst, step)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		result = data
	}

	if step.RequiresApproval {
		if err := e.approve(ctx, sm, inst, step, result, awaiting); err != nil {
			return err
		}
	}

	inst.StepsCompleted = append(inst.StepsCompleted, step.Name)
	if err := e.save(ctx, inst); err != nil {
		return err
	}
	e.publish(ctx, eventbus.NewStepEvent(ctx, inst, step.Name, "completed", inst.RetryCount[step.Name]+1))
	return nil
}

// executeStep runs the step's agent with retries and folds the result into
// the instance. The instance is persisted in the step's state before the
// first attempt.
func (e *Engine) executeStep(ctx context.Context, sm *stateless.StateMachine, inst *models.WorkflowInstance, step models.StepDefinition) (map[string]any, error) {
	inst.CurrentStep = step.Name
	if err := transition(ctx, sm, inst, step.State); err != nil {
		return nil, err
	}
	if t, ok := inst.StepTimings[step.Name]; !ok || t.FinishedAt != nil {
		inst.StepTimings[step.Name] = &models.StepTiming{StartedAt: e.now()}
	}
	if err := e.save(ctx, inst); err != nil {
		return nil, err
	}

	attempt := inst.RetryCount[step.Name]
	e.publish(ctx, eventbus.NewStepEvent(ctx, inst, step.Name, "started", attempt+1))

	start := time.Now()
	var result *agent.Result
	err := retry.Do(ctx, newBackoff(step.RetryDelayBase, step.MaxRetries), func(ctx context.Context) error {
		attempt++
		res, err := e.attempt(ctx, inst, step, attempt)
		if err == nil {
			result = res
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		e.recordFailure(ctx, inst, step, attempt, err)
		if errors.Is(err, agent.ErrAgentNotFound) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.interrupted(ctx, sm, inst, err)
		}
		e.metrics.StepFinished(step.Name, "failed", time.Since(start))
		return nil, e.fail(ctx, sm, inst, step, err)
	}

	now := e.now()
	provider := result.Provider
	if provider == "" {
		provider = step.Agent
	}
	inst.AccumulatedResults[step.Name] = result.Data
	inst.AddCost(models.CostLedgerEntry{
		Step:      step.Name,
		Provider:  provider,
		Amount:    result.Cost,
		Timestamp: now,
	})
	inst.StepTimings[step.Name].FinishedAt = &now

	e.metrics.CostAdded(provider, result.Cost)
	e.metrics.StepFinished(step.Name, "success", time.Since(start))
	e.logger.Info(ctx, "Step completed",
		logging.WorkflowID(inst.ID),
		logging.Step(step.Name),
		logging.Attempt(attempt),
		zap.Float64("cost", result.Cost))
	return result.Data, nil
}

// attempt makes one bounded call to the step's agent.
func (e *Engine) attempt(ctx context.Context, inst *models.WorkflowInstance, step models.StepDefinition, n int) (*agent.Result, error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if step.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	results := make(map[string]map[string]any, len(inst.AccumulatedResults))
	for k, v := range inst.AccumulatedResults {
		results[k] = v
	}

	req := &agent.Request{
		WorkflowID: inst.ID,
		Kind:       inst.Kind,
		Step:       step.Name,
		Attempt:    n,
		Context:    results,
	}

	// The agent may ignore its context; the step timeout holds regardless.
	type outcome struct {
		res *agent.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.agents.Invoke(actx, step.Agent, req)
		done <- outcome{res, err}
	}()

	var res *agent.Result
	var err error
	select {
	case o := <-done:
		res, err = o.res, o.err
	case <-actx.Done():
		err = actx.Err()
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("step %s timed out after %s: %w", step.Name, step.Timeout, err)
		}
		return nil, err
	}
	if err := checkResult(res); err != nil {
		return nil, fmt.Errorf("step %s: %w", step.Name, err)
	}
	return res, nil
}

// checkResult rejects results the instance could not record: a cost that is
// not a finite number, or data that does not encode as JSON.
func checkResult(res *agent.Result) error {
	if res == nil {
		return errors.New("agent returned no result")
	}
	if math.IsNaN(res.Cost) || math.IsInf(res.Cost, 0) {
		return fmt.Errorf("agent reported invalid cost %v", res.Cost)
	}
	if _, err := json.Marshal(res.Data); err != nil {
		return fmt.Errorf("agent result is not serializable: %w", err)
	}
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, inst *models.WorkflowInstance, step models.StepDefinition, attempt int, err error) {
	inst.ErrorLog = append(inst.ErrorLog, models.ErrorEntry{
		Step:      step.Name,
		Error:     err.Error(),
		Attempt:   attempt,
		Timestamp: e.now(),
	})
	inst.RetryCount[step.Name]++
	e.metrics.StepRetried(step.Name)

	e.logger.Warn(ctx, "Step attempt failed",
		logging.WorkflowID(inst.ID),
		logging.Step(step.Name),
		logging.Attempt(attempt),
		zap.Int("max_retries", step.MaxRetries),
		zap.Error(err))

	// The error log is worth keeping even if the step later succeeds.
	_ = e.save(ctx, inst)
	e.publish(ctx, eventbus.NewStepEvent(ctx, inst, step.Name, "failed", attempt))
}

// approve consults the run's policy and, when review is required, parks the
// instance in AwaitingApproval until the gate returns a decision.
func (e *Engine) approve(ctx context.Context, sm *stateless.StateMachine, inst *models.WorkflowInstance, step models.StepDefinition, result map[string]any, awaiting bool) error {
	requestID := ""
	if awaiting {
		if id, ok := inst.LastApproval(); ok {
			req, err := e.gate.Get(ctx, id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				// The request aged out of the store; nobody can approve it any more.
				if err := e.markFailed(ctx, sm, inst, ReasonApprovalExpired); err != nil {
					return err
				}
				return fmt.Errorf("%w: step %s", ErrApprovalRejected, step.Name)
			case err != nil:
				if ctx.Err() != nil {
					return e.interrupted(ctx, sm, inst, err)
				}
				return fmt.Errorf("failed to load approval request %s: %w", id, err)
			case req.StepName == step.Name:
				requestID = id
			}
		}
	}

	if requestID == "" {
		review, err := e.requiresReview(ctx, inst, step, result)
		if err != nil {
			if markErr := e.markFailed(ctx, sm, inst, err.Error()); markErr != nil {
				return markErr
			}
			return err
		}
		if !review {
			e.logger.Debug(ctx, "Result approved by policy",
				logging.WorkflowID(inst.ID),
				logging.Step(step.Name),
				zap.String("policy", inst.Options.ApprovalPolicy))
			return nil
		}

		if err := transition(ctx, sm, inst, models.StateAwaitingApproval); err != nil {
			return err
		}
		req, err := e.gate.Request(ctx, inst.ID, step.Name, result)
		if err != nil {
			if ctx.Err() != nil {
				return e.interrupted(ctx, sm, inst, err)
			}
			return err
		}
		inst.ApprovalRequests = append(inst.ApprovalRequests, req.ID)
		if err := e.save(ctx, inst); err != nil {
			return err
		}
		e.publish(ctx, eventbus.NewWorkflowEvent(ctx, eventbus.EventTypeWorkflowAwaitingApproval, inst))
		requestID = req.ID
	}

	decision, err := e.gate.Await(ctx, requestID)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return e.interrupted(ctx, sm, inst, err)
		case errors.Is(err, store.ErrNotFound):
			// The request aged out of the store; nobody can approve it any more.
			decision = models.DecisionRejected
		default:
			return err
		}
	}

	if decision == models.DecisionApproved {
		inst.Options.ApprovedSoFar++
		e.logger.Info(ctx, "Step approved",
			logging.WorkflowID(inst.ID),
			logging.Step(step.Name),
			logging.ApprovalID(requestID))
		return nil
	}

	reason := ReasonApprovalRejected
	if req, err := e.gate.Get(ctx, requestID); err != nil || req.Reason == approval.ReasonExpired {
		reason = ReasonApprovalExpired
	}
	if err := e.markFailed(ctx, sm, inst, reason); err != nil {
		return err
	}
	return fmt.Errorf("%w: step %s", ErrApprovalRejected, step.Name)
}

func (e *Engine) requiresReview(ctx context.Context, inst *models.WorkflowInstance, step models.StepDefinition, result map[string]any) (bool, error) {
	policy, err := e.policies.Resolve(inst.Options)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	review, err := policy.RequiresReview(ctx, approval.ReviewInput{
		Options:  inst.Options,
		Step:     step.Name,
		Result:   result,
		Instance: inst,
	})
	if err != nil {
		// A policy that cannot decide sends the result to a human.
		e.logger.Warn(ctx, "Review policy failed, requiring review",
			logging.WorkflowID(inst.ID),
			logging.Step(step.Name),
			zap.Error(err))
		return true, nil
	}
	return review, nil
}

// fail handles a step that exhausted its attempts: compensate when the step
// declares an action, then fail the instance. No later step runs.
func (e *Engine) fail(ctx context.Context, sm *stateless.StateMachine, inst *models.WorkflowInstance, step models.StepDefinition, cause error) error {
	now := e.now()
	if t := inst.StepTimings[step.Name]; t != nil {
		t.FinishedAt = &now
	}
	inst.FailureReason = fmt.Sprintf("step %s failed after %d attempts: %v", step.Name, inst.RetryCount[step.Name], cause)

	e.logger.Error(ctx, "Step exhausted its attempts",
		logging.WorkflowID(inst.ID),
		logging.Step(step.Name),
		zap.String("compensation_action", step.CompensationAction),
		zap.Error(cause))

	if err := e.compensate(ctx, sm, inst, step); err != nil {
		return err
	}
	if err := e.markFailed(ctx, sm, inst, inst.FailureReason); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStepFailed, step.Name, cause)
}

// compensate runs the step's compensation action at most once per instance.
// Its failure is recorded in the error log and never triggers anything else.
func (e *Engine) compensate(ctx context.Context, sm *stateless.StateMachine, inst *models.WorkflowInstance, step models.StepDefinition) error {
	if step.CompensationAction == "" || inst.Compensated {
		return nil
	}

	if inst.State != models.StateCompensating {
		if err := transition(ctx, sm, inst, models.StateCompensating); err != nil {
			return err
		}
		if err := e.save(ctx, inst); err != nil {
			return err
		}
	}

	if err := e.compensation.Compensate(ctx, step.CompensationAction, inst); err != nil {
		inst.ErrorLog = append(inst.ErrorLog, models.ErrorEntry{
			Step:      step.Name,
			Error:     err.Error(),
			Timestamp: e.now(),
		})
	}
	inst.Compensated = true
	return nil
}

func (e *Engine) markFailed(ctx context.Context, sm *stateless.StateMachine, inst *models.WorkflowInstance, reason string) error {
	if err := transition(ctx, sm, inst, models.StateFailed); err != nil {
		return err
	}
	now := e.now()
	inst.FailureReason = reason
	inst.CompletedAt = &now
	if err := e.save(ctx, inst); err != nil {
		return err
	}

	e.logger.Warn(ctx, "Workflow failed",
		logging.WorkflowID(inst.ID),
		logging.Step(inst.CurrentStep),
		zap.String("reason", reason),
		zap.Bool("compensated", inst.Compensated))
	e.publish(ctx, eventbus.NewWorkflowEvent(ctx, eventbus.EventTypeWorkflowFailed, inst))
	return nil
}

// interrupted handles a driver whose context ended. Cancellation fails the
// instance; shutdown leaves it resumable.
func (e *Engine) interrupted(ctx context.Context, sm *stateless.StateMachine, inst *models.WorkflowInstance, err error) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCancelled) {
		if inst.State == models.StateAwaitingApproval {
			e.withdrawApproval(ctx, inst)
		}
		if err := e.markFailed(ctx, sm, inst, ReasonCancelled); err != nil {
			return err
		}
		return fmt.Errorf("workflow %s: %w", inst.ID, ErrCancelled)
	}

	e.logger.Info(ctx, "Workflow interrupted, state kept for resume",
		logging.WorkflowID(inst.ID),
		logging.State(string(inst.State)),
		logging.Step(inst.CurrentStep))
	if saveErr := e.save(ctx, inst); saveErr != nil {
		return saveErr
	}
	if cause == nil {
		cause = err
	}
	return cause
}

// withdrawApproval rejects the pending request of a cancelled instance so a
// late reviewer cannot approve it.
func (e *Engine) withdrawApproval(ctx context.Context, inst *models.WorkflowInstance) {
	id, ok := inst.LastApproval()
	if !ok {
		return
	}
	_, err := e.gate.Withdraw(context.WithoutCancel(ctx), id, ReasonCancelled)
	if err != nil && !errors.Is(err, store.ErrAlreadyResolved) {
		e.logger.Warn(ctx, "Failed to withdraw approval request",
			logging.WorkflowID(inst.ID),
			logging.ApprovalID(id),
			zap.Error(err))
	}
}

func (e *Engine) complete(ctx context.Context, sm *stateless.StateMachine, inst *models.WorkflowInstance) error {
	if err := transition(ctx, sm, inst, models.StatePublished); err != nil {
		return err
	}
	now := e.now()
	inst.CompletedAt = &now
	if err := e.save(ctx, inst); err != nil {
		return err
	}

	e.logger.Info(ctx, "Workflow published",
		logging.WorkflowID(inst.ID),
		zap.Float64("total_cost", inst.TotalCost),
		zap.Duration("duration", now.Sub(inst.CreatedAt)))
	e.publish(ctx, eventbus.NewWorkflowEvent(ctx, eventbus.EventTypeWorkflowCompleted, inst))
	return nil
}
