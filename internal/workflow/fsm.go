package workflow

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/pipeline-works/contentflow/internal/models"
)

// trigger names the move into a destination state.
type trigger string

func triggerFor(dest models.WorkflowState) trigger {
	return trigger("to_" + string(dest))
}

// allowed is the transition relation of a workflow instance.
func allowed(from, to models.WorkflowState) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}

	switch to {
	case models.StateFailed:
		return true
	case models.StateCompensating:
		return true
	case models.StateAwaitingApproval:
		return from.IsStepState() || from == models.StateAwaitingApproval
	case models.StatePublished:
		return from.IsStepState() || from == models.StateAwaitingApproval
	case models.StatePending:
		return false
	case models.StateMonitoring, models.StateAnalyzing, models.StateGenerating,
		models.StateFactChecking, models.StatePublishing:
		switch {
		case from == models.StateCompensating:
			return false
		case from == to, from == models.StatePending, from == models.StateAwaitingApproval:
			return true
		case from.IsStepState():
			return from.Rank() < to.Rank()
		default:
			return false
		}
	default:
		return false
	}
}

// newMachine binds a state machine to the instance's State field.
func newMachine(inst *models.WorkflowInstance) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return inst.State, nil
		},
		func(_ context.Context, s stateless.State) error {
			inst.State = s.(models.WorkflowState)
			return nil
		},
		stateless.FiringImmediate,
	)

	for _, from := range models.AllStates {
		cfg := sm.Configure(from)
		for _, to := range models.AllStates {
			if !allowed(from, to) {
				continue
			}
			if from == to {
				cfg.PermitReentry(triggerFor(to))
				continue
			}
			cfg.Permit(triggerFor(to), to)
		}
	}
	return sm
}

// transition moves inst to the destination state or reports ErrInvalidTransition.
func transition(ctx context.Context, sm *stateless.StateMachine, inst *models.WorkflowInstance, to models.WorkflowState) error {
	from := inst.State
	ok, err := sm.CanFireCtx(ctx, triggerFor(to))
	if err != nil || !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if err := sm.FireCtx(ctx, triggerFor(to)); err != nil {
		return fmt.Errorf("%w: %s -> %s: %v", ErrInvalidTransition, from, to, err)
	}
	return nil
}
