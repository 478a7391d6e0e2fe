package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeline-works/contentflow/internal/models"
)

func TestAllowedTransitions(t *testing.T) {
	tests := []struct {
		from, to models.WorkflowState
		want     bool
	}{
		{models.StatePending, models.StateMonitoring, true},
		{models.StatePending, models.StateGenerating, true},
		{models.StateMonitoring, models.StateAnalyzing, true},
		{models.StateGenerating, models.StateGenerating, true},
		{models.StateGenerating, models.StateMonitoring, false},
		{models.StateFactChecking, models.StateAwaitingApproval, true},
		{models.StateAwaitingApproval, models.StatePublishing, true},
		{models.StateAwaitingApproval, models.StateFailed, true},
		{models.StatePublishing, models.StatePublished, true},
		{models.StatePending, models.StatePublished, false},
		{models.StatePending, models.StateAwaitingApproval, false},
		{models.StateAnalyzing, models.StateCompensating, true},
		{models.StateCompensating, models.StateFailed, true},
		{models.StateCompensating, models.StateGenerating, false},
		{models.StatePublished, models.StateFailed, false},
		{models.StateFailed, models.StateMonitoring, false},
		{models.StateMonitoring, models.StatePending, false},
		{models.WorkflowState("bogus"), models.StateFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, allowed(tt.from, tt.to))
		})
	}
}

func TestTransitionUpdatesInstance(t *testing.T) {
	ctx := context.Background()
	inst := models.NewWorkflowInstance("wf-1", "content", models.RunOptions{}, testEpoch)
	sm := newMachine(inst)

	for _, s := range []models.WorkflowState{
		models.StateMonitoring,
		models.StateAnalyzing,
		models.StateAnalyzing,
		models.StateFactChecking,
		models.StateAwaitingApproval,
		models.StatePublishing,
		models.StatePublished,
	} {
		require.NoError(t, transition(ctx, sm, inst, s))
		assert.Equal(t, s, inst.State)
	}

	err := transition(ctx, sm, inst, models.StateFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.StatePublished, inst.State)
}

func TestTransitionRejectsBackwardMove(t *testing.T) {
	inst := models.NewWorkflowInstance("wf-1", "content", models.RunOptions{}, testEpoch)
	inst.State = models.StateGenerating
	sm := newMachine(inst)

	err := transition(context.Background(), sm, inst, models.StateMonitoring)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.StateGenerating, inst.State)

	require.NoError(t, transition(context.Background(), sm, inst, models.StateCompensating))
	assert.ErrorIs(t, transition(context.Background(), sm, inst, models.StatePublishing), ErrInvalidTransition)
}
