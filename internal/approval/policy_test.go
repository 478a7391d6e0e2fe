package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeline-works/contentflow/internal/models"
	"github.com/pipeline-works/contentflow/internal/policy"
)

func TestBuiltinPolicies(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		policy Policy
		opts   models.RunOptions
		want   bool
	}{
		{"always", Always, models.RunOptions{}, true},
		{"auto approve", AutoApprove, models.RunOptions{ReviewLimit: 10}, false},
		{"first n under limit", ReviewFirstN, models.RunOptions{ReviewLimit: 2, ApprovedSoFar: 1}, true},
		{"first n at limit", ReviewFirstN, models.RunOptions{ReviewLimit: 2, ApprovedSoFar: 2}, false},
		{"first n zero limit", ReviewFirstN, models.RunOptions{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.policy.RequiresReview(ctx, ReviewInput{Options: tt.opts, Step: "generate"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPoliciesResolve(t *testing.T) {
	p := NewPolicies(PolicyReviewFirstN, nil)
	assert.Equal(t, []string{PolicyAlways, PolicyAutoApprove, PolicyReviewFirstN}, p.Names())

	pol, err := p.Resolve(models.RunOptions{ReviewLimit: 1})
	require.NoError(t, err)
	review, err := pol.RequiresReview(context.Background(), ReviewInput{Options: models.RunOptions{ReviewLimit: 1}})
	require.NoError(t, err)
	assert.True(t, review)

	pol, err = p.Resolve(models.RunOptions{ApprovalPolicy: PolicyAutoApprove})
	require.NoError(t, err)
	review, err = pol.RequiresReview(context.Background(), ReviewInput{})
	require.NoError(t, err)
	assert.False(t, review)

	_, err = p.Resolve(models.RunOptions{ApprovalPolicy: PolicyRego})
	assert.Error(t, err)

	p.Register("night_shift", AutoApprove)
	_, err = p.Resolve(models.RunOptions{ApprovalPolicy: "night_shift"})
	assert.NoError(t, err)
}

func TestRegoPolicy(t *testing.T) {
	engine := policy.NewOPAEngine(map[string]any{"limits": map[string]any{"max_unreviewed_cost": 1.0}})
	tmpl, ok := policy.GetPolicyTemplate("review-expensive-runs")
	require.True(t, ok)
	require.NoError(t, engine.CreatePolicy(context.Background(), tmpl))

	p := NewPolicies(PolicyAlways, engine)
	pol, err := p.Resolve(models.RunOptions{ApprovalPolicy: PolicyRego})
	require.NoError(t, err)

	inst := models.NewWorkflowInstance("wf-1", "content", models.RunOptions{}, tmpl.CreatedAt)
	inst.TotalCost = 0.5
	review, err := pol.RequiresReview(context.Background(), ReviewInput{Instance: inst, Step: "generate"})
	require.NoError(t, err)
	assert.False(t, review)

	inst.TotalCost = 3
	review, err = pol.RequiresReview(context.Background(), ReviewInput{Instance: inst, Step: "generate"})
	require.NoError(t, err)
	assert.True(t, review)
}
