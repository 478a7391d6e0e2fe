package approval

import (
	"context"
	"fmt"
	"sort"

	"github.com/pipeline-works/contentflow/internal/models"
	"github.com/pipeline-works/contentflow/internal/policy"
)

// Policy names accepted in configuration and RunOptions.ApprovalPolicy.
const (
	PolicyAlways       = "always"
	PolicyAutoApprove  = "auto_approve"
	PolicyReviewFirstN = "review_first_n"
	PolicyRego         = "rego"
)

// ReviewInput is everything a policy may look at.
type ReviewInput struct {
	Options  models.RunOptions
	Step     string
	Result   map[string]any
	Instance *models.WorkflowInstance
}

// Policy decides whether a step result that asks for approval is actually
// shown to a reviewer.
type Policy interface {
	RequiresReview(ctx context.Context, in ReviewInput) (bool, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, in ReviewInput) (bool, error)

func (f PolicyFunc) RequiresReview(ctx context.Context, in ReviewInput) (bool, error) {
	return f(ctx, in)
}

// Always reviews every approval step.
var Always Policy = PolicyFunc(func(context.Context, ReviewInput) (bool, error) {
	return true, nil
})

// AutoApprove never asks for review.
var AutoApprove Policy = PolicyFunc(func(context.Context, ReviewInput) (bool, error) {
	return false, nil
})

// ReviewFirstN reviews while the run has approved fewer results than its
// review limit. The counter travels in the run options.
var ReviewFirstN Policy = PolicyFunc(func(_ context.Context, in ReviewInput) (bool, error) {
	return in.Options.ApprovedSoFar < in.Options.ReviewLimit, nil
})

// Rego delegates the decision to an OPA policy engine.
type Rego struct {
	Engine policy.Engine
}

func (r *Rego) RequiresReview(ctx context.Context, in ReviewInput) (bool, error) {
	d, err := r.Engine.Evaluate(ctx, &policy.Input{
		Instance: in.Instance,
		Step:     in.Step,
		Result:   in.Result,
		Options:  in.Options,
	})
	if err != nil {
		return false, err
	}
	return d.Review, nil
}

// Policies resolves the policy named in a run's options.
type Policies struct {
	byName      map[string]Policy
	defaultName string
}

// NewPolicies registers the built-in policies. engine may be nil, in which
// case the rego policy is unavailable.
func NewPolicies(defaultName string, engine policy.Engine) *Policies {
	p := &Policies{
		byName: map[string]Policy{
			PolicyAlways:       Always,
			PolicyAutoApprove:  AutoApprove,
			PolicyReviewFirstN: ReviewFirstN,
		},
		defaultName: defaultName,
	}
	if engine != nil {
		p.byName[PolicyRego] = &Rego{Engine: engine}
	}
	return p
}

// Register adds or replaces a named policy.
func (p *Policies) Register(name string, policy Policy) {
	p.byName[name] = policy
}

// Default returns the policy used when a run does not name one.
func (p *Policies) Default() string {
	return p.defaultName
}

// Resolve returns the policy for a run.
func (p *Policies) Resolve(opts models.RunOptions) (Policy, error) {
	name := opts.ApprovalPolicy
	if name == "" {
		name = p.defaultName
	}
	pol, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown approval policy %q", name)
	}
	return pol, nil
}

// Names returns the registered policy names.
func (p *Policies) Names() []string {
	names := make([]string, 0, len(p.byName))
	for name := range p.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
