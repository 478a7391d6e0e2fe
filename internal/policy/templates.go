package policy

import "sort"

// PolicyTemplates contains ready-made review policies.
var PolicyTemplates = map[string]*Policy{
	"review-expensive-runs": {
		ID:   "review-expensive-runs",
		Name: "Review Expensive Runs",
		Module: `
package contentflow.expensive

default review = false

# Anything that has already cost more than the budget gets a human look.
review {
	input.workflow.total_cost > data.limits.max_unreviewed_cost
}

reason = msg {
	review
	msg := sprintf("run cost %.2f exceeds %.2f", [input.workflow.total_cost, data.limits.max_unreviewed_cost])
}`,
		Metadata: map[string]string{
			"description": "Review when accumulated cost passes data.limits.max_unreviewed_cost",
			"category":    "cost",
		},
	},

	"review-first-runs": {
		ID:   "review-first-runs",
		Name: "Review First N Approvals",
		Module: `
package contentflow.first_runs

default review = false

review {
	input.options.approved_so_far < input.options.review_limit
}

reason = "run is still within its review window"`,
		Metadata: map[string]string{
			"description": "Same rule as review_first_n, expressed in Rego",
			"category":    "review",
		},
	},

	"review-retried-steps": {
		ID:   "review-retried-steps",
		Name: "Review Retried Steps",
		Module: `
package contentflow.retried

default review = false

review {
	input.workflow.retry_count[input.step] > 0
}

reason = "step needed retries"`,
		Metadata: map[string]string{
			"description": "Review results that only succeeded after a retry",
			"category":    "quality",
		},
	},
}

// GetPolicyTemplate returns a copy of a template so callers can register it.
func GetPolicyTemplate(name string) (*Policy, bool) {
	t, ok := PolicyTemplates[name]
	if !ok {
		return nil, false
	}
	cp := *t
	cp.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	return &cp, true
}

// ListPolicyTemplates returns the template names, sorted.
func ListPolicyTemplates() []string {
	names := make([]string, 0, len(PolicyTemplates))
	for name := range PolicyTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
