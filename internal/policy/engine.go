// Package policy decides, with Open Policy Agent, whether a step result needs a
// human review before the workflow moves on.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/pipeline-works/contentflow/internal/models"
)

var (
	ErrPolicyNotFound = errors.New("policy not found")
	ErrPolicyExists   = errors.New("policy already exists")
)

// Engine defines the review policy engine interface
type Engine interface {
	CreatePolicy(ctx context.Context, policy *Policy) error
	UpdatePolicy(ctx context.Context, id string, policy *Policy) error
	DeletePolicy(ctx context.Context, id string) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPolicies(ctx context.Context, filter *Filter) ([]*Policy, error)

	Evaluate(ctx context.Context, input *Input) (*Decision, error)
	ValidatePolicy(ctx context.Context, policy *Policy) error
}

// Policy is a Rego module. It must define a boolean rule "review" and may
// define a string rule "reason".
type Policy struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Version   int               `json:"version"`
	Module    string            `json:"module"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	CreatedBy string            `json:"created_by,omitempty"`
}

// Input is what a policy sees as `input`.
type Input struct {
	Instance *models.WorkflowInstance
	Step     string
	Result   map[string]any
	Options  models.RunOptions
}

// Decision is the merged outcome of every policy.
type Decision struct {
	Review  bool     `json:"review"`
	Reasons []string `json:"reasons,omitempty"`
	// Policies lists the ids of the policies that asked for review.
	Policies []string `json:"policies,omitempty"`
}

// Filter represents policy filtering options
type Filter struct {
	Name      string `json:"name,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

type compiled struct {
	policy *Policy
	review rego.PreparedEvalQuery
	reason rego.PreparedEvalQuery
}

// OPAEngine implements Engine with prepared Rego queries.
type OPAEngine struct {
	mu       sync.RWMutex
	policies map[string]*compiled
	store    storage.Store
}

var _ Engine = (*OPAEngine)(nil)

// NewOPAEngine creates an engine. data is exposed to policies as `data`.
func NewOPAEngine(data map[string]any) *OPAEngine {
	if data == nil {
		data = map[string]any{}
	}
	return &OPAEngine{
		policies: make(map[string]*compiled),
		store:    inmem.NewFromObject(data),
	}
}

// CreatePolicy creates a new policy
func (e *OPAEngine) CreatePolicy(ctx context.Context, policy *Policy) error {
	c, err := e.compile(ctx, policy)
	if err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[policy.ID]; exists {
		return fmt.Errorf("%w: %s", ErrPolicyExists, policy.ID)
	}

	policy.CreatedAt = time.Now()
	policy.Version = 1
	e.policies[policy.ID] = c
	return nil
}

// UpdatePolicy replaces the module of an existing policy and bumps its version.
func (e *OPAEngine) UpdatePolicy(ctx context.Context, id string, policy *Policy) error {
	policy.ID = id
	c, err := e.compile(ctx, policy)
	if err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, exists := e.policies[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}

	policy.Version = existing.policy.Version + 1
	policy.CreatedAt = existing.policy.CreatedAt
	e.policies[id] = c
	return nil
}

// DeletePolicy deletes a policy
func (e *OPAEngine) DeletePolicy(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[id]; !exists {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	delete(e.policies, id)
	return nil
}

// GetPolicy retrieves a policy by ID
func (e *OPAEngine) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, exists := e.policies[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	return c.policy, nil
}

// ListPolicies lists policies sorted by id with optional filtering
func (e *OPAEngine) ListPolicies(ctx context.Context, filter *Filter) ([]*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := []*Policy{}
	for _, c := range e.policies {
		if filter != nil {
			if filter.Name != "" && c.policy.Name != filter.Name {
				continue
			}
			if filter.CreatedBy != "" && c.policy.CreatedBy != filter.CreatedBy {
				continue
			}
		}
		result = append(result, c.policy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	if filter != nil && filter.Limit > 0 {
		start := filter.Offset
		end := start + filter.Limit
		if start >= len(result) {
			return []*Policy{}, nil
		}
		if end > len(result) {
			end = len(result)
		}
		result = result[start:end]
	}
	return result, nil
}

// ValidatePolicy compiles a policy without registering it.
func (e *OPAEngine) ValidatePolicy(ctx context.Context, policy *Policy) error {
	_, err := e.compile(ctx, policy)
	return err
}

// Evaluate runs every policy; review is requested when any of them asks for it.
// With no policies registered nothing is reviewed.
func (e *OPAEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	doc, err := input.document()
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	policies := make([]*compiled, 0, len(e.policies))
	for _, c := range e.policies {
		policies = append(policies, c)
	}
	e.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].policy.ID < policies[j].policy.ID })

	decision := &Decision{}
	for _, c := range policies {
		review, err := evalBool(ctx, c.review, doc)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate policy %s: %w", c.policy.ID, err)
		}
		if !review {
			continue
		}
		decision.Review = true
		decision.Policies = append(decision.Policies, c.policy.ID)
		if reason, err := evalString(ctx, c.reason, doc); err == nil && reason != "" {
			decision.Reasons = append(decision.Reasons, reason)
		}
	}
	return decision, nil
}

func (e *OPAEngine) compile(ctx context.Context, policy *Policy) (*compiled, error) {
	if policy == nil || policy.ID == "" {
		return nil, fmt.Errorf("policy id is required")
	}

	module, err := ast.ParseModule(policy.ID+".rego", policy.Module)
	if err != nil {
		return nil, fmt.Errorf("invalid Rego module %s: %w", policy.ID, err)
	}
	if module == nil {
		return nil, fmt.Errorf("invalid Rego module %s: empty", policy.ID)
	}
	pkg := module.Package.Path.String()

	review, err := rego.New(
		rego.Query(pkg+".review"),
		rego.Module(policy.ID+".rego", policy.Module),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("invalid Rego module %s: %w", policy.ID, err)
	}

	reason, err := rego.New(
		rego.Query(pkg+".reason"),
		rego.Module(policy.ID+".rego", policy.Module),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("invalid Rego module %s: %w", policy.ID, err)
	}

	return &compiled{policy: policy, review: review, reason: reason}, nil
}

func evalBool(ctx context.Context, q rego.PreparedEvalQuery, input map[string]any) (bool, error) {
	rs, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, err
	}
	for _, r := range rs {
		for _, expr := range r.Expressions {
			switch v := expr.Value.(type) {
			case bool:
				return v, nil
			case nil:
			default:
				return false, fmt.Errorf("review must be a boolean, got %T", v)
			}
		}
	}
	// Undefined.
	return false, nil
}

func evalString(ctx context.Context, q rego.PreparedEvalQuery, input map[string]any) (string, error) {
	rs, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", err
	}
	for _, r := range rs {
		for _, expr := range r.Expressions {
			if s, ok := expr.Value.(string); ok {
				return s, nil
			}
		}
	}
	return "", nil
}

// document turns the input into plain JSON values so Rego sees the same field
// names the API exposes.
func (in *Input) document() (map[string]any, error) {
	if in == nil {
		return nil, fmt.Errorf("policy input is required")
	}

	raw := map[string]any{
		"step":    in.Step,
		"result":  in.Result,
		"options": in.Options,
	}
	if in.Instance != nil {
		raw["workflow"] = in.Instance
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

// LoadFile reads a Rego module from disk. The id is the file name without
// extension.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &Policy{
		ID:       id,
		Name:     id,
		Module:   string(data),
		Metadata: map[string]string{"source": path},
	}, nil
}
