// Package store persists workflow instances and approval requests as full JSON
// snapshots with a bounded retention.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pipeline-works/contentflow/internal/models"
)

var (
	// ErrNotFound is returned for absent or expired records.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when a create reuses an id.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrAlreadyResolved is returned when deciding an approval that is not pending.
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// DefaultTTL is the retention applied when none is configured.
const DefaultTTL = 24 * time.Hour

// Store is the persistence contract shared by every backend. Writes are
// last-writer-wins snapshots; a single driver per instance is assumed.
type Store interface {
	Create(ctx context.Context, inst *models.WorkflowInstance) error
	Get(ctx context.Context, id string) (*models.WorkflowInstance, error)
	Save(ctx context.Context, inst *models.WorkflowInstance) error
	List(ctx context.Context, filter *ListFilter) ([]*models.WorkflowInstance, error)

	CreateApproval(ctx context.Context, req *models.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, id string, decision models.Decision, by, reason string) (*models.ApprovalRequest, error)

	Close() error
}

// ListFilter narrows List results. Results are ordered newest first.
type ListFilter struct {
	States []models.WorkflowState
	Kind   string
	Limit  int
	Offset int
}

func (f *ListFilter) matches(inst *models.WorkflowInstance) bool {
	if f == nil {
		return true
	}
	if f.Kind != "" && inst.Kind != f.Kind {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if inst.State == s {
			return true
		}
	}
	return false
}

func (f *ListFilter) page(items []*models.WorkflowInstance) []*models.WorkflowInstance {
	if f == nil {
		return items
	}
	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return []*models.WorkflowInstance{}
		}
		items = items[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(items) {
		items = items[:f.Limit]
	}
	return items
}

// InProgressFilter selects every instance a restarted engine should pick up again.
func InProgressFilter() *ListFilter {
	var states []models.WorkflowState
	for _, s := range models.AllStates {
		if s.IsInProgress() {
			states = append(states, s)
		}
	}
	return &ListFilter{States: states}
}

// WorkflowKey is the logical key of a workflow instance record.
func WorkflowKey(id string) string {
	return "workflow:" + id
}

// ApprovalKey is the logical key of an approval request record.
func ApprovalKey(id string) string {
	return "approval:" + id
}

// Option configures a backend.
type Option func(*options)

type options struct {
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func defaultOptions() options {
	return options{ttl: DefaultTTL, now: time.Now}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTTL sets the retention of every record.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithKeyPrefix namespaces logical keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithClock replaces the wall clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// approvalExpiry keeps an approval record around for a full retention period past
// its review deadline, so late decisions still find it and are recorded as rejections.
func (o options) approvalExpiry(req *models.ApprovalRequest) time.Time {
	exp := o.now().Add(o.ttl)
	if late := req.ExpiresAt.Add(o.ttl); late.After(exp) {
		exp = late
	}
	return exp
}

func encodeInstance(inst *models.WorkflowInstance) ([]byte, error) {
	if inst == nil {
		return nil, fmt.Errorf("instance cannot be nil")
	}
	if inst.ID == "" {
		return nil, fmt.Errorf("instance id cannot be empty")
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal instance %s: %w", inst.ID, err)
	}
	return data, nil
}

func decodeInstance(data []byte) (*models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	inst.EnsureMaps()
	return &inst, nil
}

func encodeApproval(req *models.ApprovalRequest) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("approval request cannot be nil")
	}
	if req.ID == "" {
		return nil, fmt.Errorf("approval request id cannot be empty")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal approval %s: %w", req.ID, err)
	}
	return data, nil
}

func decodeApproval(data []byte) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval: %w", err)
	}
	return &req, nil
}

// resolve applies a decision to a pending request in place.
func resolve(req *models.ApprovalRequest, decision models.Decision, by, reason string, now time.Time) error {
	if req.Decision.Resolved() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, req.ID, req.Decision)
	}
	if !decision.Resolved() {
		return fmt.Errorf("invalid decision %q", decision)
	}
	req.Decision = decision
	req.DecidedAt = &now
	req.DecidedBy = by
	req.Reason = reason
	return nil
}
