// Package approval implements the human review gate between pipeline steps.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pipeline-works/contentflow/internal/eventbus"
	"github.com/pipeline-works/contentflow/internal/logging"
	"github.com/pipeline-works/contentflow/internal/models"
	"github.com/pipeline-works/contentflow/internal/store"
	"github.com/pipeline-works/contentflow/internal/telemetry"
)

// ReasonExpired is recorded when nobody decided before the review window closed.
const ReasonExpired = "expired"

// expiryActor is stored as decided_by for expirations.
const expiryActor = "system"

// Gate creates approval requests and waits for their decisions.
// Decisions made through Decide wake waiters in this process immediately;
// decisions recorded by another process are picked up by polling the store.
type Gate struct {
	store     store.Store
	window    time.Duration
	poll      time.Duration
	now       func() time.Time
	logger    logging.Logger
	metrics   *telemetry.PipelineMetrics
	publisher eventbus.Publisher

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// Option configures a Gate.
type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithLogger(l logging.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func WithMetrics(m *telemetry.PipelineMetrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithPublisher emits approval.requested and approval.resolved events.
func WithPublisher(p eventbus.Publisher) Option {
	return func(g *Gate) { g.publisher = p }
}

// NewGate returns a gate whose requests expire after window.
func NewGate(s store.Store, window, poll time.Duration, opts ...Option) *Gate {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	g := &Gate{
		store:   s,
		window:  window,
		poll:    poll,
		now:     time.Now,
		logger:  logging.NewNop(),
		waiters: make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request persists a pending approval for a step result.
func (g *Gate) Request(ctx context.Context, workflowID, step string, payload map[string]any) (*models.ApprovalRequest, error) {
	now := g.now()
	req := &models.ApprovalRequest{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		StepName:   step,
		Payload:    payload,
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.window),
		Decision:   models.DecisionPending,
	}
	if err := g.store.CreateApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}

	g.logger.Info(ctx, "Approval requested",
		logging.ApprovalID(req.ID),
		logging.WorkflowID(workflowID),
		logging.Step(step),
		zap.Time("expires_at", req.ExpiresAt))
	g.publish(ctx, eventbus.EventTypeApprovalRequested, req)
	return req, nil
}

// Get returns an approval request.
func (g *Gate) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return g.store.GetApproval(ctx, id)
}

// Await blocks until the request is decided or its review window closes. An
// expired request is persisted as rejected with reason "expired".
func (g *Gate) Await(ctx context.Context, id string) (models.Decision, error) {
	wake := g.subscribe(id)
	defer g.unsubscribe(id, wake)

	for {
		req, err := g.store.GetApproval(ctx, id)
		if err != nil {
			return models.DecisionPending, fmt.Errorf("failed to load approval request: %w", err)
		}
		if req.Decision.Resolved() {
			return req.Decision, nil
		}

		now := g.now()
		if req.Expired(now) {
			return g.expire(ctx, req)
		}

		wait := req.ExpiresAt.Sub(now)
		if wait <= 0 {
			// Due now; expiry starts strictly after ExpiresAt.
			wait = time.Millisecond
		}
		if wait > g.poll {
			wait = g.poll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.DecisionPending, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (g *Gate) expire(ctx context.Context, req *models.ApprovalRequest) (models.Decision, error) {
	resolved, err := g.store.ResolveApproval(ctx, req.ID, models.DecisionRejected, expiryActor, ReasonExpired)
	if errors.Is(err, store.ErrAlreadyResolved) {
		// A decision landed between our read and the expiry write.
		current, err := g.store.GetApproval(ctx, req.ID)
		if err != nil {
			return models.DecisionPending, fmt.Errorf("failed to load approval request: %w", err)
		}
		return current.Decision, nil
	}
	if err != nil {
		return models.DecisionPending, fmt.Errorf("failed to expire approval request: %w", err)
	}

	g.logger.Warn(ctx, "Approval request expired",
		logging.ApprovalID(req.ID),
		logging.WorkflowID(req.WorkflowID))
	g.metrics.ApprovalDecided(ReasonExpired)
	g.publish(ctx, eventbus.EventTypeApprovalResolved, resolved)
	return resolved.Decision, nil
}

// Decide records a reviewer's decision. A decision recorded after the review
// window closed is stored as rejected. Deciding a request that already expired
// returns the stored rejection; deciding one that a reviewer already decided
// returns store.ErrAlreadyResolved together with the stored record.
func (g *Gate) Decide(ctx context.Context, id string, approved bool, by string) (*models.ApprovalRequest, error) {
	req, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Decision.Resolved() {
		if req.Reason == ReasonExpired {
			return req, nil
		}
		return req, store.ErrAlreadyResolved
	}

	decision := models.DecisionRejected
	if approved {
		decision = models.DecisionApproved
	}
	reason := ""
	if req.Expired(g.now()) {
		decision = models.DecisionRejected
		reason = ReasonExpired
	}

	resolved, err := g.store.ResolveApproval(ctx, id, decision, by, reason)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyResolved) {
			current, getErr := g.store.GetApproval(ctx, id)
			if getErr == nil && current.Reason == ReasonExpired {
				return current, nil
			}
			return current, err
		}
		return nil, err
	}

	g.logger.Info(ctx, "Approval decided",
		logging.ApprovalID(id),
		logging.WorkflowID(resolved.WorkflowID),
		zap.String("decision", string(resolved.Decision)),
		zap.String("decided_by", by))

	if reason == ReasonExpired {
		g.metrics.ApprovalDecided(ReasonExpired)
	} else {
		g.metrics.ApprovalDecided(string(resolved.Decision))
	}
	g.publish(ctx, eventbus.EventTypeApprovalResolved, resolved)
	g.notify(id)
	return resolved, nil
}

// Withdraw rejects a pending request on behalf of the system, recording
// reason. A request that is already resolved is returned unchanged together
// with store.ErrAlreadyResolved.
func (g *Gate) Withdraw(ctx context.Context, id, reason string) (*models.ApprovalRequest, error) {
	resolved, err := g.store.ResolveApproval(ctx, id, models.DecisionRejected, expiryActor, reason)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyResolved) {
			current, getErr := g.store.GetApproval(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return current, err
		}
		return nil, fmt.Errorf("failed to withdraw approval request: %w", err)
	}

	g.logger.Info(ctx, "Approval request withdrawn",
		logging.ApprovalID(id),
		logging.WorkflowID(resolved.WorkflowID),
		zap.String("reason", reason))
	g.metrics.ApprovalDecided(string(resolved.Decision))
	g.publish(ctx, eventbus.EventTypeApprovalResolved, resolved)
	g.notify(id)
	return resolved, nil
}

func (g *Gate) subscribe(id string) chan struct{} {
	ch := make(chan struct{}, 1)
	g.mu.Lock()
	g.waiters[id] = append(g.waiters[id], ch)
	g.mu.Unlock()
	return ch
}

func (g *Gate) unsubscribe(id string, ch chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	list := g.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(g.waiters, id)
		return
	}
	g.waiters[id] = list
}

func (g *Gate) notify(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.waiters[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (g *Gate) publish(ctx context.Context, t eventbus.EventType, req *models.ApprovalRequest) {
	if g.publisher == nil {
		return
	}
	if err := g.publisher.Publish(ctx, eventbus.NewApprovalEvent(ctx, t, req)); err != nil {
		g.logger.Warn(ctx, "Failed to publish approval event",
			logging.ApprovalID(req.ID),
			zap.Error(err))
	}
}
