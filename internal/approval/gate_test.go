package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pipeline-works/contentflow/internal/eventbus"
	"github.com/pipeline-works/contentflow/internal/logging"
	"github.com/pipeline-works/contentflow/internal/models"
	"github.com/pipeline-works/contentflow/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	gate  *Gate
	store *store.MemoryStore
	clock *clock
	bus   *eventbus.MemoryBus
}

func newFixture(t *testing.T, poll time.Duration) *fixture {
	t.Helper()
	c := newClock()
	s := store.NewMemoryStore(store.WithClock(c.Now))
	bus := eventbus.NewMemoryBus()
	g := NewGate(s, time.Hour, poll,
		WithClock(c.Now),
		WithLogger(logging.NewFromZap(zaptest.NewLogger(t))),
		WithPublisher(bus))
	return &fixture{gate: g, store: s, clock: c, bus: bus}
}

func TestRequestPersistsPendingApproval(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	req, err := f.gate.Request(ctx, "wf-1", "generate", map[string]any{"title": "draft"})
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, models.DecisionPending, req.Decision)
	assert.Equal(t, f.clock.Now().Add(time.Hour), req.ExpiresAt)

	stored, err := f.gate.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "generate", stored.StepName)
	assert.Equal(t, "draft", stored.Payload["title"])

	assert.Equal(t, []eventbus.EventType{eventbus.EventTypeApprovalRequested}, f.bus.Types())
}

func TestAwaitWakesOnDecide(t *testing.T) {
	// A poll interval this long means only the in-process wake-up can finish the test.
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	req, err := f.gate.Request(ctx, "wf-1", "generate", nil)
	require.NoError(t, err)

	done := make(chan models.Decision, 1)
	go func() {
		d, err := f.gate.Await(ctx, req.ID)
		assert.NoError(t, err)
		done <- d
	}()

	require.Eventually(t, func() bool {
		f.gate.mu.Lock()
		defer f.gate.mu.Unlock()
		return len(f.gate.waiters[req.ID]) == 1
	}, time.Second, 5*time.Millisecond)

	decided, err := f.gate.Decide(ctx, req.ID, true, "editor@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, decided.Decision)
	assert.Equal(t, "editor@example.com", decided.DecidedBy)

	select {
	case d := <-done:
		assert.Equal(t, models.DecisionApproved, d)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not wake up")
	}

	f.gate.mu.Lock()
	assert.Empty(t, f.gate.waiters)
	f.gate.mu.Unlock()
}

func TestAwaitPollsForExternalDecision(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	ctx := context.Background()

	req, err := f.gate.Request(ctx, "wf-1", "generate", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = f.store.ResolveApproval(ctx, req.ID, models.DecisionRejected, "other-node", "off brand")
	}()

	d, err := f.gate.Await(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, d)
}

func TestAwaitExpiresAsRejection(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	req, err := f.gate.Request(ctx, "wf-1", "generate", nil)
	require.NoError(t, err)

	f.clock.Advance(time.Hour + time.Nanosecond)

	d, err := f.gate.Await(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, d)

	stored, err := f.gate.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, stored.Decision)
	assert.Equal(t, ReasonExpired, stored.Reason)
	assert.Equal(t, "system", stored.DecidedBy)

	// A late reviewer sees the stored rejection.
	late, err := f.gate.Decide(ctx, req.ID, true, "editor")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, late.Decision)

	assert.Equal(t, []eventbus.EventType{
		eventbus.EventTypeApprovalRequested,
		eventbus.EventTypeApprovalResolved,
	}, f.bus.Types())
}

func TestDecideAfterExpiryIsRejected(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	req, err := f.gate.Request(ctx, "wf-1", "generate", nil)
	require.NoError(t, err)

	f.clock.Advance(time.Hour + time.Second)

	decided, err := f.gate.Decide(ctx, req.ID, true, "editor")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, decided.Decision)
	assert.Equal(t, ReasonExpired, decided.Reason)

	d, err := f.gate.Await(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, d)
}

func TestDecideBeforeExpiry(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	req, err := f.gate.Request(ctx, "wf-1", "generate", nil)
	require.NoError(t, err)
	f.clock.Advance(59 * time.Minute)

	decided, err := f.gate.Decide(ctx, req.ID, false, "editor")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, decided.Decision)
	assert.Empty(t, decided.Reason)

	again, err := f.gate.Decide(ctx, req.ID, true, "editor")
	assert.True(t, errors.Is(err, store.ErrAlreadyResolved))
	require.NotNil(t, again)
	assert.Equal(t, models.DecisionRejected, again.Decision)
}

func TestExpiryIsStrictlyAfterExpiresAt(t *testing.T) {
	f := newFixture(t, time.Hour)
	req, err := f.gate.Request(context.Background(), "wf-1", "generate", nil)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	// At the exact instant the request is still open.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	d, err := f.gate.Await(ctx, req.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.DecisionPending, d)

	decided, err := f.gate.Decide(context.Background(), req.ID, true, "editor")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, decided.Decision)
	assert.Empty(t, decided.Reason)
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	req, err := f.gate.Request(ctx, "wf-1", "generate", nil)
	require.NoError(t, err)

	done := make(chan models.Decision, 1)
	go func() {
		d, _ := f.gate.Await(ctx, req.ID)
		done <- d
	}()

	withdrawn, err := f.gate.Withdraw(ctx, req.ID, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, withdrawn.Decision)
	assert.Equal(t, "cancelled", withdrawn.Reason)
	assert.Equal(t, "system", withdrawn.DecidedBy)

	select {
	case d := <-done:
		assert.Equal(t, models.DecisionRejected, d)
	case <-time.After(2 * time.Second):
		t.Fatal("withdraw did not wake the waiter")
	}

	late, err := f.gate.Decide(ctx, req.ID, true, "editor")
	assert.ErrorIs(t, err, store.ErrAlreadyResolved)
	require.NotNil(t, late)
	assert.Equal(t, models.DecisionRejected, late.Decision)

	again, err := f.gate.Withdraw(ctx, req.ID, "cancelled")
	assert.ErrorIs(t, err, store.ErrAlreadyResolved)
	require.NotNil(t, again)
	assert.Equal(t, "cancelled", again.Reason)
}

func TestDecideUnknownRequest(t *testing.T) {
	f := newFixture(t, time.Second)
	_, err := f.gate.Decide(context.Background(), "nope", true, "editor")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = f.gate.Await(context.Background(), "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestAwaitHonoursCancellation(t *testing.T) {
	f := newFixture(t, time.Hour)
	req, err := f.gate.Request(context.Background(), "wf-1", "generate", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	d, err := f.gate.Await(ctx, req.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.DecisionPending, d)

	stored, err := f.gate.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionPending, stored.Decision)
}
