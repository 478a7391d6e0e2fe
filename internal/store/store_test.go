package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeline-works/contentflow/internal/models"
)

const testTTL = time.Hour

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// storeFactory builds a fresh store driven by clock. advance moves both the clock
// and any backend-native expiry forward.
type storeFactory func(t *testing.T, clock *fakeClock) (s Store, advance func(time.Duration))

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	newInstance := func(clock *fakeClock, id, kind string) *models.WorkflowInstance {
		return models.NewWorkflowInstance(id, kind, models.RunOptions{ReviewLimit: 2}, clock.Now())
	}

	t.Run("Create And Get", func(t *testing.T) {
		clock := newFakeClock()
		s, _ := factory(t, clock)

		inst := newInstance(clock, "wf-create", "content")
		inst.AccumulatedResults["monitor"] = map[string]any{"topics": float64(4)}
		require.NoError(t, s.Create(ctx, inst))

		got, err := s.Get(ctx, "wf-create")
		require.NoError(t, err)
		assert.Equal(t, "content", got.Kind)
		assert.Equal(t, models.StatePending, got.State)
		assert.Equal(t, 2, got.Options.ReviewLimit)
		assert.Equal(t, float64(4), got.AccumulatedResults["monitor"]["topics"])

		err = s.Create(ctx, inst)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		_, err = s.Get(ctx, "wf-missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Save Overwrites Snapshot", func(t *testing.T) {
		clock := newFakeClock()
		s, _ := factory(t, clock)

		inst := newInstance(clock, "wf-save", "content")
		require.NoError(t, s.Create(ctx, inst))

		inst.State = models.StateAnalyzing
		inst.CurrentStep = "analyze"
		inst.StepsCompleted = append(inst.StepsCompleted, "monitor")
		require.NoError(t, s.Save(ctx, inst))

		got, err := s.Get(ctx, "wf-save")
		require.NoError(t, err)
		assert.Equal(t, models.StateAnalyzing, got.State)
		assert.Equal(t, []string{"monitor"}, got.StepsCompleted)

		// Save creates when absent.
		other := newInstance(clock, "wf-save-new", "content")
		require.NoError(t, s.Save(ctx, other))
		_, err = s.Get(ctx, "wf-save-new")
		assert.NoError(t, err)
	})

	t.Run("Records Expire", func(t *testing.T) {
		clock := newFakeClock()
		s, advance := factory(t, clock)

		require.NoError(t, s.Create(ctx, newInstance(clock, "wf-expire", "content")))
		advance(testTTL / 2)
		_, err := s.Get(ctx, "wf-expire")
		require.NoError(t, err)

		advance(testTTL)
		_, err = s.Get(ctx, "wf-expire")
		assert.ErrorIs(t, err, ErrNotFound)

		// An expired id may be reused.
		assert.NoError(t, s.Create(ctx, newInstance(clock, "wf-expire", "content")))
	})

	t.Run("List Filters And Orders", func(t *testing.T) {
		clock := newFakeClock()
		s, _ := factory(t, clock)

		states := []models.WorkflowState{models.StatePublished, models.StateGenerating, models.StateFailed, models.StateAwaitingApproval}
		for i, st := range states {
			inst := newInstance(clock, fmt.Sprintf("wf-list-%d", i), "content")
			inst.State = st
			require.NoError(t, s.Save(ctx, inst))
			clock.Advance(time.Second)
		}
		digest := newInstance(clock, "wf-list-digest", "digest")
		require.NoError(t, s.Save(ctx, digest))

		all, err := s.List(ctx, nil)
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "wf-list-digest", all[0].ID)
		assert.Equal(t, "wf-list-0", all[4].ID)

		active, err := s.List(ctx, InProgressFilter())
		require.NoError(t, err)
		ids := make([]string, 0, len(active))
		for _, inst := range active {
			ids = append(ids, inst.ID)
		}
		assert.Equal(t, []string{"wf-list-digest", "wf-list-3", "wf-list-1"}, ids)

		content, err := s.List(ctx, &ListFilter{Kind: "content", Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, content, 2)
		assert.Equal(t, "wf-list-2", content[0].ID)
		assert.Equal(t, "wf-list-1", content[1].ID)

		none, err := s.List(ctx, &ListFilter{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Approval Lifecycle", func(t *testing.T) {
		clock := newFakeClock()
		s, _ := factory(t, clock)

		req := &models.ApprovalRequest{
			ID:         "ap-1",
			WorkflowID: "wf-1",
			StepName:   "generate",
			Payload:    map[string]any{"articles_generated": float64(2)},
			CreatedAt:  clock.Now(),
			ExpiresAt:  clock.Now().Add(30 * time.Minute),
			Decision:   models.DecisionPending,
		}
		require.NoError(t, s.CreateApproval(ctx, req))
		assert.ErrorIs(t, s.CreateApproval(ctx, req), ErrAlreadyExists)

		got, err := s.GetApproval(ctx, "ap-1")
		require.NoError(t, err)
		assert.Equal(t, models.DecisionPending, got.Decision)
		assert.Equal(t, "generate", got.StepName)

		resolved, err := s.ResolveApproval(ctx, "ap-1", models.DecisionApproved, "editor", "")
		require.NoError(t, err)
		assert.Equal(t, models.DecisionApproved, resolved.Decision)
		assert.Equal(t, "editor", resolved.DecidedBy)
		require.NotNil(t, resolved.DecidedAt)

		_, err = s.ResolveApproval(ctx, "ap-1", models.DecisionRejected, "other", "")
		assert.ErrorIs(t, err, ErrAlreadyResolved)

		got, err = s.GetApproval(ctx, "ap-1")
		require.NoError(t, err)
		assert.Equal(t, models.DecisionApproved, got.Decision)

		_, err = s.ResolveApproval(ctx, "ap-missing", models.DecisionApproved, "editor", "")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetApproval(ctx, "ap-missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Approval Outlives Its Review Window", func(t *testing.T) {
		clock := newFakeClock()
		s, advance := factory(t, clock)

		req := &models.ApprovalRequest{
			ID:        "ap-late",
			CreatedAt: clock.Now(),
			ExpiresAt: clock.Now().Add(testTTL),
			Decision:  models.DecisionPending,
		}
		require.NoError(t, s.CreateApproval(ctx, req))

		advance(testTTL + time.Minute)
		got, err := s.GetApproval(ctx, "ap-late")
		require.NoError(t, err)
		assert.True(t, got.Expired(clock.Now()))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T, clock *fakeClock) (Store, func(time.Duration)) {
		return NewMemoryStore(WithTTL(testTTL), WithClock(clock.Now)), clock.Advance
	})
}

func TestMemoryStoreKeyPrefix(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	a := NewMemoryStore(WithKeyPrefix("a:"), WithClock(clock.Now))

	require.NoError(t, a.Create(ctx, models.NewWorkflowInstance("wf-1", "content", models.RunOptions{}, clock.Now())))
	assert.Equal(t, 1, a.Len())

	_, ok := a.records["a:"+WorkflowKey("wf-1")]
	assert.True(t, ok)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "workflow:abc", WorkflowKey("abc"))
	assert.Equal(t, "approval:abc", ApprovalKey("abc"))
}

func TestDialectRebind(t *testing.T) {
	q := `SELECT data FROM workflows WHERE id = ? AND expires_at > ?`
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, `SELECT data FROM workflows WHERE id = $1 AND expires_at > $2`, DialectPostgres.rebind(q))
}
