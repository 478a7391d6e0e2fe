package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pipeline-works/contentflow/internal/models"
)

type memoryRecord struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore keeps JSON snapshots in process memory. Suitable for development
// and tests; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	opts    options
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		opts:    applyOptions(opts),
	}
}

func (m *MemoryStore) key(k string) string {
	return m.opts.prefix + k
}

// lookup returns a live record. Callers hold at least the read lock.
func (m *MemoryStore) lookup(key string) ([]byte, bool) {
	rec, ok := m.records[key]
	if !ok || !m.opts.now().Before(rec.expiresAt) {
		return nil, false
	}
	return rec.data, true
}

func (m *MemoryStore) Create(ctx context.Context, inst *models.WorkflowInstance) error {
	data, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.key(WorkflowKey(inst.ID))
	if _, exists := m.lookup(key); exists {
		return fmt.Errorf("%w: workflow %s", ErrAlreadyExists, inst.ID)
	}
	m.records[key] = memoryRecord{data: data, expiresAt: m.opts.now().Add(m.opts.ttl)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	m.mu.RLock()
	data, ok := m.lookup(m.key(WorkflowKey(id)))
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	return decodeInstance(data)
}

func (m *MemoryStore) Save(ctx context.Context, inst *models.WorkflowInstance) error {
	data, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[m.key(WorkflowKey(inst.ID))] = memoryRecord{data: data, expiresAt: m.opts.now().Add(m.opts.ttl)}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter *ListFilter) ([]*models.WorkflowInstance, error) {
	prefix := m.key(WorkflowKey(""))

	m.mu.RLock()
	var results []*models.WorkflowInstance
	for key := range m.records {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		data, ok := m.lookup(key)
		if !ok {
			continue
		}
		inst, err := decodeInstance(data)
		if err != nil {
			continue
		}
		if filter.matches(inst) {
			results = append(results, inst)
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(results)
	return filter.page(results), nil
}

func (m *MemoryStore) CreateApproval(ctx context.Context, req *models.ApprovalRequest) error {
	data, err := encodeApproval(req)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.key(ApprovalKey(req.ID))
	if _, exists := m.lookup(key); exists {
		return fmt.Errorf("%w: approval %s", ErrAlreadyExists, req.ID)
	}
	m.records[key] = memoryRecord{data: data, expiresAt: m.opts.approvalExpiry(req)}
	return nil
}

func (m *MemoryStore) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	m.mu.RLock()
	data, ok := m.lookup(m.key(ApprovalKey(id)))
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: approval %s", ErrNotFound, id)
	}
	return decodeApproval(data)
}

func (m *MemoryStore) ResolveApproval(ctx context.Context, id string, decision models.Decision, by, reason string) (*models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.key(ApprovalKey(id))
	data, ok := m.lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: approval %s", ErrNotFound, id)
	}

	req, err := decodeApproval(data)
	if err != nil {
		return nil, err
	}
	if err := resolve(req, decision, by, reason, m.opts.now().UTC()); err != nil {
		return req, err
	}

	updated, err := encodeApproval(req)
	if err != nil {
		return nil, err
	}
	m.records[key] = memoryRecord{data: updated, expiresAt: m.records[key].expiresAt}
	return req, nil
}

// Len returns the number of live records of both kinds.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for key := range m.records {
		if _, ok := m.lookup(key); ok {
			n++
		}
	}
	return n
}

func (m *MemoryStore) Close() error {
	return nil
}

func sortNewestFirst(items []*models.WorkflowInstance) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
