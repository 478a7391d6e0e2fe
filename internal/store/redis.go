package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pipeline-works/contentflow/internal/models"
)

// RedisStore keeps snapshots in Redis with native key expiry:
//
//	<prefix>workflow:<id>     => JSON WorkflowInstance, TTL refreshed on every save
//	<prefix>approval:<id>     => JSON ApprovalRequest
//	<prefix>index:workflows   => ZSET of workflow ids scored by creation time
//
// The index is best-effort; List drops members whose record has expired.
type RedisStore struct {
	client    redis.UniversalClient
	opts      options
	ownClient bool
}

var _ Store = (*RedisStore)(nil)

const resolveAttempts = 3

// NewRedisStore wraps an existing client. The caller keeps ownership of it.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{client: client, opts: applyOptions(opts)}
}

func (r *RedisStore) key(k string) string {
	return r.opts.prefix + k
}

func (r *RedisStore) indexKey() string {
	return r.opts.prefix + "index:workflows"
}

func (r *RedisStore) Create(ctx context.Context, inst *models.WorkflowInstance) error {
	data, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	ok, err := r.client.SetNX(ctx, r.key(WorkflowKey(inst.ID)), data, r.opts.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create workflow %s: %w", inst.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: workflow %s", ErrAlreadyExists, inst.ID)
	}

	r.index(ctx, inst)
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	data, err := r.client.Get(ctx, r.key(WorkflowKey(id))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	return decodeInstance(data)
}

func (r *RedisStore) Save(ctx context.Context, inst *models.WorkflowInstance) error {
	data, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.key(WorkflowKey(inst.ID)), data, r.opts.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", inst.ID, err)
	}

	r.index(ctx, inst)
	return nil
}

// index records the instance in the listing set. Failures only degrade List.
func (r *RedisStore) index(ctx context.Context, inst *models.WorkflowInstance) {
	_ = r.client.ZAdd(ctx, r.indexKey(), redis.Z{
		Score:  float64(inst.CreatedAt.UnixNano()),
		Member: inst.ID,
	}).Err()
}

func (r *RedisStore) List(ctx context.Context, filter *ListFilter) ([]*models.WorkflowInstance, error) {
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow index: %w", err)
	}
	if len(ids) == 0 {
		return []*models.WorkflowInstance{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(WorkflowKey(id))
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}

	var (
		results []*models.WorkflowInstance
		stale   []any
	)
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		inst, err := decodeInstance([]byte(s))
		if err != nil {
			continue
		}
		if filter.matches(inst) {
			results = append(results, inst)
		}
	}

	if len(stale) > 0 {
		_ = r.client.ZRem(ctx, r.indexKey(), stale...).Err()
	}

	sortNewestFirst(results)
	return filter.page(results), nil
}

func (r *RedisStore) CreateApproval(ctx context.Context, req *models.ApprovalRequest) error {
	data, err := encodeApproval(req)
	if err != nil {
		return err
	}

	ttl := r.opts.approvalExpiry(req).Sub(r.opts.now())
	ok, err := r.client.SetNX(ctx, r.key(ApprovalKey(req.ID)), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create approval %s: %w", req.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: approval %s", ErrAlreadyExists, req.ID)
	}
	return nil
}

func (r *RedisStore) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	data, err := r.client.Get(ctx, r.key(ApprovalKey(id))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: approval %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get approval %s: %w", id, err)
	}
	return decodeApproval(data)
}

// ResolveApproval uses optimistic locking so two deciders cannot both win.
func (r *RedisStore) ResolveApproval(ctx context.Context, id string, decision models.Decision, by, reason string) (*models.ApprovalRequest, error) {
	key := r.key(ApprovalKey(id))

	var result *models.ApprovalRequest
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: approval %s", ErrNotFound, id)
			}
			return err
		}

		req, err := decodeApproval(data)
		if err != nil {
			return err
		}
		result = req
		if err := resolve(req, decision, by, reason, r.opts.now().UTC()); err != nil {
			return err
		}

		updated, err := encodeApproval(req)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < resolveAttempts; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return result, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("failed to resolve approval %s: concurrent updates", id)
}

func (r *RedisStore) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}
