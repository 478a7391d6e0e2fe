package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/pipeline-works/contentflow/internal/models"
)

// Dialect captures the few differences between the supported SQL engines.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	case DialectPostgres:
		return "pgx"
	default:
		return ""
	}
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (d Dialect) blobType() string {
	if d == DialectPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

// SQLStore keeps snapshots in a relational table. The expires_at column holds
// unix nanoseconds and is filtered on every read.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	opts    options
	ownDB   bool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the schema if needed. The caller keeps ownership of db.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, opts: applyOptions(opts)}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	blob := s.dialect.blobType()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			data ` + blob + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS workflows_state_idx ON workflows (state)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			decision TEXT NOT NULL,
			expires_at BIGINT NOT NULL,
			data ` + blob + ` NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) nowNanos() int64 {
	return s.opts.now().UnixNano()
}

func (s *SQLStore) Create(ctx context.Context, inst *models.WorkflowInstance) error {
	data, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	// Expired rows do not block reuse of their id.
	if _, err := s.exec(ctx, `DELETE FROM workflows WHERE id = ? AND expires_at <= ?`, inst.ID, s.nowNanos()); err != nil {
		return fmt.Errorf("failed to create workflow %s: %w", inst.ID, err)
	}

	res, err := s.exec(ctx, `
		INSERT INTO workflows (id, kind, state, created_at, expires_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		inst.ID, inst.Kind, string(inst.State), inst.CreatedAt.UnixNano(),
		s.opts.now().Add(s.opts.ttl).UnixNano(), data,
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow %s: %w", inst.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: workflow %s", ErrAlreadyExists, inst.ID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT data FROM workflows WHERE id = ? AND expires_at > ?`),
		id, s.nowNanos(),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	return decodeInstance(data)
}

func (s *SQLStore) Save(ctx context.Context, inst *models.WorkflowInstance) error {
	data, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO workflows (id, kind, state, created_at, expires_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind,
			state = excluded.state,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			data = excluded.data`,
		inst.ID, inst.Kind, string(inst.State), inst.CreatedAt.UnixNano(),
		s.opts.now().Add(s.opts.ttl).UnixNano(), data,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", inst.ID, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, filter *ListFilter) ([]*models.WorkflowInstance, error) {
	query := `SELECT data FROM workflows WHERE expires_at > ?`
	args := []any{s.nowNanos()}

	if filter != nil {
		if filter.Kind != "" {
			query += ` AND kind = ?`
			args = append(args, filter.Kind)
		}
		if len(filter.States) > 0 {
			placeholders := make([]string, len(filter.States))
			for i, st := range filter.States {
				placeholders[i] = "?"
				args = append(args, string(st))
			}
			query += ` AND state IN (` + strings.Join(placeholders, ", ") + `)`
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter != nil && filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	} else if filter != nil && filter.Offset > 0 {
		if s.dialect == DialectSQLite {
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	results := []*models.WorkflowInstance{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		inst, err := decodeInstance(data)
		if err != nil {
			continue
		}
		results = append(results, inst)
	}
	return results, rows.Err()
}

func (s *SQLStore) CreateApproval(ctx context.Context, req *models.ApprovalRequest) error {
	data, err := encodeApproval(req)
	if err != nil {
		return err
	}

	if _, err := s.exec(ctx, `DELETE FROM approvals WHERE id = ? AND expires_at <= ?`, req.ID, s.nowNanos()); err != nil {
		return fmt.Errorf("failed to create approval %s: %w", req.ID, err)
	}

	res, err := s.exec(ctx, `
		INSERT INTO approvals (id, workflow_id, decision, expires_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		req.ID, req.WorkflowID, string(req.Decision), s.opts.approvalExpiry(req).UnixNano(), data,
	)
	if err != nil {
		return fmt.Errorf("failed to create approval %s: %w", req.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: approval %s", ErrAlreadyExists, req.ID)
	}
	return nil
}

func (s *SQLStore) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT data FROM approvals WHERE id = ? AND expires_at > ?`),
		id, s.nowNanos(),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: approval %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get approval %s: %w", id, err)
	}
	return decodeApproval(data)
}

// ResolveApproval only updates rows still pending, so concurrent deciders race
// on the decision column rather than overwriting each other.
func (s *SQLStore) ResolveApproval(ctx context.Context, id string, decision models.Decision, by, reason string) (*models.ApprovalRequest, error) {
	req, err := s.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := resolve(req, decision, by, reason, s.opts.now().UTC()); err != nil {
		return req, err
	}

	data, err := encodeApproval(req)
	if err != nil {
		return nil, err
	}

	res, err := s.exec(ctx,
		`UPDATE approvals SET decision = ?, data = ? WHERE id = ? AND decision = ?`,
		string(req.Decision), data, id, string(models.DecisionPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve approval %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		current, gerr := s.GetApproval(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return current, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, current.Decision)
	}
	return req, nil
}

func (s *SQLStore) Close() error {
	if s.ownDB {
		return s.db.Close()
	}
	return nil
}
