package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pipeline-works/contentflow/internal/config"
)

// Open builds the backend selected by cfg. The returned store owns any
// connection it opened and releases it on Close.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	opts := []Option{WithTTL(cfg.TTL), WithKeyPrefix(cfg.KeyPrefix)}

	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(opts...), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		s := NewRedisStore(client, opts...)
		s.ownClient = true
		return s, nil

	case "sqlite":
		return openSQL(ctx, DialectSQLite, cfg.SQLite.Path, opts)

	case "postgres":
		return openSQL(ctx, DialectPostgres, cfg.Postgres.DSN, opts)

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func openSQL(ctx context.Context, dialect Dialect, dsn string, opts []Option) (*SQLStore, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.DriverName(), err)
	}
	if dialect == DialectSQLite {
		// A single connection keeps :memory: databases coherent and avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect.DriverName(), err)
	}

	s, err := NewSQLStore(ctx, db, dialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownDB = true
	return s, nil
}
