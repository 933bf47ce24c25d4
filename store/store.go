// Package store is Athena's durable store (C1): a typed, transactional
// persistence layer over postgres+pgvector or sqlite, with a
// forward-only migration runner and a dialect-aware vector_search
// primitive.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/shawkridge/athena/config"
	"github.com/shawkridge/athena/errs"
)

// Store is the single connection-pooled handle every memory layer
// builds its persistence on.
type Store struct {
	Pool    *Pool
	Dialect Dialect
	ids     *idGenerator
	logger  *zap.Logger
}

// Open connects to the configured backing store (postgres or sqlite),
// wires the connection pool, and returns a ready-to-migrate Store. It
// does not run migrations — call Migrate explicitly so callers control
// when schema changes happen.
func Open(cfg config.StoreConfig, generatorID int64, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "unsupported store driver")
	}

	var dialector gorm.Dialector
	switch dialect {
	case DialectPostgres:
		dialector = postgres.Open(cfg.DSN())
	case DialectSQLite:
		dialector = sqlite.Open(cfg.DSN())
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "open store connection")
	}

	poolCfg := DefaultPoolConfig()
	poolCfg.MaxOpenConns = cfg.MaxOpenConns
	poolCfg.MaxIdleConns = cfg.MaxIdleConns
	poolCfg.ConnMaxLifetime = cfg.ConnMaxLifetime

	pool, err := NewPool(db, poolCfg, logger)
	if err != nil {
		return nil, err
	}

	return &Store{
		Pool:    pool,
		Dialect: dialect,
		ids:     newIDGenerator(generatorID),
		logger:  logger.With(zap.String("component", "store")),
	}, nil
}

// Migrate applies all pending migrations for the Store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	sqlDB, err := s.Pool.DB().DB()
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "get sql.DB for migration")
	}

	mig, err := NewMigrator(s.Dialect, sqlDB)
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "create migrator")
	}

	if err := mig.Up(ctx); err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "apply migrations")
	}
	return nil
}

// NextID returns the next process-wide unique, time-ordered entity ID.
func (s *Store) NextID() int64 {
	var n int64
	_, _ = fmt.Sscanf(string(s.ids.next()), "%d", &n)
	return n
}

// Close releases the Store's connection pool.
func (s *Store) Close() error {
	return s.Pool.Close()
}

// VectorHit is one result row of a VectorSearch call.
type VectorHit struct {
	ID       int64
	Distance float64
}

// VectorSearch implements the spec's vector_search(table, query_vec, k,
// filter) primitive. On postgres it delegates to pgvector's <-> ANN
// operator; on sqlite (no native vector index) it falls back to
// brute-force cosine distance, acceptable at the scale a single-tenant
// sqlite deployment is expected to serve.
func (s *Store) VectorSearch(ctx context.Context, table string, query Vector, k int, projectScope string) ([]VectorHit, error) {
	switch s.Dialect {
	case DialectPostgres:
		return s.vectorSearchPostgres(ctx, table, query, k, projectScope)
	case DialectSQLite:
		return s.vectorSearchSQLite(ctx, table, query, k, projectScope)
	default:
		return nil, fmt.Errorf("store: unsupported dialect %s", s.Dialect)
	}
}

func (s *Store) vectorSearchPostgres(ctx context.Context, table string, query Vector, k int, projectScope string) ([]VectorHit, error) {
	var hits []VectorHit
	sqlStr := fmt.Sprintf(
		`SELECT id, (embedding <-> ?) AS distance FROM %s WHERE project_scope = ? AND embedding IS NOT NULL ORDER BY embedding <-> ? LIMIT ?`,
		table,
	)
	lit := query.PgvectorLiteral()
	rows, err := s.Pool.DB().WithContext(ctx).Raw(sqlStr, lit, projectScope, lit, k).Rows()
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "vector search")
	}
	defer rows.Close()

	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.ID, &h.Distance); err != nil {
			return nil, errs.Wrap(errs.StoreUnavailable, err, "scan vector search row")
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
