package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shawkridge/athena/errs"
)

// PoolConfig tunes the underlying *sql.DB connection pool.
type PoolConfig struct {
	MaxIdleConns        int
	MaxOpenConns        int
	ConnMaxLifetime     time.Duration
	ConnMaxIdleTime     time.Duration
	HealthCheckInterval time.Duration
}

// DefaultPoolConfig returns sensible pool tuning defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        5,
		MaxOpenConns:        25,
		ConnMaxLifetime:     5 * time.Minute,
		ConnMaxIdleTime:     2 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Pool owns the connection pool and transaction helper every memory
// layer builds its persistence on. Connections are scoped resources:
// every acquisition goes through WithTransaction/WithTransactionRetry or
// the raw DB() accessor and is released on every exit path including
// context cancellation.
type Pool struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config PoolConfig
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool

	stopHealthCheck chan struct{}
}

// NewPool wraps an existing *gorm.DB with pool tuning, a background
// health-check loop, and Athena's transaction-retry helper.
func NewPool(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*Pool, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db cannot be nil")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	p := &Pool{
		db:              db,
		sqlDB:           sqlDB,
		config:          config,
		logger:          logger.With(zap.String("component", "store_pool")),
		stopHealthCheck: make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		go p.healthCheckLoop()
	}

	p.logger.Info("store pool initialized",
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Duration("conn_max_lifetime", config.ConnMaxLifetime),
	)

	return p, nil
}

// DB returns the underlying *gorm.DB handle.
func (p *Pool) DB() *gorm.DB {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.db
}

// Ping checks connectivity, translating failures to errs.StoreUnavailable.
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errs.New(errs.StoreUnavailable, "pool is closed")
	}
	if err := p.sqlDB.PingContext(ctx); err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "ping failed")
	}
	return nil
}

// Stats returns the standard library's connection pool statistics.
func (p *Pool) Stats() sql.DBStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sqlDB.Stats()
}

// Close stops the health-check loop and closes the underlying pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stopHealthCheck)
	p.logger.Info("closing store pool")
	return p.sqlDB.Close()
}

func (p *Pool) healthCheckLoop() {
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopHealthCheck:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.Ping(ctx); err != nil {
				p.logger.Error("store pool health check failed", zap.Error(err))
			} else {
				stats := p.Stats()
				p.logger.Debug("store pool health check passed",
					zap.Int("open_connections", stats.OpenConnections),
					zap.Int("in_use", stats.InUse),
					zap.Int("idle", stats.Idle),
				)
			}
			cancel()
		}
	}
}

// TxFunc is a unit of work run inside one transaction, at the database's
// default isolation level.
type TxFunc func(tx *gorm.DB) error

// WithTransaction runs fn inside a single transaction. Cross-layer
// writes that must be atomic (e.g. an event insert plus its meta
// back-reference) share one call to this method.
func (p *Pool) WithTransaction(ctx context.Context, fn TxFunc) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errs.New(errs.StoreUnavailable, "pool is closed")
	}
	db := p.db
	p.mu.RUnlock()

	if err := db.WithContext(ctx).Transaction(fn); err != nil {
		if isRetryableStoreError(err) {
			return errs.Wrap(errs.StoreUnavailable, err, "transaction failed")
		}
		return err
	}
	return nil
}

// WithTransactionRetry retries fn with exponential backoff when it fails
// with a transient error (deadlock, serialization failure, dropped
// connection); non-retryable failures return immediately.
func (p *Pool) WithTransactionRetry(ctx context.Context, maxRetries int, fn TxFunc) error {
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := p.WithTransaction(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableStoreError(err) {
			return err
		}

		p.logger.Warn("store transaction failed, retrying",
			zap.Int("attempt", i+1),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		backoff := time.Duration(1<<uint(i)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return errs.Wrap(errs.StoreUnavailable, lastErr, fmt.Sprintf("transaction failed after %d retries", maxRetries))
}

// isRetryableStoreError recognizes the transient failure classes a
// caller may usefully retry: deadlocks, serialization failures, and
// dropped connections.
func isRetryableStoreError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "serialization failure"),
		strings.Contains(msg, "40001"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "lock timeout"),
		strings.Contains(msg, "lock wait timeout"),
		strings.Contains(msg, "bad connection"),
		strings.Contains(msg, "database is locked"):
		return true
	default:
		return false
	}
}
