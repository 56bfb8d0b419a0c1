package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
)

// ErrCircuitOpen is returned while the breaker rejects transactions
var ErrCircuitOpen = errors.New("database circuit breaker is open")

// Pool is the pgx connection pool with a circuit breaker around writes
type Pool struct {
	*pgxpool.Pool
	logger  *zap.Logger
	breaker *CircuitBreaker
}

// CircuitBreaker opens after threshold consecutive failures and half-opens
// after timeout
type CircuitBreaker struct {
	mu              sync.Mutex
	failureCount    int
	lastFailureTime time.Time
	state           CircuitState
	timeout         time.Duration
	threshold       int
}

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, timeout: timeout, state: CircuitClosed}
}

// Connect opens and pings a pool for cfg.URL
func Connect(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	configure(poolCfg, cfg, logger)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection pool established",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.Int("max_connections", int(poolCfg.MaxConns)))

	return &Pool{
		Pool:    pool,
		logger:  logger,
		breaker: NewCircuitBreaker(10, 30*time.Second),
	}, nil
}

func configure(pc *pgxpool.Config, cfg *config.DatabaseConfig, logger *zap.Logger) {
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	} else {
		pc.MaxConns = 25
	}
	if cfg.MaxIdleConns > 0 {
		pc.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	} else {
		pc.MaxConnLifetime = 30 * time.Minute
	}
	pc.MaxConnIdleTime = 10 * time.Minute
	pc.HealthCheckPeriod = time.Minute
	pc.ConnConfig.ConnectTimeout = 5 * time.Second

	if pc.ConnConfig.RuntimeParams == nil {
		pc.ConnConfig.RuntimeParams = map[string]string{}
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "claims_fraud_engine"
	pc.ConnConfig.RuntimeParams["timezone"] = "UTC"
	pc.ConnConfig.RuntimeParams["statement_timeout"] = "30s"
	pc.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60s"

	pc.BeforeConnect = func(ctx context.Context, cc *pgx.ConnConfig) error {
		logger.Debug("establishing database connection",
			zap.String("host", cc.Host),
			zap.Uint16("port", cc.Port))
		return nil
	}
}

// Transaction runs fn in a read-committed transaction
func (p *Pool) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	return p.TransactionWithOptions(ctx, pgx.TxOptions{}, fn)
}

// TransactionWithOptions runs fn in a transaction. Failures feed the
// circuit breaker.
func (p *Pool) TransactionWithOptions(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	if !p.breaker.Allow() {
		return ErrCircuitOpen
	}
	err := pgx.BeginTxFunc(ctx, p.Pool, opts, fn)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}
	p.breaker.RecordSuccess()
	return nil
}

// Stats logs the pool counters at debug level and returns them
func (p *Pool) Stats() *pgxpool.Stat {
	s := p.Pool.Stat()
	p.logger.Debug("database pool stats",
		zap.Int32("total", s.TotalConns()),
		zap.Int32("idle", s.IdleConns()),
		zap.Int32("acquired", s.AcquiredConns()),
		zap.Int64("acquire_count", s.AcquireCount()))
	return s
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.timeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	}
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.state = CircuitClosed
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State reports the breaker state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
