// Package database owns the engine: pool construction, scoped session and
// transaction acquisition, health monitoring, and the dialect differences
// between the embedded and networked engines.
package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/metrics"
	"github.com/edgefleet/edgefleet/internal/runtimectx"
)

// Session is the query surface handed to scoped blocks and repositories.
// It is the ambient-context session type, so values flow between the
// manager and the runtime context without conversion.
type Session = runtimectx.Session

// Manager owns one engine, its session factory, and the health monitor.
type Manager struct {
	cfg config.DatabaseConfig

	mu      sync.RWMutex
	db      *sqlx.DB
	target  Target
	monitor *HealthMonitor

	// Counters. inFlight never goes negative; errors only increase.
	sessions     atomic.Int64
	transactions atomic.Int64
	errorCount   atomic.Int64
	inFlight     atomic.Int64
}

// Info is a structured snapshot of the engine configuration.
type Info struct {
	URL         string  `json:"url"`
	Dialect     Dialect `json:"dialect"`
	Embedded    bool    `json:"embedded"`
	Initialized bool    `json:"initialized"`
	PoolSize    int     `json:"poolSize"`
	MaxOverflow int     `json:"maxOverflow"`
	PrePing     bool    `json:"prePing"`
}

// Statistics combines pool, counter, and health state for observability.
type Statistics struct {
	Info            Info            `json:"info"`
	OpenConnections int             `json:"openConnections"`
	InUse           int             `json:"inUse"`
	Idle            int             `json:"idle"`
	WaitCount       int64           `json:"waitCount"`
	WaitDuration    time.Duration   `json:"waitDuration"`
	Sessions        int64           `json:"sessions"`
	Transactions    int64           `json:"transactions"`
	InFlight        int64           `json:"inFlight"`
	Errors          int64           `json:"errors"`
	Health          *HealthSnapshot `json:"health,omitempty"`
}

// New creates an uninitialized manager. Call Initialize before use.
func New(cfg config.DatabaseConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Initialize constructs the engine and starts the health monitor. It is
// idempotent: a second call leaves the existing engine in place.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return nil
	}

	db, target, err := m.openEngine(ctx, m.cfg.URL)
	if err != nil && m.cfg.EnableFailover {
		for _, failover := range m.cfg.FailoverURLs {
			log.Warn().Err(err).Str("url", failover).Msg("Primary database unavailable, trying failover")
			if db, target, err = m.openEngine(ctx, failover); err == nil {
				break
			}
		}
	}
	if err != nil {
		m.errorCount.Add(1)
		return &ConnectionError{Op: "initialize", Err: err}
	}

	m.db = db
	m.target = target

	if m.cfg.HealthCheckInterval > 0 {
		m.monitor = NewHealthMonitor(
			m.probe,
			config.Seconds(m.cfg.HealthCheckInterval),
			config.Seconds(m.cfg.HealthCheckTimeout),
			m.cfg.FailureThreshold,
		)
		m.monitor.Start(ctx)
	}

	log.Info().
		Str("url", target.Redacted).
		Str("dialect", string(target.Dialect)).
		Bool("embedded", target.Embedded).
		Msg("Database engine initialized")
	return nil
}

// openEngine opens, configures, and verifies one engine.
func (m *Manager) openEngine(ctx context.Context, rawURL string) (*sqlx.DB, Target, error) {
	target, err := ParseURL(rawURL, m.cfg.SSLMode, m.cfg.SSLRootCert, m.cfg.StatementTimeout)
	if err != nil {
		return nil, Target{}, err
	}

	db, err := sqlx.Open(target.Driver, target.DSN)
	if err != nil {
		return nil, Target{}, err
	}

	if target.Embedded {
		// The embedded engine wants a single writer; pooling is disabled.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(m.cfg.PoolSize + m.cfg.MaxOverflow)
		db.SetMaxIdleConns(m.cfg.PoolSize)
		db.SetConnMaxLifetime(config.Seconds(m.cfg.PoolRecycle))
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.Seconds(m.cfg.PoolTimeout))
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, Target{}, err
	}
	return db, target, nil
}

// Shutdown stops the health monitor and disposes the engine.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	db := m.db
	monitor := m.monitor
	m.db = nil
	m.monitor = nil
	m.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return &ConnectionError{Op: "shutdown", Err: err}
	}
	log.Info().Msg("Database engine disposed")
	return nil
}

// Engine returns the pooled engine as a Session for ad-hoc reads. Returns
// nil before Initialize.
func (m *Manager) Engine() Session {
	db := m.engine()
	if db == nil {
		return nil
	}
	return db
}

func (m *Manager) engine() *sqlx.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db
}

// DB exposes the raw pooled handle for tooling that speaks database/sql
// directly, such as the migration runner. The manager keeps ownership; the
// caller must not close it. Returns nil before Initialize.
func (m *Manager) DB() *sql.DB {
	db := m.engine()
	if db == nil {
		return nil
	}
	return db.DB
}

// Monitor returns the health monitor, or nil when disabled.
func (m *Manager) Monitor() *HealthMonitor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.monitor
}

// Target returns the parsed engine target.
func (m *Manager) Target() Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target
}

// probe is the health monitor's trivial query.
func (m *Manager) probe(ctx context.Context) error {
	db := m.engine()
	if db == nil {
		return ErrNotInitialized
	}
	var one int
	return db.GetContext(ctx, &one, "SELECT 1")
}

// WithSession checks a connection out of the pool and runs fn with it. The
// connection is released on every path, including panics. The session also
// rides the context so nested repository calls share it.
func (m *Manager) WithSession(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	db := m.engine()
	if db == nil {
		return ErrNotInitialized
	}

	acquireCtx, cancel := context.WithTimeout(ctx, config.Seconds(m.cfg.PoolTimeout))
	conn, err := db.Connx(acquireCtx)
	cancel()
	if err != nil {
		m.errorCount.Add(1)
		metrics.RecordDatabaseError()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrPoolExhausted
		}
		return &ConnectionError{Op: "acquire session", Err: err}
	}
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	if m.cfg.PoolPrePing {
		if err := conn.PingContext(ctx); err != nil {
			// The pooled connection went bad while idle; retire it and
			// check a fresh one out.
			conn.Close()
			m.errorCount.Add(1)
			metrics.RecordDatabaseError()
			if conn, err = db.Connx(ctx); err != nil {
				return &ConnectionError{Op: "acquire session", Err: err}
			}
		}
	}

	m.sessions.Add(1)
	metrics.RecordSession()
	m.publishPoolStats(db)

	if err := fn(runtimectx.WithSession(ctx, conn), conn); err != nil {
		if IsBackendError(err) {
			m.errorCount.Add(1)
			metrics.RecordDatabaseError()
		}
		return err
	}
	return nil
}

// WithTransaction begins a transaction, runs fn, and commits on success.
// Any error or panic rolls back. The in-flight counter is restored on every
// path.
func (m *Manager) WithTransaction(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	db := m.engine()
	if db == nil {
		return ErrNotInitialized
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		m.errorCount.Add(1)
		metrics.RecordDatabaseError()
		return &ConnectionError{Op: "begin transaction", Err: err}
	}

	m.transactions.Add(1)
	metrics.RecordTransaction()
	metrics.SetTransactionsInFlight(m.inFlight.Add(1))

	finished := false
	defer func() {
		if !finished {
			// fn panicked; roll back, restore the counter, and let the
			// panic continue.
			_ = tx.Rollback()
			metrics.SetTransactionsInFlight(m.inFlight.Add(-1))
		}
	}()

	err = fn(runtimectx.WithSession(ctx, tx), tx)
	finished = true
	metrics.SetTransactionsInFlight(m.inFlight.Add(-1))

	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error().Err(rbErr).Msg("Transaction rollback failed")
		}
		if IsBackendError(err) {
			m.errorCount.Add(1)
			metrics.RecordDatabaseError()
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		m.errorCount.Add(1)
		metrics.RecordDatabaseError()
		return &ConnectionError{Op: "commit", Err: err}
	}
	return nil
}

// Execute runs one parameterized statement against the pool.
func (m *Manager) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db := m.engine()
	if db == nil {
		return nil, ErrNotInitialized
	}
	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		m.errorCount.Add(1)
		metrics.RecordDatabaseError()
		return nil, &ConnectionError{Op: "execute", Err: err}
	}
	return res, nil
}

// CheckConnection runs a one-shot probe and reports the outcome.
func (m *Manager) CheckConnection(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, config.Seconds(m.cfg.HealthCheckTimeout))
	defer cancel()
	return m.probe(probeCtx) == nil
}

// TestConnectionWithRetry probes the engine up to maxRetries+1 times,
// doubling the delay between attempts.
func (m *Manager) TestConnectionWithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration) error {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		probeCtx, cancel := context.WithTimeout(ctx, config.Seconds(m.cfg.HealthCheckTimeout))
		lastErr = m.probe(probeCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("Connection test failed")
	}
	m.errorCount.Add(1)
	metrics.RecordDatabaseError()
	return &ConnectionError{Op: "test connection", Err: lastErr}
}

// RecreateEngine builds a replacement engine and only then disposes the
// old one, for disaster recovery after a confirmed-dead pool.
func (m *Manager) RecreateEngine(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return ErrNotInitialized
	}

	db, target, err := m.openEngine(ctx, m.cfg.URL)
	if err != nil {
		m.errorCount.Add(1)
		return &ConnectionError{Op: "recreate engine", Err: err}
	}

	old := m.db
	oldMonitor := m.monitor
	m.db = db
	m.target = target

	if oldMonitor != nil {
		oldMonitor.Stop()
		m.monitor = NewHealthMonitor(
			m.probe,
			config.Seconds(m.cfg.HealthCheckInterval),
			config.Seconds(m.cfg.HealthCheckTimeout),
			m.cfg.FailureThreshold,
		)
		m.monitor.Start(ctx)
	}
	if err := old.Close(); err != nil {
		log.Warn().Err(err).Msg("Disposing previous engine failed")
	}
	log.Info().Str("url", target.Redacted).Msg("Database engine recreated")
	return nil
}

// Info returns the engine configuration snapshot.
func (m *Manager) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Info{
		URL:         m.target.Redacted,
		Dialect:     m.target.Dialect,
		Embedded:    m.target.Embedded,
		Initialized: m.db != nil,
		PoolSize:    m.cfg.PoolSize,
		MaxOverflow: m.cfg.MaxOverflow,
		PrePing:     m.cfg.PoolPrePing,
	}
}

// Statistics returns pool, counter, and health state.
func (m *Manager) Statistics() Statistics {
	stats := Statistics{
		Info:         m.Info(),
		Sessions:     m.sessions.Load(),
		Transactions: m.transactions.Load(),
		InFlight:     m.inFlight.Load(),
		Errors:       m.errorCount.Load(),
	}
	if db := m.engine(); db != nil {
		s := db.Stats()
		stats.OpenConnections = s.OpenConnections
		stats.InUse = s.InUse
		stats.Idle = s.Idle
		stats.WaitCount = s.WaitCount
		stats.WaitDuration = s.WaitDuration
	}
	if monitor := m.Monitor(); monitor != nil {
		snapshot := monitor.Snapshot()
		stats.Health = &snapshot
	}
	return stats
}

func (m *Manager) publishPoolStats(db *sqlx.DB) {
	s := db.Stats()
	metrics.SetPoolStats(s.OpenConnections, s.InUse, s.Idle)
}

// IsBackendError reports whether err came from the engine rather than from
// domain logic, for the error counter.
func IsBackendError(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, ErrPoolExhausted)
}
