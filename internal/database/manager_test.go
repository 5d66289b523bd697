package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/runtimectx"
)

func testConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()
	return config.DatabaseConfig{
		URL:                 "sqlite:" + filepath.Join(t.TempDir(), "test.db"),
		PoolSize:            2,
		MaxOverflow:         2,
		PoolTimeout:         5,
		PoolRecycle:         3600,
		HealthCheckInterval: 3600, // effectively never ticks during a test
		HealthCheckTimeout:  2,
		FailureThreshold:    3,
		RetryDelay:          0.01,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := New(testConfig(t))
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestInitializeIdempotent(t *testing.T) {
	m := newTestManager(t)

	first := m.Engine()
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if m.Engine() != first {
		t.Error("second Initialize replaced the engine")
	}
}

func TestWithSessionCarriesAmbientSession(t *testing.T) {
	m := newTestManager(t)

	err := m.WithSession(context.Background(), func(ctx context.Context, s Session) error {
		ambient, ok := runtimectx.SessionFrom(ctx)
		if !ok {
			t.Fatal("session missing from context inside scope")
		}
		if ambient != s {
			t.Error("ambient session differs from the yielded session")
		}
		var one int
		return s.GetContext(ctx, &one, "SELECT 1")
	})
	if err != nil {
		t.Fatalf("with session: %v", err)
	}
}

func TestWithTransactionCommitsAndRestoresCounter(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Execute(ctx, "CREATE TABLE pings (n INTEGER)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	before := m.Statistics().InFlight
	err := m.WithTransaction(ctx, func(ctx context.Context, s Session) error {
		_, err := s.ExecContext(ctx, "INSERT INTO pings (n) VALUES (1)")
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if got := m.Statistics().InFlight; got != before {
		t.Errorf("in-flight counter = %d, want %d", got, before)
	}

	var count int
	if err := m.engine().GetContext(ctx, &count, "SELECT COUNT(*) FROM pings"); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("committed rows = %d, want 1", count)
	}
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Execute(ctx, "CREATE TABLE pings (n INTEGER)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	boom := errors.New("boom")
	err := m.WithTransaction(ctx, func(ctx context.Context, s Session) error {
		if _, err := s.ExecContext(ctx, "INSERT INTO pings (n) VALUES (1)"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("transaction error = %v, want boom", err)
	}
	if got := m.Statistics().InFlight; got != 0 {
		t.Errorf("in-flight counter = %d after rollback, want 0", got)
	}

	var count int
	if err := m.engine().GetContext(ctx, &count, "SELECT COUNT(*) FROM pings"); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("rows after rollback = %d, want 0", count)
	}
}

func TestWithTransactionRestoresCounterOnPanic(t *testing.T) {
	m := newTestManager(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = m.WithTransaction(context.Background(), func(ctx context.Context, s Session) error {
			panic("kaboom")
		})
	}()

	if got := m.Statistics().InFlight; got != 0 {
		t.Errorf("in-flight counter = %d after panic, want 0", got)
	}
}

func TestWithSessionPoolExhausted(t *testing.T) {
	cfg := testConfig(t)
	cfg.PoolTimeout = 0.2
	m := New(cfg)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer m.Shutdown(context.Background())

	// The embedded engine pools a single connection; holding it while
	// asking for another must trip the pool timeout.
	err := m.WithSession(context.Background(), func(ctx context.Context, s Session) error {
		return m.WithSession(context.Background(), func(ctx context.Context, s Session) error {
			return nil
		})
	})
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("nested session error = %v, want ErrPoolExhausted", err)
	}
}

func TestExecuteAndCheckConnection(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if !m.CheckConnection(ctx) {
		t.Error("CheckConnection = false on a live engine")
	}
	if _, err := m.Execute(ctx, "CREATE TABLE t (id TEXT)"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := m.Execute(ctx, "INSERT INTO t (id) VALUES (?)", "a"); err != nil {
		t.Fatalf("parameterized execute: %v", err)
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	m := New(testConfig(t))

	if err := m.WithSession(context.Background(), func(context.Context, Session) error { return nil }); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("WithSession = %v, want ErrNotInitialized", err)
	}
	if _, err := m.Execute(context.Background(), "SELECT 1"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Execute = %v, want ErrNotInitialized", err)
	}
	if m.CheckConnection(context.Background()) {
		t.Error("CheckConnection should fail before Initialize")
	}
}

func TestTestConnectionWithRetryGivesUp(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg)
	// Never initialized: every attempt fails fast with ErrNotInitialized.
	start := time.Now()
	err := m.TestConnectionWithRetry(context.Background(), 2, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected failure")
	}
	// Delays double: 10ms + 20ms.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("retry finished in %v, want >= 30ms of backoff", elapsed)
	}
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("error type = %T, want *ConnectionError", err)
	}
}

func TestRecreateEngineSwapsIdentity(t *testing.T) {
	m := newTestManager(t)
	old := m.Engine()

	if err := m.RecreateEngine(context.Background()); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if m.Engine() == old {
		t.Error("RecreateEngine kept the old engine")
	}
	if !m.CheckConnection(context.Background()) {
		t.Error("recreated engine is not usable")
	}
}

func TestStatisticsSnapshot(t *testing.T) {
	m := newTestManager(t)
	_ = m.WithSession(context.Background(), func(ctx context.Context, s Session) error { return nil })

	stats := m.Statistics()
	if stats.Sessions < 1 {
		t.Errorf("sessions counter = %d, want >= 1", stats.Sessions)
	}
	if !stats.Info.Embedded || stats.Info.Dialect != DialectSQLite {
		t.Errorf("info = %+v, want embedded sqlite", stats.Info)
	}
	if stats.Health == nil {
		t.Error("statistics missing health snapshot")
	}
}

func TestCommitFailureCountsError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	m := New(testConfig(t))
	m.db = sqlx.NewDb(raw, "sqlmock")
	defer m.db.Close()

	errBefore := m.Statistics().Errors
	err = m.WithTransaction(context.Background(), func(ctx context.Context, s Session) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected commit failure")
	}
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Op != "commit" {
		t.Errorf("error = %v, want commit ConnectionError", err)
	}
	if got := m.Statistics().Errors; got != errBefore+1 {
		t.Errorf("error counter = %d, want %d", got, errBefore+1)
	}
	if got := m.Statistics().InFlight; got != 0 {
		t.Errorf("in-flight counter = %d, want 0", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBeginFailureSurfacesConnectionError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.ExpectBegin().WillReturnError(errors.New("server gone"))

	m := New(testConfig(t))
	m.db = sqlx.NewDb(raw, "sqlmock")
	defer m.db.Close()

	err = m.WithTransaction(context.Background(), func(ctx context.Context, s Session) error { return nil })
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Op != "begin transaction" {
		t.Fatalf("error = %v, want begin ConnectionError", err)
	}
	if got := m.Statistics().InFlight; got != 0 {
		t.Errorf("in-flight counter = %d, want 0", got)
	}
}
