package migration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/database"
)

func testManager(t *testing.T) *database.Manager {
	t.Helper()
	cfg := config.DatabaseConfig{
		URL:                 "sqlite:" + filepath.Join(t.TempDir(), "fleet.db"),
		PoolSize:            2,
		MaxOverflow:         2,
		PoolTimeout:         5,
		PoolRecycle:         3600,
		HealthCheckInterval: 3600,
		HealthCheckTimeout:  2,
		FailureThreshold:    3,
		RetryDelay:          0.01,
	}
	m := database.New(cfg)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func newTestEngine(t *testing.T) (*Engine, *database.Manager) {
	t.Helper()
	m := testManager(t)
	e := NewEngine(m, filepath.Join(t.TempDir(), "migrations"))
	return e, m
}

func writeRevision(t *testing.T, e *Engine, version int64, name, up, down string) {
	t.Helper()
	if err := e.Initialize(); err != nil {
		t.Fatalf("initialize revision dir: %v", err)
	}
	body := fmt.Sprintf("-- +goose Up\n%s\n\n-- +goose Down\n%s\n", up, down)
	path := filepath.Join(e.Dir(), fmt.Sprintf("%05d_%s.sql", version, name))
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write revision: %v", err)
	}
}

func TestInitializeWritesMarkerOnce(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := e.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	marker := filepath.Join(e.Dir(), envMarkerFile)
	first, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("marker missing: %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	second, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("marker gone after second initialize: %v", err)
	}
	if string(first) != string(second) {
		t.Error("second Initialize rewrote the marker")
	}
}

func TestGenerateSequentialScripts(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Generate(ctx, "Add widgets table!", false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if base := filepath.Base(first); base != "00001_add_widgets_table.sql" {
		t.Errorf("first script = %s, want 00001_add_widgets_table.sql", base)
	}

	second, err := e.Generate(ctx, "tweak", false)
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if base := filepath.Base(second); base != "00002_tweak.sql" {
		t.Errorf("second script = %s, want 00002_tweak.sql", base)
	}

	body, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	for _, marker := range []string{"-- +goose Up", "-- +goose Down"} {
		if !strings.Contains(string(body), marker) {
			t.Errorf("script missing %q", marker)
		}
	}
}

func TestGenerateAutoBaselineAppliesAndValidates(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	path, err := e.Generate(ctx, "baseline", true)
	if err != nil {
		t.Fatalf("generate auto: %v", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	for _, table := range []string{"users", "devices", "telemetry_events", "audit_logs"} {
		if !strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("baseline script missing table %s", table)
		}
	}

	applied, err := e.Apply(ctx, 0)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) != 1 || applied[0].Version != 1 {
		t.Fatalf("applied = %+v, want single version 1", applied)
	}

	current, err := e.CurrentRevision(ctx)
	if err != nil {
		t.Fatalf("current revision: %v", err)
	}
	if current != 1 {
		t.Errorf("current revision = %d, want 1", current)
	}

	valid, issues, err := e.ValidateSchema(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !valid {
		t.Errorf("schema invalid after baseline: %v", issues)
	}
}

func TestApplyAndRollbackWalk(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	writeRevision(t, e, 1, "widgets",
		"CREATE TABLE widgets (id TEXT PRIMARY KEY);",
		"DROP TABLE widgets;")
	writeRevision(t, e, 2, "gadgets",
		"CREATE TABLE gadgets (id TEXT PRIMARY KEY);",
		"DROP TABLE gadgets;")

	applied, err := e.Apply(ctx, 0)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied %d revisions, want 2", len(applied))
	}
	if current, _ := e.CurrentRevision(ctx); current != 2 {
		t.Errorf("current revision = %d, want 2", current)
	}

	history, err := e.History(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d entries, want 2", len(history))
	}
	for _, r := range history {
		if !r.Applied {
			t.Errorf("revision %d not marked applied", r.Version)
		}
	}

	reverted, err := e.Rollback(ctx, 1)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(reverted) != 1 || reverted[0].Version != 2 {
		t.Fatalf("reverted = %+v, want single version 2", reverted)
	}
	if current, _ := e.CurrentRevision(ctx); current != 1 {
		t.Errorf("current revision after rollback = %d, want 1", current)
	}

	pending, err := e.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Version != 2 {
		t.Errorf("pending = %+v, want version 2", pending)
	}
}

func TestApplyStopsAtTarget(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	writeRevision(t, e, 1, "widgets",
		"CREATE TABLE widgets (id TEXT PRIMARY KEY);",
		"DROP TABLE widgets;")
	writeRevision(t, e, 2, "gadgets",
		"CREATE TABLE gadgets (id TEXT PRIMARY KEY);",
		"DROP TABLE gadgets;")

	applied, err := e.Apply(ctx, 1)
	if err != nil {
		t.Fatalf("apply to 1: %v", err)
	}
	if len(applied) != 1 || applied[0].Version != 1 {
		t.Fatalf("applied = %+v, want only version 1", applied)
	}
	if current, _ := e.CurrentRevision(ctx); current != 1 {
		t.Errorf("current revision = %d, want 1", current)
	}
}

func TestEmptyRevisionDirectoryIsQuiet(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if applied, err := e.Apply(ctx, 0); err != nil || applied != nil {
		t.Errorf("apply on empty dir = (%v, %v), want (nil, nil)", applied, err)
	}
	if current, err := e.CurrentRevision(ctx); err != nil || current != 0 {
		t.Errorf("current revision = (%d, %v), want (0, nil)", current, err)
	}
	if pending, err := e.Pending(ctx); err != nil || pending != nil {
		t.Errorf("pending = (%v, %v), want (nil, nil)", pending, err)
	}
}

func TestValidateSchemaFindsDrift(t *testing.T) {
	e, m := newTestEngine(t)
	ctx := context.Background()

	if err := e.CreateTables(ctx); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	valid, issues, err := e.ValidateSchema(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !valid {
		t.Fatalf("fresh schema reported invalid: %v", issues)
	}

	if _, err := m.Execute(ctx, "DROP TABLE alerts"); err != nil {
		t.Fatalf("drop alerts: %v", err)
	}
	if _, err := m.Execute(ctx, "CREATE TABLE stray (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("create stray: %v", err)
	}
	if _, err := m.Execute(ctx, "ALTER TABLE devices DROP COLUMN model"); err != nil {
		t.Fatalf("drop column: %v", err)
	}

	valid, issues, err = e.ValidateSchema(ctx)
	if err != nil {
		t.Fatalf("validate drifted schema: %v", err)
	}
	if valid {
		t.Fatal("drifted schema reported valid")
	}
	joined := strings.Join(issues, "\n")
	for _, want := range []string{"missing table: alerts", "extra table: stray", "devices: missing column model"} {
		if !strings.Contains(joined, want) {
			t.Errorf("issues missing %q; got:\n%s", want, joined)
		}
	}
}

func TestGenerateAutoRepairsDrift(t *testing.T) {
	e, m := newTestEngine(t)
	ctx := context.Background()

	if err := e.CreateTables(ctx); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	if _, err := m.Execute(ctx, "ALTER TABLE devices DROP COLUMN model"); err != nil {
		t.Fatalf("drop column: %v", err)
	}
	if _, err := m.Execute(ctx, "CREATE TABLE stray (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("create stray: %v", err)
	}

	path, err := e.Generate(ctx, "repair", true)
	if err != nil {
		t.Fatalf("generate auto: %v", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	if !strings.Contains(string(body), "ALTER TABLE devices ADD COLUMN model TEXT") {
		t.Errorf("repair script missing column add:\n%s", body)
	}
	if !strings.Contains(string(body), "DROP TABLE IF EXISTS stray;") {
		t.Errorf("repair script missing stray drop:\n%s", body)
	}

	if _, err := e.Apply(ctx, 0); err != nil {
		t.Fatalf("apply repair: %v", err)
	}
	valid, issues, err := e.ValidateSchema(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !valid {
		t.Errorf("schema still drifted after repair: %v", issues)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	e, m := newTestEngine(t)
	ctx := context.Background()

	if err := e.CreateTables(ctx); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	insert := "INSERT INTO devices (id, created_at, updated_at, is_deleted, name, device_type, status) VALUES (?, ?, ?, ?, ?, ?, ?)"
	now := time.Now().UTC()
	if _, err := m.Execute(ctx, insert, "dev-1", now, now, false, "pump-a", "sensor", "online"); err != nil {
		t.Fatalf("insert first device: %v", err)
	}

	backup := filepath.Join(t.TempDir(), "snap.db")
	if err := e.Backup(ctx, backup); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := os.Stat(backup); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	if _, err := m.Execute(ctx, insert, "dev-2", now, now, false, "pump-b", "sensor", "online"); err != nil {
		t.Fatalf("insert second device: %v", err)
	}

	if err := e.RestoreBackup(ctx, backup); err != nil {
		t.Fatalf("restore: %v", err)
	}
	var count int
	if err := m.Engine().GetContext(ctx, &count, "SELECT COUNT(*) FROM devices"); err != nil {
		t.Fatalf("count after restore: %v", err)
	}
	if count != 1 {
		t.Errorf("devices after restore = %d, want 1", count)
	}
	if !m.CheckConnection(ctx) {
		t.Error("engine unusable after restore")
	}
}

func TestRestoreRejectsForeignFile(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	bogus := filepath.Join(t.TempDir(), "not-a-db.db")
	if err := os.WriteFile(bogus, []byte("definitely not sqlite"), 0600); err != nil {
		t.Fatalf("write bogus file: %v", err)
	}
	err := e.RestoreBackup(ctx, bogus)
	if err == nil || !strings.Contains(err.Error(), "not a sqlite database") {
		t.Errorf("restore error = %v, want sqlite header rejection", err)
	}
	if err := e.RestoreBackup(ctx, filepath.Join(t.TempDir(), "missing.db")); err == nil {
		t.Error("restore from missing file should fail")
	}
}

func TestSnakeName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Add widgets table!", "add_widgets_table"},
		{"  spaced   out  ", "spaced_out"},
		{"UPPER-case.v2", "upper_case_v2"},
		{"", "revision"},
		{"!!!", "revision"},
	}
	for _, c := range cases {
		if got := snakeName(c.in); got != c.want {
			t.Errorf("snakeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRevisionName(t *testing.T) {
	if got := revisionName("/srv/migrations/00012_add_users.sql"); got != "add_users" {
		t.Errorf("revisionName = %q, want add_users", got)
	}
	if got := revisionName("odd-file.sql"); got != "odd-file" {
		t.Errorf("revisionName fallback = %q, want odd-file", got)
	}
}
