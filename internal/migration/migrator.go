package migration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/database"
)

// Failure marks which stage of a guarded migration flow broke. When a
// pre-flight backup exists, a restore has already been attempted by the time
// the caller sees this.
type Failure struct {
	Stage string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("migration %s failed: %v", f.Stage, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Outcome reports what a guarded flow did.
type Outcome struct {
	Applied    []Revision    `json:"applied,omitempty"`
	Reverted   []Revision    `json:"reverted,omitempty"`
	BackupPath string        `json:"backupPath,omitempty"`
	Restored   bool          `json:"restored"`
	UpToDate   bool          `json:"upToDate"`
	Duration   time.Duration `json:"duration"`
}

// SafetyCheck is one pre-flight probe.
type SafetyCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// SafetyReport is the decision produced by ValidateMigrationSafety.
type SafetyReport struct {
	Safe           bool          `json:"safe"`
	Checks         []SafetyCheck `json:"checks"`
	PendingCount   int           `json:"pendingCount"`
	Recommendation string        `json:"recommendation"`
	GeneratedAt    time.Time     `json:"generatedAt"`
}

// Plan bundles everything an operator needs before approving a migration.
type Plan struct {
	CurrentRevision    int64         `json:"currentRevision"`
	Pending            []Revision    `json:"pending,omitempty"`
	EstimatedDuration  string        `json:"estimatedDuration"`
	Safety             *SafetyReport `json:"safety"`
	RecommendedActions []string      `json:"recommendedActions"`
	RollbackPlan       string        `json:"rollbackPlan"`
	GeneratedAt        time.Time     `json:"generatedAt"`
}

// DatabaseMigrator wraps the revision engine for production flows: backup
// before touching the schema, validate after, restore when either step
// fails.
type DatabaseMigrator struct {
	engine    *Engine
	manager   *database.Manager
	backupDir string
}

// NewDatabaseMigrator builds the safety layer. Backups land in backupDir.
func NewDatabaseMigrator(engine *Engine, manager *database.Manager, backupDir string) *DatabaseMigrator {
	return &DatabaseMigrator{engine: engine, manager: manager, backupDir: backupDir}
}

// Engine exposes the wrapped revision engine for direct operations.
func (m *DatabaseMigrator) Engine() *Engine { return m.engine }

// MigrateToLatest applies every pending revision. With backup, a pre-flight
// backup is captured and restored if applying or validating fails. With
// validate, the live schema is checked against the registry afterwards.
func (m *DatabaseMigrator) MigrateToLatest(ctx context.Context, backup, validate bool) (*Outcome, error) {
	start := time.Now()
	outcome := &Outcome{}

	pending, err := m.engine.Pending(ctx)
	if err != nil {
		return outcome, &Failure{Stage: "plan", Err: err}
	}
	if len(pending) == 0 {
		outcome.UpToDate = true
		outcome.Duration = time.Since(start)
		log.Info().Msg("Schema already at head, nothing to migrate")
		return outcome, nil
	}

	if backup {
		path := m.backupPath("pre_migrate")
		if err := m.engine.Backup(ctx, path); err != nil {
			return outcome, &Failure{Stage: "backup", Err: err}
		}
		outcome.BackupPath = path
	}

	applied, err := m.engine.Apply(ctx, 0)
	outcome.Applied = applied
	if err != nil {
		m.tryRestore(ctx, outcome)
		return outcome, &Failure{Stage: "apply", Err: err}
	}

	if validate {
		valid, issues, err := m.engine.ValidateSchema(ctx)
		if err != nil {
			m.tryRestore(ctx, outcome)
			return outcome, &Failure{Stage: "validate", Err: err}
		}
		if !valid {
			m.tryRestore(ctx, outcome)
			return outcome, &Failure{Stage: "validate", Err: fmt.Errorf("schema diverges after migration: %s", strings.Join(issues, "; "))}
		}
	}

	outcome.Duration = time.Since(start)
	log.Info().Int("applied", len(outcome.Applied)).Dur("took", outcome.Duration).Msg("Migration completed")
	return outcome, nil
}

// RollbackTo walks the schema down to target, with the same backup guard.
func (m *DatabaseMigrator) RollbackTo(ctx context.Context, target int64, backup bool) (*Outcome, error) {
	start := time.Now()
	outcome := &Outcome{}

	current, err := m.engine.CurrentRevision(ctx)
	if err != nil {
		return outcome, &Failure{Stage: "plan", Err: err}
	}
	if current <= target {
		outcome.UpToDate = true
		outcome.Duration = time.Since(start)
		log.Info().Int64("current", current).Int64("target", target).Msg("Schema already at or below target")
		return outcome, nil
	}

	if backup {
		path := m.backupPath("pre_rollback")
		if err := m.engine.Backup(ctx, path); err != nil {
			return outcome, &Failure{Stage: "backup", Err: err}
		}
		outcome.BackupPath = path
	}

	reverted, err := m.engine.Rollback(ctx, target)
	outcome.Reverted = reverted
	if err != nil {
		m.tryRestore(ctx, outcome)
		return outcome, &Failure{Stage: "rollback", Err: err}
	}

	outcome.Duration = time.Since(start)
	log.Info().Int("reverted", len(outcome.Reverted)).Int64("target", target).Msg("Rollback completed")
	return outcome, nil
}

// tryRestore puts the pre-flight backup back, best effort. The original
// failure stays the caller's error either way.
func (m *DatabaseMigrator) tryRestore(ctx context.Context, outcome *Outcome) {
	if outcome.BackupPath == "" {
		return
	}
	if err := m.engine.RestoreBackup(ctx, outcome.BackupPath); err != nil {
		log.Error().Err(err).Str("backup", outcome.BackupPath).Msg("Restore after failed migration did not succeed")
		return
	}
	outcome.Restored = true
	log.Warn().Str("backup", outcome.BackupPath).Msg("Database restored from pre-flight backup")
}

// ValidateMigrationSafety runs the pre-flight checks and renders a decision.
func (m *DatabaseMigrator) ValidateMigrationSafety(ctx context.Context) (*SafetyReport, error) {
	report := &SafetyReport{GeneratedAt: time.Now().UTC()}

	connected := m.manager.CheckConnection(ctx)
	report.Checks = append(report.Checks, SafetyCheck{
		Name:   "connection",
		Passed: connected,
		Detail: checkDetail(connected, "database reachable", "database unreachable"),
	})

	schemaReadable := false
	schemaDetail := ""
	if connected {
		valid, issues, err := m.engine.ValidateSchema(ctx)
		switch {
		case err != nil:
			schemaDetail = fmt.Sprintf("introspection failed: %v", err)
		case valid:
			schemaReadable = true
			schemaDetail = "schema matches the expected registry"
		default:
			schemaReadable = true
			schemaDetail = fmt.Sprintf("%d divergence(s) from the expected registry", len(issues))
		}
	} else {
		schemaDetail = "skipped, no connection"
	}
	report.Checks = append(report.Checks, SafetyCheck{Name: "schema", Passed: schemaReadable, Detail: schemaDetail})

	backupOK, backupDetail := m.probeBackupDir()
	report.Checks = append(report.Checks, SafetyCheck{Name: "backup", Passed: backupOK, Detail: backupDetail})

	pendingOK := true
	pendingDetail := ""
	if connected {
		pending, err := m.engine.Pending(ctx)
		if err != nil {
			pendingOK = false
			pendingDetail = fmt.Sprintf("cannot enumerate revisions: %v", err)
		} else {
			report.PendingCount = len(pending)
			pendingDetail = fmt.Sprintf("%d revision(s) pending", len(pending))
		}
	} else {
		pendingOK = false
		pendingDetail = "skipped, no connection"
	}
	report.Checks = append(report.Checks, SafetyCheck{Name: "pending", Passed: pendingOK, Detail: pendingDetail})

	report.Safe = connected && schemaReadable && backupOK && pendingOK
	switch {
	case !connected:
		report.Recommendation = "database is unreachable; fix connectivity before migrating"
	case !backupOK:
		report.Recommendation = "backup directory is not writable; fix it or migrate with backups explicitly disabled"
	case !report.Safe:
		report.Recommendation = "resolve the failed checks before migrating"
	case report.PendingCount == 0:
		report.Recommendation = "schema is current; no action needed"
	default:
		report.Recommendation = fmt.Sprintf("safe to apply %d pending revision(s); keep the pre-flight backup enabled", report.PendingCount)
	}
	return report, nil
}

// probeBackupDir verifies backups can actually land where configured.
func (m *DatabaseMigrator) probeBackupDir() (bool, string) {
	if err := os.MkdirAll(m.backupDir, revisionDirMode); err != nil {
		return false, fmt.Sprintf("cannot create %s: %v", m.backupDir, err)
	}
	probe := filepath.Join(m.backupDir, ".write_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return false, fmt.Sprintf("cannot write to %s: %v", m.backupDir, err)
	}
	_ = os.Remove(probe)
	return true, fmt.Sprintf("backups land in %s", m.backupDir)
}

// MigrationPlan assembles the operator-facing view of what a migration
// would do.
func (m *DatabaseMigrator) MigrationPlan(ctx context.Context) (*Plan, error) {
	current, err := m.engine.CurrentRevision(ctx)
	if err != nil {
		return nil, &Failure{Stage: "plan", Err: err}
	}
	pending, err := m.engine.Pending(ctx)
	if err != nil {
		return nil, &Failure{Stage: "plan", Err: err}
	}
	safety, err := m.ValidateMigrationSafety(ctx)
	if err != nil {
		return nil, &Failure{Stage: "plan", Err: err}
	}

	plan := &Plan{
		CurrentRevision:   current,
		Pending:           pending,
		EstimatedDuration: estimateDuration(len(pending)),
		Safety:            safety,
		GeneratedAt:       time.Now().UTC(),
	}

	if len(pending) == 0 {
		plan.RecommendedActions = []string{"schema is current; no action needed"}
		plan.RollbackPlan = "not applicable"
		return plan, nil
	}
	plan.RecommendedActions = []string{
		fmt.Sprintf("review the %d pending revision script(s)", len(pending)),
		"capture a backup before applying (MigrateToLatest does this by default)",
		"validate the schema after applying",
	}
	if !safety.Safe {
		plan.RecommendedActions = append([]string{"resolve the failed safety checks first"}, plan.RecommendedActions...)
	}
	plan.RollbackPlan = fmt.Sprintf("restore the pre-flight backup, or roll back to revision %d", current)
	return plan, nil
}

// estimateDuration is the coarse operator guidance for how long a run takes.
func estimateDuration(pending int) string {
	switch {
	case pending == 0:
		return "none"
	case pending <= 3:
		return "< 1 minute"
	case pending <= 10:
		return "1-5 minutes"
	default:
		return "5+ minutes"
	}
}

// backupPath names a timestamped backup for the engine's dialect.
func (m *DatabaseMigrator) backupPath(prefix string) string {
	ext := ".db"
	if m.manager.Target().Dialect == database.DialectPostgres {
		ext = ".jsonl"
	}
	name := fmt.Sprintf("%s_%s%s", prefix, time.Now().UTC().Format("20060102_150405"), ext)
	return filepath.Join(m.backupDir, name)
}

func checkDetail(ok bool, pass, fail string) string {
	if ok {
		return pass
	}
	return fail
}
