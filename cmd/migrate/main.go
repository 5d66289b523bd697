package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/database"
	"github.com/edgefleet/edgefleet/internal/logging"
	"github.com/edgefleet/edgefleet/internal/migration"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	configDir    string
	asJSON       bool
	noBackup     bool
	noValidate   bool
	downTarget   int64
	backupOutput string
	genMessage   string
	genAuto      bool
)

var rootCmd = &cobra.Command{
	Use:   "edgefleet-migrate",
	Short: "Schema migration tooling for the EdgeFleet control plane",
	Long: `edgefleet-migrate manages the control plane database schema.

Revisions are plain SQL scripts applied in order. Destructive operations
capture a backup first and restore it automatically when a step fails.`,
	Version: Version,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current revision and pending scripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, closer, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer closer()

		status, err := env.migrator.Engine().Status(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(status)
		}
		fmt.Printf("Current revision: %d\n", status.CurrentRevision)
		fmt.Printf("Pending:          %d\n", status.PendingCount)
		fmt.Printf("Schema valid:     %t\n", status.SchemaValid)
		for _, issue := range status.Issues {
			fmt.Printf("  issue: %s\n", issue)
		}
		if len(status.Revisions) > 0 {
			fmt.Println()
			fmt.Println("Revisions:")
			for _, rev := range status.Revisions {
				marker := " "
				if rev.Applied {
					marker = "x"
				}
				fmt.Printf("  [%s] %d %s\n", marker, rev.Version, rev.Name)
			}
		}
		return nil
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending revision",
	Long: `Apply every pending revision in order. A pre-flight backup is captured
first and restored automatically when applying or validating fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, closer, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer closer()

		outcome, err := env.migrator.MigrateToLatest(cmd.Context(), !noBackup, !noValidate)
		if err != nil {
			reportRestore(outcome)
			return err
		}
		if asJSON {
			return printJSON(outcome)
		}
		if outcome.UpToDate {
			fmt.Println("Schema already at head, nothing to apply.")
			return nil
		}
		for _, rev := range outcome.Applied {
			fmt.Printf("Applied %d %s\n", rev.Version, rev.Name)
		}
		if outcome.BackupPath != "" {
			fmt.Printf("Backup: %s\n", outcome.BackupPath)
		}
		fmt.Printf("Took:   %s\n", outcome.Duration.Round(time.Millisecond))
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll the schema back to a target revision",
	Long:  `Revert revisions until the schema sits at the target version. Target 0 reverts everything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if downTarget < 0 {
			return fmt.Errorf("a target revision is required (use --target, 0 reverts everything)")
		}
		env, closer, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer closer()

		outcome, err := env.migrator.RollbackTo(cmd.Context(), downTarget, !noBackup)
		if err != nil {
			reportRestore(outcome)
			return err
		}
		if asJSON {
			return printJSON(outcome)
		}
		if outcome.UpToDate {
			fmt.Printf("Schema already at or below revision %d.\n", downTarget)
			return nil
		}
		for _, rev := range outcome.Reverted {
			fmt.Printf("Reverted %d %s\n", rev.Version, rev.Name)
		}
		if outcome.BackupPath != "" {
			fmt.Printf("Backup: %s\n", outcome.BackupPath)
		}
		fmt.Printf("Took:   %s\n", outcome.Duration.Round(time.Millisecond))
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run the pre-flight safety checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, closer, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer closer()

		report, err := env.migrator.ValidateMigrationSafety(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			if err := printJSON(report); err != nil {
				return err
			}
		} else {
			for _, check := range report.Checks {
				mark := "ok"
				if !check.Passed {
					mark = "FAIL"
				}
				fmt.Printf("[%4s] %-12s %s\n", mark, check.Name, check.Detail)
			}
			fmt.Printf("\nPending revisions: %d\n", report.PendingCount)
			fmt.Printf("Recommendation:    %s\n", report.Recommendation)
		}
		if !report.Safe {
			return fmt.Errorf("pre-flight checks failed")
		}
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what a migration run would do",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, closer, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer closer()

		plan, err := env.migrator.MigrationPlan(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(plan)
		}
		fmt.Printf("Current revision:   %d\n", plan.CurrentRevision)
		fmt.Printf("Pending revisions:  %d\n", len(plan.Pending))
		for _, rev := range plan.Pending {
			fmt.Printf("  %d %s\n", rev.Version, rev.Name)
		}
		fmt.Printf("Estimated duration: %s\n", plan.EstimatedDuration)
		fmt.Printf("Rollback plan:      %s\n", plan.RollbackPlan)
		fmt.Println()
		fmt.Println("Recommended actions:")
		for _, action := range plan.RecommendedActions {
			fmt.Printf("  - %s\n", action)
		}
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Capture a backup of the live database",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, closer, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer closer()

		path := backupOutput
		if path == "" {
			ext := ".db"
			if env.manager.Target().Dialect == database.DialectPostgres {
				ext = ".jsonl"
			}
			name := fmt.Sprintf("manual_%s%s", time.Now().UTC().Format("20060102_150405"), ext)
			path = filepath.Join(env.cfg.Migrations.BackupDir, name)
		}
		if err := env.migrator.Engine().Backup(cmd.Context(), path); err != nil {
			return err
		}
		fmt.Printf("Backup written to %s\n", path)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-file>",
	Short: "Restore the database from a backup",
	Long:  `Replace the live data with the contents of a backup produced by "backup" or by a pre-flight capture.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, closer, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer closer()

		if err := env.migrator.Engine().RestoreBackup(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Database restored from %s\n", args[0])
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create the next revision script",
	Long: `Write the next sequential revision script into the revision directory.
With --auto the body is prefilled from the diff between the live schema and
the expected registry; otherwise an empty template is written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if genMessage == "" {
			return fmt.Errorf("a revision message is required (use -m flag)")
		}
		env, closer, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer closer()

		path, err := env.migrator.Engine().Generate(cmd.Context(), genMessage, genAuto)
		if err != nil {
			return err
		}
		fmt.Printf("Revision script written to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "directory holding the layered configuration files")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print machine-readable JSON instead of tables")

	upCmd.Flags().BoolVar(&noBackup, "no-backup", false, "skip the pre-flight backup")
	upCmd.Flags().BoolVar(&noValidate, "no-validate", false, "skip schema validation after applying")

	downCmd.Flags().Int64Var(&downTarget, "target", -1, "revision to roll back to (0 reverts everything)")
	downCmd.Flags().BoolVar(&noBackup, "no-backup", false, "skip the pre-flight backup")

	backupCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "backup file path (default: timestamped file in the backup directory)")

	generateCmd.Flags().StringVarP(&genMessage, "message", "m", "", "short description of the revision")
	generateCmd.Flags().BoolVar(&genAuto, "auto", false, "fill the script with the diff between the live schema and the registry")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(generateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigDir() string {
	if dir := os.Getenv("EDGEFLEET_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "config"
}

// migrateEnv bundles the handles every subcommand needs.
type migrateEnv struct {
	cfg      *config.Config
	manager  *database.Manager
	migrator *migration.DatabaseMigrator
}

// openEnv resolves configuration, connects the pool, and builds the migration
// safety layer. The closer drains the pool.
func openEnv(ctx context.Context) (*migrateEnv, func(), error) {
	cfg, err := config.NewResolver(configDir).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve configuration: %w", err)
	}
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     cfg.Logging.Level,
		Component: "edgefleet-migrate",
	})

	manager := database.New(cfg.Database)
	if err := manager.Initialize(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	closer := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	engine := migration.NewEngine(manager, cfg.Migrations.Directory)
	if err := engine.Initialize(); err != nil {
		closer()
		return nil, nil, err
	}
	return &migrateEnv{
		cfg:      cfg,
		manager:  manager,
		migrator: migration.NewDatabaseMigrator(engine, manager, cfg.Migrations.BackupDir),
	}, closer, nil
}

// reportRestore tells the operator whether a failed run rolled the data back.
func reportRestore(outcome *migration.Outcome) {
	if outcome == nil || outcome.BackupPath == "" {
		return
	}
	if outcome.Restored {
		fmt.Fprintf(os.Stderr, "Database restored from %s\n", outcome.BackupPath)
	} else {
		fmt.Fprintf(os.Stderr, "Backup kept at %s\n", outcome.BackupPath)
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
