package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/edgefleet/edgefleet/internal/audit"
	"github.com/edgefleet/edgefleet/internal/cache"
	"github.com/edgefleet/edgefleet/internal/commands"
	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/crypto"
	"github.com/edgefleet/edgefleet/internal/database"
	"github.com/edgefleet/edgefleet/internal/logging"
	"github.com/edgefleet/edgefleet/internal/migration"
	"github.com/edgefleet/edgefleet/internal/models"
	"github.com/edgefleet/edgefleet/internal/repository"
	"github.com/edgefleet/edgefleet/internal/retention"
	"github.com/edgefleet/edgefleet/internal/runtimectx"
	"github.com/edgefleet/edgefleet/internal/secrets"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const metricsAddr = ":9091"

// archiveKeyName is the secret holding the durable archive key. Archives
// must stay restorable across DEK rotations, so the key is stored as a
// secret value (values survive rotation) instead of being derived from the
// DEK itself.
const archiveKeyName = "retention.archive_key"

var configDir string

var rootCmd = &cobra.Command{
	Use:     "edgefleetd",
	Short:   "EdgeFleet - IoT edge fleet control plane",
	Long:    `EdgeFleet keeps a fleet of edge devices provisioned, observed, and governed: device inventory, telemetry, alerting, operator commands, and the retention machinery around them.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(),
		"directory holding default.yaml and <environment>.yaml")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
}

func defaultConfigDir() string {
	if dir := os.Getenv("EDGEFLEET_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "config"
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("EdgeFleet %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run <command> [key=value ...]",
	Short: "Execute a single operator command and exit",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runOneCommand(args[0], args[1:]))
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup logs; reconfigured from file once
	// the configuration resolves.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "edgefleetd",
	})

	cfg, err := config.NewResolver(configDir).Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve configuration")
	}
	applyLogging(cfg)

	log.Info().
		Str("version", Version).
		Str("environment", cfg.Environment).
		Msg("Starting EdgeFleet control plane")

	// Context that cancels on shutdown; background loops hang off it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var secretEngine *secrets.Engine
	if cfg.Secrets.Enabled {
		secretEngine, err = secrets.NewEngineFromConfig(ctx, cfg.Secrets)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to construct secret engine")
		}
		if err := secretEngine.Open(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to open secret store")
		}
		if err := config.SpliceSecrets(ctx, cfg, secretEngine); err != nil {
			log.Fatal().Err(err).Msg("Failed to splice secrets into configuration")
		}
	}

	startMetricsServer(ctx, metricsAddr)

	manager := database.New(cfg.Database)
	if err := manager.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database engine")
	}
	if monitor := manager.Monitor(); monitor != nil {
		monitor.OnStatusChange(func(healthy bool, snap database.HealthSnapshot) {
			if healthy {
				log.Info().
					Float64("uptime_pct", snap.UptimePercentage).
					Msg("Database connection recovered")
			} else {
				log.Warn().
					Int("consecutive_failures", snap.ConsecutiveFailures).
					Msg("Database connection degraded")
			}
		})
	}

	// The schema is owned by the migration engine; CreateTables is
	// idempotent, so startup converges an empty or current database.
	if err := migration.NewEngine(manager, cfg.Migrations.Directory).CreateTables(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	var cacheClient *redis.Client
	if cfg.Cache.Enabled {
		if cacheClient, err = cache.Connect(ctx, cfg.Cache); err != nil {
			log.Warn().Err(err).Msg("Cache unavailable, continuing without it")
			cacheClient = nil
		}
	}

	auditRepo := repository.NewAuditLogRepository(manager)
	recorder := audit.NewRecorder(auditRepo, "edgefleetd")

	var archiveKey *crypto.Manager
	if secretEngine != nil {
		if archiveKey, err = archiveCipher(ctx, secretEngine); err != nil {
			log.Fatal().Err(err).Msg("Failed to prepare archive encryption key")
		}
	}
	retentionEngine, err := retention.NewEngine(cfg.Retention, archiveKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build retention engine")
	}
	retentionEngine.RegisterSource(retention.NewAuditLogSource(auditRepo))
	retentionEngine.RegisterSource(retention.NewTelemetrySource(repository.NewTelemetryRepository(manager)))
	retentionEngine.RegisterSource(retention.NewAlertSource(repository.NewAlertRepository(manager)))
	sweeper := retention.NewScheduler(retentionEngine, cfg.Retention)
	sweeper.Start(ctx)

	plane := commands.NewPlane(*cfg)
	results := plane.LoadDirectory(ctx)
	log.Info().
		Int("files", len(results)).
		Int("loaded", plane.Loaded()).
		Msg("Command modules loaded")

	var moduleWatcher *commands.Watcher
	if cfg.Plugins.AutoReload {
		moduleWatcher, err = commands.NewWatcher(plane, cfg.Plugins)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create module watcher, hot reload disabled")
		} else if err := moduleWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to watch module directory, hot reload disabled")
			moduleWatcher.Stop()
			moduleWatcher = nil
		}
	}

	// Ambient scope for the daemon's own bookkeeping writes.
	scope := runtimectx.WithConfig(ctx, cfg)
	scope, correlationID := runtimectx.EnsureCorrelationID(scope)
	if cacheClient != nil {
		scope = runtimectx.WithCache(scope, cacheClient)
	}
	if _, err := recorder.Record(scope, audit.Entry{
		Action:       models.ActionStart,
		ResourceType: "control_plane",
		Description:  "edgefleetd started",
		Details:      models.JSONMap{"version": Version, "environment": cfg.Environment},
		Success:      true,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to record startup audit entry")
	}

	log.Info().
		Str("correlation_id", correlationID).
		Msg("Control plane ready")

	// SIGTERM and SIGINT shut down; SIGHUP reloads configuration.
	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration...")
			next, err := config.NewResolver(configDir).Load()
			if err != nil {
				log.Error().Err(err).Msg("Configuration reload failed, keeping the running configuration")
				continue
			}
			if secretEngine != nil {
				if err := config.SpliceSecrets(ctx, next, secretEngine); err != nil {
					log.Error().Err(err).Msg("Secret splice failed, keeping the running configuration")
					continue
				}
			}
			applyLogging(next)
			if _, err := recorder.Record(scope, audit.Entry{
				Action:       models.ActionConfigure,
				ResourceType: "configuration",
				ResourceID:   "runtime",
				Description:  "configuration reloaded on SIGHUP",
				Success:      true,
			}); err != nil {
				log.Warn().Err(err).Msg("Failed to record configuration reload")
			}
			log.Info().Msg("Logging configuration applied; engine sections take effect on restart")

		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Shutting down control plane...")
			goto shutdown
		}
	}

shutdown:
	if _, err := recorder.Record(scope, audit.Entry{
		Action:       models.ActionStop,
		ResourceType: "control_plane",
		Description:  "edgefleetd stopped",
		Success:      true,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to record shutdown audit entry")
	}

	if moduleWatcher != nil {
		moduleWatcher.Stop()
	}
	plane.Shutdown()
	sweeper.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Database shutdown error")
	}
	if cacheClient != nil {
		if err := cacheClient.Close(); err != nil {
			log.Error().Err(err).Msg("Cache close error")
		}
	}
	logging.Shutdown()
	log.Info().Msg("Control plane stopped")
}

// applyLogging reconfigures the global logger from the logging section.
func applyLogging(cfg *config.Config) {
	logging.Init(logging.Config{
		Format:            cfg.Logging.Format,
		Level:             cfg.Logging.Level,
		Component:         "edgefleetd",
		FilePath:          cfg.Logging.FilePath,
		MaxSizeMB:         cfg.Logging.MaxSizeMB,
		MaxAgeDays:        cfg.Logging.MaxAgeDays,
		Compress:          cfg.Logging.Compress,
		DebugSamplingRate: cfg.Logging.DebugSamplingRate,
	})
}

// archiveCipher loads the archive encryption key from the secret store,
// generating and persisting one on first use.
func archiveCipher(ctx context.Context, engine *secrets.Engine) (*crypto.Manager, error) {
	value, ok, err := engine.Secret(ctx, archiveKeyName)
	if err != nil {
		return nil, err
	}
	if !ok {
		key, err := crypto.NewKey()
		if err != nil {
			return nil, err
		}
		value = base64.StdEncoding.EncodeToString(key)
		if err := engine.SetSecret(ctx, archiveKeyName, value); err != nil {
			return nil, err
		}
		log.Info().Msg("Generated archive encryption key")
	}
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("archive key is not valid base64: %w", err)
	}
	return crypto.NewManager(key)
}

// runOneCommand loads the command modules, executes a single command, and
// maps the outcome onto the documented exit codes: 0 success, 1 failure,
// 130 interrupt.
func runOneCommand(name string, kvArgs []string) int {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "warning",
		Component: "edgefleetd",
	})

	cfg, err := config.NewResolver(configDir).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	args := make(map[string]any, len(kvArgs))
	for _, kv := range kvArgs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: argument %q is not key=value\n", kv)
			return 1
		}
		args[k] = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plane := commands.NewPlane(*cfg)
	defer plane.Shutdown()
	plane.LoadDirectory(ctx)

	result, err := plane.Execute(ctx, name, args)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "Interrupted")
			return 130
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if result != nil {
		if out, err := json.MarshalIndent(result, "", "  "); err == nil {
			fmt.Println(string(out))
		} else {
			fmt.Println(result)
		}
	}
	return 0
}
