package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the resolved runtime configuration. Values are layered from
// built-in defaults, default.yaml, <environment>.yaml, process environment
// overrides, and finally decrypted secrets.
type Config struct {
	Environment string           `yaml:"environment"`
	Database    DatabaseConfig   `yaml:"database"`
	Logging     LoggingConfig    `yaml:"logging"`
	Secrets     SecretsConfig    `yaml:"secrets"`
	Plugins     PluginsConfig    `yaml:"plugins"`
	Cache       CacheConfig      `yaml:"cache"`
	MQTT        MQTTConfig       `yaml:"mqtt"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Retention   RetentionConfig  `yaml:"retention"`
	Migrations  MigrationsConfig `yaml:"migrations"`
	Auth        AuthConfig       `yaml:"auth"`
}

// DatabaseConfig drives the connection manager and its health monitor.
// Durations are plain seconds in the file; use Seconds to convert.
type DatabaseConfig struct {
	URL                 string   `yaml:"url" validate:"required"`
	Password            string   `yaml:"password"`
	Echo                bool     `yaml:"echo"`
	PoolSize            int      `yaml:"pool_size" validate:"gt=0"`
	MaxOverflow         int      `yaml:"max_overflow" validate:"gte=0"`
	PoolTimeout         float64  `yaml:"pool_timeout" validate:"gt=0"`
	PoolRecycle         float64  `yaml:"pool_recycle" validate:"gt=0"`
	PoolPrePing         bool     `yaml:"pool_pre_ping"`
	SSLMode             string   `yaml:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	SSLRootCert         string   `yaml:"ssl_root_cert"`
	StatementTimeout    float64  `yaml:"statement_timeout" validate:"gte=0"`
	HealthCheckInterval float64  `yaml:"health_check_interval" validate:"gt=0"`
	HealthCheckTimeout  float64  `yaml:"health_check_timeout" validate:"gt=0"`
	FailureThreshold    int      `yaml:"failure_threshold" validate:"gt=0"`
	MaxRetries          int      `yaml:"max_retries" validate:"gte=0"`
	RetryDelay          float64  `yaml:"retry_delay" validate:"gt=0"`
	EnableFailover      bool     `yaml:"enable_failover"`
	FailoverURLs        []string `yaml:"failover_urls"`
}

// LoggingConfig mirrors internal/logging.Config plus the correlation
// header consumers attach to outbound requests.
type LoggingConfig struct {
	Level               string  `yaml:"level" validate:"omitempty,oneof=DEBUG INFO WARNING ERROR CRITICAL debug info warning error critical"`
	Format              string  `yaml:"format" validate:"omitempty,oneof=json console auto"`
	FilePath            string  `yaml:"file_path"`
	MaxSizeMB           int     `yaml:"max_size_mb" validate:"gte=0"`
	MaxAgeDays          int     `yaml:"max_age_days" validate:"gte=0"`
	Compress            bool    `yaml:"compress"`
	DebugSamplingRate   float64 `yaml:"debug_sampling_rate" validate:"gte=0,lte=1"`
	CorrelationIDHeader string  `yaml:"correlation_id_header"`
	ErrorSinkDSN        string  `yaml:"error_sink_dsn"`
}

// SecretsConfig selects and tunes the remote secret store.
type SecretsConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Backend           string  `yaml:"backend" validate:"omitempty,oneof=aws file"`
	Region            string  `yaml:"region"`
	SecretName        string  `yaml:"secret_name" validate:"required"`
	EncryptionKeyName string  `yaml:"encryption_key_name" validate:"required"`
	AutoRotationDays  int     `yaml:"auto_rotation_days" validate:"gt=0"`
	KMSKeyID          string  `yaml:"kms_key_id"`
	Directory         string  `yaml:"directory"`
	MaxRetries        int     `yaml:"max_retries" validate:"gte=0"`
	RetryDelay        float64 `yaml:"retry_delay" validate:"gt=0"`
	EnableFailover    bool    `yaml:"enable_failover"`
}

// PluginsConfig governs command module discovery and hot reload.
type PluginsConfig struct {
	Directory      string  `yaml:"directory" validate:"required"`
	AutoReload     bool    `yaml:"auto_reload"`
	ReloadDelay    float64 `yaml:"reload_delay" validate:"gt=0"`
	MaxLoadRetries int     `yaml:"max_load_retries" validate:"gt=0"`
	LoadTimeout    float64 `yaml:"load_timeout" validate:"gt=0"`
}

// CacheConfig configures the optional process-wide Redis client.
type CacheConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Addr        string  `yaml:"addr"`
	Password    string  `yaml:"password"`
	DB          int     `yaml:"db" validate:"gte=0"`
	DialTimeout float64 `yaml:"dial_timeout" validate:"gt=0"`
}

// MQTTConfig carries broker credentials for telemetry consumers. Only the
// password participates in secret splicing; no broker client lives here.
type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TelemetryConfig points at the downstream telemetry sink.
type TelemetryConfig struct {
	SinkURL      string `yaml:"sink_url"`
	SinkUsername string `yaml:"sink_username"`
	SinkPassword string `yaml:"sink_password"`
}

// RetentionConfig holds the sweep schedule and declarative policies.
type RetentionConfig struct {
	ArchiveDir         string                  `yaml:"archive_dir"`
	SweepIntervalHours float64                 `yaml:"sweep_interval_hours" validate:"gt=0"`
	Policies           []RetentionPolicyConfig `yaml:"policies" validate:"dive"`
}

// RetentionPolicyConfig is the file-side shape of a retention policy.
type RetentionPolicyConfig struct {
	Name                  string   `yaml:"name" validate:"required"`
	DataTypes             []string `yaml:"data_types" validate:"min=1"`
	RetentionType         string   `yaml:"retention_type" validate:"required"`
	CustomDays            int      `yaml:"custom_days" validate:"gte=0"`
	ArchiveEnabled        bool     `yaml:"archive_enabled"`
	ArchiveFormat         string   `yaml:"archive_format"`
	CompressionEnabled    bool     `yaml:"compression_enabled"`
	EncryptionRequired    bool     `yaml:"encryption_required"`
	ScheduleEnabled       bool     `yaml:"schedule_enabled"`
	ScheduleIntervalHours float64  `yaml:"schedule_interval_hours" validate:"gte=0"`
}

// MigrationsConfig locates revision scripts and migration backups.
type MigrationsConfig struct {
	Directory string `yaml:"directory" validate:"required"`
	BackupDir string `yaml:"backup_dir" validate:"required"`
}

// AuthConfig tunes account lockout and the credential KDF.
type AuthConfig struct {
	MaxLoginAttempts int `yaml:"max_login_attempts" validate:"gt=0"`
	LockoutMinutes   int `yaml:"lockout_minutes" validate:"gt=0"`
	KDFIterations    int `yaml:"kdf_iterations" validate:"gte=100000"`
}

// Default returns the built-in baseline every other layer overrides.
func Default() *Config {
	return &Config{
		Environment: "development",
		Database: DatabaseConfig{
			URL:                 "sqlite://data/edgefleet.db",
			PoolSize:            5,
			MaxOverflow:         10,
			PoolTimeout:         30,
			PoolRecycle:         3600,
			PoolPrePing:         true,
			HealthCheckInterval: 60,
			HealthCheckTimeout:  5,
			FailureThreshold:    3,
			MaxRetries:          3,
			RetryDelay:          1,
		},
		Logging: LoggingConfig{
			Level:               "INFO",
			Format:              "auto",
			MaxSizeMB:           100,
			MaxAgeDays:          30,
			Compress:            true,
			DebugSamplingRate:   1,
			CorrelationIDHeader: "X-Correlation-ID",
		},
		Secrets: SecretsConfig{
			Backend:           "file",
			SecretName:        "edgefleet/app-secrets",
			EncryptionKeyName: "edgefleet/data-key",
			AutoRotationDays:  90,
			Directory:         "data/secrets",
			MaxRetries:        3,
			RetryDelay:        1,
		},
		Plugins: PluginsConfig{
			Directory:      "plugins",
			AutoReload:     true,
			ReloadDelay:    1,
			MaxLoadRetries: 3,
			LoadTimeout:    30,
		},
		Cache: CacheConfig{
			Addr:        "localhost:6379",
			DialTimeout: 5,
		},
		Retention: RetentionConfig{
			ArchiveDir:         "data/archives",
			SweepIntervalHours: 1,
		},
		Migrations: MigrationsConfig{
			Directory: "migrations",
			BackupDir: "data/backups",
		},
		Auth: AuthConfig{
			MaxLoginAttempts: 5,
			LockoutMinutes:   30,
			KDFIterations:    120000,
		},
	}
}

// Seconds converts a fractional-seconds config value into a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Issue is one offending configuration path.
type Issue struct {
	Path    string
	Message string
}

// ValidationError aggregates every issue found during resolution so a
// misconfigured deployment fails startup with the complete picture.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "configuration invalid"
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = fmt.Sprintf("%s: %s", issue.Path, issue.Message)
	}
	return "configuration invalid: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(path, format string, args ...any) {
	e.Issues = append(e.Issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}

var schema = newSchemaValidator()

func newSchemaValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate runs the schema over the whole tree and reports every violation
// at once.
func (c *Config) Validate() error {
	err := schema.Struct(c)
	if err == nil {
		return nil
	}

	verr := &ValidationError{}
	var fieldErrors validator.ValidationErrors
	if !asValidationErrors(err, &fieldErrors) {
		verr.add("config", "%v", err)
		return verr
	}
	for _, fe := range fieldErrors {
		verr.add(namespacePath(fe.Namespace()), constraintMessage(fe))
	}
	return verr
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}

// namespacePath turns validator's "Config.database.pool_size" namespace
// into the file path "database.pool_size".
func namespacePath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func constraintMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s (got %v)", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be at least %s (got %v)", fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("must be at most %s (got %v)", fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of [%s] (got %v)", fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("needs at least %s entries", fe.Param())
	default:
		return fmt.Sprintf("violates %s constraint (got %v)", fe.Tag(), fe.Value())
	}
}
