// Package migration maintains the persistent schema: an expected-schema
// registry, sequential SQL revision scripts executed through goose, live
// schema introspection and validation, and a safety layer that wraps
// production migration flows with backup and restore.
package migration

import (
	"fmt"
	"strings"

	"github.com/edgefleet/edgefleet/internal/database"
)

// ColumnKind is a dialect-neutral type class. DDL rendering and live-schema
// comparison both go through it so sqlite and postgres declarations compare
// against one registry.
type ColumnKind string

const (
	KindText      ColumnKind = "text"
	KindTimestamp ColumnKind = "timestamp"
	KindBool      ColumnKind = "bool"
	KindReal      ColumnKind = "real"
	KindInteger   ColumnKind = "integer"
	KindJSON      ColumnKind = "json"
)

// ColumnSpec declares one expected column.
type ColumnSpec struct {
	Name       string
	Kind       ColumnKind
	Nullable   bool
	PrimaryKey bool
	Default    string
	References string
	OnDelete   string
}

// IndexSpec declares one expected index. Where restricts the index to rows
// matching the predicate; a unique index over an optional column uses it so
// absent values never collide.
type IndexSpec struct {
	Name    string
	Columns []string
	Unique  bool
	Where   string
}

// TableSpec declares one expected table.
type TableSpec struct {
	Name    string
	Columns []ColumnSpec
	Indexes []IndexSpec
}

// baseColumns is the persistence contract every entity carries.
func baseColumns() []ColumnSpec {
	return []ColumnSpec{
		{Name: "id", Kind: KindText, PrimaryKey: true},
		{Name: "created_at", Kind: KindTimestamp},
		{Name: "updated_at", Kind: KindTimestamp},
		{Name: "is_deleted", Kind: KindBool, Default: "FALSE"},
		{Name: "deleted_at", Kind: KindTimestamp, Nullable: true},
		{Name: "metadata", Kind: KindJSON, Nullable: true},
	}
}

func withBase(cols ...ColumnSpec) []ColumnSpec {
	return append(baseColumns(), cols...)
}

// ExpectedTables is the single owner of the persistent schema, in creation
// order: referenced tables precede their dependents.
func ExpectedTables() []TableSpec {
	return []TableSpec{
		{
			Name: "users",
			Columns: withBase(
				ColumnSpec{Name: "username", Kind: KindText},
				ColumnSpec{Name: "email", Kind: KindText},
				ColumnSpec{Name: "first_name", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "last_name", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "password_hash", Kind: KindText},
				ColumnSpec{Name: "password_salt", Kind: KindText},
				ColumnSpec{Name: "role", Kind: KindText},
				ColumnSpec{Name: "status", Kind: KindText},
				ColumnSpec{Name: "last_login_at", Kind: KindTimestamp, Nullable: true},
				ColumnSpec{Name: "last_login_ip", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "failed_login_attempts", Kind: KindInteger, Default: "0"},
				ColumnSpec{Name: "locked_until", Kind: KindTimestamp, Nullable: true},
				ColumnSpec{Name: "mfa_secret", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "api_key", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "api_key_expires_at", Kind: KindTimestamp, Nullable: true},
				ColumnSpec{Name: "preferences", Kind: KindJSON, Nullable: true},
			),
			Indexes: []IndexSpec{
				{Name: "ux_users_username", Columns: []string{"username"}, Unique: true},
				{Name: "ux_users_email", Columns: []string{"email"}, Unique: true},
				{Name: "ix_users_role", Columns: []string{"role"}},
			},
		},
		{
			Name: "device_groups",
			Columns: withBase(
				ColumnSpec{Name: "name", Kind: KindText},
				ColumnSpec{Name: "description", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "group_type", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "parent_id", Kind: KindText, Nullable: true, References: "device_groups(id)", OnDelete: "SET NULL"},
				ColumnSpec{Name: "owner_id", Kind: KindText, Nullable: true, References: "users(id)", OnDelete: "SET NULL"},
				ColumnSpec{Name: "is_dynamic", Kind: KindBool, Default: "FALSE"},
				ColumnSpec{Name: "criteria", Kind: KindJSON, Nullable: true},
				ColumnSpec{Name: "device_count", Kind: KindInteger, Default: "0"},
				ColumnSpec{Name: "active_device_count", Kind: KindInteger, Default: "0"},
			),
			Indexes: []IndexSpec{
				{Name: "ix_device_groups_parent", Columns: []string{"parent_id"}},
				{Name: "ix_device_groups_type", Columns: []string{"group_type"}},
			},
		},
		{
			Name: "devices",
			Columns: withBase(
				ColumnSpec{Name: "name", Kind: KindText},
				ColumnSpec{Name: "device_type", Kind: KindText},
				ColumnSpec{Name: "status", Kind: KindText},
				ColumnSpec{Name: "ip_address", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "mac_address", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "port", Kind: KindInteger, Nullable: true},
				ColumnSpec{Name: "manufacturer", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "model", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "serial_number", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "firmware_version", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "location_lat", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "location_lon", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "location_alt", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "last_seen", Kind: KindTimestamp, Nullable: true},
				ColumnSpec{Name: "last_heartbeat", Kind: KindTimestamp, Nullable: true},
				ColumnSpec{Name: "uptime_seconds", Kind: KindInteger, Nullable: true},
				ColumnSpec{Name: "health_score", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "battery_level", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "signal_strength_dbm", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "parent_id", Kind: KindText, Nullable: true, References: "devices(id)", OnDelete: "SET NULL"},
				ColumnSpec{Name: "group_id", Kind: KindText, Nullable: true, References: "device_groups(id)", OnDelete: "SET NULL"},
			),
			Indexes: []IndexSpec{
				{Name: "ux_devices_mac", Columns: []string{"mac_address"}, Unique: true, Where: "mac_address <> ''"},
				{Name: "ux_devices_serial", Columns: []string{"serial_number"}, Unique: true, Where: "serial_number <> ''"},
				{Name: "ix_devices_status", Columns: []string{"status"}},
				{Name: "ix_devices_type", Columns: []string{"device_type"}},
				{Name: "ix_devices_group", Columns: []string{"group_id"}},
				{Name: "ix_devices_last_seen", Columns: []string{"last_seen"}},
			},
		},
		{
			Name: "telemetry_events",
			Columns: withBase(
				ColumnSpec{Name: "device_id", Kind: KindText, References: "devices(id)", OnDelete: "CASCADE"},
				ColumnSpec{Name: "event_type", Kind: KindText},
				ColumnSpec{Name: "event_name", Kind: KindText},
				ColumnSpec{Name: "source", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "occurred_at", Kind: KindTimestamp},
				ColumnSpec{Name: "received_at", Kind: KindTimestamp},
				ColumnSpec{Name: "numeric_value", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "string_value", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "bool_value", Kind: KindBool, Nullable: true},
				ColumnSpec{Name: "payload", Kind: KindJSON, Nullable: true},
				ColumnSpec{Name: "units", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "quality", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "confidence", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "processed", Kind: KindBool, Default: "FALSE"},
				ColumnSpec{Name: "processed_at", Kind: KindTimestamp, Nullable: true},
				ColumnSpec{Name: "processing_duration_ms", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "correlation_id", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "trace_id", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "span_id", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "sequence_number", Kind: KindInteger, Nullable: true},
				ColumnSpec{Name: "batch_id", Kind: KindText, Nullable: true},
			),
			Indexes: []IndexSpec{
				{Name: "ix_telemetry_device_occurred", Columns: []string{"device_id", "occurred_at"}},
				{Name: "ix_telemetry_type", Columns: []string{"event_type"}},
				{Name: "ix_telemetry_batch", Columns: []string{"batch_id"}},
				{Name: "ix_telemetry_processed", Columns: []string{"processed"}},
			},
		},
		{
			Name: "analytics",
			Columns: withBase(
				ColumnSpec{Name: "analytics_type", Kind: KindText},
				ColumnSpec{Name: "metric_name", Kind: KindText},
				ColumnSpec{Name: "aggregation", Kind: KindText},
				ColumnSpec{Name: "period_start", Kind: KindTimestamp},
				ColumnSpec{Name: "period_end", Kind: KindTimestamp},
				ColumnSpec{Name: "granularity", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "scope", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "device_id", Kind: KindText, Nullable: true, References: "devices(id)", OnDelete: "SET NULL"},
				ColumnSpec{Name: "group_id", Kind: KindText, Nullable: true, References: "device_groups(id)", OnDelete: "SET NULL"},
				ColumnSpec{Name: "value", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "count_value", Kind: KindInteger, Nullable: true},
				ColumnSpec{Name: "percentage", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "min_value", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "max_value", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "avg_value", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "median_value", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "stddev_value", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "sample_count", Kind: KindInteger, Nullable: true},
				ColumnSpec{Name: "units", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "confidence", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "data_quality", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "payload", Kind: KindJSON, Nullable: true},
			),
			Indexes: []IndexSpec{
				{Name: "ix_analytics_metric_period", Columns: []string{"metric_name", "period_start"}},
				{Name: "ix_analytics_type", Columns: []string{"analytics_type"}},
				{Name: "ix_analytics_period_end", Columns: []string{"period_end"}},
			},
		},
		{
			Name: "alerts",
			Columns: withBase(
				ColumnSpec{Name: "title", Kind: KindText},
				ColumnSpec{Name: "description", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "alert_type", Kind: KindText},
				ColumnSpec{Name: "severity", Kind: KindText},
				ColumnSpec{Name: "status", Kind: KindText},
				ColumnSpec{Name: "device_id", Kind: KindText, Nullable: true, References: "devices(id)", OnDelete: "SET NULL"},
				ColumnSpec{Name: "rule_id", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "first_occurred_at", Kind: KindTimestamp},
				ColumnSpec{Name: "last_occurred_at", Kind: KindTimestamp},
				ColumnSpec{Name: "occurrence_count", Kind: KindInteger, Default: "1"},
				ColumnSpec{Name: "priority", Kind: KindInteger, Nullable: true},
				ColumnSpec{Name: "acknowledged_by", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "acknowledged_at", Kind: KindTimestamp, Nullable: true},
				ColumnSpec{Name: "resolved_by", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "resolved_at", Kind: KindTimestamp, Nullable: true},
				ColumnSpec{Name: "resolution_notes", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "resolution_action", Kind: KindText, Nullable: true},
			),
			Indexes: []IndexSpec{
				{Name: "ix_alerts_status", Columns: []string{"status"}},
				{Name: "ix_alerts_severity", Columns: []string{"severity"}},
				{Name: "ix_alerts_device", Columns: []string{"device_id"}},
				{Name: "ix_alerts_last_occurred", Columns: []string{"last_occurred_at"}},
			},
		},
		{
			Name: "audit_logs",
			Columns: withBase(
				ColumnSpec{Name: "action", Kind: KindText},
				ColumnSpec{Name: "resource_type", Kind: KindText},
				ColumnSpec{Name: "resource_id", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "user_id", Kind: KindText, Nullable: true, References: "users(id)", OnDelete: "SET NULL"},
				ColumnSpec{Name: "session_id", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "ip_address", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "user_agent", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "request_id", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "correlation_id", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "description", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "details", Kind: KindJSON, Nullable: true},
				ColumnSpec{Name: "old_values", Kind: KindJSON, Nullable: true},
				ColumnSpec{Name: "new_values", Kind: KindJSON, Nullable: true},
				ColumnSpec{Name: "changed_fields", Kind: KindJSON, Nullable: true},
				ColumnSpec{Name: "success", Kind: KindBool, Default: "TRUE"},
				ColumnSpec{Name: "error_code", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "error_message", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "occurred_at", Kind: KindTimestamp},
				ColumnSpec{Name: "duration_ms", Kind: KindReal, Nullable: true},
				ColumnSpec{Name: "source_system", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "source_method", Kind: KindText, Nullable: true},
				ColumnSpec{Name: "retention_days", Kind: KindInteger, Default: "365"},
			),
			Indexes: []IndexSpec{
				{Name: "ix_audit_occurred", Columns: []string{"occurred_at"}},
				{Name: "ix_audit_user", Columns: []string{"user_id"}},
				{Name: "ix_audit_resource", Columns: []string{"resource_type", "resource_id"}},
				{Name: "ix_audit_action", Columns: []string{"action"}},
			},
		},
	}
}

// expectedByName indexes the registry for diffing.
func expectedByName() map[string]TableSpec {
	tables := ExpectedTables()
	out := make(map[string]TableSpec, len(tables))
	for _, t := range tables {
		out[t.Name] = t
	}
	return out
}

// sqlType renders a kind for one dialect.
func sqlType(kind ColumnKind, dialect database.Dialect) string {
	if dialect == database.DialectPostgres {
		switch kind {
		case KindText:
			return "TEXT"
		case KindTimestamp:
			return "TIMESTAMPTZ"
		case KindBool:
			return "BOOLEAN"
		case KindReal:
			return "DOUBLE PRECISION"
		case KindInteger:
			return "BIGINT"
		case KindJSON:
			return "JSONB"
		}
	}
	switch kind {
	case KindTimestamp:
		return "TIMESTAMP"
	case KindBool:
		return "BOOLEAN"
	case KindReal:
		return "REAL"
	case KindInteger:
		return "INTEGER"
	default:
		// sqlite stores JSON as TEXT.
		return "TEXT"
	}
}

// ddl renders one column definition.
func (c ColumnSpec) ddl(dialect database.Dialect) string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte(' ')
	b.WriteString(sqlType(c.Kind, dialect))
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	} else if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	if c.References != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(c.References)
		if c.OnDelete != "" {
			b.WriteString(" ON DELETE ")
			b.WriteString(c.OnDelete)
		}
	}
	return b.String()
}

// CreateStatements renders the table plus its indexes.
func (t TableSpec) CreateStatements(dialect database.Dialect) []string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = "    " + c.ddl(dialect)
	}
	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n);", t.Name, strings.Join(cols, ",\n"))}
	for _, ix := range t.Indexes {
		stmts = append(stmts, ix.createStatement(t.Name))
	}
	return stmts
}

func (ix IndexSpec) createStatement(table string) string {
	unique := ""
	if ix.Unique {
		unique = "UNIQUE "
	}
	stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, ix.Name, table, strings.Join(ix.Columns, ", "))
	if ix.Where != "" {
		stmt += " WHERE " + ix.Where
	}
	return stmt + ";"
}

// DropStatement renders the inverse of CreateStatements. Indexes fall with
// the table.
func (t TableSpec) DropStatement() string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s;", t.Name)
}

// column looks up one expected column.
func (t TableSpec) column(name string) (ColumnSpec, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}
