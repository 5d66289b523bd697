package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgefleet/edgefleet/internal/database"
)

// gooseVersionTable is goose's bookkeeping table; it is never part of the
// expected schema.
const gooseVersionTable = "goose_db_version"

// liveColumn is one column as the engine reports it.
type liveColumn struct {
	Name       string
	RawType    string
	Kind       ColumnKind
	Nullable   bool
	PrimaryKey bool
}

// liveTable is one table as the engine reports it.
type liveTable struct {
	Name    string
	Columns map[string]liveColumn
}

// introspectSchema reads the live schema through the given session.
func introspectSchema(ctx context.Context, s database.Session, dialect database.Dialect) (map[string]liveTable, error) {
	if dialect == database.DialectPostgres {
		return introspectPostgres(ctx, s)
	}
	return introspectSQLite(ctx, s)
}

func introspectSQLite(ctx context.Context, s database.Session) (map[string]liveTable, error) {
	var names []string
	listQuery := "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name <> ? ORDER BY name"
	if err := s.SelectContext(ctx, &names, s.Rebind(listQuery), gooseVersionTable); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	out := make(map[string]liveTable, len(names))
	for _, name := range names {
		var cols []struct {
			Name    string `db:"name"`
			Type    string `db:"type"`
			NotNull int    `db:"notnull"`
			PK      int    `db:"pk"`
		}
		colQuery := `SELECT name, type, "notnull", pk FROM pragma_table_info(?)`
		if err := s.SelectContext(ctx, &cols, s.Rebind(colQuery), name); err != nil {
			return nil, fmt.Errorf("describe table %s: %w", name, err)
		}
		table := liveTable{Name: name, Columns: make(map[string]liveColumn, len(cols))}
		for _, c := range cols {
			table.Columns[c.Name] = liveColumn{
				Name:       c.Name,
				RawType:    c.Type,
				Kind:       normalizeSQLiteType(c.Type),
				Nullable:   c.NotNull == 0 && c.PK == 0,
				PrimaryKey: c.PK > 0,
			}
		}
		out[name] = table
	}
	return out, nil
}

func introspectPostgres(ctx context.Context, s database.Session) (map[string]liveTable, error) {
	var cols []struct {
		Table    string `db:"table_name"`
		Column   string `db:"column_name"`
		DataType string `db:"data_type"`
		Nullable string `db:"is_nullable"`
	}
	colQuery := `SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name <> ?
		ORDER BY table_name, ordinal_position`
	if err := s.SelectContext(ctx, &cols, s.Rebind(colQuery), gooseVersionTable); err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}

	var pks []struct {
		Table  string `db:"table_name"`
		Column string `db:"column_name"`
	}
	pkQuery := `SELECT tc.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = 'public'`
	if err := s.SelectContext(ctx, &pks, s.Rebind(pkQuery)); err != nil {
		return nil, fmt.Errorf("list primary keys: %w", err)
	}
	primary := make(map[string]map[string]bool)
	for _, pk := range pks {
		if primary[pk.Table] == nil {
			primary[pk.Table] = make(map[string]bool)
		}
		primary[pk.Table][pk.Column] = true
	}

	out := make(map[string]liveTable)
	for _, c := range cols {
		table, ok := out[c.Table]
		if !ok {
			table = liveTable{Name: c.Table, Columns: make(map[string]liveColumn)}
		}
		isPK := primary[c.Table][c.Column]
		table.Columns[c.Column] = liveColumn{
			Name:       c.Column,
			RawType:    c.DataType,
			Kind:       normalizePostgresType(c.DataType),
			Nullable:   strings.EqualFold(c.Nullable, "YES") && !isPK,
			PrimaryKey: isPK,
		}
		out[c.Table] = table
	}
	return out, nil
}

func normalizeSQLiteType(raw string) ColumnKind {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "TIMESTAMP", "DATETIME", "DATE":
		return KindTimestamp
	case "BOOLEAN", "BOOL":
		return KindBool
	case "REAL", "FLOAT", "DOUBLE", "NUMERIC":
		return KindReal
	case "INTEGER", "INT", "BIGINT", "SMALLINT":
		return KindInteger
	default:
		return KindText
	}
}

func normalizePostgresType(raw string) ColumnKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "timestamp with time zone", "timestamp without time zone", "date":
		return KindTimestamp
	case "boolean":
		return KindBool
	case "double precision", "real", "numeric":
		return KindReal
	case "bigint", "integer", "smallint":
		return KindInteger
	case "jsonb", "json":
		return KindJSON
	default:
		return KindText
	}
}

// expectedKind maps a registry kind onto what the dialect can actually
// report. sqlite stores JSON as TEXT, so the two collapse there.
func expectedKind(kind ColumnKind, dialect database.Dialect) ColumnKind {
	if dialect != database.DialectPostgres && kind == KindJSON {
		return KindText
	}
	return kind
}
