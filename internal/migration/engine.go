package migration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	goosedb "github.com/pressly/goose/v3/database"
	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/database"
)

const (
	// envMarkerFile marks an initialized revision directory and records the
	// conventions scripts in it follow.
	envMarkerFile = "env.yaml"

	revisionFileMode = 0644
	revisionDirMode  = 0755
)

// revisionFilePattern matches NNNNN_snake_name.sql revision scripts.
var revisionFilePattern = regexp.MustCompile(`^(\d+)_(.+)\.sql$`)

// envMarkerContent documents the directory layout for operators.
const envMarkerContent = `# Revision directory for the edgefleet schema.
# Scripts are sequential NNNNN_snake_name.sql files with goose Up/Down
# sections; the version table is goose_db_version.
script_location: .
version_table: goose_db_version
`

// sqliteHeader is the magic prefix of every sqlite database file.
var sqliteHeader = []byte("SQLite format 3\x00")

// Revision describes one schema version script.
type Revision struct {
	Version   int64     `json:"version"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Applied   bool      `json:"applied"`
	AppliedAt time.Time `json:"appliedAt,omitzero"`
}

// EngineStatus combines the revision position with schema validity.
type EngineStatus struct {
	CurrentRevision int64      `json:"currentRevision"`
	PendingCount    int        `json:"pendingCount"`
	SchemaValid     bool       `json:"schemaValid"`
	Issues          []string   `json:"issues,omitempty"`
	Revisions       []Revision `json:"revisions,omitempty"`
}

// Engine runs sequential SQL revisions against the managed engine and keeps
// the live schema reconcilable with the expected registry.
type Engine struct {
	manager *database.Manager
	dir     string
}

// NewEngine wires a revision engine over the connection manager. dir holds
// the revision scripts.
func NewEngine(manager *database.Manager, dir string) *Engine {
	return &Engine{manager: manager, dir: dir}
}

// Dir returns the revision directory.
func (e *Engine) Dir() string { return e.dir }

// Initialize creates the revision directory and its environment marker when
// absent. Safe to call repeatedly.
func (e *Engine) Initialize() error {
	if err := os.MkdirAll(e.dir, revisionDirMode); err != nil {
		return fmt.Errorf("create revision directory: %w", err)
	}
	marker := filepath.Join(e.dir, envMarkerFile)
	if _, err := os.Stat(marker); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", marker, err)
	}
	if err := os.WriteFile(marker, []byte(envMarkerContent), revisionFileMode); err != nil {
		return fmt.Errorf("write %s: %w", marker, err)
	}
	log.Info().Str("dir", e.dir).Msg("Revision directory initialized")
	return nil
}

// sources lists the revision scripts on disk, ordered by version.
func (e *Engine) sources() ([]Revision, error) {
	entries, err := os.ReadDir(e.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read revision directory: %w", err)
	}
	var out []Revision
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := revisionFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || version <= 0 {
			continue
		}
		out = append(out, Revision{
			Version: version,
			Name:    m[2],
			Path:    filepath.Join(e.dir, entry.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// provider builds a goose provider over the revision directory. The manager
// owns the database handle, so the provider is never closed here.
func (e *Engine) provider() (*goose.Provider, error) {
	db := e.manager.DB()
	if db == nil {
		return nil, database.ErrNotInitialized
	}
	dialect := goosedb.DialectSQLite3
	if e.manager.Target().Dialect == database.DialectPostgres {
		dialect = goosedb.DialectPostgres
	}
	p, err := goose.NewProvider(dialect, db, os.DirFS(e.dir))
	if err != nil {
		return nil, fmt.Errorf("open revision provider: %w", err)
	}
	return p, nil
}

// Generate writes the next sequential revision script. With auto, the body
// is the diff between the live schema and the expected registry; otherwise
// an empty template. Returns the script path.
func (e *Engine) Generate(ctx context.Context, message string, auto bool) (string, error) {
	if err := e.Initialize(); err != nil {
		return "", err
	}
	existing, err := e.sources()
	if err != nil {
		return "", err
	}
	var version int64 = 1
	if n := len(existing); n > 0 {
		version = existing[n-1].Version + 1
	}

	up := []string{"-- write upgrade statements here"}
	down := []string{"-- write downgrade statements here"}
	if auto {
		if up, down, err = e.diffDDL(ctx); err != nil {
			return "", err
		}
		if len(up) == 0 {
			up = []string{"-- schema already matches the expected registry"}
		}
		if len(down) == 0 {
			down = []string{"-- nothing to undo"}
		}
	}

	var b strings.Builder
	b.WriteString("-- +goose Up\n")
	b.WriteString(strings.Join(up, "\n"))
	b.WriteString("\n\n-- +goose Down\n")
	b.WriteString(strings.Join(down, "\n"))
	b.WriteString("\n")

	path := filepath.Join(e.dir, fmt.Sprintf("%05d_%s.sql", version, snakeName(message)))
	if err := os.WriteFile(path, []byte(b.String()), revisionFileMode); err != nil {
		return "", fmt.Errorf("write revision script: %w", err)
	}
	log.Info().Str("path", path).Int64("version", version).Bool("auto", auto).Msg("Revision script generated")
	return path, nil
}

// diffDDL compares the live schema against the registry and renders the
// statements that reconcile them, with their inverses.
func (e *Engine) diffDDL(ctx context.Context) (up, down []string, err error) {
	s := e.manager.Engine()
	if s == nil {
		return nil, nil, database.ErrNotInitialized
	}
	dialect := e.manager.Target().Dialect
	live, err := introspectSchema(ctx, s, dialect)
	if err != nil {
		return nil, nil, err
	}

	expected := ExpectedTables()
	expectedSet := make(map[string]bool, len(expected))
	for _, t := range expected {
		expectedSet[t.Name] = true
	}

	for _, t := range expected {
		lt, ok := live[t.Name]
		if !ok {
			up = append(up, t.CreateStatements(dialect)...)
			down = append(down, t.DropStatement())
			continue
		}
		for _, c := range t.Columns {
			if _, ok := lt.Columns[c.Name]; ok {
				continue
			}
			up = append(up, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", t.Name, addColumnDDL(c, dialect)))
			down = append(down, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", t.Name, c.Name))
		}
		extras := extraColumns(t, lt)
		for _, lc := range extras {
			up = append(up, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", t.Name, lc.Name))
			restore := fmt.Sprintf("%s %s", lc.Name, lc.RawType)
			if !lc.Nullable {
				restore += " NOT NULL"
			}
			down = append(down, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", t.Name, restore))
		}
	}

	extraTables := make([]string, 0)
	for name := range live {
		if !expectedSet[name] {
			extraTables = append(extraTables, name)
		}
	}
	sort.Strings(extraTables)
	for _, name := range extraTables {
		up = append(up, fmt.Sprintf("DROP TABLE IF EXISTS %s;", name))
		down = append(down, fmt.Sprintf("-- table %s was dropped and cannot be reconstructed automatically", name))
	}
	return up, down, nil
}

// addColumnDDL renders a column for ALTER TABLE ADD COLUMN. An added NOT
// NULL column needs a default for existing rows; absent one, the column is
// added nullable.
func addColumnDDL(c ColumnSpec, dialect database.Dialect) string {
	if !c.Nullable && c.Default == "" && !c.PrimaryKey {
		relaxed := c
		relaxed.Nullable = true
		return relaxed.ddl(dialect)
	}
	return c.ddl(dialect)
}

func extraColumns(t TableSpec, lt liveTable) []liveColumn {
	var out []liveColumn
	for name, lc := range lt.Columns {
		if _, ok := t.column(name); !ok {
			out = append(out, lc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Apply walks revisions upward. target 0 means head.
func (e *Engine) Apply(ctx context.Context, target int64) ([]Revision, error) {
	sources, err := e.sources()
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, nil
	}
	p, err := e.provider()
	if err != nil {
		return nil, err
	}
	var results []*goose.MigrationResult
	if target == 0 {
		results, err = p.Up(ctx)
	} else {
		results, err = p.UpTo(ctx, target)
	}
	applied := toRevisions(results)
	if err != nil {
		return applied, fmt.Errorf("apply revisions: %w", err)
	}
	for _, r := range applied {
		log.Info().Int64("version", r.Version).Str("name", r.Name).Msg("Revision applied")
	}
	return applied, nil
}

// Rollback walks revisions downward to target. target 0 undoes everything.
func (e *Engine) Rollback(ctx context.Context, target int64) ([]Revision, error) {
	sources, err := e.sources()
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, nil
	}
	p, err := e.provider()
	if err != nil {
		return nil, err
	}
	results, err := p.DownTo(ctx, target)
	reverted := toRevisions(results)
	if err != nil {
		return reverted, fmt.Errorf("roll back revisions: %w", err)
	}
	for _, r := range reverted {
		log.Info().Int64("version", r.Version).Str("name", r.Name).Msg("Revision rolled back")
	}
	return reverted, nil
}

func toRevisions(results []*goose.MigrationResult) []Revision {
	out := make([]Revision, 0, len(results))
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		out = append(out, Revision{
			Version: res.Source.Version,
			Name:    revisionName(res.Source.Path),
			Path:    res.Source.Path,
			Applied: res.Direction == "up",
		})
	}
	return out
}

// CurrentRevision reports the newest applied version, 0 when none.
func (e *Engine) CurrentRevision(ctx context.Context) (int64, error) {
	sources, err := e.sources()
	if err != nil {
		return 0, err
	}
	if len(sources) == 0 {
		return 0, nil
	}
	p, err := e.provider()
	if err != nil {
		return 0, err
	}
	version, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("read current revision: %w", err)
	}
	return version, nil
}

// History lists every known revision with its applied state.
func (e *Engine) History(ctx context.Context) ([]Revision, error) {
	sources, err := e.sources()
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, nil
	}
	p, err := e.provider()
	if err != nil {
		return nil, err
	}
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("read revision history: %w", err)
	}
	out := make([]Revision, 0, len(statuses))
	for _, st := range statuses {
		if st == nil || st.Source == nil {
			continue
		}
		out = append(out, Revision{
			Version:   st.Source.Version,
			Name:      revisionName(st.Source.Path),
			Path:      st.Source.Path,
			Applied:   st.State == goose.StateApplied,
			AppliedAt: st.AppliedAt,
		})
	}
	return out, nil
}

// Pending lists revisions not yet applied, in apply order.
func (e *Engine) Pending(ctx context.Context) ([]Revision, error) {
	history, err := e.History(ctx)
	if err != nil {
		return nil, err
	}
	var out []Revision
	for _, r := range history {
		if !r.Applied {
			out = append(out, r)
		}
	}
	return out, nil
}

// ValidateSchema compares the live schema to the expected registry and
// enumerates every divergence.
func (e *Engine) ValidateSchema(ctx context.Context) (bool, []string, error) {
	s := e.manager.Engine()
	if s == nil {
		return false, nil, database.ErrNotInitialized
	}
	dialect := e.manager.Target().Dialect
	live, err := introspectSchema(ctx, s, dialect)
	if err != nil {
		return false, nil, err
	}

	var issues []string
	expected := ExpectedTables()
	expectedSet := make(map[string]bool, len(expected))
	for _, t := range expected {
		expectedSet[t.Name] = true
		lt, ok := live[t.Name]
		if !ok {
			issues = append(issues, fmt.Sprintf("missing table: %s", t.Name))
			continue
		}
		for _, c := range t.Columns {
			lc, ok := lt.Columns[c.Name]
			if !ok {
				issues = append(issues, fmt.Sprintf("%s: missing column %s", t.Name, c.Name))
				continue
			}
			if want := expectedKind(c.Kind, dialect); lc.Kind != want {
				issues = append(issues, fmt.Sprintf("%s.%s: type mismatch, expected %s, found %s (%s)",
					t.Name, c.Name, want, lc.Kind, lc.RawType))
			}
			if lc.Nullable != c.Nullable && !c.PrimaryKey {
				if c.Nullable {
					issues = append(issues, fmt.Sprintf("%s.%s: should be nullable", t.Name, c.Name))
				} else {
					issues = append(issues, fmt.Sprintf("%s.%s: should be NOT NULL", t.Name, c.Name))
				}
			}
			if lc.PrimaryKey != c.PrimaryKey {
				if c.PrimaryKey {
					issues = append(issues, fmt.Sprintf("%s.%s: should be the primary key", t.Name, c.Name))
				} else {
					issues = append(issues, fmt.Sprintf("%s.%s: unexpected primary key", t.Name, c.Name))
				}
			}
		}
		for _, lc := range extraColumns(t, lt) {
			issues = append(issues, fmt.Sprintf("%s: extra column %s", t.Name, lc.Name))
		}
	}
	extras := make([]string, 0)
	for name := range live {
		if !expectedSet[name] {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	for _, name := range extras {
		issues = append(issues, fmt.Sprintf("extra table: %s", name))
	}
	return len(issues) == 0, issues, nil
}

// Backup captures the database to path: a file copy via VACUUM INTO for
// sqlite, a logical JSON-lines dump for postgres.
func (e *Engine) Backup(ctx context.Context, path string) error {
	if e.manager.DB() == nil {
		return database.ErrNotInitialized
	}
	if err := os.MkdirAll(filepath.Dir(path), revisionDirMode); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if e.manager.Target().Dialect == database.DialectPostgres {
		return e.backupPostgres(ctx, path)
	}
	return e.backupSQLite(ctx, path)
}

func (e *Engine) backupSQLite(ctx context.Context, path string) error {
	// VACUUM INTO refuses to overwrite.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear stale backup: %w", err)
	}
	escaped := strings.ReplaceAll(path, "'", "''")
	if _, err := e.manager.Execute(ctx, fmt.Sprintf("VACUUM INTO '%s'", escaped)); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("verify backup: %w", err)
	}
	log.Info().Str("path", path).Int64("bytes", info.Size()).Msg("Database backup written")
	return nil
}

// dumpLine is one row of a logical backup.
type dumpLine struct {
	Table string         `json:"table"`
	Row   map[string]any `json:"row"`
}

func (e *Engine) backupPostgres(ctx context.Context, path string) error {
	s := e.manager.Engine()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	var lines int64
	for _, t := range ExpectedTables() {
		rows, err := s.QueryxContext(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY id", t.Name))
		if err != nil {
			return fmt.Errorf("dump table %s: %w", t.Name, err)
		}
		for rows.Next() {
			row := map[string]any{}
			if err := rows.MapScan(row); err != nil {
				rows.Close()
				return fmt.Errorf("dump table %s: %w", t.Name, err)
			}
			for k, v := range row {
				if b, ok := v.([]byte); ok {
					row[k] = string(b)
				}
			}
			if err := enc.Encode(dumpLine{Table: t.Name, Row: row}); err != nil {
				rows.Close()
				return fmt.Errorf("encode backup row: %w", err)
			}
			lines++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("dump table %s: %w", t.Name, err)
		}
		rows.Close()
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush backup: %w", err)
	}
	log.Info().Str("path", path).Int64("rows", lines).Msg("Logical backup written")
	return nil
}

// RestoreBackup reverses Backup. For sqlite the backup file replaces the
// database file and the engine is recreated over it; for postgres the
// expected tables are rebuilt and reloaded from the dump.
func (e *Engine) RestoreBackup(ctx context.Context, path string) error {
	if e.manager.DB() == nil {
		return database.ErrNotInitialized
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("backup unavailable: %w", err)
	}
	if e.manager.Target().Dialect == database.DialectPostgres {
		return e.restorePostgres(ctx, path)
	}
	return e.restoreSQLite(ctx, path)
}

func (e *Engine) restoreSQLite(ctx context.Context, path string) error {
	target := e.manager.Target()
	dbPath := sqliteFilePath(target)
	if dbPath == "" || dbPath == ":memory:" {
		return fmt.Errorf("cannot restore an in-memory database")
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if !bytes.HasPrefix(payload, sqliteHeader) {
		return fmt.Errorf("backup %s is not a sqlite database", path)
	}

	// The engine must be fully closed before the file swap: a live
	// connection would checkpoint its WAL over the restored bytes on close.
	if err := e.manager.Shutdown(ctx); err != nil {
		return err
	}
	if err := os.WriteFile(dbPath, payload, 0600); err != nil {
		return fmt.Errorf("replace database file: %w", err)
	}
	// Stale WAL segments would resurrect post-backup writes.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear %s: %w", dbPath+suffix, err)
		}
	}
	if err := e.manager.Initialize(ctx); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("Database restored from backup")
	return nil
}

func (e *Engine) restorePostgres(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()

	byTable := make(map[string][]map[string]any)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var line dumpLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			return fmt.Errorf("decode backup line: %w", err)
		}
		byTable[line.Table] = append(byTable[line.Table], line.Row)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := e.DropTables(ctx); err != nil {
		return err
	}
	if err := e.CreateTables(ctx); err != nil {
		return err
	}
	err = e.manager.WithTransaction(ctx, func(ctx context.Context, s database.Session) error {
		for _, t := range ExpectedTables() {
			for _, row := range byTable[t.Name] {
				if err := insertRow(ctx, s, t.Name, row); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reload backup rows: %w", err)
	}
	log.Info().Str("path", path).Msg("Database restored from logical backup")
	return nil
}

func insertRow(ctx context.Context, s database.Session, table string, row map[string]any) error {
	if len(row) == 0 {
		return nil
	}
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		args[i] = row[c]
		marks[i] = "?"
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := s.ExecContext(ctx, s.Rebind(query), args...); err != nil {
		return fmt.Errorf("restore row into %s: %w", table, err)
	}
	return nil
}

// CreateTables bootstraps the expected schema directly from the registry.
func (e *Engine) CreateTables(ctx context.Context) error {
	dialect := e.manager.Target().Dialect
	for _, t := range ExpectedTables() {
		for _, stmt := range t.CreateStatements(dialect) {
			if _, err := e.manager.Execute(ctx, stmt); err != nil {
				return fmt.Errorf("create table %s: %w", t.Name, err)
			}
		}
	}
	log.Info().Int("tables", len(ExpectedTables())).Msg("Expected schema created")
	return nil
}

// DropTables removes the expected tables, dependents first.
func (e *Engine) DropTables(ctx context.Context) error {
	tables := ExpectedTables()
	for i := len(tables) - 1; i >= 0; i-- {
		if _, err := e.manager.Execute(ctx, tables[i].DropStatement()); err != nil {
			return fmt.Errorf("drop table %s: %w", tables[i].Name, err)
		}
	}
	return nil
}

// Status combines revision position, pending work, and schema validity.
func (e *Engine) Status(ctx context.Context) (*EngineStatus, error) {
	current, err := e.CurrentRevision(ctx)
	if err != nil {
		return nil, err
	}
	history, err := e.History(ctx)
	if err != nil {
		return nil, err
	}
	pending := 0
	for _, r := range history {
		if !r.Applied {
			pending++
		}
	}
	valid, issues, err := e.ValidateSchema(ctx)
	if err != nil {
		return nil, err
	}
	return &EngineStatus{
		CurrentRevision: current,
		PendingCount:    pending,
		SchemaValid:     valid,
		Issues:          issues,
		Revisions:       history,
	}, nil
}

// sqliteFilePath strips DSN decorations down to the database file path.
func sqliteFilePath(t database.Target) string {
	dsn := t.DSN
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	return strings.TrimPrefix(dsn, "file:")
}

// revisionName extracts the snake name from a script path.
func revisionName(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".sql")
	if m := revisionFilePattern.FindStringSubmatch(base + ".sql"); m != nil {
		return m[2]
	}
	return base
}

// snakeName normalizes a free-form message into a filename fragment.
func snakeName(message string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(message)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "revision"
	}
	return name
}
