package database

import (
	"fmt"
	"net/url"
	"strings"

	// Drivers are linked once here; everything else goes through sqlx.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL flavor behind the engine.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Target is a parsed database URL: which driver to open, the DSN to hand
// it, and whether the engine is the embedded kind (which forces
// single-connection discipline).
type Target struct {
	Dialect  Dialect
	Driver   string
	DSN      string
	Embedded bool

	// Redacted is the URL with credentials masked, safe for logs.
	Redacted string
}

// ParseURL maps a configuration URL onto a driver target.
//
//	sqlite:data/fleet.db    -> modernc sqlite, file DSN with pragmas
//	sqlite://data/fleet.db  -> same
//	plain/path.db           -> same
//	postgres://user:pw@host/db or postgresql:// -> pgx stdlib
func ParseURL(rawURL string, sslMode, sslRootCert string, statementTimeout float64) (Target, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return Target{}, fmt.Errorf("database url is empty")
	}

	switch {
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return postgresTarget(raw, sslMode, sslRootCert, statementTimeout)
	case strings.HasPrefix(raw, "sqlite://"):
		return sqliteTarget(strings.TrimPrefix(raw, "sqlite://")), nil
	case strings.HasPrefix(raw, "sqlite:"):
		return sqliteTarget(strings.TrimPrefix(raw, "sqlite:")), nil
	case strings.Contains(raw, "://"):
		return Target{}, fmt.Errorf("unsupported database url scheme in %q", raw)
	default:
		// A bare path is treated as an embedded database file.
		return sqliteTarget(raw), nil
	}
}

// sqliteTarget builds an embedded target. Pragmas ride in the DSN so every
// pooled connection is configured identically: WAL for concurrent readers,
// a busy timeout instead of immediate SQLITE_BUSY, NORMAL sync for
// throughput, and enforced foreign keys.
func sqliteTarget(path string) Target {
	path = strings.TrimSpace(path)
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = path + "?" + url.Values{
			"_pragma": []string{
				"busy_timeout(30000)",
				"journal_mode(WAL)",
				"synchronous(NORMAL)",
				"foreign_keys(ON)",
			},
		}.Encode()
	}
	return Target{
		Dialect:  DialectSQLite,
		Driver:   "sqlite",
		DSN:      dsn,
		Embedded: true,
		Redacted: "sqlite:" + path,
	}
}

func postgresTarget(raw, sslMode, sslRootCert string, statementTimeout float64) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("invalid database url: %w", err)
	}

	q := u.Query()
	if sslMode != "" && q.Get("sslmode") == "" {
		q.Set("sslmode", sslMode)
	}
	if sslRootCert != "" && q.Get("sslrootcert") == "" {
		q.Set("sslrootcert", sslRootCert)
	}
	if statementTimeout > 0 && q.Get("statement_timeout") == "" {
		q.Set("statement_timeout", fmt.Sprintf("%d", int64(statementTimeout*1000)))
	}
	u.RawQuery = q.Encode()

	return Target{
		Dialect:  DialectPostgres,
		Driver:   "pgx",
		DSN:      u.String(),
		Redacted: u.Redacted(),
	}, nil
}

// WithPassword returns a copy of the URL with the password replaced. Used
// when the secret store supplies the database credential after file layers
// resolved the rest of the URL.
func WithPassword(rawURL, password string) string {
	if password == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	u.User = url.UserPassword(u.User.Username(), password)
	return u.String()
}
