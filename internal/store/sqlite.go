package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mattn/go-sqlite3"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS mog_types (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		UNIQUE (kind, name)
	)`,
	`CREATE TABLE IF NOT EXISTS mog_type_properties (
		type_id INTEGER NOT NULL REFERENCES mog_types(id),
		name TEXT NOT NULL,
		data_type TEXT NOT NULL,
		PRIMARY KEY (type_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS mog_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type_id INTEGER NOT NULL REFERENCES mog_types(id),
		name TEXT,
		state TEXT NOT NULL,
		create_time INTEGER NOT NULL,
		update_time INTEGER NOT NULL,
		UNIQUE (type_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS mog_execution_properties (
		execution_id INTEGER NOT NULL REFERENCES mog_executions(id),
		name TEXT NOT NULL,
		is_custom BOOLEAN NOT NULL,
		data_type TEXT NOT NULL,
		int_value INTEGER,
		double_value REAL,
		string_value TEXT,
		PRIMARY KEY (execution_id, name, is_custom)
	)`,
	`CREATE TABLE IF NOT EXISTS mog_contexts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type_id INTEGER NOT NULL REFERENCES mog_types(id),
		name TEXT NOT NULL,
		create_time INTEGER NOT NULL,
		UNIQUE (type_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS mog_attributions (
		context_id INTEGER NOT NULL REFERENCES mog_contexts(id),
		execution_id INTEGER NOT NULL REFERENCES mog_executions(id),
		PRIMARY KEY (context_id, execution_id)
	)`,
	`CREATE TABLE IF NOT EXISTS mog_artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type_id INTEGER NOT NULL REFERENCES mog_types(id),
		name TEXT,
		uri TEXT NOT NULL,
		create_time INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mog_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		artifact_id INTEGER NOT NULL REFERENCES mog_artifacts(id),
		execution_id INTEGER NOT NULL REFERENCES mog_executions(id),
		type TEXT NOT NULL,
		event_time INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS mog_events_execution_idx ON mog_events (execution_id)`,
}

var sqliteDialect = dialect{
	name:              "sqlite",
	schema:            sqliteSchema,
	rebind:            rebindNumbered,
	isUniqueViolation: isSQLiteUniqueViolation,
}

var placeholderRE = regexp.MustCompile(`\$(\d+)`)

// rebindNumbered turns $N placeholders into sqlite's ?N form.
func rebindNumbered(query string) string {
	return placeholderRE.ReplaceAllString(query, "?$1")
}

// openSQLite accepts sqlite://<path> and sqlite::memory:. The schema is
// applied on open since a fresh file has no tables.
func openSQLite(ctx context.Context, uri string) (*sqlStore, error) {
	path, err := sqlitePath(uri)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; also keeps :memory: on a single database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &sqlStore{db: db, dialect: sqliteDialect}, nil
}

// sqliteDSN starts every transaction with BEGIN IMMEDIATE. A deferred
// transaction that reads then writes can fail with SQLITE_BUSY on the lock
// upgrade without waiting out the busy timeout when another process writes.
func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?_foreign_keys=on"
	}
	return "file:" + path + "?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
}

func sqlitePath(uri string) (string, error) {
	switch {
	case uri == "sqlite::memory:":
		return ":memory:", nil
	case strings.HasPrefix(uri, "sqlite://"):
		path := strings.TrimPrefix(uri, "sqlite://")
		if path == "" {
			return "", errors.New("sqlite uri has no path")
		}
		return path, nil
	default:
		return "", fmt.Errorf("%w: expected sqlite://<path> or sqlite::memory:", ErrUnsupportedScheme)
	}
}

func isSQLiteUniqueViolation(err error) bool {
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
