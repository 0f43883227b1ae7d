package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Open connects to sqlite (dsn is a file path) or PostgreSQL (dsn is a
// connection URL).
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite:
		return openSQLite(dsn)
	case DriverPostgres:
		db, err := sql.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func openSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch driver {
	case DriverSQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS buildings (
				building_id INTEGER PRIMARY KEY,
				building_name TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS crowd_counts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				building_id INTEGER NOT NULL,
				current_count INTEGER NOT NULL,
				ts DATETIME NOT NULL,
				FOREIGN KEY(building_id) REFERENCES buildings(building_id) ON DELETE CASCADE
			);`,
		}
	case DriverPostgres:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS buildings (
				building_id BIGINT PRIMARY KEY,
				building_name TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS crowd_counts (
				id BIGSERIAL PRIMARY KEY,
				building_id BIGINT NOT NULL REFERENCES buildings(building_id) ON DELETE CASCADE,
				current_count INTEGER NOT NULL,
				ts TIMESTAMPTZ NOT NULL
			);`,
		}
	default:
		return fmt.Errorf("unsupported driver %q", driver)
	}
	stmts = append(stmts, `CREATE INDEX IF NOT EXISTS idx_crowd_counts_building_ts ON crowd_counts(building_id, ts DESC);`)
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $1..$n for PostgreSQL.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
