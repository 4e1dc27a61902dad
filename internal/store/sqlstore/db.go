// Package sqlstore implements the store collaborators on database/sql.
//
// Two dialects are supported: PostgreSQL through lib/pq and SQLite through
// the pure-Go modernc driver. Queries are written once with numbered
// placeholders and rebound for the target dialect. Timestamps are stored as
// unix milliseconds so both drivers scan them identically.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect describes the differences between supported databases
type Dialect struct {
	Name     string
	Driver   string
	BlobType string
	// positional rewrites $N placeholders to ?N
	positional bool
}

var (
	Postgres = Dialect{Name: "postgres", Driver: "postgres", BlobType: "BYTEA"}
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite", BlobType: "BLOB", positional: true}
)

// DialectFor resolves a configured driver name
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Rebind converts $N placeholders for the dialect
func (d Dialect) Rebind(query string) string {
	if !d.positional {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			sb.WriteByte('?')
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// DB is a database handle shared by every sql-backed store
type DB struct {
	*sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to the database and applies the schema
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if dialect == SQLite {
		// an in-memory database exists per connection
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}

	db := New(sqlDB, dialect)
	if err := db.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// New wraps an existing handle without touching the schema
func New(sqlDB *sql.DB, dialect Dialect) *DB {
	return &DB{DB: sqlDB, dialect: dialect, now: time.Now}
}

// Dialect returns the dialect the handle was opened with
func (db *DB) Dialect() Dialect {
	return db.dialect
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, db.dialect.Rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(ctx, db.dialect.Rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.QueryRowContext(ctx, db.dialect.Rebind(query), args...)
}

func (db *DB) millis() int64 {
	return db.now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Migrate creates the tables used by the stores if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS module_data (
			id TEXT PRIMARY KEY,
			module_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			data_key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (module_id, site_id, data_key)
		)`,
		`CREATE TABLE IF NOT EXISTS storage_quotas (
			module_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			max_size_bytes BIGINT NOT NULL,
			used_size_bytes BIGINT NOT NULL DEFAULT 0,
			file_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at BIGINT NOT NULL,
			PRIMARY KEY (module_id, site_id)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS module_secrets (
			module_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			name TEXT NOT NULL,
			sealed %s NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (module_id, site_id, name)
		)`, db.dialect.BlobType),
		`CREATE TABLE IF NOT EXISTS module_events (
			id TEXT PRIMARY KEY,
			event_name TEXT NOT NULL,
			source_module_id TEXT NOT NULL,
			target_module_id TEXT NOT NULL DEFAULT '',
			site_id TEXT NOT NULL,
			payload TEXT,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS module_events_pending ON module_events (processed, created_at)`,
		`CREATE TABLE IF NOT EXISTS module_settings (
			module_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			settings TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (module_id, site_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", db.dialect.Name, err)
		}
	}
	return nil
}
