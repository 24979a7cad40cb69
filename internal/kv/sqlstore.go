package kv

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"clinikey.org/internal/migrate"
)

//go:embed migrations
var migrations embed.FS

var _ Store = (*SQLStore)(nil)

// SQLStore implements Store on a single kv_entries table. The statements are
// portable between SQLite (modernc.org/sqlite) and PostgreSQL (pgx).
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects with the named database/sql driver ("sqlite" or "pgx") and
// applies the schema migrations.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dialect, err := migrationsDir(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer connection keeps SQLite from returning SQLITE_BUSY under concurrent Set.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := migrate.NewManager(db, migrations, dialect, migrate.WithMigrationsTable(migrationsTable)).Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv: migrate: %w", err)
	}
	return NewSQLStore(db), nil
}

const migrationsTable = "kv_schema_migrations"

// NewMigrator returns the schema migration manager for db, for tooling that
// runs migrations explicitly.
func NewMigrator(db *sql.DB, driver string) (*migrate.Manager, error) {
	dialect, err := migrationsDir(driver)
	if err != nil {
		return nil, err
	}
	return migrate.NewManager(db, migrations, dialect, migrate.WithMigrationsTable(migrationsTable)), nil
}

func migrationsDir(driver string) (string, error) {
	switch driver {
	case "sqlite":
		return "migrations/sqlite", nil
	case "pgx":
		return "migrations/postgres", nil
	default:
		return "", fmt.Errorf("kv: unsupported driver %q", driver)
	}
}

// NewSQLStore wraps an existing database whose schema is already in place.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the database handle for readiness probes.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `select entry_value from kv_entries where entry_key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into kv_entries(entry_key, entry_value, updated_at) values ($1, $2, $3)
		on conflict (entry_key) do update
		set entry_value = excluded.entry_value, updated_at = excluded.updated_at
	`, key, value, s.now().UTC())
	if err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `delete from kv_entries where entry_key = $1`, key); err != nil {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select entry_key from kv_entries where entry_key like $1 escape '\' order by entry_key`,
		likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("kv: keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
