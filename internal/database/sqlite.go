package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"giro/internal/database/migrations"
	"giro/internal/giro"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// tsLayout has fixed-width fractions so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) time.Time {
	t, err := giro.ParseTimestamp(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SQLiteDatabase implements giro.Store using SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	path  string
	clock giro.Clock
}

var _ giro.Store = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens a SQLite database at path.
// path can be a file path or ":memory:" for an in-memory database.
// The schema is not migrated; call Migrate or check with CheckMigrations.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path, clock: giro.RealClock{}}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing, already configured connection.
func NewSQLiteDatabaseFromDB(db *sql.DB, clock giro.Clock) *SQLiteDatabase {
	if clock == nil {
		clock = giro.RealClock{}
	}
	return &SQLiteDatabase{db: db, clock: clock}
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs the
// store relies on. In-memory databases are pinned to a single connection,
// since each connection would otherwise see its own empty database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

// Migrate applies pending schema migrations.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// DB exposes the underlying connection for tools and tests.
func (s *SQLiteDatabase) DB() *sql.DB { return s.db }

func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

// Settings

func (s *SQLiteDatabase) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteDatabase) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTS(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteDatabase) ListSettings(ctx context.Context, prefix string) ([]giro.Setting, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, updated_at FROM settings WHERE substr(key, 1, ?) = ? ORDER BY key DESC",
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	defer rows.Close()

	var out []giro.Setting
	for rows.Next() {
		var st giro.Setting
		var updated string
		if err := rows.Scan(&st.Key, &st.Value, &updated); err != nil {
			return nil, fmt.Errorf("scanning setting: %w", err)
		}
		st.UpdatedAt = parseTS(updated)
		out = append(out, st)
	}
	return out, rows.Err()
}
