package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// SQLite keeps values in a single key-value table of a SQLite database.
type SQLite struct {
	db     *sql.DB
	closed atomic.Bool
}

func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// one writer; sqlite serialises anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database. Later calls return ErrClosed.
func (s *SQLite) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	return s.db.Close()
}

func (s *SQLite) GetString(key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, ErrClosed
	}
	var value string
	err := s.db.QueryRow(`
		SELECT value
		FROM kv
		WHERE key=?;`,
		key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to read '%s': %w", key, err)
	}
	return value, true, nil
}

func (s *SQLite) PutString(key string, value string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("failed to write '%s': %w", key, err)
	}
	return nil
}

func (s *SQLite) Remove(key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key=?;`, key); err != nil {
		return fmt.Errorf("failed to remove '%s': %w", key, err)
	}
	return nil
}

func initSchema(db *sql.DB) error {
	return initTable(db, "kv", `
		CREATE TABLE IF NOT EXISTS kv (
			key         TEXT PRIMARY KEY,
			value       TEXT NOT NULL
		);`,
	)
}

func initTable(
	db *sql.DB,
	name string,
	sql string,
) error {
	if _, err := db.Exec(sql); err != nil {
		return fmt.Errorf("failed to init '%s' table schema: %w", name, err)
	}
	return nil
}
