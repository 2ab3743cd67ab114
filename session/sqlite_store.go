package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS icloud_sessions (
	username   TEXT PRIMARY KEY,
	state      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps records in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", ErrStoreUnavailable, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load reads the record for username.
func (s *SQLiteStore) Load(ctx context.Context, username string) (*State, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM icloud_sessions WHERE username = ?",
		NormalizeUsername(username),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return Decode(data)
}

// Save upserts the record.
func (s *SQLiteStore) Save(ctx context.Context, st *State) error {
	data, err := Encode(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO icloud_sessions (username, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		NormalizeUsername(st.Username), data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Delete removes the record if present.
func (s *SQLiteStore) Delete(ctx context.Context, username string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM icloud_sessions WHERE username = ?", NormalizeUsername(username)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
