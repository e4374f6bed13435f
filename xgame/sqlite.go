package xgame

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteStorage persists state in a single SQLite file, surviving
// daemon restarts.
type sqliteStorage struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS current (
	id     INTEGER PRIMARY KEY CHECK (id = 1),
	state  BLOB NOT NULL,
	hash   TEXT NOT NULL,
	height INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS undo (
	hash   TEXT PRIMARY KEY,
	height INTEGER NOT NULL,
	data   BLOB NOT NULL
);
`

func NewSQLiteStorage(path string) (Storage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// SQLite handles at most one writer; more connections only add
	// lock contention errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) HasState() (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM current`).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query state presence: %w", err)
	}
	return n > 0, nil
}

func (s *sqliteStorage) Current() ([]byte, string, int64, error) {
	var state []byte
	var hash string
	var height int64
	err := s.db.QueryRow(`SELECT state, hash, height FROM current WHERE id = 1`).
		Scan(&state, &hash, &height)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", 0, fmt.Errorf("no state stored")
	}
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to load state: %w", err)
	}
	return state, hash, height, nil
}

func (s *sqliteStorage) SetCurrent(state []byte, hash string, height int64) error {
	_, err := s.db.Exec(`
INSERT INTO current (id, state, hash, height) VALUES (1, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET state = excluded.state, hash = excluded.hash, height = excluded.height`,
		state, hash, height)
	if err != nil {
		return fmt.Errorf("failed to store state: %w", err)
	}
	return nil
}

func (s *sqliteStorage) PutUndo(hash string, height int64, undo []byte) error {
	_, err := s.db.Exec(`
INSERT INTO undo (hash, height, data) VALUES (?, ?, ?)
ON CONFLICT (hash) DO UPDATE SET height = excluded.height, data = excluded.data`,
		hash, height, undo)
	if err != nil {
		return fmt.Errorf("failed to store undo data: %w", err)
	}
	return nil
}

func (s *sqliteStorage) Undo(hash string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM undo WHERE hash = ?`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load undo data: %w", err)
	}
	return data, true, nil
}

func (s *sqliteStorage) DeleteUndo(hash string) error {
	if _, err := s.db.Exec(`DELETE FROM undo WHERE hash = ?`, hash); err != nil {
		return fmt.Errorf("failed to delete undo data: %w", err)
	}
	return nil
}

func (s *sqliteStorage) PruneUndo(height int64) error {
	if _, err := s.db.Exec(`DELETE FROM undo WHERE height <= ?`, height); err != nil {
		return fmt.Errorf("failed to prune undo data: %w", err)
	}
	return nil
}

func (s *sqliteStorage) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM current; DELETE FROM undo`); err != nil {
		return fmt.Errorf("failed to clear storage: %w", err)
	}
	return nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}
