package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// State manages client-side persistent state
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	db.SetMaxOpenConns(1) // Client only needs one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &State{db: db, dir: dir}, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS Config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS UnseenCache (
		scope_id TEXT PRIMARY KEY,
		unseen_count INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

func runMigrations(db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetConfig retrieves a configuration value
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// GetLastUserID returns the scope of the last signed-in session
func (s *State) GetLastUserID() string {
	userID, _ := s.GetConfig("last_user_id")
	return userID
}

// SetLastUserID stores the scope of the signed-in session
func (s *State) SetLastUserID(userID string) error {
	return s.SetConfig("last_user_id", userID)
}

// GetUnseenCount returns the last known unseen notification count for a
// scope. The bool is false when nothing was cached.
func (s *State) GetUnseenCount(scopeID string) (int, bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT unseen_count
		FROM UnseenCache
		WHERE scope_id = ?
	`, scopeID).Scan(&count)

	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

// SaveUnseenCount caches the unseen notification count for a scope
func (s *State) SaveUnseenCount(scopeID string, count int) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO UnseenCache (scope_id, unseen_count, updated_at)
		VALUES (?, ?, ?)
	`, scopeID, count, time.Now().Unix())
	return err
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}
