package room

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// PasswordStore is an abstract KV for the single durable field this
// server needs, room-code -> password-hash. Anything with get/put
// semantics serves; nothing else the server holds survives a restart.
type PasswordStore interface {
	Get(roomCode string) (hash string, ok bool, err error)
	Put(roomCode, hash string) error
}

// SQLitePasswordStore persists password hashes in a SQLite file.
type SQLitePasswordStore struct {
	db *sql.DB
}

// OpenSQLitePasswordStore opens (or creates) the database at path and
// applies its schema.
func OpenSQLitePasswordStore(path string) (*SQLitePasswordStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening password store: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS room_passwords (
		room_code TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying password store schema: %w", err)
	}

	return &SQLitePasswordStore{db: db}, nil
}

// Get looks up a room's stored password hash.
func (s *SQLitePasswordStore) Get(roomCode string) (string, bool, error) {
	var hash string
	err := s.db.QueryRow(
		`SELECT password_hash FROM room_passwords WHERE room_code = ?`, roomCode,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading password hash for %s: %w", roomCode, err)
	}
	return hash, true, nil
}

// Put stores a room's password hash. Callers are responsible for the
// once-only invariant; Put itself is a plain upsert.
func (s *SQLitePasswordStore) Put(roomCode, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO room_passwords(room_code, password_hash) VALUES(?, ?)
		 ON CONFLICT(room_code) DO UPDATE SET password_hash = excluded.password_hash`,
		roomCode, hash,
	)
	if err != nil {
		return fmt.Errorf("writing password hash for %s: %w", roomCode, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLitePasswordStore) Close() error {
	return s.db.Close()
}

// memPasswordStore is an in-memory PasswordStore, used by tests and by
// deployments that accept losing password hashes across restarts.
type memPasswordStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemPasswordStore returns a non-durable PasswordStore.
func NewMemPasswordStore() PasswordStore {
	return &memPasswordStore{data: make(map[string]string)}
}

func (m *memPasswordStore) Get(roomCode string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.data[roomCode]
	return h, ok, nil
}

func (m *memPasswordStore) Put(roomCode, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[roomCode] = hash
	return nil
}
