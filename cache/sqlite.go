package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens a storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
// Any failure is reported as ErrStoreUnavailable.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying db.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Open(name string) (Generation, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, name, err)
	}
	return &sqliteGeneration{name: name, storage: s}, nil
}

func (s *SQLiteStorage) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM generations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE generation = ?", name); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM generations WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, tx.Commit()
}

func (s *SQLiteStorage) Has(name string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM generations WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

type sqliteGeneration struct {
	name    string
	storage *SQLiteStorage
}

func (g *sqliteGeneration) Name() string {
	return g.name
}

func (g *sqliteGeneration) Match(key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := g.storage.db.QueryRow(
		"SELECT stored_at, bytes FROM entries WHERE generation = ? AND key = ?",
		g.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.Unix(storedAt, 0)
	return entry, true, nil
}

// Put does not re-create a deleted generation; the entry is dropped instead.
func (g *sqliteGeneration) Put(entry Entry) error {
	g.storage.writeMutex.Lock()
	defer g.storage.writeMutex.Unlock()
	_, err := g.storage.db.Exec(`INSERT OR REPLACE INTO entries
		(generation, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE name = ?)`,
		g.name, entry.Key, entry.StoredAt.Unix(), entry.Bytes, g.name)
	return err
}

func (g *sqliteGeneration) Delete(key string) (bool, error) {
	g.storage.writeMutex.Lock()
	defer g.storage.writeMutex.Unlock()
	result, err := g.storage.db.Exec(
		"DELETE FROM entries WHERE generation = ? AND key = ?", g.name, key)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	return deleted > 0, err
}

func (g *sqliteGeneration) Keys() ([]string, error) {
	rows, err := g.storage.db.Query(
		"SELECT key FROM entries WHERE generation = ? ORDER BY key", g.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
