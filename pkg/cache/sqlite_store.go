package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps every record as a JSON blob in one SQLite database
type SQLiteStore struct {
	conn *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		dataDir, err := DataDirectory()
		if err != nil {
			return nil, fmt.Errorf("failed to get data directory: %w", err)
		}
		path = filepath.Join(dataDir, "cache.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; sqlite serialises anyway
	conn.SetMaxOpenConns(1)

	s := &SQLiteStore{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feed_cache (
		service TEXT NOT NULL,
		creator_id TEXT NOT NULL,
		record BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (service, creator_id)
	);`
	_, err := s.conn.Exec(schema)
	return err
}

// Load reads the record for k
func (s *SQLiteStore) Load(k Key) (*Record, error) {
	var blob []byte
	err := s.conn.QueryRow(
		`SELECT record FROM feed_cache WHERE service = ? AND creator_id = ?`,
		k.Service, k.CreatorID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query cache record: %w", err)
	}

	var r Record
	if err := json.Unmarshal(blob, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &r, nil
}

// Save upserts the record
func (s *SQLiteStore) Save(r *Record) error {
	blob, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode cache record: %w", err)
	}

	_, err = s.conn.Exec(`
		INSERT INTO feed_cache (service, creator_id, record, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service, creator_id) DO UPDATE SET
			record = excluded.record,
			updated_at = excluded.updated_at`,
		r.Service, r.CreatorID, blob, r.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("upsert cache record: %w", err)
	}
	return nil
}

// Delete removes the record for k
func (s *SQLiteStore) Delete(k Key) error {
	if _, err := s.conn.Exec(
		`DELETE FROM feed_cache WHERE service = ? AND creator_id = ?`,
		k.Service, k.CreatorID,
	); err != nil {
		return fmt.Errorf("delete cache record: %w", err)
	}
	return nil
}

// Keys lists every stored creator
func (s *SQLiteStore) Keys() ([]Key, error) {
	rows, err := s.conn.Query(`SELECT service, creator_id FROM feed_cache ORDER BY service, creator_id`)
	if err != nil {
		return nil, fmt.Errorf("list cache records: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Service, &k.CreatorID); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
