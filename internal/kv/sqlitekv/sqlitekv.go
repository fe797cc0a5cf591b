package sqlitekv

import (
	"database/sql"
	"time"

	"draftdesk/internal/db"
	"draftdesk/internal/migrate"
)

// Store is the durable kv.Store backed by the workspace SQLite database.
type Store struct {
	conn *sql.DB
}

// Open opens (and migrates) the workspace database.
func Open(workspace string) (*Store, error) {
	conn, err := db.Open(workspace)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{conn: conn}, nil
}

// DB exposes the underlying connection so the event log can share it.
func (s *Store) DB() *sql.DB { return s.conn }

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRow(`SELECT value FROM kv WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.conn.Exec(`INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, now)
	return err
}

func (s *Store) Delete(key string) error {
	_, err := s.conn.Exec(`DELETE FROM kv WHERE key=?`, key)
	return err
}

func (s *Store) Keys(prefix string) ([]string, error) {
	rows, err := s.conn.Query(`SELECT key FROM kv WHERE key LIKE ? ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, err
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
