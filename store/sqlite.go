package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ KV = (*SQLiteStore)(nil)
var _ Archive = (*SQLiteStore)(nil)

func OpenSQLite(path string) (*SQLiteStore, error) {

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {

	return s.db.Close()
}

func initSchema(db *sql.DB) error {

	// Prefix scans rely on LIKE matching bytes exactly.
	if _, err := db.Exec("PRAGMA case_sensitive_like = ON"); err != nil {
		return err
	}
	if _, err := db.Exec(schemaKV); err != nil {
		return err
	}
	if _, err := db.Exec(schemaExecutions); err != nil {
		return err
	}

	return nil
}

const schemaKV = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at DATETIME
)`

const schemaExecutions = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	frames_json TEXT,
	completed_at DATETIME
)`

func (s *SQLiteStore) Get(key string) (string, bool, error) {

	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	return v, true, nil
}

func (s *SQLiteStore) Set(key, value string) error {

	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		timeToDB(time.Now()),
	)
	return err
}

func (s *SQLiteStore) Remove(key string) error {

	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) ListKeys(prefix string) ([]string, error) {

	rows, err := s.db.Query(
		`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *SQLiteStore) PutExecution(id string, frames []string, completedAt time.Time) error {

	raw, err := json.Marshal(frames)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO executions (id, frames_json, completed_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET frames_json = excluded.frames_json, completed_at = excluded.completed_at`,
		id,
		string(raw),
		timeToDB(completedAt),
	)
	return err
}

func (s *SQLiteStore) GetExecution(id string) (*ArchivedExecution, bool, error) {

	var raw string
	var completedAt string
	err := s.db.QueryRow(
		`SELECT frames_json, completed_at FROM executions WHERE id = ?`,
		id,
	).Scan(&raw, &completedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var frames []string
	if err := json.Unmarshal([]byte(raw), &frames); err != nil {
		return nil, false, err
	}
	completed, err := timeFromDB(completedAt)
	if err != nil {
		return nil, false, err
	}

	return &ArchivedExecution{ID: id, Frames: frames, CompletedAt: completed}, true, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(v string) string {

	return likeEscaper.Replace(v)
}

func timeToDB(v time.Time) string {

	return v.UTC().Format(time.RFC3339Nano)
}

func timeFromDB(v string) (time.Time, error) {

	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}

	return t, nil
}
