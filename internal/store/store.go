package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound signals that a referenced entity does not exist. Background
// jobs treat it as a benign no-op; API-facing callers map it to a 404.
var ErrNotFound = errors.New("not found")

// Store provides persistence for every pipeline entity over SQLite.
type Store struct {
	DB *sql.DB
}

// Open opens the SQLite database with foreign keys on and ensures the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "opslens.db"
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on error.
// Jobs use it so a reader never observes a partially written job's output.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const schema = `
CREATE TABLE IF NOT EXISTS incidents(
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	severity TEXT NOT NULL DEFAULT 'medium',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS timeline_events(
	id TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
	timestamp TIMESTAMP NOT NULL,
	event_type TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	source TEXT,
	source_id TEXT,
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_timeline_incident ON timeline_events(incident_id);

CREATE TABLE IF NOT EXISTS evidence_items(
	id TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
	evidence_type TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT,
	source TEXT,
	source_url TEXT,
	file_path TEXT,
	embedding TEXT,
	embedded_len INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_incident ON evidence_items(incident_id);

CREATE TABLE IF NOT EXISTS hypotheses(
	id TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	rank INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	supporting_evidence TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hypotheses_incident ON hypotheses(incident_id);

CREATE TABLE IF NOT EXISTS actions(
	id TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	description TEXT,
	action_type TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_actions_incident ON actions(incident_id);

CREATE TABLE IF NOT EXISTS runbooks(
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	content TEXT NOT NULL,
	service TEXT,
	tags TEXT NOT NULL DEFAULT '[]',
	embedding TEXT,
	embedded_len INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS postmortems(
	id TEXT PRIMARY KEY,
	incident_id TEXT REFERENCES incidents(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	summary TEXT,
	root_cause TEXT,
	contributing_factors TEXT NOT NULL DEFAULT '[]',
	impact TEXT,
	resolution TEXT,
	follow_ups TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_endpoints(
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	secret TEXT,
	events TEXT NOT NULL DEFAULT '[]',
	is_active INTEGER NOT NULL DEFAULT 1,
	last_triggered TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
`

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeMap(raw sql.NullString) map[string]string {
	m := make(map[string]string)
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), &m)
	}
	return m
}

func decodeStrings(raw sql.NullString) []string {
	var out []string
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), &out)
	}
	return out
}

func decodeEmbedding(raw sql.NullString) []float32 {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw.String), &vec); err != nil {
		return nil
	}
	return vec
}

func encodeEmbedding(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	return encodeJSON(vec)
}
