// Package history persists resolved chat exchanges to a local SQLite file,
// so a desk operator can review what the assistant said across sessions.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/optionsdesk/retriever/internal/chat"
)

// Store is a SQLite-backed transcript. It implements chat.Recorder.
type Store struct {
	db *sql.DB
}

// Entry is one persisted exchange.
type Entry struct {
	ID         string
	Question   string
	Answer     string
	Confidence sql.NullFloat64
	Failed     bool
	Transport  string
	CreatedAt  time.Time
}

// Open creates or opens the transcript database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	dsn := path + "?_journal=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		confidence REAL,
		failed INTEGER NOT NULL DEFAULT 0,
		transport TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_created ON exchanges(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// Record stores one resolved message. Satisfies chat.Recorder.
func (s *Store) Record(m chat.Message) error {
	var confidence sql.NullFloat64
	if m.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *m.Confidence, Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO exchanges (id, question, answer, confidence, failed, transport, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Question, m.Answer, confidence, boolToInt(m.Error), string(m.Transport), m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}
	return nil
}

// Recent returns up to limit exchanges, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, question, answer, confidence, failed, transport, created_at
		 FROM exchanges ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var failed int
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Question, &e.Answer, &e.Confidence, &failed, &e.Transport, &createdAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		e.Failed = failed != 0
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
