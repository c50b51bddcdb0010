// Package store keeps a SQLite transcript of completed question/answer
// exchanges, keyed by conversation session ID. The in-memory conversation
// history stays authoritative; the transcript lets an operator review past
// sessions with `stevie history` and resume one with `stevie chat --session`.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Role identifies the author of a transcript message.
type Role string

const (
	// RoleUser is a question asked by the visitor.
	RoleUser Role = "user"
	// RoleAssistant is an answer produced by Stevie.
	RoleAssistant Role = "assistant"
)

// Message is a single persisted turn.
type Message struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// SessionSummary describes one session in the transcript.
type SessionSummary struct {
	// ID is the conversation session ID.
	ID string
	// Turns is the number of persisted messages (two per exchange).
	Turns int
	// FirstAt is when the first exchange was recorded.
	FirstAt time.Time
	// LastAt is when the latest exchange was recorded.
	LastAt time.Time
}

// SQLiteStore is a transcript backed by a local SQLite database.
// It is safe for concurrent use.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.stevie/history.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".stevie")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) a SQLiteStore at path and migrates the schema.
// Use ":memory:" in tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection avoids SQLITE_BUSY and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS turns (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session      TEXT    NOT NULL,
    role         TEXT    NOT NULL CHECK(role IN ('user','assistant')),
    content      TEXT    NOT NULL,
    created_at   INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session, id);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// AppendExchange persists a question and its answer atomically, so the
// transcript never holds half an exchange.
func (s *SQLiteStore) AppendExchange(ctx context.Context, session, question, answer string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO turns (session, role, content, created_at) VALUES (?, ?, ?, ?)`
	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, q, session, string(RoleUser), question, now); err != nil {
		return fmt.Errorf("store: append question: %w", err)
	}
	if _, err := tx.ExecContext(ctx, q, session, string(RoleAssistant), answer, now); err != nil {
		return fmt.Errorf("store: append answer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: append: commit: %w", err)
	}
	return nil
}

// Recent returns the most recent n messages of session, oldest first.
// n <= 0 returns the whole session.
func (s *SQLiteStore) Recent(ctx context.Context, session string, n int) ([]Message, error) {
	if n <= 0 {
		n = -1 // SQLite: no limit
	}
	const q = `
SELECT role, content, created_at FROM (
    SELECT id, role, content, created_at
    FROM   turns
    WHERE  session = ?
    ORDER  BY id DESC
    LIMIT  ?
) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, q, session, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m    Message
			ts   int64
			role string
		)
		if err := rows.Scan(&role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(ts, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent rows: %w", err)
	}
	return msgs, nil
}

// Sessions lists sessions with their turn counts, most recently active first.
func (s *SQLiteStore) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	const q = `
SELECT session, COUNT(*), MIN(created_at), MAX(created_at), MAX(id) AS last_id
FROM   turns
GROUP  BY session
ORDER  BY last_id DESC
LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum    SessionSummary
			first  int64
			last   int64
			lastID int64
		)
		if err := rows.Scan(&sum.ID, &sum.Turns, &first, &last, &lastID); err != nil {
			return nil, fmt.Errorf("store: sessions scan: %w", err)
		}
		sum.FirstAt = time.Unix(first, 0)
		sum.LastAt = time.Unix(last, 0)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sessions rows: %w", err)
	}
	return out, nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
