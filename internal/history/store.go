// Package history persists completed session transcripts to SQLite so they
// can be listed, reloaded, and resumed across host restarts.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	// Pure-Go SQLite driver, registered for database/sql. No CGO, which
	// keeps cross-compilation and test runs simple.
	_ "modernc.org/sqlite"

	apperrors "github.com/agentdeck/host/internal/errors"
)

// maxSessions is the number of persisted sessions to retain. The oldest
// sessions past the limit are deleted on save.
const maxSessions = 50

// currentSchemaVersion is bumped on schema changes, with migration logic
// keyed off the stored version.
const currentSchemaVersion = 1

// SessionRecord is the persisted metadata of one session.
type SessionRecord struct {
	ID        string
	Title     string
	Cwd       string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntryRecord is one persisted transcript message. Tool calls are stored as
// an opaque JSON blob; the history layer never interprets them.
type EntryRecord struct {
	Role            string
	Text            string
	Thought         string
	ThoughtComplete bool
	Complete        bool
	ToolCallsJSON   string
}

// Store persists sessions and their transcripts in a SQLite database.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore opens or creates the history database at path. Use ":memory:"
// for tests.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// SQLite allows one writer; a single pooled connection also keeps
	// ":memory:" databases from splitting per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return store, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	return nil
}

func (s *Store) migrateToV1() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			cwd TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS transcript_entries (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			thought TEXT NOT NULL,
			thought_complete INTEGER NOT NULL,
			complete INTEGER NOT NULL,
			tool_calls TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		1, time.Now().Format(time.RFC3339Nano),
	)
	return err
}

// Save persists a session and its full transcript, replacing any previous
// snapshot of the same session. Retention is enforced after the save.
func (s *Store) Save(record SessionRecord, entries []EntryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO sessions (id, title, cwd, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Title,
		record.Cwd,
		record.Status,
		record.CreatedAt.Format(time.RFC3339Nano),
		record.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", record.ID, err)
	}

	// Replace the transcript wholesale. A snapshot is always complete.
	if _, err := tx.Exec("DELETE FROM transcript_entries WHERE session_id = ?", record.ID); err != nil {
		return fmt.Errorf("clear transcript for %s: %w", record.ID, err)
	}
	for seq, entry := range entries {
		_, err := tx.Exec(`
			INSERT INTO transcript_entries
				(session_id, seq, role, text, thought, thought_complete, complete, tool_calls)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID, seq, entry.Role, entry.Text, entry.Thought,
			boolToInt(entry.ThoughtComplete), boolToInt(entry.Complete), entry.ToolCallsJSON,
		)
		if err != nil {
			return fmt.Errorf("save transcript entry %d for %s: %w", seq, record.ID, err)
		}
	}

	// Retention: drop the oldest sessions beyond the limit.
	_, err = tx.Exec(`
		DELETE FROM sessions WHERE id NOT IN (
			SELECT id FROM sessions ORDER BY updated_at DESC LIMIT ?
		)`, maxSessions)
	if err != nil {
		return fmt.Errorf("enforce retention: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	log.Printf("history: saved session %s (%d entries)", record.ID, len(entries))
	return nil
}

// List returns all persisted sessions, most recently updated first.
func (s *Store) List() ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, title, cwd, status, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Load returns a persisted session and its transcript entries in order.
func (s *Store) Load(id string) (SessionRecord, []EntryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, title, cwd, status, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, nil, apperrors.HistoryNotFound(id)
	}
	if err != nil {
		return SessionRecord{}, nil, err
	}

	rows, err := s.db.Query(`
		SELECT role, text, thought, thought_complete, complete, tool_calls
		FROM transcript_entries WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return SessionRecord{}, nil, fmt.Errorf("load transcript for %s: %w", id, err)
	}
	defer rows.Close()

	var entries []EntryRecord
	for rows.Next() {
		var entry EntryRecord
		var thoughtComplete, complete int
		if err := rows.Scan(&entry.Role, &entry.Text, &entry.Thought, &thoughtComplete, &complete, &entry.ToolCallsJSON); err != nil {
			return SessionRecord{}, nil, fmt.Errorf("scan transcript entry: %w", err)
		}
		entry.ThoughtComplete = thoughtComplete != 0
		entry.Complete = complete != 0
		entries = append(entries, entry)
	}
	return record, entries, rows.Err()
}

// Delete removes a persisted session and its transcript.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if affected == 0 {
		return apperrors.HistoryNotFound(id)
	}
	return nil
}

// Count returns the number of persisted sessions.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var record SessionRecord
	var createdAt, updatedAt string
	if err := row.Scan(&record.ID, &record.Title, &record.Cwd, &record.Status, &createdAt, &updatedAt); err != nil {
		return SessionRecord{}, err
	}
	var err error
	if record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return SessionRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	if record.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return SessionRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return record, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
