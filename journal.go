package lexchat

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Journal persists sends whose durable write failed so composed content
// survives a restart. Entries are keyed by the message's local id and scoped
// to the sender.
type Journal interface {
	Save(ctx context.Context, msg Message) error
	Delete(ctx context.Context, localID string) error
	List(ctx context.Context, senderID string) ([]Message, error)
	Close() error
}

// ── MemoryJournal ─────────────────────────────────────────

// MemoryJournal keeps entries in process memory. It is the default.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]Message
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]Message)}
}

func (j *MemoryJournal) Save(_ context.Context, msg Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[msg.ID] = msg.clone()
	return nil
}

func (j *MemoryJournal) Delete(_ context.Context, localID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.entries, localID)
	return nil
}

func (j *MemoryJournal) List(_ context.Context, senderID string) ([]Message, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Message
	for _, m := range j.entries {
		if m.SenderID == senderID {
			out = append(out, m.clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (j *MemoryJournal) Close() error { return nil }

// ── SQLiteJournal ─────────────────────────────────────────

var journalMigrations = []string{
	`
CREATE TABLE IF NOT EXISTS failed_sends (
  local_id        TEXT PRIMARY KEY,
  sender_id       TEXT NOT NULL,
  receiver_id     TEXT NOT NULL,
  body            TEXT NOT NULL DEFAULT '',
  file_name       TEXT NOT NULL DEFAULT '',
  file_type       TEXT NOT NULL DEFAULT '',
  file_url        TEXT NOT NULL DEFAULT '',
  file_size       INTEGER NOT NULL DEFAULT 0,
  file_data       BLOB,
  created_at      INTEGER NOT NULL,
  last_error      TEXT NOT NULL DEFAULT ''
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_failed_sends_sender_time
ON failed_sends (sender_id, created_at);
`,
}

// SQLiteJournal stores entries in a SQLite database file.
type SQLiteJournal struct {
	db        *sql.DB
	closeOnce sync.Once
}

// OpenSQLiteJournal opens (or creates) the journal at path and runs migrations.
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	j := &SQLiteJournal{db: db}
	if err := j.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) applyMigrations() error {
	var version int
	if err := j.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read journal schema version: %w", err)
	}
	if version >= len(journalMigrations) {
		return nil
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin journal migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(journalMigrations); i++ {
		if _, err := tx.Exec(journalMigrations[i]); err != nil {
			return fmt.Errorf("apply journal migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set journal schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal migration: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Save(ctx context.Context, msg Message) error {
	var a Attachment
	if msg.Attachment != nil {
		a = *msg.Attachment
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO failed_sends (local_id, sender_id, receiver_id, body, file_name, file_type, file_url, file_size, file_data, created_at, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(local_id) DO UPDATE SET last_error = excluded.last_error`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Body,
		a.FileName, a.MimeType, a.URL, a.Size, a.Data,
		msg.CreatedAt.UnixMilli(), msg.Error,
	)
	if err != nil {
		return fmt.Errorf("save failed send %s: %w", msg.ID, err)
	}
	return nil
}

func (j *SQLiteJournal) Delete(ctx context.Context, localID string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM failed_sends WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("delete failed send %s: %w", localID, err)
	}
	return nil
}

func (j *SQLiteJournal) List(ctx context.Context, senderID string) ([]Message, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT local_id, sender_id, receiver_id, body, file_name, file_type, file_url, file_size, file_data, created_at, last_error
FROM failed_sends
WHERE sender_id = ?
ORDER BY created_at, local_id`, senderID)
	if err != nil {
		return nil, fmt.Errorf("list failed sends: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			a         Attachment
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body,
			&a.FileName, &a.MimeType, &a.URL, &a.Size, &a.Data, &createdAt, &m.Error); err != nil {
			return nil, fmt.Errorf("scan failed send: %w", err)
		}
		if a.FileName != "" || a.URL != "" || len(a.Data) > 0 {
			m.Attachment = &a
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		m.Status = StatusFailed
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list failed sends: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	var err error
	j.closeOnce.Do(func() { err = j.db.Close() })
	return err
}
