package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"finsight-agent/internal/conversation"
	"finsight-agent/internal/domain"
)

// SQLiteBackend stores conversations in a local SQLite file, one row per
// conversation plus one row per message.
type SQLiteBackend struct {
	db *sql.DB
}

var _ conversation.Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// A single connection keeps writes serialised within the process.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: migrate sqlite: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			conversation_id  TEXT NOT NULL,
			position         INTEGER NOT NULL,
			id               TEXT NOT NULL,
			role             TEXT NOT NULL,
			content          TEXT NOT NULL,
			tool_invocations TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (conversation_id, position)
		);
	`)
	return err
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func (s *SQLiteBackend) Get(ctx context.Context, id string) (domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?", id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, conversation.ErrNotFound
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: get %s: %w", id, err)
	}
	if conv.Messages, err = s.messages(ctx, id); err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: get %s: %w", id, err)
	}
	return conv, nil
}

func (s *SQLiteBackend) List(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, created_at, updated_at FROM conversations ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("repository: list: %w", err)
	}
	var convs []domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("repository: list: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("repository: list: %w", err)
	}
	// Close before issuing the per-conversation queries on the single connection.
	_ = rows.Close()

	for i := range convs {
		if convs[i].Messages, err = s.messages(ctx, convs[i].ID); err != nil {
			return nil, fmt.Errorf("repository: list %s: %w", convs[i].ID, err)
		}
	}
	return convs, nil
}

// Put replaces the stored conversation, messages included, in one transaction.
func (s *SQLiteBackend) Put(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" {
		return errors.New("repository: put: conversation id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: put %s: %w", conv.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at`,
		conv.ID, conv.Title,
		conv.CreatedAt.UTC().Format(time.RFC3339Nano), conv.UpdatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("repository: put %s: %w", conv.ID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conv.ID); err != nil {
		return fmt.Errorf("repository: put %s: %w", conv.ID, err)
	}
	for i, m := range conv.Messages {
		invocations := m.ToolInvocations
		if invocations == nil {
			invocations = []domain.ToolInvocation{}
		}
		raw, err := json.Marshal(invocations)
		if err != nil {
			return fmt.Errorf("repository: put %s: marshal tool invocations: %w", conv.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO messages (conversation_id, position, id, role, content, tool_invocations) VALUES (?, ?, ?, ?, ?, ?)",
			conv.ID, i, m.ID, m.Role, m.Content, string(raw),
		); err != nil {
			return fmt.Errorf("repository: put %s message %s: %w", conv.ID, m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: put %s: commit: %w", conv.ID, err)
	}
	return nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: delete %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("repository: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("repository: delete %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: delete %s: commit: %w", id, err)
	}
	return nil
}

func (s *SQLiteBackend) messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, tool_invocations FROM messages WHERE conversation_id = ? ORDER BY position",
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var raw string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &m.ToolInvocations); err != nil {
			return nil, fmt.Errorf("unmarshal tool invocations of %s: %w", m.ID, err)
		}
		if len(m.ToolInvocations) == 0 {
			m.ToolInvocations = nil
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (domain.Conversation, error) {
	var c domain.Conversation
	var createdStr, updatedStr string
	if err := row.Scan(&c.ID, &c.Title, &createdStr, &updatedStr); err != nil {
		return domain.Conversation{}, err
	}
	var err error
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
		return domain.Conversation{}, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedStr); err != nil {
		return domain.Conversation{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return c, nil
}
