// Package convstore implements the Conversation Store: an append-only
// ordered message log per conversation, with full-text search and
// token-budget-aware context assembly. Grounded on the teacher's
// internal/memory/backend/sqlitevec.Backend (modernc.org/sqlite,
// CREATE TABLE IF NOT EXISTS init, prepared-statement-free simple queries)
// and internal/sessions/memory.go's in-memory Store shape (Append/GetHistory
// naming, monotonic created_at, per-session trimming) adapted from
// sessions to conversations and from an in-memory map to sqlite.
package convstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// CharsPerToken is the approximate character-to-token ratio used for the
// context-budget estimate, matching the teacher's internal/compaction
// package's heuristic exactly (CharsPerToken = 4).
const CharsPerToken = 4

// Store is the Conversation Store. It works on the *sql.DB the caller
// passes to New and never opens its own; the probe gives it a database
// file of its own, apart from the Settings Store and Audit Log.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) the conversations/messages tables and
// their FTS5 shadow table in db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("convstore: init schema: %w", err)
		}
	}
	return s, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		custom_system_prompt TEXT NOT NULL DEFAULT '',
		persona TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
		content,
		content='messages',
		content_rowid='rowid',
		tokenize='unicode61'
	)`,
	`CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
		INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	END`,
}

func estimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + CharsPerToken - 1) / CharsPerToken
}

// ensureConversation creates conversations row id if it doesn't exist yet,
// per spec.md section 4.1's "if it is missing in the store, create it".
func (s *Store) ensureConversation(id string) error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, '', ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, now, now)
	return err
}

// Append persists one message and returns its id. Appends are monotonic:
// seq is the next integer after the conversation's current maximum,
// serialized by the surrounding transaction so append never reorders.
func (s *Store) Append(conversationID string, role models.Role, content string) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("convstore: conversation_id is required")
	}
	if err := s.ensureConversation(conversationID); err != nil {
		return "", fmt.Errorf("convstore: ensure conversation: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&maxSeq); err != nil {
		return "", fmt.Errorf("convstore: read max seq: %w", err)
	}
	seq := int64(1)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	id := uuid.NewString()
	now := time.Now()
	tokens := estimateTokens(content)

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, seq, role, content, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, conversationID, seq, string(role), content, tokens, now); err != nil {
		return "", fmt.Errorf("convstore: insert message: %w", err)
	}

	if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return "", fmt.Errorf("convstore: touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// Messages returns messages for conversationID in chronological order,
// applying limit/offset if positive.
func (s *Store) Messages(conversationID string, limit, offset int) ([]models.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, token_count, created_at
		FROM messages
		WHERE conversation_id = ? AND conversation_id NOT IN (SELECT id FROM conversations WHERE deleted_at IS NOT NULL)
		ORDER BY seq ASC
	`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
		if offset > 0 {
			query += ` OFFSET ?`
			args = append(args, offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("convstore: query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.TokenCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("convstore: scan message: %w", err)
		}
		m.Role = models.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the number of messages in conversationID.
func (s *Store) Count(conversationID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

// Delete soft-deletes a conversation: its messages are dropped and the
// conversation row is marked deleted so Search and ListConversations never
// surface it again, per spec.md section 4.6's invariant that search never
// returns a message from a deleted conversation.
func (s *Store) Delete(conversationID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("convstore: delete messages: %w", err)
	}
	if _, err := tx.Exec(`UPDATE conversations SET deleted_at = ? WHERE id = ?`, time.Now(), conversationID); err != nil {
		return fmt.Errorf("convstore: mark conversation deleted: %w", err)
	}
	return tx.Commit()
}

// Rename sets conversationID's title.
func (s *Store) Rename(conversationID, title string) error {
	if err := s.ensureConversation(conversationID); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title, time.Now(), conversationID)
	return err
}

// ListConversations returns all non-deleted conversations, most recently
// updated first.
func (s *Store) ListConversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, title, created_at, updated_at FROM conversations
		WHERE deleted_at IS NULL
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SystemPrompt resolves the effective system prompt for conversationID per
// spec.md section 4.1 step 2a's priority order: per-conversation custom
// override, then per-conversation persona, then the global default.
// Grounded on original_source's PersonaService.get_active_system_prompt.
func (s *Store) SystemPrompt(conversationID string, personaText func(persona string) (string, bool), globalDefault string) (string, error) {
	var custom, persona sql.NullString
	err := s.db.QueryRow(`
		SELECT custom_system_prompt, persona FROM conversations WHERE id = ?
	`, conversationID).Scan(&custom, &persona)
	if err == sql.ErrNoRows {
		return globalDefault, nil
	}
	if err != nil {
		return "", fmt.Errorf("convstore: read system prompt: %w", err)
	}

	if custom.Valid && custom.String != "" {
		return custom.String, nil
	}
	if persona.Valid && persona.String != "" && personaText != nil {
		if text, ok := personaText(persona.String); ok {
			return text, nil
		}
	}
	return globalDefault, nil
}

// SetCustomSystemPrompt sets (or clears, with prompt="") conversationID's
// per-conversation override.
func (s *Store) SetCustomSystemPrompt(conversationID, prompt string) error {
	if err := s.ensureConversation(conversationID); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE conversations SET custom_system_prompt = ?, updated_at = ? WHERE id = ?`, prompt, time.Now(), conversationID)
	return err
}

// SetPersona sets (or clears, with persona="") conversationID's persona.
func (s *Store) SetPersona(conversationID, persona string) error {
	if err := s.ensureConversation(conversationID); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE conversations SET persona = ?, updated_at = ? WHERE id = ?`, persona, time.Now(), conversationID)
	return err
}
