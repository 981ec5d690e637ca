package convstore

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// contextChars is the number of characters retained on each side of the
// first match when building a search snippet.
const contextChars = 60

// SearchHit pairs a matched message with a snippet window around the
// first match, per spec.md section 4.6's search operation.
type SearchHit struct {
	Message models.Message
	Snippet string
}

// Search runs a full-text query over non-deleted conversations' messages,
// optionally scoped to a single conversationID. FTS5's unicode61
// tokenizer (set at table creation in store.go) folds case, which
// makes the match case-insensitive; the snippet window is built here
// rather than via FTS5's own snippet() so it composes with conversationID
// scoping and the deleted-conversation exclusion in one query.
func (s *Store) Search(query string, conversationID string, limit, offset int) ([]SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("convstore: search query is required")
	}
	if limit <= 0 {
		limit = 20
	}

	sqlQuery := `
		SELECT m.id, m.conversation_id, m.role, m.content, m.token_count, m.created_at
		FROM messages_fts
		JOIN messages m ON m.rowid = messages_fts.rowid
		JOIN conversations c ON c.id = m.conversation_id
		WHERE messages_fts MATCH ? AND c.deleted_at IS NULL
	`
	args := []any{ftsQuery(query)}
	if conversationID != "" {
		sqlQuery += ` AND m.conversation_id = ?`
		args = append(args, conversationID)
	}
	sqlQuery += ` ORDER BY rank LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("convstore: search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var m models.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.TokenCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("convstore: scan search hit: %w", err)
		}
		m.Role = models.Role(role)
		hits = append(hits, SearchHit{Message: m, Snippet: snippet(m.Content, query)})
	}
	return hits, rows.Err()
}

// ftsQuery quotes query as a single FTS5 phrase so punctuation and
// multi-word queries don't get parsed as FTS5 query-language operators.
func ftsQuery(query string) string {
	return `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
}

// snippet returns a ±contextChars window around the first case-insensitive
// occurrence of query within content, falling back to a leading window if
// no occurrence is found (the row can still match via tokenization even
// when the raw substring isn't present verbatim, e.g. stemmed forms).
func snippet(content, query string) string {
	lower := strings.ToLower(content)
	idx := strings.Index(lower, strings.ToLower(query))
	if idx < 0 {
		if len(content) <= 2*contextChars {
			return content
		}
		return strings.TrimSpace(content[:2*contextChars]) + "…"
	}

	start := idx - contextChars
	prefix := ""
	if start < 0 {
		start = 0
	} else {
		prefix = "…"
	}

	end := idx + len(query) + contextChars
	suffix := ""
	if end >= len(content) {
		end = len(content)
	} else {
		suffix = "…"
	}

	return prefix + strings.TrimSpace(content[start:end]) + suffix
}
