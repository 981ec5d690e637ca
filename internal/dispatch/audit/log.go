// Package audit is the Tool Runner's append-only AuditEntry log: one
// record per tool invocation, arguments never stored in clear. Grounded on
// the teacher's internal/audit/logger.go (buffered async writer, JSON
// output, sha256-based input hashing for privacy) simplified to the single
// AuditEntry shape spec.md section 3 names, rather than the teacher's
// generic multi-purpose Event log.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// HashArgs canonicalizes args (by re-marshaling its keys in sorted order)
// and returns the first 16 hex characters of its SHA-256 digest, matching
// spec.md section 4.4 step 7's sha256(args_canonical_json)[:16].
func HashArgs(args map[string]any) string {
	canonical := canonicalize(args)
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalize produces a deterministically key-ordered representation
// suitable for stable hashing; json.Marshal already sorts map keys for
// map[string]any, so this mainly documents the invariant for readers.
func canonicalize(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(args))
	for _, k := range keys {
		out[k] = args[k]
	}
	return out
}

// SummarizeResult truncates a tool result to at most 200 characters for
// the audit entry's result_summary field (spec.md Data Model, AuditEntry).
func SummarizeResult(result string) string {
	const max = 200
	if len(result) <= max {
		return result
	}
	return result[:max]
}

// Log is the append-only audit log backing store. It persists to the
// sqlite database (audit.db per spec.md section 6) passed in as db.
type Log struct {
	db *sql.DB
}

// New opens (creating if necessary) the audit table in db.
func New(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			tool_name TEXT NOT NULL,
			args_hash TEXT NOT NULL,
			result_summary TEXT NOT NULL,
			success INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			sandboxed INTEGER NOT NULL,
			rate_limited INTEGER NOT NULL,
			user_ip TEXT
		)
	`); err != nil {
		return nil, fmt.Errorf("audit: create table: %w", err)
	}
	return &Log{db: db}, nil
}

// Append records one AuditEntry. It is the only write path into the audit
// log; entries are never updated or deleted (spec.md Data Model invariant).
func (l *Log) Append(entry models.AuditEntry) error {
	_, err := l.db.Exec(`
		INSERT INTO audit_entries
			(timestamp, tool_name, args_hash, result_summary, success, duration_ms, sandboxed, rate_limited, user_ip)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.Timestamp, entry.ToolName, entry.ArgsHash, entry.ResultSummary,
		entry.Success, entry.DurationMS, entry.Sandboxed, entry.RateLimited, entry.UserIP)
	return err
}

// Recent returns up to limit of the most recent entries, newest first.
func (l *Log) Recent(limit int) ([]models.AuditEntry, error) {
	rows, err := l.db.Query(`
		SELECT timestamp, tool_name, args_hash, result_summary, success, duration_ms, sandboxed, rate_limited, user_ip
		FROM audit_entries ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var ts time.Time
		var ip sql.NullString
		if err := rows.Scan(&ts, &e.ToolName, &e.ArgsHash, &e.ResultSummary, &e.Success, &e.DurationMS, &e.Sandboxed, &e.RateLimited, &ip); err != nil {
			return nil, err
		}
		e.Timestamp = ts
		e.UserIP = ip.String
		out = append(out, e)
	}
	return out, rows.Err()
}
