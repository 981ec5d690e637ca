package safety

import (
	"sync"
	"time"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// PermissionAuditLog is an append-only, in-memory record of every
// process-wide permission-level change, grounded on original_source's
// core/permissions.py set_permission_level and the teacher's
// internal/audit append-only Event log idiom. A production deployment
// would back this with the same sqlite store as the Conversation Store;
// this package only owns the in-process bookkeeping and query surface.
type PermissionAuditLog struct {
	mu      sync.RWMutex
	entries []models.PermissionAuditEntry
}

// NewPermissionAuditLog returns an empty log.
func NewPermissionAuditLog() *PermissionAuditLog {
	return &PermissionAuditLog{}
}

// Record appends a permission change. old/new are the levels before and
// after the change; source identifies who/what requested it.
func (l *PermissionAuditLog) Record(old, new models.PermissionLevel, source, ip, userAgent, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, models.PermissionAuditEntry{
		Timestamp: time.Now(),
		Old:       old,
		New:       new,
		Source:    source,
		IP:        ip,
		UserAgent: userAgent,
		Reason:    reason,
	})
}

// QueryFilter narrows Query results.
type QueryFilter struct {
	Source string
	Since  time.Time
}

// Query returns entries matching filter, oldest first.
func (l *PermissionAuditLog) Query(filter QueryFilter) []models.PermissionAuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.PermissionAuditEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if filter.Source != "" && e.Source != filter.Source {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}
