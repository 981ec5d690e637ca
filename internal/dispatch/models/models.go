// Package models defines the shared data model for the LLM dispatch core:
// conversations, messages, facts, settings, tool parameters, backend
// health, audit entries, and alerts. These types are passed between
// the dispatcher, the stores, and the backend adapters; none of them own
// their own persistence.
package models

import "time"

// Role identifies who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Conversation is an ordered, append-only log of Messages.
type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single turn in a Conversation. Messages are never mutated
// after creation; deletion only ever happens at the whole-conversation level.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	TokenCount     int
	CreatedAt      time.Time
}

// Fact is a typed (type, key) -> value pair extracted from conversation
// history, with a confidence score used to resolve conflicts.
type Fact struct {
	ID              string
	Type            string
	Key             string
	Value           string
	SourceMessageID string
	Confidence      float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProfileSection names one of the six sections the profile aggregator maintains.
type ProfileSection string

const (
	SectionPersonalInfo       ProfileSection = "personal_info"
	SectionWork               ProfileSection = "work"
	SectionPreferences        ProfileSection = "preferences"
	SectionSchedulePatterns   ProfileSection = "schedule_patterns"
	SectionCommunicationStyle ProfileSection = "communication_style"
	SectionMisc               ProfileSection = "misc"
)

// ProfileEntry is one aggregated fact within a ProfileSection.
type ProfileEntry struct {
	Section          ProfileSection
	Key              string
	Value            string
	Source           string
	Confidence       float64
	IsManualOverride bool
}

// Setting is a typed key/value pair. Secret-shaped keys are always stored
// encrypted at rest (see safety.Encryptor) and decrypted transparently on read.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// PermissionLevel is the totally-ordered set of tool permission tiers.
type PermissionLevel int

const (
	PermissionSandbox PermissionLevel = iota
	PermissionLocal
	PermissionSystem
	PermissionFull
)

// String renders the permission level the way it appears in escalation
// payloads and environment configuration.
func (p PermissionLevel) String() string {
	switch p {
	case PermissionSandbox:
		return "SANDBOX"
	case PermissionLocal:
		return "LOCAL"
	case PermissionSystem:
		return "SYSTEM"
	case PermissionFull:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// ParsePermissionLevel parses the PERMISSION_LEVEL environment variable (0..3).
func ParsePermissionLevel(n int) PermissionLevel {
	switch {
	case n <= int(PermissionSandbox):
		return PermissionSandbox
	case n >= int(PermissionFull):
		return PermissionFull
	default:
		return PermissionLevel(n)
	}
}

// ToolParameter describes one named parameter of a ToolSpec.
type ToolParameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Default     any
}

// BackendName identifies one of the three backends by role, not by vendor,
// so the dispatch core never hardcodes a vendor name outside the adapters
// package.
type BackendName string

const (
	BackendCloudA BackendName = "cloud_a"
	BackendCloudB BackendName = "cloud_b"
	BackendLocal  BackendName = "local"
)

// BackendHealth is the in-memory health record the Degradation Manager owns
// for one backend.
type BackendHealth struct {
	Name                BackendName
	Available           bool
	ConsecutiveFailures int
	TotalRequests        int64
	TotalFailures         int64
	LastSuccess         time.Time
	LastFailure         time.Time
	RateLimitedUntil    time.Time
}

// IsRateLimited reports whether the backend is currently inside its
// rate-limit cooldown window.
func (h *BackendHealth) IsRateLimited(now time.Time) bool {
	return !h.RateLimitedUntil.IsZero() && now.Before(h.RateLimitedUntil)
}

// AuditEntry is one append-only record of a tool invocation. Arguments are
// never stored in clear; only their hash and a bounded result summary are
// persisted.
type AuditEntry struct {
	Timestamp      time.Time
	ToolName       string
	ArgsHash       string
	ResultSummary  string
	Success        bool
	DurationMS     int64
	Sandboxed      bool
	RateLimited    bool
	UserIP         string
}

// PermissionAuditEntry records a process-wide permission-level change.
type PermissionAuditEntry struct {
	Timestamp time.Time
	Old       PermissionLevel
	New       PermissionLevel
	Source    string
	IP        string
	UserAgent string
	Reason    string
}

// AlertSeverity ranks an Alert's importance.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert is a threshold-triggered notification, rate-limited per type/window
// by the alerts package.
type Alert struct {
	ID           string
	Type         string
	Severity     AlertSeverity
	Title        string
	Message      string
	Timestamp    time.Time
	Acknowledged bool
}
