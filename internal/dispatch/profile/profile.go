// Package profile implements the User-Profile Aggregator: six named
// sections of typed key/value entries, built up from extracted facts and
// manual overrides, with a markdown summary fed into the Dispatcher's
// context assembly. Grounded on original_source's
// server/routes/user_profile.py (section set, update/delete/export/import
// route shapes) and its companion test_user_profile.py (the exact
// confidence-overwrite and manual-override-preservation semantics), and
// the teacher's settings.Store for the shared-sqlite, mutex-guarded Store
// shape.
package profile

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// Sections lists the six profile sections in summary/display order,
// matching models.ProfileSection's constants.
var Sections = []models.ProfileSection{
	models.SectionPersonalInfo,
	models.SectionWork,
	models.SectionPreferences,
	models.SectionSchedulePatterns,
	models.SectionCommunicationStyle,
	models.SectionMisc,
}

// sectionLabels are the display headings used by Summary, mirroring the
// original's PROFILE_SECTIONS human-readable names.
var sectionLabels = map[models.ProfileSection]string{
	models.SectionPersonalInfo:       "Personal Information",
	models.SectionWork:               "Work Context",
	models.SectionPreferences:        "Preferences",
	models.SectionSchedulePatterns:   "Schedule Patterns",
	models.SectionCommunicationStyle: "Communication Style",
	models.SectionMisc:               "Miscellaneous",
}

// FactTypeToSection maps an extracted fact's type to the profile section
// it aggregates into, per spec.md section 4.7.
var FactTypeToSection = map[string]models.ProfileSection{
	"personal":           models.SectionPersonalInfo,
	"work_context":       models.SectionWork,
	"preference":         models.SectionPreferences,
	"temporal":           models.SectionSchedulePatterns,
	"behavioral_pattern": models.SectionCommunicationStyle,
}

func isValidSection(section models.ProfileSection) bool {
	_, ok := sectionLabels[section]
	return ok
}

// Store is the User-Profile Aggregator. It works on the sqlite database
// passed to it; the probe gives it a database file of its own.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// New opens (creating if necessary) the profile_entries table in db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS profile_entries (
			section TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT NOT NULL,
			confidence REAL NOT NULL,
			is_manual_override INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (section, key)
		)
	`); err != nil {
		return nil, fmt.Errorf("profile: create table: %w", err)
	}
	return s, nil
}

// UpdateSection applies manual overrides to section: every key in data is
// written with confidence 1.0 and is_manual_override=true, unconditionally
// replacing whatever was there. Returns the list of updated keys.
func (s *Store) UpdateSection(section models.ProfileSection, data map[string]string) ([]string, error) {
	if !isValidSection(section) {
		return nil, fmt.Errorf("profile: invalid section %q", section)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := make([]string, 0, len(data))
	now := time.Now()
	for key, value := range data {
		_, err := s.db.Exec(`
			INSERT INTO profile_entries (section, key, value, source, confidence, is_manual_override, updated_at)
			VALUES (?, ?, ?, 'manual', 1.0, 1, ?)
			ON CONFLICT(section, key) DO UPDATE SET
				value = excluded.value, source = excluded.source,
				confidence = excluded.confidence, is_manual_override = excluded.is_manual_override,
				updated_at = excluded.updated_at
		`, string(section), key, value, now)
		if err != nil {
			return nil, fmt.Errorf("profile: update %s/%s: %w", section, key, err)
		}
		updated = append(updated, key)
	}
	return updated, nil
}

// IngestFact folds one extracted fact into its mapped section. Per
// spec.md section 4.7: an entry is overwritten only if the incoming
// confidence is strictly greater than the existing entry's AND the
// existing entry is not a manual override. factType values with no
// section mapping are ignored (not an error — the extractor may emit
// fact types this aggregator doesn't track).
func (s *Store) IngestFact(factType, key, value, source string, confidence float64) error {
	section, ok := FactTypeToSection[factType]
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var existingConfidence float64
	var manual bool
	err := s.db.QueryRow(`
		SELECT confidence, is_manual_override FROM profile_entries WHERE section = ? AND key = ?
	`, string(section), key).Scan(&existingConfidence, &manual)

	switch {
	case err == sql.ErrNoRows:
		// no existing entry, always write
	case err != nil:
		return fmt.Errorf("profile: read existing entry: %w", err)
	default:
		if manual || confidence <= existingConfidence {
			return nil
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO profile_entries (section, key, value, source, confidence, is_manual_override, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(section, key) DO UPDATE SET
			value = excluded.value, source = excluded.source,
			confidence = excluded.confidence, is_manual_override = 0,
			updated_at = excluded.updated_at
	`, string(section), key, value, source, confidence, time.Now())
	if err != nil {
		return fmt.Errorf("profile: ingest %s/%s: %w", section, key, err)
	}
	return nil
}

// GetSection returns all entries in section, keyed by entry key.
func (s *Store) GetSection(section models.ProfileSection) (map[string]models.ProfileEntry, error) {
	if !isValidSection(section) {
		return nil, fmt.Errorf("profile: invalid section %q", section)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT key, value, source, confidence, is_manual_override
		FROM profile_entries WHERE section = ?
	`, string(section))
	if err != nil {
		return nil, fmt.Errorf("profile: query section: %w", err)
	}
	defer rows.Close()

	out := map[string]models.ProfileEntry{}
	for rows.Next() {
		var e models.ProfileEntry
		var manual int
		if err := rows.Scan(&e.Key, &e.Value, &e.Source, &e.Confidence, &manual); err != nil {
			return nil, fmt.Errorf("profile: scan entry: %w", err)
		}
		e.Section = section
		e.IsManualOverride = manual != 0
		out[e.Key] = e
	}
	return out, rows.Err()
}

// GetProfile returns every section, even sections with no entries.
func (s *Store) GetProfile() (map[models.ProfileSection]map[string]models.ProfileEntry, error) {
	out := make(map[models.ProfileSection]map[string]models.ProfileEntry, len(Sections))
	for _, section := range Sections {
		entries, err := s.GetSection(section)
		if err != nil {
			return nil, err
		}
		out[section] = entries
	}
	return out, nil
}

// DeleteEntry removes one entry, reporting whether it existed.
func (s *Store) DeleteEntry(section models.ProfileSection, key string) (bool, error) {
	if !isValidSection(section) {
		return false, fmt.Errorf("profile: invalid section %q", section)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM profile_entries WHERE section = ? AND key = ?`, string(section), key)
	if err != nil {
		return false, fmt.Errorf("profile: delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear removes every entry in every section.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM profile_entries`)
	return err
}

// Summary renders a compact multi-section markdown block for sections
// that have at least one entry, used by the Dispatcher when building
// context (spec.md section 4.1 step 2b). Returns "" if the profile is
// entirely empty.
func (s *Store) Summary() (string, error) {
	profile, err := s.GetProfile()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	any := false
	for _, section := range Sections {
		entries := profile[section]
		if len(entries) == 0 {
			continue
		}
		if !any {
			b.WriteString("## User Profile:\n\n")
			any = true
		}
		b.WriteString(fmt.Sprintf("**%s:**\n", sectionLabels[section]))

		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("- %s: %s\n", k, entries[k].Value))
		}
		b.WriteString("\n")
	}
	if !any {
		return "", nil
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}
