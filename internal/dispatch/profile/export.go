package profile

import (
	"fmt"
	"time"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// SnapshotVersion is stamped on every export for forward compatibility,
// matching original_source's export_profile "version": "1.0" field.
const SnapshotVersion = "1.0"

// ImportMode selects how Import reconciles incoming entries against what's
// already stored.
type ImportMode string

const (
	// ImportMerge keeps existing entries and adds/updates incoming ones.
	ImportMerge ImportMode = "merge"
	// ImportReplace clears every section named in the snapshot before
	// writing the snapshot's entries.
	ImportReplace ImportMode = "replace"
)

// Snapshot is the portable export/import shape: per-section maps of entry
// key to entry, mirroring original_source's export_profile JSON body.
type Snapshot struct {
	Version    string
	ExportedAt time.Time
	Sections   map[models.ProfileSection]map[string]models.ProfileEntry
}

// Export returns the full profile as a portable Snapshot.
func (s *Store) Export() (Snapshot, error) {
	sections, err := s.GetProfile()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: time.Now(),
		Sections:   sections,
	}, nil
}

// Import writes snapshot's entries back into the store. In ImportMerge
// mode, existing entries are left untouched except where the snapshot
// names the same (section, key) — those are overwritten unconditionally,
// matching the original's merge semantics (import always wins over what's
// already there for keys it names). In ImportReplace mode, every section
// present in the snapshot is cleared first.
func (s *Store) Import(snapshot Snapshot, mode ImportMode) error {
	if mode != ImportMerge && mode != ImportReplace {
		return fmt.Errorf("profile: invalid import mode %q", mode)
	}

	s.mu.Lock()
	if mode == ImportReplace {
		for section := range snapshot.Sections {
			if _, err := s.db.Exec(`DELETE FROM profile_entries WHERE section = ?`, string(section)); err != nil {
				s.mu.Unlock()
				return fmt.Errorf("profile: clear section %s for replace: %w", section, err)
			}
		}
	}
	s.mu.Unlock()

	for section, entries := range snapshot.Sections {
		if !isValidSection(section) {
			return fmt.Errorf("profile: invalid section %q in snapshot", section)
		}
		for key, entry := range entries {
			s.mu.Lock()
			_, err := s.db.Exec(`
				INSERT INTO profile_entries (section, key, value, source, confidence, is_manual_override, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(section, key) DO UPDATE SET
					value = excluded.value, source = excluded.source,
					confidence = excluded.confidence, is_manual_override = excluded.is_manual_override,
					updated_at = excluded.updated_at
			`, string(section), key, entry.Value, entry.Source, entry.Confidence, boolToInt(entry.IsManualOverride), time.Now())
			s.mu.Unlock()
			if err != nil {
				return fmt.Errorf("profile: import %s/%s: %w", section, key, err)
			}
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
