package profile

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	require.NoError(t, err)
	return s
}

func TestGetEmptyProfileHasAllSections(t *testing.T) {
	s := newTestStore(t)
	profile, err := s.GetProfile()
	require.NoError(t, err)
	require.Len(t, profile, 6)
	for _, section := range Sections {
		require.Empty(t, profile[section])
	}
}

func TestUpdateSectionIsManualOverride(t *testing.T) {
	s := newTestStore(t)
	updated, err := s.UpdateSection(models.SectionPersonalInfo, map[string]string{
		"name":     "Alice",
		"location": "San Francisco",
	})
	require.NoError(t, err)
	require.Len(t, updated, 2)

	section, err := s.GetSection(models.SectionPersonalInfo)
	require.NoError(t, err)
	require.Equal(t, "Alice", section["name"].Value)
	require.True(t, section["name"].IsManualOverride)
	require.Equal(t, "San Francisco", section["location"].Value)
}

func TestUpdateInvalidSection(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateSection(models.ProfileSection("bogus"), map[string]string{"k": "v"})
	require.Error(t, err)
}

func TestDeleteEntry(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateSection(models.SectionPreferences, map[string]string{"theme": "dark"})
	require.NoError(t, err)

	deleted, err := s.DeleteEntry(models.SectionPreferences, "theme")
	require.NoError(t, err)
	require.True(t, deleted)

	section, err := s.GetSection(models.SectionPreferences)
	require.NoError(t, err)
	require.NotContains(t, section, "theme")
}

func TestDeleteNonexistentEntry(t *testing.T) {
	s := newTestStore(t)
	deleted, err := s.DeleteEntry(models.SectionPreferences, "nonexistent")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestIngestFactMapsTypeToSection(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.IngestFact("personal", "name", "Bob", "extractor", 0.95))
	require.NoError(t, s.IngestFact("work_context", "company", "TechCo", "extractor", 0.90))
	require.NoError(t, s.IngestFact("preference", "response_style", "concise", "extractor", 0.85))

	personal, err := s.GetSection(models.SectionPersonalInfo)
	require.NoError(t, err)
	require.Equal(t, "Bob", personal["name"].Value)
	require.InDelta(t, 0.95, personal["name"].Confidence, 0.0001)

	work, err := s.GetSection(models.SectionWork)
	require.NoError(t, err)
	require.Equal(t, "TechCo", work["company"].Value)

	prefs, err := s.GetSection(models.SectionPreferences)
	require.NoError(t, err)
	require.Equal(t, "concise", prefs["response_style"].Value)
}

func TestIngestFactUpdatesOnHigherConfidence(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.IngestFact("personal", "name", "Alice", "extractor", 0.80))
	require.NoError(t, s.IngestFact("personal", "name", "Alicia", "extractor", 0.95))

	section, err := s.GetSection(models.SectionPersonalInfo)
	require.NoError(t, err)
	require.Equal(t, "Alicia", section["name"].Value)
	require.InDelta(t, 0.95, section["name"].Confidence, 0.0001)
}

func TestIngestFactIgnoresLowerOrEqualConfidence(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.IngestFact("personal", "name", "Alicia", "extractor", 0.95))
	require.NoError(t, s.IngestFact("personal", "name", "Alice", "extractor", 0.90))

	section, err := s.GetSection(models.SectionPersonalInfo)
	require.NoError(t, err)
	require.Equal(t, "Alicia", section["name"].Value)
}

func TestIngestFactPreservesManualOverride(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateSection(models.SectionPersonalInfo, map[string]string{"name": "Manual Name"})
	require.NoError(t, err)

	require.NoError(t, s.IngestFact("personal", "name", "Extracted Name", "extractor", 1.0))

	section, err := s.GetSection(models.SectionPersonalInfo)
	require.NoError(t, err)
	require.Equal(t, "Manual Name", section["name"].Value)
	require.True(t, section["name"].IsManualOverride)
}

func TestIngestFactIgnoresUnmappedFactType(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.IngestFact("unmapped_type", "key", "value", "extractor", 0.9))

	profile, err := s.GetProfile()
	require.NoError(t, err)
	for _, entries := range profile {
		require.Empty(t, entries)
	}
}

func TestSummaryEmptyProfile(t *testing.T) {
	s := newTestStore(t)
	summary, err := s.Summary()
	require.NoError(t, err)
	require.Empty(t, summary)
}

func TestSummaryWithData(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateSection(models.SectionPersonalInfo, map[string]string{
		"name":     "Charlie",
		"location": "NYC",
	})
	require.NoError(t, err)
	_, err = s.UpdateSection(models.SectionWork, map[string]string{"company": "StartupXYZ"})
	require.NoError(t, err)

	summary, err := s.Summary()
	require.NoError(t, err)
	require.Contains(t, summary, "## User Profile:")
	require.Contains(t, summary, "**Personal Information:**")
	require.Contains(t, summary, "Charlie")
	require.Contains(t, summary, "NYC")
	require.Contains(t, summary, "**Work Context:**")
	require.Contains(t, summary, "StartupXYZ")
}

func TestExportProfile(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateSection(models.SectionPersonalInfo, map[string]string{"name": "Dave"})
	require.NoError(t, err)

	snapshot, err := s.Export()
	require.NoError(t, err)
	require.Equal(t, SnapshotVersion, snapshot.Version)
	require.False(t, snapshot.ExportedAt.IsZero())
	require.Contains(t, snapshot.Sections[models.SectionPersonalInfo], "name")
}

func TestImportProfileMerge(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateSection(models.SectionPersonalInfo, map[string]string{"name": "Existing"})
	require.NoError(t, err)

	snapshot := Snapshot{
		Version: SnapshotVersion,
		Sections: map[models.ProfileSection]map[string]models.ProfileEntry{
			models.SectionPersonalInfo: {
				"location": {Section: models.SectionPersonalInfo, Key: "location", Value: "Seattle", Source: "import", Confidence: 0.9},
			},
			models.SectionWork: {
				"company": {Section: models.SectionWork, Key: "company", Value: "ImportCo", Source: "import", Confidence: 0.8},
			},
		},
	}
	require.NoError(t, s.Import(snapshot, ImportMerge))

	profile, err := s.GetProfile()
	require.NoError(t, err)
	require.Equal(t, "Existing", profile[models.SectionPersonalInfo]["name"].Value)
	require.Equal(t, "Seattle", profile[models.SectionPersonalInfo]["location"].Value)
	require.Equal(t, "ImportCo", profile[models.SectionWork]["company"].Value)
}

func TestImportProfileReplace(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateSection(models.SectionPersonalInfo, map[string]string{"name": "Existing"})
	require.NoError(t, err)

	snapshot := Snapshot{
		Version: SnapshotVersion,
		Sections: map[models.ProfileSection]map[string]models.ProfileEntry{
			models.SectionPersonalInfo: {
				"location": {Section: models.SectionPersonalInfo, Key: "location", Value: "Seattle", Source: "import", Confidence: 0.9},
			},
		},
	}
	require.NoError(t, s.Import(snapshot, ImportReplace))

	section, err := s.GetSection(models.SectionPersonalInfo)
	require.NoError(t, err)
	require.NotContains(t, section, "name")
	require.Contains(t, section, "location")
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateSection(models.SectionMisc, map[string]string{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, s.Clear())

	profile, err := s.GetProfile()
	require.NoError(t, err)
	for _, entries := range profile {
		require.Empty(t, entries)
	}
}
