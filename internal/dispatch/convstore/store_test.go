package convstore

import (
	"database/sql"
	"testing"
	"time"

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

func TestAppendIsMonotonic(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.Append("conv-1", models.RoleUser, "hello")
	require.NoError(t, err)
	id2, err := s.Append("conv-1", models.RoleAssistant, "hi there")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	messages, err := s.Messages("conv-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "hello", messages[0].Content)
	require.Equal(t, "hi there", messages[1].Content)
	require.True(t, !messages[0].CreatedAt.After(messages[1].CreatedAt))
}

func TestCountAndListConversations(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append("conv-a", models.RoleUser, "one")
	require.NoError(t, err)
	_, err = s.Append("conv-a", models.RoleUser, "two")
	require.NoError(t, err)
	_, err = s.Append("conv-b", models.RoleUser, "three")
	require.NoError(t, err)

	n, err := s.Count("conv-a")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	convos, err := s.ListConversations()
	require.NoError(t, err)
	require.Len(t, convos, 2)
}

func TestRename(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append("conv-1", models.RoleUser, "hi")
	require.NoError(t, err)
	require.NoError(t, s.Rename("conv-1", "My Chat"))

	convos, err := s.ListConversations()
	require.NoError(t, err)
	require.Len(t, convos, 1)
	require.Equal(t, "My Chat", convos[0].Title)
}

func TestDeleteExcludesFromMessagesAndSearch(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append("conv-1", models.RoleUser, "the quick brown fox")
	require.NoError(t, err)
	require.NoError(t, s.Delete("conv-1"))

	messages, err := s.Messages("conv-1", 0, 0)
	require.NoError(t, err)
	require.Empty(t, messages)

	hits, err := s.Search("quick", "", 10, 0)
	require.NoError(t, err)
	require.Empty(t, hits)

	convos, err := s.ListConversations()
	require.NoError(t, err)
	require.Empty(t, convos)
}

func TestSearchIsCaseInsensitiveWithSnippet(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append("conv-1", models.RoleUser, "remember to bring an UMBRELLA tomorrow, it might rain")
	require.NoError(t, err)
	_, err = s.Append("conv-1", models.RoleAssistant, "noted, I'll remind you about the weather")
	require.NoError(t, err)

	hits, err := s.Search("umbrella", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Contains(t, hits[0].Snippet, "UMBRELLA")
}

func TestSearchScopedToConversation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append("conv-1", models.RoleUser, "budget meeting notes")
	require.NoError(t, err)
	_, err = s.Append("conv-2", models.RoleUser, "budget meeting notes")
	require.NoError(t, err)

	hits, err := s.Search("budget", "conv-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "conv-1", hits[0].Message.ConversationID)
}

func TestBuildContextWithinBudgetIsAllVerbatim(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := s.Append("conv-1", models.RoleUser, "short")
		require.NoError(t, err)
	}

	messages, stats, err := s.BuildContext("conv-1", 10000, nil)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	require.Equal(t, 3, stats.VerbatimCount)
	require.Equal(t, 0, stats.SummarizedCount)
	require.Equal(t, 3, stats.TotalMessages)
}

func TestBuildContextSummarizesOlderMessages(t *testing.T) {
	s := newTestStore(t)

	long := "this message is long enough to cost several estimated tokens on its own"
	for i := 0; i < 5; i++ {
		_, err := s.Append("conv-1", models.RoleUser, long)
		require.NoError(t, err)
	}

	cost := estimateTokens(long)
	messages, stats, err := s.BuildContext("conv-1", cost*2, nil)
	require.NoError(t, err)
	require.Equal(t, 5, stats.TotalMessages)
	require.Equal(t, stats.VerbatimCount+stats.SummarizedCount, stats.TotalMessages)
	require.Greater(t, stats.SummarizedCount, 0)
	// messages[0] is the synthesized summary when older messages exist.
	require.Equal(t, models.RoleSystem, messages[0].Role)
	require.NotEmpty(t, messages[0].Content)
}

func TestBuildContextIsDeterministic(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 8; i++ {
		_, err := s.Append("conv-1", models.RoleUser, "deterministic content check")
		require.NoError(t, err)
	}

	m1, stats1, err := s.BuildContext("conv-1", 20, ExtractiveSummarizer)
	require.NoError(t, err)
	m2, stats2, err := s.BuildContext("conv-1", 20, ExtractiveSummarizer)
	require.NoError(t, err)

	require.Equal(t, stats1, stats2)
	require.Equal(t, len(m1), len(m2))
	for i := range m1 {
		require.Equal(t, m1[i].Content, m2[i].Content)
	}
}

func TestSystemPromptPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append("conv-1", models.RoleUser, "hi")
	require.NoError(t, err)

	personas := map[string]string{"pirate": "Talk like a pirate."}
	lookup := func(name string) (string, bool) {
		v, ok := personas[name]
		return v, ok
	}

	// No override, no persona: falls back to the global default.
	prompt, err := s.SystemPrompt("conv-1", lookup, "You are a helpful assistant.")
	require.NoError(t, err)
	require.Equal(t, "You are a helpful assistant.", prompt)

	// Persona set: persona wins over the default.
	require.NoError(t, s.SetPersona("conv-1", "pirate"))
	prompt, err = s.SystemPrompt("conv-1", lookup, "You are a helpful assistant.")
	require.NoError(t, err)
	require.Equal(t, "Talk like a pirate.", prompt)

	// Custom override set: it wins over both persona and default.
	require.NoError(t, s.SetCustomSystemPrompt("conv-1", "Always answer in haiku."))
	prompt, err = s.SystemPrompt("conv-1", lookup, "You are a helpful assistant.")
	require.NoError(t, err)
	require.Equal(t, "Always answer in haiku.", prompt)
}

func TestAppendCreatesMissingConversation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append("brand-new", models.RoleUser, "first message")
	require.NoError(t, err)

	convos, err := s.ListConversations()
	require.NoError(t, err)
	require.Len(t, convos, 1)
	require.Equal(t, "brand-new", convos[0].ID)
}

func TestExtractiveSummarizerUsesFirstLine(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleUser, Content: "first line\nsecond line", CreatedAt: time.Now()},
	}
	summary, err := ExtractiveSummarizer(messages)
	require.NoError(t, err)
	require.Contains(t, summary, "first line")
	require.NotContains(t, summary, "second line")
}
