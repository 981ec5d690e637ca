package convstore

import (
	"fmt"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// Summarizer collapses an ordered run of older messages into a single
// synthesized summary string. The Conversation Store never summarizes
// itself (design notes item 3: the source's summarizer calling back into
// the LLM it's trying to budget context for is a recursive dependency
// this spec resolves by making the summarizer pluggable). The Dispatcher
// supplies the concrete implementation.
type Summarizer func(messages []models.Message) (string, error)

// ContextStats reports how build_context split the conversation.
type ContextStats struct {
	SummarizedCount int
	VerbatimCount   int
	TotalMessages   int
}

// ExtractiveSummarizer is a deterministic, LLM-free Summarizer: it takes
// the first line of each message, bounded to a short prefix, and joins
// them. It is the fallback summarizer when no model-backed one is
// configured, and the one used by tests, since it needs no adapter.
func ExtractiveSummarizer(messages []models.Message) (string, error) {
	const maxLineChars = 80
	summary := ""
	for _, m := range messages {
		line := m.Content
		if idx := indexOfNewline(line); idx >= 0 {
			line = line[:idx]
		}
		if len(line) > maxLineChars {
			line = line[:maxLineChars] + "…"
		}
		summary += fmt.Sprintf("- %s: %s\n", m.Role, line)
	}
	return summary, nil
}

func indexOfNewline(s string) int {
	for i, r := range s {
		if r == '\n' {
			return i
		}
	}
	return -1
}

// BuildContext returns the ordered prefix of recent messages whose
// cumulative estimated token count is at most tokenBudget, plus (when
// older messages exist) a single synthesized summary message for the
// collapsed prefix, produced by summarize. Deterministic given
// conversationID's current message set and tokenBudget, per spec.md
// section 4.6's invariant.
func (s *Store) BuildContext(conversationID string, tokenBudget int, summarize Summarizer) ([]models.Message, ContextStats, error) {
	all, err := s.Messages(conversationID, 0, 0)
	if err != nil {
		return nil, ContextStats{}, err
	}
	stats := ContextStats{TotalMessages: len(all)}
	if len(all) == 0 {
		return nil, stats, nil
	}
	if tokenBudget <= 0 {
		return all, ContextStats{VerbatimCount: len(all), TotalMessages: len(all)}, nil
	}

	// Walk from the newest message backward, keeping verbatim messages
	// until the cumulative estimate would exceed the budget, then
	// collapse everything older into one summary message.
	verbatimFrom := len(all)
	budget := tokenBudget
	for i := len(all) - 1; i >= 0; i-- {
		cost := all[i].TokenCount
		if cost == 0 {
			cost = estimateTokens(all[i].Content)
		}
		if cost > budget {
			break
		}
		budget -= cost
		verbatimFrom = i
	}

	verbatim := all[verbatimFrom:]
	older := all[:verbatimFrom]
	stats.VerbatimCount = len(verbatim)
	stats.SummarizedCount = len(older)

	if len(older) == 0 {
		return verbatim, stats, nil
	}

	if summarize == nil {
		summarize = ExtractiveSummarizer
	}
	summaryText, err := summarize(older)
	if err != nil {
		return nil, ContextStats{}, fmt.Errorf("convstore: summarize older messages: %w", err)
	}

	summaryMsg := models.Message{
		ConversationID: conversationID,
		Role:           models.RoleSystem,
		Content:        summaryText,
		TokenCount:     estimateTokens(summaryText),
		CreatedAt:      older[len(older)-1].CreatedAt,
	}

	out := make([]models.Message, 0, len(verbatim)+1)
	out = append(out, summaryMsg)
	out = append(out, verbatim...)
	return out, stats, nil
}
