package dispatcher

import (
	"context"
	"time"
)

// maybeAutoTitle kicks off best-effort async auto-titling per spec.md
// section 4.1 step 5: only once a still-untitled conversation reaches two
// messages, and never surfaced to the client on failure. Grounded on the
// teacher's pattern of firing a bounded background goroutine for
// non-critical side effects (internal/jobs) rather than blocking send()
// on it; here a full job queue would be overkill for a single rename call.
func (d *Dispatcher) maybeAutoTitle(conversationID, userText, assistantText string) {
	if d.titler == nil {
		return
	}

	count, err := d.conv.Count(conversationID)
	if err != nil || count < 2 {
		return
	}

	convos, err := d.conv.ListConversations()
	if err != nil {
		return
	}
	hasTitle := false
	for _, c := range convos {
		if c.ID == conversationID && c.Title != "" {
			hasTitle = true
			break
		}
	}
	if hasTitle {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		title, err := d.titler(ctx, userText, assistantText)
		if err != nil || title == "" {
			if err != nil && d.log != nil {
				d.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("dispatcher: auto-titling failed")
			}
			return
		}
		if err := d.conv.Rename(conversationID, title); err != nil && d.log != nil {
			d.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("dispatcher: failed to persist auto-title")
		}
	}()
}
