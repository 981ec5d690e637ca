package dispatcher

import (
	"context"
	"time"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/adapters"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/dispatcherr"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// modelLoop is spec.md section 4.1 step 4: call the chosen adapter in
// streaming mode, interleaving tool calls until the adapter signals a
// terminal delta with no pending tool calls. Grounded on the teacher's
// AgenticLoop.Run (internal/agent/loop.go) round structure, narrowed to a
// single provider-agnostic Delta channel instead of the teacher's
// per-provider CompletionChunk duck-typing.
//
// tokensEmitted tracks whether any DeltaText has been emitted across the
// *entire* request so far (not just the current round), since spec.md's
// fallback-once rule is scoped to the request, not the round.
func (d *Dispatcher) modelLoop(
	ctx context.Context,
	events chan<- Event,
	conversationID string,
	adapter adapters.Adapter,
	backendName models.BackendName,
	model string,
	systemPrompt string,
	messages []adapters.Message,
	tools []adapters.ToolDescriptor,
) (totalText string, tokensEmitted bool, callerPermission models.PermissionLevel, err error) {
	callerPermission = d.cfg.CallerPermission
	req := adapters.Request{Model: model, System: systemPrompt, Messages: messages, Tools: tools, MaxTokens: d.cfg.MaxResponseTokens}

	for round := 0; ; round++ {
		if round >= d.cfg.MaxToolRounds {
			return totalText, tokensEmitted, callerPermission, dispatcherr.New(dispatcherr.KindInternal, nil).
				WithMessage("exceeded max tool rounds for this request")
		}

		deltas, streamErr := adapter.Stream(ctx, req)
		if streamErr == context.Canceled {
			return totalText, tokensEmitted, callerPermission, context.Canceled
		}
		if streamErr != nil {
			nextAdapter, nextName, ok := d.failoverAfterAdapterError(backendName, streamErr, 0, tokensEmitted)
			if !ok {
				return totalText, tokensEmitted, callerPermission, classifyAndWrap(streamErr, 0)
			}
			adapter, backendName = nextAdapter, nextName
			req.Model = d.cfg.ModelForBackend[backendName]
			continue
		}

		roundText, toolCalls, deltaErr, retryAfter := d.drainDeltas(ctx, events, deltas, &tokensEmitted)
		totalText += roundText

		if deltaErr == context.Canceled {
			// Client disconnected mid-stream: propagate directly, never as
			// an adapter failure subject to the fallback/RecordFailure path.
			return totalText, tokensEmitted, callerPermission, context.Canceled
		}

		if deltaErr != nil {
			nextAdapter, nextName, ok := d.failoverAfterAdapterError(backendName, deltaErr, retryAfter, tokensEmitted)
			if !ok {
				return totalText, tokensEmitted, callerPermission, classifyAndWrap(deltaErr, retryAfter)
			}
			adapter, backendName = nextAdapter, nextName
			req.Model = d.cfg.ModelForBackend[backendName]
			req.Messages = messages
			continue
		}

		d.degrader.RecordSuccess(backendName)

		if ctx.Err() != nil {
			// Client disconnected while we were mid-round: stop silently,
			// per spec.md's disconnect rule. The caller's defer still
			// closes the channel; no further events are sent.
			return totalText, tokensEmitted, callerPermission, context.Canceled
		}

		if len(toolCalls) == 0 {
			return totalText, tokensEmitted, callerPermission, nil
		}

		roundEnded := false
		for _, tc := range toolCalls {
			if !d.emit(ctx, events, Event{Kind: EventToolCall, ConversationID: conversationID, ToolCallID: tc.ID, ToolName: tc.Name, ToolInput: tc.Input}) {
				return totalText, tokensEmitted, callerPermission, context.Canceled
			}

			result, invokeErr := d.runner.Invoke(ctx, tc.Name, tc.Input, callerPermission, d.cfg.UserIP)
			if invokeErr != nil {
				de, _ := dispatcherr.As(invokeErr)
				if de != nil && de.Kind == dispatcherr.KindPermissionRequired {
					if !d.emit(ctx, events, Event{Kind: EventToolResult, ConversationID: conversationID, ToolCallID: tc.ID, ToolName: tc.Name, ToolSuccess: false, Escalation: de.Escalation}) {
						return totalText, tokensEmitted, callerPermission, context.Canceled
					}
					// Escalations never auto-retry: the round ends here and
					// the client decides whether to re-issue at a higher
					// permission level.
					roundEnded = true
					break
				}

				msg := invokeErr.Error()
				if !d.emit(ctx, events, Event{Kind: EventToolResult, ConversationID: conversationID, ToolCallID: tc.ID, ToolName: tc.Name, ToolSuccess: false, ToolResult: msg}) {
					return totalText, tokensEmitted, callerPermission, context.Canceled
				}
				messages = appendToolResult(messages, tc.ID, msg, true)
				continue
			}

			if !d.emit(ctx, events, Event{Kind: EventToolResult, ConversationID: conversationID, ToolCallID: tc.ID, ToolName: tc.Name, ToolSuccess: !result.IsError, ToolResult: result.Content}) {
				return totalText, tokensEmitted, callerPermission, context.Canceled
			}
			messages = appendToolResult(messages, tc.ID, result.Content, result.IsError)
		}

		if roundEnded {
			return totalText, tokensEmitted, callerPermission, nil
		}

		req.Messages = messages
	}
}

// drainDeltas reads every delta off ch until it closes, accumulating text
// and buffered tool calls, and emitting EventToken as text arrives. An
// adapter is required to close ch after exactly one DeltaEnd or
// DeltaError; drainDeltas trusts that contract rather than imposing its
// own timeout, matching the Adapter interface's documented guarantee.
func (d *Dispatcher) drainDeltas(ctx context.Context, events chan<- Event, ch <-chan adapters.Delta, tokensEmitted *bool) (text string, toolCalls []adapters.ToolCall, err error, retryAfter time.Duration) {
	for delta := range ch {
		switch delta.Kind {
		case adapters.DeltaText:
			if delta.Text == "" {
				continue
			}
			text += delta.Text
			*tokensEmitted = true
			if !d.emit(ctx, events, Event{Kind: EventToken, Text: delta.Text}) {
				return text, toolCalls, context.Canceled, 0
			}
		case adapters.DeltaToolCall:
			if delta.ToolCall != nil {
				toolCalls = append(toolCalls, *delta.ToolCall)
			}
		case adapters.DeltaError:
			err = delta.Err
			retryAfter = delta.RetryAfter
		case adapters.DeltaEnd:
			// nothing to accumulate; loop exits when ch closes.
		}
	}
	return text, toolCalls, err, retryAfter
}

// failoverAfterAdapterError applies spec.md's two fallback rules: a
// plain adapter failure retries once on a fallback backend only if no
// tokens have been emitted yet; a rate-limit failure switches to a
// fallback whenever one is available, tokens emitted or not. retryAfter
// is the provider-reported cooldown (zero when the provider didn't supply
// one), passed straight to the Degradation Manager rather than guessed.
func (d *Dispatcher) failoverAfterAdapterError(failed models.BackendName, cause error, retryAfter time.Duration, tokensEmitted bool) (adapters.Adapter, models.BackendName, bool) {
	kind := dispatcherr.ClassifyAdapterError(cause)
	isRateLimit := kind == dispatcherr.KindRateLimited

	d.degrader.RecordFailure(failed, isRateLimit, retryAfter)

	if !isRateLimit && tokensEmitted {
		return nil, "", false
	}

	adapter, name, ok := d.fallbackBackend(failed)
	if !ok {
		return nil, "", false
	}
	return adapter, name, true
}

// fallbackBackend returns the first candidate backend other than exclude
// that has a registered adapter and is not currently inside its
// rate-limit cooldown. This is deliberately simpler than
// degradation.Manager.GetPreferredBackend's circuit-breaker logic: a
// single failure does not yet trip the Manager's 3-failure threshold, so
// GetPreferredBackend would hand the same backend straight back. The
// Dispatcher's per-request "try a different one right now" policy is a
// distinct concern from the Manager's "which backend to prefer next time"
// policy spec.md section 4.1 step 3 describes.
func (d *Dispatcher) fallbackBackend(exclude models.BackendName) (adapters.Adapter, models.BackendName, bool) {
	if d.cfg.LocalOnly {
		return nil, "", false
	}
	now := time.Now()
	for _, candidate := range d.cfg.CandidateBackends {
		if candidate == exclude {
			continue
		}
		adapter, ok := d.backends[candidate]
		if !ok {
			continue
		}
		if d.degrader.Snapshot(candidate).IsRateLimited(now) {
			continue
		}
		return adapter, candidate, true
	}
	return nil, "", false
}

// classifyAndWrap turns a raw adapter error into a *dispatcherr.Error,
// attaching retryAfter (the provider's real Retry-After value, in
// seconds) when the caller has one. A rate-limited error with no real
// value falls back to 60s, matching the Degradation Manager's own
// default for a rate-limit with no reported cooldown.
func classifyAndWrap(err error, retryAfter time.Duration) *dispatcherr.Error {
	kind := dispatcherr.ClassifyAdapterError(err)
	e := dispatcherr.New(kind, err)
	if kind == dispatcherr.KindRateLimited {
		secs := int(retryAfter.Seconds())
		if secs <= 0 {
			secs = 60
		}
		e = e.WithRetryAfter(secs)
	}
	return e
}

func appendToolResult(messages []adapters.Message, toolCallID, content string, isError bool) []adapters.Message {
	return append(messages, adapters.Message{
		Role:        models.RoleTool,
		Content:     content,
		ToolResults: []adapters.ToolResult{{ToolCallID: toolCallID, Content: content, IsError: isError}},
	})
}
