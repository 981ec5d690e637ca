// Package adapters is the Backend Adapters component: one adapter per
// backend role (Cloud-A, Cloud-B, Local), each converting between the
// dispatch core's provider-agnostic message/tool shapes and its backend's
// wire format, and exposing a single Delta channel regardless of backend.
// Grounded on the teacher's internal/agent.LLMProvider interface and
// CompletionChunk streaming shape (internal/agent/provider_types.go), kept
// in spirit but narrowed to exactly what spec.md section 4.2 names.
package adapters

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// Message is one turn handed to an adapter; it is the provider-agnostic
// shape the Dispatcher assembles context into, analogous to the teacher's
// agent.CompletionMessage but without the teacher's attachment/vision
// fields, which spec.md's non-goals exclude.
type Message struct {
	Role        models.Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input []byte // raw JSON
}

// ToolResult is a single tool's result fed back to the model.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDescriptor is a backend-shape-agnostic tool advertisement; each
// adapter converts it into its own wire shape via toolreg.Registry.DescribeFor.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      any
}

// Request is the provider-agnostic completion request passed to Stream.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDescriptor
	MaxTokens int
}

// DeltaKind identifies which field of a Delta is populated.
type DeltaKind int

const (
	DeltaText DeltaKind = iota
	DeltaToolCall
	DeltaEnd
	DeltaError
)

// Delta is a single streamed unit from an adapter, the adapter-level
// analogue of the teacher's agent.CompletionChunk, narrowed to a tagged
// union via Kind instead of "whichever field is non-zero" duck typing.
type Delta struct {
	Kind         DeltaKind
	Text         string
	ToolCall     *ToolCall
	InputTokens  int
	OutputTokens int
	Err          error
	// RetryAfter is only meaningful on a DeltaError whose Err classifies as
	// rate-limited; it carries the provider's actual retry-after duration
	// (when the provider exposes one) instead of a dispatcher-side guess.
	RetryAfter time.Duration
}

// Capabilities reports what a backend supports, per spec.md section 4.2's
// capabilities() contract. The Dispatcher/Degradation Manager use this to
// decide whether a backend is even worth routing to, rather than finding
// out mid-stream.
type Capabilities struct {
	SupportsTools     bool
	SupportsVision    bool
	SupportsStreaming bool
}

// ChatOnceResult is chat_once's non-streaming equivalent of draining
// Stream to completion: the same output, buffered instead of delivered
// incrementally.
type ChatOnceResult struct {
	Text         string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
}

// Adapter is the contract every backend adapter satisfies. Stream returns
// immediately with a channel; the channel is always closed by the adapter,
// terminated by exactly one DeltaEnd or DeltaError delta.
type Adapter interface {
	Name() models.BackendName
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
	// ChatOnce is the non-streaming convenience form of Stream: it drains
	// the delta channel internally and returns the accumulated result in
	// one call, for callers that don't need incremental tokens.
	ChatOnce(ctx context.Context, req Request) (ChatOnceResult, error)
	// HealthCheck performs a cheap, backend-specific liveness probe used by
	// the Degradation Manager; Local's probe actually dials the runtime,
	// Cloud-A/Cloud-B report healthy unless a prior call has already
	// recorded a failure (spec.md section 4.3 derives cloud health from
	// call outcomes, never a separate probe call).
	HealthCheck(ctx context.Context) error
	// Capabilities reports this adapter's current capability set; Local's
	// implementation folds in its cached health-probe result, per spec.md
	// section 4.2's "local adapter specifics" paragraph.
	Capabilities() Capabilities
}

// chatOnce is the shared chat_once implementation every adapter delegates
// to: open a stream and accumulate it, since the accumulation logic is
// identical regardless of backend.
func chatOnce(ctx context.Context, a Adapter, req Request) (ChatOnceResult, error) {
	ch, err := a.Stream(ctx, req)
	if err != nil {
		return ChatOnceResult{}, err
	}

	var result ChatOnceResult
	for delta := range ch {
		switch delta.Kind {
		case DeltaText:
			result.Text += delta.Text
		case DeltaToolCall:
			if delta.ToolCall != nil {
				result.ToolCalls = append(result.ToolCalls, *delta.ToolCall)
			}
		case DeltaEnd:
			result.InputTokens = delta.InputTokens
			result.OutputTokens = delta.OutputTokens
		case DeltaError:
			return result, delta.Err
		}
	}
	return result, nil
}

// parseRetryAfterHeader parses an HTTP Retry-After header's seconds form
// (the only form either cloud provider emits); an unparseable or absent
// value yields zero, leaving the caller to fall back to a default.
func parseRetryAfterHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// retry mirrors the teacher's providers.BaseProvider.Retry: linear backoff,
// gated by an isRetryable predicate, context-aware.
func retry(ctx context.Context, maxRetries int, retryDelay time.Duration, isRetryable func(error) bool, op func() error) error {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
			if isRetryable == nil || !isRetryable(err) || attempt >= maxRetries {
				return lastErr
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}
	}
	return lastErr
}
