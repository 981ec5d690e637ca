// Package dispatcher is the Dispatcher: the orchestrator that turns a
// (conversation_id, user_text, attachments) tuple into a stream of typed
// Events and a durable assistant message, running as many model/tool
// rounds as the backend requests. Grounded on the teacher's
// internal/agent.AgenticLoop (internal/agent/loop.go) for the overall
// multi-round tool-call shape, and on spec.md section 4.1 for the exact
// event sequence, context-assembly steps, and failure semantics.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/adapters"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/convstore"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/degradation"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/dispatcherr"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/profile"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/toolreg"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/toolrunner"
	"github.com/haasonsaas/nexus-dispatch/internal/observability"
)

// EventKind is the closed set of event kinds send emits, in the order
// named by spec.md section 4.1: start, token*, [tool_call, tool_result]*,
// then exactly one of done or error.
type EventKind string

const (
	EventStart      EventKind = "start"
	EventToken      EventKind = "token"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventDone       EventKind = "done"
	EventError      EventKind = "error"
)

// Event is one unit of the send() stream. Only the fields relevant to Kind
// are populated; this mirrors the teacher's models.AgentEvent tagged-union
// shape rather than one struct type per kind.
type Event struct {
	Kind EventKind

	// EventStart
	Model          string
	Provider       models.BackendName
	ConversationID string

	// EventToken
	Text string

	// EventToolCall / EventToolResult
	ToolCallID  string
	ToolName    string
	ToolInput   json.RawMessage
	ToolSuccess bool
	ToolResult  string
	Escalation  *dispatcherr.Escalation

	// EventDone
	TotalText    string
	DegradedMode degradation.Mode
	ContextStats convstore.ContextStats

	// EventError
	ErrMessage string
	ErrKind    dispatcherr.Kind
	RetryAfter int
}

// Attachment is a file payload the caller wants the model to see. Per the
// adapters package's own scoping note, attachments are text-only here:
// spec.md's non-goals exclude vision/multimodal input, so an attachment is
// inlined into the persisted user message rather than carried as a
// separate wire field.
type Attachment struct {
	Name    string
	Content string
}

// Titler produces a short conversation title from its first exchange.
// Invoked best-effort, asynchronously, after the second message of a
// still-untitled conversation is persisted; a failure here is logged and
// never surfaces to the client, per spec.md section 4.1 step 5.
type Titler func(ctx context.Context, firstUserText, firstAssistantText string) (string, error)

// Config holds the Dispatcher's static, operator-configured behavior: the
// backend topology, context budget, and persona resolution the teacher
// would otherwise have hardcoded per-provider.
type Config struct {
	DefaultConversationID string
	GlobalDefaultPersona  string
	ContextTokenBudget    int
	PreferredBackend      models.BackendName
	CandidateBackends     []models.BackendName
	LocalOnly             bool
	MaxToolRounds         int
	MaxResponseTokens     int
	// CallerPermission is the process-wide permission level (spec.md
	// section 4.5) every tool invocation from this Dispatcher runs under.
	CallerPermission models.PermissionLevel
	// UserIP is recorded on every tool audit entry this Dispatcher produces.
	UserIP string
	// ModelForBackend maps a backend role to the model id Request.Model
	// is populated with; missing entries fall back to an adapter-specific
	// default already baked into its Config at construction time.
	ModelForBackend map[models.BackendName]string
	// Personas maps a persona name to its system-prompt text, looked up
	// by convstore.SystemPrompt's personaText callback.
	Personas map[string]string
}

func (c Config) personaText(persona string) (string, bool) {
	text, ok := c.Personas[persona]
	return text, ok
}

// Dispatcher wires the Conversation Store, User-Profile Aggregator, Tool
// Registry, Tool Runner, Degradation Manager, and Backend Adapters into
// the single send()/send_nonstreaming() contract spec.md section 4.1
// names. It owns no persistent state itself; every store it touches owns
// its own (spec.md section 3, "Ownership").
type Dispatcher struct {
	conv     *convstore.Store
	profiles *profile.Store
	registry *toolreg.Registry
	runner   *toolrunner.Runner
	degrader *degradation.Manager
	backends map[models.BackendName]adapters.Adapter
	summarize convstore.Summarizer
	titler   Titler
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	cfg      Config
	log      *zerolog.Logger
}

// New returns a Dispatcher wired to the given components. summarize may be
// nil, in which case convstore.ExtractiveSummarizer is used; titler may be
// nil, in which case auto-titling is skipped entirely.
func New(
	conv *convstore.Store,
	profiles *profile.Store,
	registry *toolreg.Registry,
	runner *toolrunner.Runner,
	degrader *degradation.Manager,
	backends map[models.BackendName]adapters.Adapter,
	summarize convstore.Summarizer,
	titler Titler,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
	cfg Config,
	log *zerolog.Logger,
) *Dispatcher {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 25
	}
	if cfg.ContextTokenBudget <= 0 {
		cfg.ContextTokenBudget = 8000
	}
	if tracer == nil {
		// observability.NewTracer returns a no-op tracer (exports nothing)
		// when Endpoint is empty, so callers that don't care about tracing
		// can pass nil here instead of every call site nil-checking d.tracer.
		tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "dispatcher"})
	}
	return &Dispatcher{
		conv:      conv,
		profiles:  profiles,
		registry:  registry,
		runner:    runner,
		degrader:  degrader,
		backends:  backends,
		summarize: summarize,
		titler:    titler,
		metrics:   metrics,
		tracer:    tracer,
		cfg:       cfg,
		log:       log,
	}
}

// Send runs the full algorithm from spec.md section 4.1 and returns a
// channel of Events terminated by exactly one EventDone or EventError. The
// channel is unbuffered by design: a slow or disconnected client backs up
// the producing goroutine rather than silently dropping events the way
// the teacher's ChanSink does for plugin fan-out, since here the stream
// itself is the caller-visible contract, not a best-effort side channel.
func (d *Dispatcher) Send(ctx context.Context, conversationID, userText string, attachments []Attachment) (<-chan Event, error) {
	if conversationID == "" {
		conversationID = d.cfg.DefaultConversationID
	}

	events := make(chan Event)
	go d.run(ctx, conversationID, userText, attachments, events)
	return events, nil
}

// SendNonStreaming drains Send's channel and returns the same final bytes
// as the concatenation of its token events, plus terminal metadata. Used
// by internal callers and tests that don't need incremental delivery.
func (d *Dispatcher) SendNonStreaming(ctx context.Context, conversationID, userText string, attachments []Attachment) (text string, done Event, err error) {
	ch, sendErr := d.Send(ctx, conversationID, userText, attachments)
	if sendErr != nil {
		return "", Event{}, sendErr
	}

	var sb []byte
	for ev := range ch {
		switch ev.Kind {
		case EventToken:
			sb = append(sb, ev.Text...)
		case EventDone:
			return string(sb), ev, nil
		case EventError:
			return string(sb), ev, &dispatcherr.Error{Kind: ev.ErrKind, Message: ev.ErrMessage, RetryAfter: ev.RetryAfter}
		}
	}
	return string(sb), Event{}, fmt.Errorf("dispatcher: event stream closed without a terminal event")
}

func (d *Dispatcher) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// run is the body of the goroutine Send starts. It always closes events
// exactly once, after emitting a terminal EventDone or EventError, or
// after observing ctx cancellation (client disconnect), in which case no
// further events are emitted at all, per spec.md's disconnect rule.
func (d *Dispatcher) run(ctx context.Context, conversationID, userText string, attachments []Attachment, events chan<- Event) {
	defer close(events)
	start := time.Now()

	inlined := inlineAttachments(userText, attachments)
	if _, err := d.conv.Append(conversationID, models.RoleUser, inlined); err != nil {
		d.emit(ctx, events, Event{Kind: EventError, ErrKind: dispatcherr.KindInternal, ErrMessage: "persist user message: " + err.Error()})
		return
	}

	messages, stats, systemPrompt, err := d.assembleContext(conversationID)
	if err != nil {
		d.emit(ctx, events, Event{Kind: EventError, ErrKind: dispatcherr.KindInternal, ErrMessage: "assemble context: " + err.Error()})
		return
	}

	backendName := d.degrader.GetPreferredBackend(d.cfg.PreferredBackend, d.cfg.CandidateBackends, d.cfg.LocalOnly)
	adapter, ok := d.backends[backendName]
	if !ok {
		d.emit(ctx, events, Event{Kind: EventError, ErrKind: dispatcherr.KindUnavailable, ErrMessage: "no adapter registered for backend " + string(backendName)})
		return
	}
	model := d.cfg.ModelForBackend[backendName]

	if !d.emit(ctx, events, Event{Kind: EventStart, Model: model, Provider: backendName, ConversationID: conversationID}) {
		return
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.round")
	defer span.End()

	toolDescs := convertToolDescs(d.registry.Schemas())

	totalText, _, _, roundErr := d.modelLoop(ctx, events, conversationID, adapter, backendName, model, systemPrompt, messages, toolDescs)

	if roundErr == context.Canceled {
		// Client disconnect: persist whatever text accumulated, marked
		// partial by the absence of a done/error event, and stop. No
		// further events are sent (events is still closed by the defer).
		if totalText != "" {
			if _, persistErr := d.conv.Append(conversationID, models.RoleAssistant, totalText); persistErr != nil && d.log != nil {
				d.log.Error().Err(persistErr).Msg("dispatcher: failed to persist partial assistant message after disconnect")
			}
		}
		return
	}

	if roundErr != nil {
		de, _ := dispatcherr.As(roundErr)
		if de == nil {
			de = dispatcherr.New(dispatcherr.KindInternal, roundErr)
		}
		if totalText != "" {
			if _, persistErr := d.conv.Append(conversationID, models.RoleAssistant, totalText); persistErr != nil && d.log != nil {
				d.log.Error().Err(persistErr).Msg("dispatcher: failed to persist partial assistant message")
			}
		}
		d.tracer.RecordError(span, roundErr)
		if d.metrics != nil {
			d.metrics.RecordLLMRequest(string(backendName), model, "error", time.Since(start).Seconds(), 0, 0)
		}
		d.emit(ctx, events, Event{Kind: EventError, ErrKind: de.Kind, ErrMessage: de.Error(), RetryAfter: de.RetryAfter})
		return
	}

	if _, err := d.conv.Append(conversationID, models.RoleAssistant, totalText); err != nil {
		d.emit(ctx, events, Event{Kind: EventError, ErrKind: dispatcherr.KindInternal, ErrMessage: "persist assistant message: " + err.Error()})
		return
	}

	d.maybeAutoTitle(conversationID, userText, totalText)

	if d.metrics != nil {
		d.metrics.RecordLLMRequest(string(backendName), model, "success", time.Since(start).Seconds(), 0, len(totalText)/4)
	}

	d.emit(ctx, events, Event{
		Kind:         EventDone,
		TotalText:    totalText,
		DegradedMode: d.degrader.Mode(),
		ContextStats: stats,
	})
}

// assembleContext performs spec.md section 4.1 step 2: resolve the
// effective system prompt, prepend the profile summary, and build the
// token-budgeted message prefix.
func (d *Dispatcher) assembleContext(conversationID string) ([]adapters.Message, convstore.ContextStats, string, error) {
	systemPrompt, err := d.conv.SystemPrompt(conversationID, d.cfg.personaText, d.cfg.GlobalDefaultPersona)
	if err != nil {
		return nil, convstore.ContextStats{}, "", fmt.Errorf("resolve system prompt: %w", err)
	}

	if d.profiles != nil {
		summary, err := d.profiles.Summary()
		if err != nil {
			return nil, convstore.ContextStats{}, "", fmt.Errorf("load profile summary: %w", err)
		}
		if summary != "" {
			systemPrompt = systemPrompt + "\n\n" + summary
		}
	}

	convMessages, stats, err := d.conv.BuildContext(conversationID, d.cfg.ContextTokenBudget, d.summarize)
	if err != nil {
		return nil, convstore.ContextStats{}, "", fmt.Errorf("build context: %w", err)
	}

	out := make([]adapters.Message, 0, len(convMessages))
	for _, m := range convMessages {
		out = append(out, adapters.Message{Role: m.Role, Content: m.Content})
	}
	return out, stats, systemPrompt, nil
}

func inlineAttachments(userText string, attachments []Attachment) string {
	if len(attachments) == 0 {
		return userText
	}
	out := userText
	for _, a := range attachments {
		out += fmt.Sprintf("\n\n[attachment: %s]\n%s", a.Name, a.Content)
	}
	return out
}

func convertToolDescs(schemas []toolreg.ToolSchema) []adapters.ToolDescriptor {
	out := make([]adapters.ToolDescriptor, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, adapters.ToolDescriptor{Name: s.Name, Description: s.Description, Schema: s.Schema})
	}
	return out
}
