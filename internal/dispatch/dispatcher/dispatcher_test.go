package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/adapters"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/audit"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/convstore"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/degradation"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/dispatcherr"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/profile"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/toolreg"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/toolrunner"
)

// scriptedAdapter is a fake adapters.Adapter driven by a queue of canned
// responses, one consumed per Stream call. Grounded on the teacher's own
// fake-provider test doubles in internal/agent (a minimal interface
// implementation rather than a mocking library, matching the pack's
// preference for hand-written fakes over generated mocks in unit tests).
type scriptedAdapter struct {
	name      models.BackendName
	responses []scriptedResponse
	calls     int
}

type scriptedResponse struct {
	deltas []adapters.Delta
	err    error
}

func (a *scriptedAdapter) Name() models.BackendName { return a.name }

func (a *scriptedAdapter) HealthCheck(ctx context.Context) error { return nil }

func (a *scriptedAdapter) Capabilities() adapters.Capabilities {
	return adapters.Capabilities{SupportsTools: true, SupportsVision: false, SupportsStreaming: true}
}

func (a *scriptedAdapter) ChatOnce(ctx context.Context, req adapters.Request) (adapters.ChatOnceResult, error) {
	ch, err := a.Stream(ctx, req)
	if err != nil {
		return adapters.ChatOnceResult{}, err
	}
	var result adapters.ChatOnceResult
	for d := range ch {
		switch d.Kind {
		case adapters.DeltaText:
			result.Text += d.Text
		case adapters.DeltaToolCall:
			if d.ToolCall != nil {
				result.ToolCalls = append(result.ToolCalls, *d.ToolCall)
			}
		case adapters.DeltaEnd:
			result.InputTokens = d.InputTokens
			result.OutputTokens = d.OutputTokens
		case adapters.DeltaError:
			return result, d.Err
		}
	}
	return result, nil
}

func (a *scriptedAdapter) Stream(ctx context.Context, req adapters.Request) (<-chan adapters.Delta, error) {
	if a.calls >= len(a.responses) {
		panic("scriptedAdapter: ran out of scripted responses")
	}
	resp := a.responses[a.calls]
	a.calls++

	if resp.err != nil {
		return nil, resp.err
	}

	ch := make(chan adapters.Delta, len(resp.deltas))
	for _, d := range resp.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func textDelta(s string) adapters.Delta { return adapters.Delta{Kind: adapters.DeltaText, Text: s} }

func endDelta() adapters.Delta { return adapters.Delta{Kind: adapters.DeltaEnd} }

func toolCallDelta(id, name string, input string) adapters.Delta {
	return adapters.Delta{Kind: adapters.DeltaToolCall, ToolCall: &adapters.ToolCall{ID: id, Name: name, Input: []byte(input)}}
}

type testHarness struct {
	conv     *convstore.Store
	profiles *profile.Store
	registry *toolreg.Registry
	runner   *toolrunner.Runner
	degrader *degradation.Manager
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	convDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { convDB.Close() })
	conv, err := convstore.New(convDB)
	require.NoError(t, err)

	profileDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { profileDB.Close() })
	profiles, err := profile.New(profileDB)
	require.NoError(t, err)

	auditDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { auditDB.Close() })
	auditLog, err := audit.New(auditDB)
	require.NoError(t, err)

	registry := toolreg.New()
	degrader := degradation.New(models.BackendCloudA, models.BackendCloudB, models.BackendLocal)
	runner := toolrunner.New(registry, degrader, auditLog, t.TempDir(), t.TempDir(), nil)

	return &testHarness{conv: conv, profiles: profiles, registry: registry, runner: runner, degrader: degrader}
}

func (h *testHarness) newDispatcher(backends map[models.BackendName]adapters.Adapter, cfg Config) *Dispatcher {
	if cfg.CandidateBackends == nil {
		cfg.CandidateBackends = []models.BackendName{models.BackendCloudA, models.BackendCloudB}
	}
	if cfg.PreferredBackend == "" {
		cfg.PreferredBackend = models.BackendCloudA
	}
	if cfg.ModelForBackend == nil {
		cfg.ModelForBackend = map[models.BackendName]string{
			models.BackendCloudA: "cloud-a-model",
			models.BackendCloudB: "cloud-b-model",
		}
	}
	return New(h.conv, h.profiles, h.registry, h.runner, h.degrader, backends, convstore.ExtractiveSummarizer, nil, nil, nil, cfg, nil)
}

func drainAll(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestSendSimpleTextResponse(t *testing.T) {
	h := newTestHarness(t)
	adapter := &scriptedAdapter{
		name: models.BackendCloudA,
		responses: []scriptedResponse{
			{deltas: []adapters.Delta{textDelta("hello "), textDelta("world"), endDelta()}},
		},
	}
	d := h.newDispatcher(map[models.BackendName]adapters.Adapter{models.BackendCloudA: adapter}, Config{})

	ch, err := d.Send(context.Background(), "conv-1", "hi", nil)
	require.NoError(t, err)
	events := drainAll(t, ch)

	require.Equal(t, EventStart, events[0].Kind)
	require.Equal(t, EventDone, events[len(events)-1].Kind)
	require.Equal(t, "hello world", events[len(events)-1].TotalText)

	msgs, err := h.conv.Messages("conv-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, models.RoleUser, msgs[0].Role)
	require.Equal(t, models.RoleAssistant, msgs[1].Role)
	require.Equal(t, "hello world", msgs[1].Content)
}

func TestSendToolCallRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.registry.Register(toolreg.Spec{
		Name:               "echo",
		Description:        "echoes its input",
		RequiredPermission: models.PermissionSandbox,
		Handler: func(ctx context.Context, input json.RawMessage) (string, bool, error) {
			return "echoed:" + string(input), false, nil
		},
	}))

	adapter := &scriptedAdapter{
		name: models.BackendCloudA,
		responses: []scriptedResponse{
			{deltas: []adapters.Delta{toolCallDelta("tc-1", "echo", `{"text":"hi"}`), endDelta()}},
			{deltas: []adapters.Delta{textDelta("done"), endDelta()}},
		},
	}
	d := h.newDispatcher(map[models.BackendName]adapters.Adapter{models.BackendCloudA: adapter}, Config{
		CallerPermission: models.PermissionSandbox,
	})

	ch, err := d.Send(context.Background(), "conv-2", "run echo", nil)
	require.NoError(t, err)
	events := drainAll(t, ch)

	var sawToolCall, sawToolResult bool
	for _, ev := range events {
		if ev.Kind == EventToolCall {
			sawToolCall = true
			require.Equal(t, "echo", ev.ToolName)
		}
		if ev.Kind == EventToolResult {
			sawToolResult = true
			require.True(t, ev.ToolSuccess)
		}
	}
	require.True(t, sawToolCall)
	require.True(t, sawToolResult)
	require.Equal(t, EventDone, events[len(events)-1].Kind)
	require.Equal(t, "done", events[len(events)-1].TotalText)
	require.Equal(t, 2, adapter.calls)
}

func TestSendToolPermissionEscalationEndsRoundWithoutError(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.registry.Register(toolreg.Spec{
		Name:               "shell",
		Description:        "runs a shell command",
		RequiredPermission: models.PermissionSystem,
		Handler: func(ctx context.Context, input json.RawMessage) (string, bool, error) {
			return "should never run", false, nil
		},
	}))

	adapter := &scriptedAdapter{
		name: models.BackendCloudA,
		responses: []scriptedResponse{
			{deltas: []adapters.Delta{toolCallDelta("tc-1", "shell", `{"cmd":"ls"}`), endDelta()}},
		},
	}
	d := h.newDispatcher(map[models.BackendName]adapters.Adapter{models.BackendCloudA: adapter}, Config{
		CallerPermission: models.PermissionSandbox,
	})

	ch, err := d.Send(context.Background(), "conv-3", "list files", nil)
	require.NoError(t, err)
	events := drainAll(t, ch)

	last := events[len(events)-1]
	require.Equal(t, EventDone, last.Kind)

	var escalated bool
	for _, ev := range events {
		if ev.Kind == EventToolResult && ev.Escalation != nil {
			escalated = true
			require.Equal(t, models.PermissionSystem.String(), ev.Escalation.RequiredLevel)
			require.Equal(t, "shell", ev.Escalation.PendingToolName)
		}
	}
	require.True(t, escalated)
	require.Equal(t, 1, adapter.calls)
}

func TestSendFallsBackToSecondBackendWhenFirstFailsBeforeAnyTokens(t *testing.T) {
	h := newTestHarness(t)
	failing := &scriptedAdapter{
		name:      models.BackendCloudA,
		responses: []scriptedResponse{{err: dispatcherr.New(dispatcherr.KindUnavailable, nil).WithMessage("connection refused")}},
	}
	working := &scriptedAdapter{
		name:      models.BackendCloudB,
		responses: []scriptedResponse{{deltas: []adapters.Delta{textDelta("fallback reply"), endDelta()}}},
	}
	d := h.newDispatcher(map[models.BackendName]adapters.Adapter{
		models.BackendCloudA: failing,
		models.BackendCloudB: working,
	}, Config{})

	ch, err := d.Send(context.Background(), "conv-4", "hi", nil)
	require.NoError(t, err)
	events := drainAll(t, ch)

	last := events[len(events)-1]
	require.Equal(t, EventDone, last.Kind)
	require.Equal(t, "fallback reply", last.TotalText)
	require.Equal(t, 1, failing.calls)
	require.Equal(t, 1, working.calls)
}

func TestSendTerminalErrorWhenNoFallbackAvailable(t *testing.T) {
	h := newTestHarness(t)
	failing := &scriptedAdapter{
		name:      models.BackendCloudA,
		responses: []scriptedResponse{{err: dispatcherr.New(dispatcherr.KindUnavailable, nil).WithMessage("model not found")}},
	}
	d := h.newDispatcher(map[models.BackendName]adapters.Adapter{models.BackendCloudA: failing}, Config{
		CandidateBackends: []models.BackendName{models.BackendCloudA},
	})

	ch, err := d.Send(context.Background(), "conv-5", "hi", nil)
	require.NoError(t, err)
	events := drainAll(t, ch)

	last := events[len(events)-1]
	require.Equal(t, EventError, last.Kind)
	require.Equal(t, dispatcherr.KindUnavailable, last.ErrKind)
}

func TestSendNonStreamingAccumulatesTokens(t *testing.T) {
	h := newTestHarness(t)
	adapter := &scriptedAdapter{
		name: models.BackendCloudA,
		responses: []scriptedResponse{
			{deltas: []adapters.Delta{textDelta("part one "), textDelta("part two"), endDelta()}},
		},
	}
	d := h.newDispatcher(map[models.BackendName]adapters.Adapter{models.BackendCloudA: adapter}, Config{})

	text, done, err := d.SendNonStreaming(context.Background(), "conv-6", "hi", nil)
	require.NoError(t, err)
	require.Equal(t, "part one part two", text)
	require.Equal(t, EventDone, done.Kind)
}

func TestContextCancellationStopsStreamWithoutErrorEvent(t *testing.T) {
	h := newTestHarness(t)
	adapter := &scriptedAdapter{
		name: models.BackendCloudA,
		responses: []scriptedResponse{
			{deltas: []adapters.Delta{textDelta("partial"), endDelta()}},
		},
	}
	d := h.newDispatcher(map[models.BackendName]adapters.Adapter{models.BackendCloudA: adapter}, Config{})

	ctx, cancel := context.WithCancel(context.Background())

	ch, err := d.Send(ctx, "conv-7", "hi", nil)
	require.NoError(t, err)

	first, ok := <-ch
	require.True(t, ok)
	require.Equal(t, EventStart, first.Kind)

	// Cancel and deliberately stop reading for a beat: with no receiver
	// present, the producer's next emit() can only take the ctx.Done()
	// branch of its select, exactly like a disconnected client.
	cancel()
	time.Sleep(100 * time.Millisecond)

	deadline := time.After(2 * time.Second)
	var rest []Event
loop:
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				break loop
			}
			rest = append(rest, ev)
		case <-deadline:
			t.Fatal("timed out waiting for event stream to close after cancellation")
		}
	}

	for _, ev := range rest {
		require.NotEqual(t, EventError, ev.Kind)
		require.NotEqual(t, EventDone, ev.Kind)
	}
}
