package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/dispatcherr"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// Local is the Ollama-shaped local backend adapter: newline-delimited JSON
// streamed over HTTP rather than SSE. Grounded on the teacher's
// providers.OllamaProvider (bufio.Scanner over /api/chat's NDJSON body,
// tool-call de-duplication by id/name+args fallback).
type Local struct {
	client       *http.Client
	baseURL      string
	defaultModel string

	healthMu     sync.Mutex
	healthAt     time.Time
	healthErr    error
	healthTTL    time.Duration
}

// LocalConfig configures the Local adapter.
type LocalConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// NewLocal constructs the Local adapter from cfg, defaulting to Ollama's
// conventional local endpoint.
func NewLocal(cfg LocalConfig) *Local {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Local{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		healthTTL:    30 * time.Second,
	}
}

func (l *Local) Name() models.BackendName { return models.BackendLocal }

// HealthCheck probes the local runtime's /api/tags endpoint, caching the
// result for healthTTL so the Degradation Manager's frequent polling
// doesn't itself load the local server (spec.md section 4.3's 30s network-
// check cache applied to the local backend specifically).
func (l *Local) HealthCheck(ctx context.Context) error {
	l.healthMu.Lock()
	if time.Since(l.healthAt) < l.healthTTL {
		err := l.healthErr
		l.healthMu.Unlock()
		return err
	}
	l.healthMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			err = fmt.Errorf("local: /api/tags returned status %d", resp.StatusCode)
		}
	}

	l.healthMu.Lock()
	l.healthErr = err
	l.healthAt = time.Now()
	l.healthMu.Unlock()

	return err
}

// Capabilities folds the last health-probe result into the reported
// capability set: per spec.md section 4.2, a failing probe must report
// supports_streaming=false so a caller can skip straight to a fallback
// instead of discovering the outage mid-stream.
func (l *Local) Capabilities() Capabilities {
	l.healthMu.Lock()
	healthy := l.healthErr == nil
	l.healthMu.Unlock()
	return Capabilities{SupportsTools: true, SupportsVision: false, SupportsStreaming: healthy}
}

// ChatOnce is chat_once's non-streaming convenience form.
func (l *Local) ChatOnce(ctx context.Context, req Request) (ChatOnceResult, error) {
	return chatOnce(ctx, l, req)
}

// Stream sends a streaming chat request to the local runtime's /api/chat
// endpoint and relays its NDJSON body onto the returned Delta channel.
// Per spec.md section 4.2's "local adapter specifics", a failing health
// probe short-circuits straight to Error(kind=unavailable) instead of
// attempting the request against a server already known to be down.
func (l *Local) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	if err := l.HealthCheck(ctx); err != nil {
		return nil, dispatcherr.New(dispatcherr.KindUnavailable, err).WithMessage("local: health probe failed")
	}

	model := req.Model
	if model == "" {
		model = l.defaultModel
	}
	if model == "" {
		return nil, dispatcherr.New(dispatcherr.KindInternal, nil).WithMessage("local: model is required")
	}

	payload := localChatRequest{
		Model:    model,
		Stream:   true,
		Messages: buildLocalMessages(req),
	}
	if len(req.Tools) > 0 {
		payload.Tools = convertLocalTools(req.Tools)
	}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, dispatcherr.New(dispatcherr.KindInternal, err).WithMessage("local: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, dispatcherr.New(dispatcherr.KindInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, dispatcherr.New(dispatcherr.ClassifyAdapterError(err), err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		err := fmt.Errorf("local: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
		return nil, dispatcherr.New(dispatcherr.ClassifyAdapterError(err), err)
	}

	out := make(chan Delta)
	go l.streamResponse(ctx, resp.Body, out)
	return out, nil
}

func (l *Local) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- Delta) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64<<10)
	scanner.Buffer(buf, 1<<20)

	emitted := map[string]struct{}{}
	var inputTokens, outputTokens int

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- Delta{Kind: DeltaError, Err: dispatcherr.New(dispatcherr.KindTimeout, ctx.Err())}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp localChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- Delta{Kind: DeltaError, Err: dispatcherr.New(dispatcherr.KindInternal, err).WithMessage("local: decode response")}
			return
		}
		if resp.Error != "" {
			err := fmt.Errorf("local: %s", resp.Error)
			out <- Delta{Kind: DeltaError, Err: dispatcherr.New(dispatcherr.ClassifyAdapterError(err), err)}
			return
		}

		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- Delta{Kind: DeltaText, Text: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				callID := strings.TrimSpace(tc.ID)
				if callID == "" {
					callID = localToolCallKey(tc)
					if callID == "" {
						callID = uuid.NewString()
					}
				}
				if _, ok := emitted[callID]; ok {
					continue
				}
				emitted[callID] = struct{}{}

				input := tc.Function.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				out <- Delta{Kind: DeltaToolCall, ToolCall: &ToolCall{
					ID:    callID,
					Name:  strings.TrimSpace(tc.Function.Name),
					Input: input,
				}}
			}
		}

		if resp.Done {
			inputTokens = resp.PromptEvalCount
			outputTokens = resp.EvalCount
			out <- Delta{Kind: DeltaEnd, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- Delta{Kind: DeltaError, Err: dispatcherr.New(dispatcherr.KindInternal, err)}
		return
	}
	out <- Delta{Kind: DeltaError, Err: dispatcherr.New(dispatcherr.KindTransient, nil).WithMessage("local: stream ended before done")}
}

type localChatRequest struct {
	Model    string              `json:"model"`
	Messages []localChatMessage  `json:"messages"`
	Tools    []localToolFunction `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type localChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []localToolCall  `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type localChatResponse struct {
	Message         *localChatMessage `json:"message"`
	Done            bool              `json:"done"`
	Error           string            `json:"error"`
	EvalCount       int               `json:"eval_count"`
	PromptEvalCount int               `json:"prompt_eval_count"`
}

type localToolCall struct {
	ID       string                   `json:"id,omitempty"`
	Type     string                   `json:"type,omitempty"`
	Function localToolCallFunctionRaw `json:"function"`
}

type localToolCallFunctionRaw struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type localToolFunction struct {
	Type     string          `json:"type"`
	Function localFunctionDef `json:"function"`
}

type localFunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

func convertLocalTools(tools []ToolDescriptor) []localToolFunction {
	result := make([]localToolFunction, 0, len(tools))
	for _, t := range tools {
		result = append(result, localToolFunction{
			Type: "function",
			Function: localFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return result
}

func buildLocalMessages(req Request) []localChatMessage {
	messages := make([]localChatMessage, 0, len(req.Messages)+1)
	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}

	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, localChatMessage{Role: "system", Content: system})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleAssistant:
			lm := localChatMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := tc.Input
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				lm.ToolCalls = append(lm.ToolCalls, localToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: localToolCallFunctionRaw{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			messages = append(messages, lm)
		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				messages = append(messages, localChatMessage{
					Role:     "tool",
					Content:  tr.Content,
					ToolName: toolNames[tr.ToolCallID],
				})
			}
		default:
			role := "user"
			if msg.Role == models.RoleSystem {
				role = "system"
			}
			messages = append(messages, localChatMessage{Role: role, Content: msg.Content})
		}
	}
	return messages
}

func localToolCallKey(tc localToolCall) string {
	if strings.TrimSpace(tc.ID) != "" {
		return strings.TrimSpace(tc.ID)
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
