package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/dispatcherr"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// CloudA is the Anthropic-shaped cloud backend adapter. Grounded on the
// teacher's providers.AnthropicProvider: SSE message-stream processing of
// message_start/content_block_start/content_block_delta/message_delta
// events, accumulating a tool_use block's input_json_delta fragments until
// content_block_stop, converted here into the adapter-neutral Delta stream.
type CloudA struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration

	lastErr error
}

// CloudAConfig configures the Cloud-A adapter.
type CloudAConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// NewCloudA constructs the Cloud-A adapter from cfg.
func NewCloudA(cfg CloudAConfig) (*CloudA, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("adapters: cloud_a requires an API key")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &CloudA{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (c *CloudA) Name() models.BackendName { return models.BackendCloudA }

func (c *CloudA) HealthCheck(ctx context.Context) error { return c.lastErr }

// Capabilities reports Cloud-A's fixed capability set: tool use and
// streaming are always available, vision is out of scope per spec.md's
// attachment/vision non-goals.
func (c *CloudA) Capabilities() Capabilities {
	return Capabilities{SupportsTools: true, SupportsVision: false, SupportsStreaming: true}
}

// ChatOnce is chat_once's non-streaming convenience form.
func (c *CloudA) ChatOnce(ctx context.Context, req Request) (ChatOnceResult, error) {
	return chatOnce(ctx, c, req)
}

// Stream converts req into Anthropic's MessageNewParams, opens a streaming
// request and relays SSE events onto the returned Delta channel. The
// linear-backoff retry wrapper around opening the stream never sees a
// failure: connection and HTTP errors surface only through the stream's
// Err once reading starts, reach the caller as one DeltaError, and are
// not retried.
func (c *CloudA) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	out := make(chan Delta)

	params, err := c.buildParams(req)
	if err != nil {
		return nil, dispatcherr.New(dispatcherr.KindInternal, err).WithMessage("cloud_a: failed to convert request")
	}

	go func() {
		defer close(out)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]

		err := retry(ctx, c.maxRetries, c.retryDelay, isRetryableAnthropic, func() error {
			stream = c.client.Messages.NewStreaming(ctx, params)
			return nil
		})
		if err != nil {
			c.lastErr = err
			out <- Delta{Kind: DeltaError, Err: dispatcherr.New(dispatcherr.ClassifyAdapterError(err), err), RetryAfter: anthropicRetryAfter(err)}
			return
		}

		c.processStream(stream, out)
	}()

	return out, nil
}

func (c *CloudA) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- Delta) {
	var currentCall *ToolCall
	var currentInput strings.Builder
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			inputTokens = int(ms.Message.Usage.InputTokens)

		case "content_block_start":
			cb := event.AsContentBlockStart().ContentBlock
			if cb.Type == "tool_use" {
				tu := cb.AsToolUse()
				currentCall = &ToolCall{ID: tu.ID, Name: tu.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- Delta{Kind: DeltaText, Text: delta.Text}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentCall != nil {
				currentCall.Input = []byte(currentInput.String())
				out <- Delta{Kind: DeltaToolCall, ToolCall: currentCall}
				currentCall = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
		}
	}

	if err := stream.Err(); err != nil {
		c.lastErr = err
		out <- Delta{Kind: DeltaError, Err: dispatcherr.New(dispatcherr.ClassifyAdapterError(err), err), RetryAfter: anthropicRetryAfter(err)}
		return
	}

	c.lastErr = nil
	out <- Delta{Kind: DeltaEnd, InputTokens: inputTokens, OutputTokens: outputTokens}
}

func (c *CloudA) buildParams(req Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, err := c.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := c.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func (c *CloudA) convertTools(tools []ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.Schema)
		if err != nil {
			return nil, fmt.Errorf("cloud_a: marshal schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("cloud_a: invalid tool schema for %s: %w", t.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("cloud_a: invalid tool definition for %s", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		result = append(result, param)
	}
	return result, nil
}

func (c *CloudA) convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("cloud_a: invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if msg.Role == models.RoleUser {
			result = append(result, anthropic.NewUserMessage(content...))
		} else {
			result = append(result, anthropic.NewAssistantMessage(content...))
		}
	}
	return result, nil
}

func isRetryableAnthropic(err error) bool {
	if err == nil {
		return false
	}
	kind := dispatcherr.ClassifyAdapterError(err)
	return kind.IsRetryable()
}

// anthropicRetryAfter reads the real Retry-After value off a 429 response
// when the SDK surfaces one, instead of leaving retry timing to a
// dispatcher-side guess.
func anthropicRetryAfter(err error) time.Duration {
	var aerr *anthropic.Error
	if !errors.As(err, &aerr) || aerr.Response == nil {
		return 0
	}
	return parseRetryAfterHeader(aerr.Response.Header.Get("Retry-After"))
}
