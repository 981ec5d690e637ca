package adapters

import (
	"context"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/dispatcherr"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// CloudB is the OpenAI-shaped cloud backend adapter. Grounded on the
// teacher's providers.OpenAIProvider: ChatCompletionStream.Recv() loop,
// delta.ToolCalls accumulated by index across chunks until FinishReason ==
// "tool_calls", converted here into the adapter-neutral Delta stream.
type CloudB struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration

	lastErr error
}

// CloudBConfig configures the Cloud-B adapter.
type CloudBConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// NewCloudB constructs the Cloud-B adapter from cfg.
func NewCloudB(cfg CloudBConfig) (*CloudB, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("adapters: cloud_b requires an API key")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &CloudB{
		client:       openai.NewClientWithConfig(config),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (c *CloudB) Name() models.BackendName { return models.BackendCloudB }

func (c *CloudB) HealthCheck(ctx context.Context) error { return c.lastErr }

// Capabilities reports Cloud-B's fixed capability set: tool use and
// streaming are always available, vision is out of scope per spec.md's
// attachment/vision non-goals.
func (c *CloudB) Capabilities() Capabilities {
	return Capabilities{SupportsTools: true, SupportsVision: false, SupportsStreaming: true}
}

// ChatOnce is chat_once's non-streaming convenience form.
func (c *CloudB) ChatOnce(ctx context.Context, req Request) (ChatOnceResult, error) {
	return chatOnce(ctx, c, req)
}

// Stream converts req into an OpenAI ChatCompletionRequest, opens a
// streaming completion with linear-backoff retry, and relays Recv() chunks
// onto the returned Delta channel.
func (c *CloudB) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	out := make(chan Delta)

	chatReq, err := c.buildRequest(req)
	if err != nil {
		return nil, dispatcherr.New(dispatcherr.KindInternal, err).WithMessage("cloud_b: failed to convert request")
	}

	go func() {
		defer close(out)

		var stream *openai.ChatCompletionStream
		err := retry(ctx, c.maxRetries, c.retryDelay, isRetryableOpenAI, func() error {
			s, err := c.client.CreateChatCompletionStream(ctx, chatReq)
			if err != nil {
				return err
			}
			stream = s
			return nil
		})
		if err != nil {
			c.lastErr = err
			out <- Delta{Kind: DeltaError, Err: dispatcherr.New(dispatcherr.ClassifyAdapterError(err), err), RetryAfter: openaiRetryAfter(err)}
			return
		}
		defer stream.Close()

		c.processStream(ctx, stream, out)
	}()

	return out, nil
}

func (c *CloudB) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Delta) {
	toolCalls := make(map[int]*ToolCall)
	var outputTokens int

	for {
		select {
		case <-ctx.Done():
			out <- Delta{Kind: DeltaError, Err: dispatcherr.New(dispatcherr.KindTimeout, ctx.Err())}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				for _, tc := range orderedToolCalls(toolCalls) {
					out <- Delta{Kind: DeltaToolCall, ToolCall: tc}
				}
				c.lastErr = nil
				out <- Delta{Kind: DeltaEnd, OutputTokens: outputTokens}
				return
			}
			c.lastErr = err
			out <- Delta{Kind: DeltaError, Err: dispatcherr.New(dispatcherr.ClassifyAdapterError(err), err), RetryAfter: openaiRetryAfter(err)}
			return
		}

		if resp.Usage != nil {
			outputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			out <- Delta{Kind: DeltaText, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = append(toolCalls[index].Input, []byte(tc.Function.Arguments)...)
			}
		}

		if resp.Choices[0].FinishReason == "tool_calls" {
			for _, tc := range orderedToolCalls(toolCalls) {
				out <- Delta{Kind: DeltaToolCall, ToolCall: tc}
			}
			toolCalls = make(map[int]*ToolCall)
		}
	}
}

func orderedToolCalls(m map[int]*ToolCall) []*ToolCall {
	out := make([]*ToolCall, 0, len(m))
	for i := 0; i < len(m); i++ {
		if tc, ok := m[i]; ok && tc.ID != "" && tc.Name != "" {
			out = append(out, tc)
		}
	}
	return out
}

func (c *CloudB) buildRequest(req Request) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages, err := c.convertMessages(req.Messages, req.System)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = c.convertTools(req.Tools)
	}
	return chatReq, nil
}

func (c *CloudB) convertTools(tools []ToolDescriptor) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return result
}

func (c *CloudB) convertMessages(messages []Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content})
		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)
		}
	}
	return result, nil
}

func isRetryableOpenAI(err error) bool {
	if err == nil {
		return false
	}
	return dispatcherr.ClassifyAdapterError(err).IsRetryable()
}

// openaiRetryAfter always yields zero: go-openai's APIError is decoded
// from the JSON error body only and does not retain the response's raw
// headers, so there is no Retry-After value to read here. Classification
// still derives kind=rate_limited from the status/message text; the
// dispatcher's own default takes over for timing.
func openaiRetryAfter(err error) time.Duration {
	return 0
}
