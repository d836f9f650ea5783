package providers

import (
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tinyclaw/agentcore/internal/agentcore/errs"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
	"github.com/tinyclaw/agentcore/internal/observability"
)

// OpenAIAdapter talks to OpenAI's Chat Completions API.
type OpenAIAdapter struct {
	id      string
	client  *openai.Client
	model   string
	timeout time.Duration
	tracer  *observability.Tracer
	logger  *observability.Logger
}

// OpenAIConfig configures an OpenAIAdapter.
type OpenAIConfig struct {
	ID      string
	APIKey  string
	Model   string
	Timeout time.Duration

	// Tracer and Logger default to the package's no-op tracer and a plain
	// stdout logger when left nil.
	Tracer *observability.Tracer
	Logger *observability.Logger
}

// NewOpenAIAdapter builds an adapter for OpenAI's hosted API.
func NewOpenAIAdapter(cfg OpenAIConfig) *OpenAIAdapter {
	id := cfg.ID
	if id == "" {
		id = "openai"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = defaultTracer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger
	}
	return &OpenAIAdapter{
		id:      id,
		client:  openai.NewClient(cfg.APIKey),
		model:   model,
		timeout: timeout,
		tracer:  tracer,
		logger:  logger,
	}
}

func (a *OpenAIAdapter) ID() string { return a.id }

func toOpenAIMessages(messages []types.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == types.RoleTool {
			msg.ToolCallID = m.ToolCallID
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// Chat sends messages (and optional tools) to OpenAI and normalizes the
// response into the adapter-neutral Response shape.
func (a *OpenAIAdapter) Chat(messages []types.Message, tools []ToolSpec) (Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	ctx, span := a.tracer.TraceLLMRequest(ctx, a.id, a.model)
	defer span.End()
	a.logger.Info(ctx, "provider chat request", "provider", a.id, "model", a.model)

	req := openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: toOpenAIMessages(messages),
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		a.tracer.RecordError(span, err)
		a.logger.Error(ctx, "provider chat failed", "provider", a.id, "error", err)
		return Response{}, classifyOpenAIError(a.id, err)
	}
	if len(resp.Choices) == 0 {
		a.logger.Info(ctx, "provider chat completed with no choices", "provider", a.id)
		return Response{}, nil
	}
	choice := resp.Choices[0].Message

	var out Response
	out.Text = choice.Content
	for _, tc := range choice.ToolCalls {
		id := tc.ID
		if id == "" {
			id = syntheticID()
		}
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: normalizeToolCallArgs(tc.Function.Arguments),
		})
	}

	if out.Text == "" && len(out.ToolCalls) == 0 {
		if tc, ok := textFallbackToolCall(choice.Content); ok {
			out.ToolCalls = append(out.ToolCalls, tc)
		}
	}

	a.logger.Info(ctx, "provider chat completed", "provider", a.id)
	return out, nil
}

// IsAvailable probes with a minimal chat call, distinguishing auth failures
// from general unavailability.
func (a *OpenAIAdapter) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     a.model,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return err == nil
}

func classifyOpenAIError(provider string, err error) error {
	if apiErr, ok := err.(*openai.APIError); ok {
		return statusError(provider, apiErr.HTTPStatusCode, apiErr.Message)
	}
	return &errs.TransportError{Provider: provider, Cause: err}
}
