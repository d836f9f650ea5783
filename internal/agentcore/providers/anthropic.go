package providers

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tinyclaw/agentcore/internal/agentcore/errs"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
	"github.com/tinyclaw/agentcore/internal/observability"
)

// AnthropicAdapter talks to the Anthropic Messages API.
type AnthropicAdapter struct {
	id      string
	client  anthropic.Client
	model   string
	timeout time.Duration
	tracer  *observability.Tracer
	logger  *observability.Logger
}

// AnthropicConfig configures an AnthropicAdapter.
type AnthropicConfig struct {
	ID      string
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration

	// Tracer and Logger default to the package's no-op tracer and a plain
	// stdout logger when left nil.
	Tracer *observability.Tracer
	Logger *observability.Logger
}

// NewAnthropicAdapter builds an adapter for Anthropic's hosted API.
func NewAnthropicAdapter(cfg AnthropicConfig) *AnthropicAdapter {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	id := cfg.ID
	if id == "" {
		id = "anthropic"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = defaultTracer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger
	}
	return &AnthropicAdapter{
		id:      id,
		client:  anthropic.NewClient(opts...),
		model:   model,
		timeout: timeout,
		tracer:  tracer,
		logger:  logger,
	}
}

func (a *AnthropicAdapter) ID() string { return a.id }

func toAnthropicMessages(messages []types.Message) ([]anthropic.MessageParam, string) {
	var system string
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			system += m.Content + "\n"
		case types.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case types.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case types.RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	return out, system
}

func toAnthropicTools(tools []ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParamOfTool(
			anthropic.ToolInputSchemaParam{Properties: t.Parameters},
			t.Name,
		))
	}
	return out
}

// Chat sends messages (and optional tools) to Anthropic and normalizes the
// response into the adapter-neutral Response shape.
func (a *AnthropicAdapter) Chat(messages []types.Message, tools []ToolSpec) (Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	ctx, span := a.tracer.TraceLLMRequest(ctx, a.id, a.model)
	defer span.End()
	a.logger.Info(ctx, "provider chat request", "provider", a.id, "model", a.model)

	msgs, system := toAnthropicMessages(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 4096,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		a.tracer.RecordError(span, err)
		a.logger.Error(ctx, "provider chat failed", "provider", a.id, "error", err)
		return Response{}, classifyTransportOrStatus(a.id, err)
	}

	var out Response
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Text += variant.Text
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: normalizeToolCallArgs(variant.Input),
			})
		}
	}

	a.logger.Info(ctx, "provider chat completed", "provider", a.id)
	return out, nil
}

// IsAvailable probes with a minimal chat call, distinguishing auth failures
// (401/403) from general unavailability.
func (a *AnthropicAdapter) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	return err == nil
}

func classifyTransportOrStatus(provider string, err error) error {
	if apiErr, ok := asAnthropicAPIError(err); ok {
		return statusError(provider, apiErr, err.Error())
	}
	return &errs.TransportError{Provider: provider, Cause: err}
}

// asAnthropicAPIError extracts an HTTP status code from an SDK error when
// possible; the SDK wraps non-2xx responses in *anthropic.Error.
func asAnthropicAPIError(err error) (int, bool) {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}
