package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tinyclaw/agentcore/internal/agentcore/errs"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
	"github.com/tinyclaw/agentcore/internal/observability"
)

// LocalAdapter talks to a self-hosted, OpenAI-compatible chat endpoint
// (llama.cpp, Ollama, vLLM, ...). Unlike the hosted adapters these backends
// don't always agree on response shape, so Chat applies the full
// three-shape text normalization and text-fallback tool-call extraction
// from §4.7 rather than trusting a single typed response struct.
type LocalAdapter struct {
	id      string
	baseURL string
	model   string
	client  *http.Client
	tracer  *observability.Tracer
	logger  *observability.Logger
}

// LocalConfig configures a LocalAdapter.
type LocalConfig struct {
	ID      string
	BaseURL string
	Model   string
	Timeout time.Duration

	// Tracer and Logger default to the package's no-op tracer and a plain
	// stdout logger when left nil.
	Tracer *observability.Tracer
	Logger *observability.Logger
}

// NewLocalAdapter builds an adapter for a local OpenAI-compatible runtime.
func NewLocalAdapter(cfg LocalConfig) *LocalAdapter {
	id := cfg.ID
	if id == "" {
		id = "local"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = defaultTracer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger
	}
	return &LocalAdapter{
		id:      id,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
		tracer:  tracer,
		logger:  logger,
	}
}

func (a *LocalAdapter) ID() string { return a.id }

type localChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localChatRequest struct {
	Model    string              `json:"model"`
	Messages []localChatMessage  `json:"messages"`
	Tools    []localToolEnvelope `json:"tools,omitempty"`
}

type localToolEnvelope struct {
	Type     string       `json:"type"`
	Function localToolDef `json:"function"`
}

type localToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Chat POSTs a JSON body to the configured endpoint and normalizes
// whichever of the three accepted text shapes the backend returned.
func (a *LocalAdapter) Chat(messages []types.Message, tools []ToolSpec) (Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.client.Timeout)
	defer cancel()

	ctx, span := a.tracer.TraceLLMRequest(ctx, a.id, a.model)
	defer span.End()
	a.logger.Info(ctx, "provider chat request", "provider", a.id, "model", a.model)

	body := localChatRequest{Model: a.model}
	for _, m := range messages {
		body.Messages = append(body.Messages, localChatMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, t := range tools {
		body.Tools = append(body.Tools, localToolEnvelope{
			Type:     "function",
			Function: localToolDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return Response{}, &errs.ValidationError{Field: "messages", Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		a.tracer.RecordError(span, err)
		return Response{}, &errs.TransportError{Provider: a.id, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.tracer.RecordError(span, err)
		a.logger.Error(ctx, "provider chat failed", "provider", a.id, "error", err)
		return Response{}, &errs.TransportError{Provider: a.id, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		a.tracer.RecordError(span, err)
		return Response{}, &errs.TransportError{Provider: a.id, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := statusError(a.id, resp.StatusCode, string(respBody))
		a.tracer.RecordError(span, statusErr)
		a.logger.Error(ctx, "provider chat failed", "provider", a.id, "status", resp.StatusCode)
		return Response{}, statusErr
	}

	var raw map[string]any
	if err := json.Unmarshal(respBody, &raw); err != nil {
		a.tracer.RecordError(span, err)
		return Response{}, &errs.ProviderError{Provider: a.id, Message: fmt.Sprintf("malformed response: %v", err)}
	}

	var out Response
	out.Text = extractText(raw)
	out.ToolCalls = extractToolCalls(raw)

	if out.Text == "" && len(out.ToolCalls) == 0 {
		if tc, ok := textFallbackToolCall(findReasoningText(raw)); ok {
			out.ToolCalls = append(out.ToolCalls, tc)
		}
	}

	a.logger.Info(ctx, "provider chat completed", "provider", a.id)
	return out, nil
}

// extractToolCalls reads tool_calls off either the top level or the first
// choice's message, normalizing each call's argument payload.
func extractToolCalls(raw map[string]any) []types.ToolCall {
	var list []any
	if tc, ok := raw["tool_calls"].([]any); ok {
		list = tc
	} else if choices, ok := raw["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				if tc, ok := msg["tool_calls"].([]any); ok {
					list = tc
				}
			}
		}
	}

	out := make([]types.ToolCall, 0, len(list))
	for _, item := range list {
		call, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := call["id"].(string)
		if id == "" {
			id = syntheticID()
		}
		name, _ := call["name"].(string)
		args := call["arguments"]
		if fn, ok := call["function"].(map[string]any); ok {
			if name == "" {
				name, _ = fn["name"].(string)
			}
			args = fn["arguments"]
		}
		if name == "" {
			continue
		}
		out = append(out, types.ToolCall{ID: id, Name: name, Arguments: normalizeToolCallArgs(args)})
	}
	return out
}

// findReasoningText looks for a thinking/reasoning field some local
// runtimes emit instead of (or alongside) content, for text-fallback
// extraction when neither content nor tool_calls carried anything.
func findReasoningText(raw map[string]any) string {
	for _, key := range []string{"reasoning", "thinking", "reasoning_content"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return extractText(raw)
}

// IsAvailable probes the endpoint with a minimal request. 401/403 responses
// are distinguishable via errs.AuthError but still count as unavailable.
func (a *LocalAdapter) IsAvailable() bool {
	_, err := a.Chat([]types.Message{{Role: types.RoleUser, Content: "ping"}}, nil)
	return err == nil
}
