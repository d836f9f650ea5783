// Package providers implements the provider adapter contract (§4.7): one
// operation, Chat, normalized across backends that disagree on response
// shape.
//
// Grounded on the teacher's providers.BaseProvider (shared retry/backoff)
// and providers.ClassifyError (status/string based failure classification),
// generalized from the teacher's streaming CompletionChunk channel to the
// spec's single-shot Response.
package providers

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tinyclaw/agentcore/internal/agentcore/errs"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
	"github.com/tinyclaw/agentcore/internal/observability"
)

// defaultTracer is the fallback tracer for adapters whose Config doesn't set
// one. An empty Endpoint makes NewTracer build a no-op tracer, so this never
// dials a collector on its own.
var defaultTracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "agentcore-providers"})

// defaultLogger is the fallback structured logger for adapters whose Config
// doesn't set one.
var defaultLogger = observability.NewLogger(observability.LogConfig{})

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Response is the adapter's normalized output: either text, tool calls, or
// both (a model may emit commentary alongside a tool call).
type Response struct {
	Text      string
	ToolCalls []types.ToolCall
}

// HasToolCalls reports whether the model asked to invoke at least one tool.
func (r Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Adapter presents one operation over a remote chat endpoint.
type Adapter interface {
	ID() string
	Chat(messages []types.Message, tools []ToolSpec) (Response, error)
	IsAvailable() bool
}

// statusError maps an HTTP status code from a provider response to the
// corresponding errs.Kind-carrying error (§4.7, §7).
func statusError(provider string, status int, body string) error {
	switch status {
	case 401, 403:
		return &errs.AuthError{Provider: provider, Cause: strErr(body)}
	default:
		return &errs.ProviderError{Provider: provider, StatusCode: status, Message: body}
	}
}

type strErr string

func (s strErr) Error() string { return string(s) }

// extractText applies the three accepted text-content shapes in order:
// message.content, choices[0].message.content, then a plain
// response/content/text field.
func extractText(raw map[string]any) string {
	if msg, ok := raw["message"].(map[string]any); ok {
		if s, ok := msg["content"].(string); ok && s != "" {
			return s
		}
	}
	if choices, ok := raw["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				if s, ok := msg["content"].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	for _, key := range []string{"response", "content", "text"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// normalizeToolCallArgs accepts a tool call's raw argument payload, which a
// backend may emit either as a parsed JSON object or as a JSON-encoded
// string, and returns a map either way.
func normalizeToolCallArgs(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			return m
		}
	}
	return map[string]any{}
}

// widestBraceSlice returns the substring spanning the first "{" through the
// last "}" in s, or "" if no brace pair is present. Used by text-fallback
// extraction when a model emits a tool call as prose/JSON inside content
// rather than through the backend's native tool-call field.
func widestBraceSlice(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

// textFallbackToolCall attempts to synthesize a ToolCall out of free text
// when a backend returned neither content nor tool_calls, by slicing the
// widest {...} span and looking for an action/tool/name key.
func textFallbackToolCall(text string) (types.ToolCall, bool) {
	slice := widestBraceSlice(text)
	if slice == "" {
		return types.ToolCall{}, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(slice), &obj); err != nil {
		return types.ToolCall{}, false
	}

	var name string
	for _, key := range []string{"action", "tool", "name"} {
		if s, ok := obj[key].(string); ok && s != "" {
			name = s
			delete(obj, key)
			break
		}
	}
	if name == "" {
		return types.ToolCall{}, false
	}

	if _, hasFilename := obj["filename"]; !hasFilename {
		if fp, ok := obj["file_path"]; ok {
			obj["filename"] = fp
			delete(obj, "file_path")
		} else if p, ok := obj["path"]; ok {
			obj["filename"] = p
			delete(obj, "path")
		}
	}

	return types.ToolCall{ID: syntheticID(), Name: name, Arguments: obj}, true
}

// TextFallbackToolCall exposes textFallbackToolCall to other packages (the
// sub-agent runner applies the same extraction to a plain-text response
// before concluding the run produced no tool call, per §4.11).
func TextFallbackToolCall(text string) (types.ToolCall, bool) {
	return textFallbackToolCall(text)
}

var syntheticCounter int64

// syntheticID mints an id for a tool call the backend didn't tag with one.
// Monotonic rather than random so a turn's tool calls stay deterministic and
// ordered within a single adapter response — unlike the persistent record
// ids (lifecycle, background, memory, templates), which use google/uuid
// since those must stay unique across process restarts.
func syntheticID() string {
	syntheticCounter++
	return "toolcall-" + strconv.FormatInt(syntheticCounter, 10)
}
