package providers

import "strings"

// Capability identifies something a model can do, consulted when the CLI
// wires a provider adapter so an operator gets a startup warning instead of
// a confusing runtime failure from an unsupported or deprecated model.
//
// Grounded on the teacher's internal/models catalog, trimmed to the two
// providers C7 actually adapts (Anthropic, OpenAI) — the teacher's broader
// Google/Mistral/Cohere/Azure/Bedrock/Vertex entries have no adapter here.
type Capability string

const (
	CapVision     Capability = "vision"
	CapTools      Capability = "tools"
	CapReasoning  Capability = "reasoning"
	CapLongContext Capability = "long_context"
)

// ModelInfo describes one catalogued model.
type ModelInfo struct {
	ID              string
	ProviderID      string
	ContextWindow   int
	Capabilities    []Capability
	Deprecated      bool
	ReplacedBy      string
}

// HasCapability reports whether m supports cap.
func (m *ModelInfo) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// catalog is the fixed set of known models for the two supported providers.
// The local adapter's model is operator-defined and never catalogued here.
var catalog = map[string]*ModelInfo{
	"claude-opus-4": {
		ID: "claude-opus-4", ProviderID: "anthropic", ContextWindow: 200000,
		Capabilities: []Capability{CapVision, CapTools, CapLongContext},
	},
	"claude-3-5-sonnet-latest": {
		ID: "claude-3-5-sonnet-latest", ProviderID: "anthropic", ContextWindow: 200000,
		Capabilities: []Capability{CapVision, CapTools, CapLongContext},
	},
	"claude-3-5-haiku-latest": {
		ID: "claude-3-5-haiku-latest", ProviderID: "anthropic", ContextWindow: 200000,
		Capabilities: []Capability{CapVision, CapTools, CapLongContext},
	},
	"gpt-4o": {
		ID: "gpt-4o", ProviderID: "openai", ContextWindow: 128000,
		Capabilities: []Capability{CapVision, CapTools, CapLongContext},
	},
	"gpt-4o-mini": {
		ID: "gpt-4o-mini", ProviderID: "openai", ContextWindow: 128000,
		Capabilities: []Capability{CapVision, CapTools, CapLongContext},
	},
	"o1": {
		ID: "o1", ProviderID: "openai", ContextWindow: 200000,
		Capabilities: []Capability{CapVision, CapTools, CapReasoning, CapLongContext},
	},
	"o3-mini": {
		ID: "o3-mini", ProviderID: "openai", ContextWindow: 200000,
		Capabilities: []Capability{CapTools, CapReasoning, CapLongContext},
	},
}

// ModelCapabilities looks up a catalogued model by id, case-insensitively.
func ModelCapabilities(model string) (*ModelInfo, bool) {
	m, ok := catalog[strings.ToLower(strings.TrimSpace(model))]
	return m, ok
}
