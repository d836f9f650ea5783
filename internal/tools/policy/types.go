// Package policy implements the tool authorization profile (§4.9's sibling
// gate on the model side of a tool call): named profiles, allow/deny lists,
// and groups that decide which tools a RoleTemplate or runner.Config may
// offer a model.
package policy

import (
	"strings"
)

// Profile is a pre-configured tool access level.
type Profile string

const (
	// ProfileMinimal allows only status tools.
	ProfileMinimal Profile = "minimal"

	// ProfileCoding allows filesystem, shell, web, and memory tools.
	ProfileCoding Profile = "coding"

	// ProfileDelegating allows spawning and messaging sub-agents but no
	// direct filesystem/shell access.
	ProfileDelegating Profile = "delegating"

	// ProfileFull allows every tool not explicitly denied.
	ProfileFull Profile = "full"
)

// Policy combines a profile with explicit allow and deny lists. Deny
// always wins over allow, per ToolSet.deniedByPolicy's contract.
type Policy struct {
	Profile Profile `json:"profile,omitempty" yaml:"profile"`

	// Allow explicitly allows these tools (in addition to the profile).
	Allow []string `json:"allow,omitempty" yaml:"allow"`

	// Deny explicitly denies these tools (overrides allow).
	Deny []string `json:"deny,omitempty" yaml:"deny"`

	// ByProvider applies additional policy rules scoped to a tool
	// provider prefix, e.g. "subagent" for delegated sub-agent tools.
	ByProvider map[string]*Policy `json:"by_provider,omitempty" yaml:"by_provider,omitempty"`
}

// ToolGroup is a named, reusable set of tools.
type ToolGroup struct {
	Name  string
	Tools []string
}

// DefaultGroups are the built-in tool groups a Policy's Allow/Deny lists may
// reference with a "group:" prefix.
var DefaultGroups = map[string][]string{
	"group:fs":       {"read", "write", "edit"},
	"group:shell":    {"exec"},
	"group:web":      {"websearch", "webfetch"},
	"group:memory":   {"memory_search"},
	"group:subagent": {"spawn_subagent", "list_subagents", "message_subagent"},

	// group:all is a marker; resolution for it goes through ProfileFull
	// rather than an explicit tool list.
	"group:all": {},
}

// ProfileDefaults defines the default allow lists for each built-in profile.
var ProfileDefaults = map[Profile]*Policy{
	ProfileMinimal: {
		Allow: []string{"status"},
	},
	ProfileCoding: {
		Allow: []string{"group:fs", "group:shell", "group:web", "group:memory"},
	},
	ProfileDelegating: {
		Allow: []string{"group:subagent", "status"},
	},
	ProfileFull: {
		// everything not explicitly denied
	},
}

// ToolAliases maps alternative tool names to their canonical form.
var ToolAliases = map[string]string{
	"bash":        "exec",
	"shell":       "exec",
	"apply-patch": "edit",
	"apply_patch": "edit",
}

// NormalizeTool lowercases name and resolves it through ToolAliases.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := ToolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// NormalizeTools normalizes a list of tool names to their canonical forms.
func NormalizeTools(names []string) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		normalized := NormalizeTool(name)
		if normalized != "" {
			result = append(result, normalized)
		}
	}
	return result
}

// NewPolicy creates a policy with the given profile as a base.
func NewPolicy(profile Profile) *Policy {
	return &Policy{Profile: profile}
}

// WithAllow adds tools to the allow list and returns the policy for chaining.
func (p *Policy) WithAllow(tools ...string) *Policy {
	p.Allow = append(p.Allow, tools...)
	return p
}

// WithDeny adds tools to the deny list and returns the policy for chaining.
func (p *Policy) WithDeny(tools ...string) *Policy {
	p.Deny = append(p.Deny, tools...)
	return p
}
