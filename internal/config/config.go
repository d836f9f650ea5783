// Package config loads and validates the agentcore runtime configuration:
// provider credentials, the routing tier map, the persistence store path,
// the shield threat feed location, and ambient logging/compaction knobs.
//
// Grounded on the teacher's internal/config/loader.go (YAML/JSON5 with
// $include directives) and its dot-notation Get/Set surface, narrowed to
// the sections SPEC_FULL.md's Configuration section names instead of the
// teacher's much larger schema (channels, cron, RAG, canvas, plugins, ...
// none of which this module implements).
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the agentcore runtime.
type Config struct {
	Version   int              `yaml:"version"`
	Server    ServerConfig     `yaml:"server"`
	Store     StoreConfig      `yaml:"store"`
	Providers ProvidersConfig  `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
	Shield    ShieldConfig     `yaml:"shield"`
	Persona   PersonaConfig    `yaml:"persona"`
	Compaction CompactionConfig `yaml:"compaction"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the serve subcommand's listener.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// StoreConfig points at the C1 persistence store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ProvidersConfig maps provider IDs to their connection settings.
type ProvidersConfig struct {
	Anthropic *AnthropicProviderConfig `yaml:"anthropic,omitempty"`
	OpenAI    *OpenAIProviderConfig    `yaml:"openai,omitempty"`
	Local     *LocalProviderConfig     `yaml:"local,omitempty"`
}

// AnthropicProviderConfig configures the C7 AnthropicAdapter.
type AnthropicProviderConfig struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// OAuth, when set, replaces APIKey with a refreshed OAuth2 access token.
	OAuth *OAuthConfig `yaml:"oauth,omitempty"`
}

// OpenAIProviderConfig configures the C7 OpenAIAdapter.
type OpenAIProviderConfig struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	// OAuth, when set, replaces APIKey with a refreshed OAuth2 access token.
	OAuth *OAuthConfig `yaml:"oauth,omitempty"`
}

// LocalProviderConfig configures the C7 LocalAdapter (an OpenAI-compatible
// self-hosted runtime such as ollama or vLLM).
type LocalProviderConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// RoutingConfig maps classifier tiers to provider IDs, per C6.
type RoutingConfig struct {
	Fallback string            `yaml:"fallback"`
	Tiers    map[string]string `yaml:"tiers"`
}

// ShieldConfig points at the C9 embedded threat feed file.
type ShieldConfig struct {
	FeedPath string `yaml:"feed_path"`
}

// PersonaConfig seeds the C17 PersonaContext base prompt.
type PersonaConfig struct {
	BasePersona string `yaml:"base_persona"`
}

// CompactionConfig controls C15 thresholds.
type CompactionConfig struct {
	Threshold int `yaml:"threshold"`
}

// LoggingConfig controls the observability.Logger sink.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		Version: CurrentVersion,
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080, MetricsPort: 9090},
		Store:   StoreConfig{Path: "agentcore.db"},
		Routing: RoutingConfig{Fallback: "anthropic"},
		Compaction: CompactionConfig{Threshold: 200},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads and validates the configuration file at path, resolving
// $include directives and applying defaults for unset fields.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := Validate(raw); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg := defaults()
	decoded, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyOverrides(&cfg, decoded)
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyOverrides copies every non-zero field from decoded onto base. A full
// field-by-field merge (rather than just returning decoded) preserves the
// defaults for sections the file leaves out.
func applyOverrides(base, decoded *Config) {
	if decoded.Version != 0 {
		base.Version = decoded.Version
	}
	if decoded.Server.Host != "" {
		base.Server.Host = decoded.Server.Host
	}
	if decoded.Server.Port != 0 {
		base.Server.Port = decoded.Server.Port
	}
	if decoded.Server.MetricsPort != 0 {
		base.Server.MetricsPort = decoded.Server.MetricsPort
	}
	if decoded.Store.Path != "" {
		base.Store.Path = decoded.Store.Path
	}
	if decoded.Providers.Anthropic != nil {
		base.Providers.Anthropic = decoded.Providers.Anthropic
	}
	if decoded.Providers.OpenAI != nil {
		base.Providers.OpenAI = decoded.Providers.OpenAI
	}
	if decoded.Providers.Local != nil {
		base.Providers.Local = decoded.Providers.Local
	}
	if decoded.Routing.Fallback != "" {
		base.Routing.Fallback = decoded.Routing.Fallback
	}
	if len(decoded.Routing.Tiers) > 0 {
		base.Routing.Tiers = decoded.Routing.Tiers
	}
	if decoded.Shield.FeedPath != "" {
		base.Shield.FeedPath = decoded.Shield.FeedPath
	}
	if decoded.Persona.BasePersona != "" {
		base.Persona.BasePersona = decoded.Persona.BasePersona
	}
	if decoded.Compaction.Threshold != 0 {
		base.Compaction.Threshold = decoded.Compaction.Threshold
	}
	if decoded.Logging.Level != "" {
		base.Logging.Level = decoded.Logging.Level
	}
	if decoded.Logging.Format != "" {
		base.Logging.Format = decoded.Logging.Format
	}
}

// toMap round-trips cfg through YAML into a generic map, the substrate the
// dot-notation accessors below operate on.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitPath(path string) []string {
	return strings.Split(strings.TrimSpace(path), ".")
}

// Get resolves a dot-notation path (e.g. "providers.anthropic.model")
// against cfg and returns its value.
func Get(cfg *Config, path string) (any, bool, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, false, err
	}
	cur := any(m)
	for _, part := range splitPath(path) {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		cur, ok = asMap[part]
		if !ok {
			return nil, false, nil
		}
	}
	return cur, true, nil
}

// Has reports whether path resolves to a value in cfg.
func Has(cfg *Config, path string) bool {
	_, ok, err := Get(cfg, path)
	return err == nil && ok
}

// Set writes value at a dot-notation path, creating intermediate maps as
// needed, and returns the updated Config. value is parsed from its string
// form (bool, int, float, or literal string) the way a CLI flag would be.
func Set(cfg *Config, path string, value string) (*Config, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, fmt.Errorf("config: empty path")
	}
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = parseScalar(value)

	updated, err := fromMap(m)
	if err != nil {
		return nil, fmt.Errorf("config: set %s: %w", path, err)
	}
	return updated, nil
}

// Delete removes the value at a dot-notation path, if present.
func Delete(cfg *Config, path string) (*Config, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	parts := splitPath(path)
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			return cfg, nil
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])

	updated, err := fromMap(m)
	if err != nil {
		return nil, fmt.Errorf("config: delete %s: %w", path, err)
	}
	return updated, nil
}

// Reset returns a fresh Config with every field at its documented default.
func Reset() *Config {
	cfg := defaults()
	return &cfg
}

func parseScalar(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
