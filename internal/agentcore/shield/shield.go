// Package shield implements the shield engine (§4.8): matches runtime
// events against a declarative threat feed and returns a block/approve/log
// decision.
//
// Grounded on the teacher's severity/finding idiom (a flat list of typed
// findings with a confidence score, collapsed to one verdict by precedence)
// and its markdown-with-embedded-YAML convention for operator-editable
// data files; generalized here from a static audit report to a live feed
// evaluated per event.
package shield

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tinyclaw/agentcore/internal/agentcore/types"
	"github.com/tinyclaw/agentcore/internal/observability"
)

// Scope names the kind of event being evaluated.
type Scope string

const (
	ScopeToolCall      Scope = "tool.call"
	ScopeSkillInstall  Scope = "skill.install"
	ScopeNetworkEgress Scope = "network.egress"
	ScopePromptIn      Scope = "prompt.in"
)

// Event is one of the four shapes the shield evaluates.
type Event struct {
	Scope     Scope
	ToolName  string
	ToolArgs  string
	SkillName string
	Domain    string
	Text      string
}

func (e Event) category() types.ThreatCategory {
	switch e.Scope {
	case ScopeToolCall:
		return types.ThreatCategoryTool
	case ScopeSkillInstall:
		return types.ThreatCategorySkill
	case ScopePromptIn:
		return types.ThreatCategoryPrompt
	case ScopeNetworkEgress:
		return types.ThreatCategorySupplyChain
	default:
		return ""
	}
}

func (e Event) searchText() string {
	return strings.ToLower(strings.Join([]string{e.ToolName, e.ToolArgs, e.SkillName, e.Domain, e.Text}, " "))
}

// Decision is the shield's verdict for one event.
type Decision struct {
	Action    types.ThreatAction
	ThreatID  *string
	Scope     Scope
	MatchedOn string
	Reason    string
}

// Engine holds the loaded threat feed and evaluates events against it.
type Engine struct {
	mu     sync.RWMutex
	feed   []types.ThreatEntry
	now    func() int64
	logger *observability.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the engine's structured logger (defaults to a plain
// stdout logger).
func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New returns an Engine with an empty feed; evaluate() on an empty feed
// always returns log per §4.8 rule 5.
func New(opts ...Option) *Engine {
	e := &Engine{now: types.NowMillis, logger: observability.NewLogger(observability.LogConfig{})}
	for _, o := range opts {
		o(e)
	}
	return e
}

// LoadFeed replaces the engine's threat feed, parsed from a markdown
// document carrying one or more fenced ```yaml blocks, each a YAML list of
// ThreatEntry records.
func (e *Engine) LoadFeed(markdown string) error {
	entries, err := ParseFeed(markdown)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.feed = entries
	e.mu.Unlock()
	return nil
}

// Entries returns a snapshot of the currently loaded threat feed, for
// inspection tooling (the audit CLI subcommand).
func (e *Engine) Entries() []types.ThreatEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.ThreatEntry, len(e.feed))
	copy(out, e.feed)
	return out
}

var yamlBlockRE = regexp.MustCompile("(?s)```ya?ml\\s*\\n(.*?)```")

// ParseFeed extracts every fenced YAML block from a markdown document and
// concatenates their decoded ThreatEntry lists.
func ParseFeed(markdown string) ([]types.ThreatEntry, error) {
	var all []types.ThreatEntry
	for _, m := range yamlBlockRE.FindAllStringSubmatch(markdown, -1) {
		var block []types.ThreatEntry
		if err := yaml.Unmarshal([]byte(m[1]), &block); err != nil {
			return nil, err
		}
		all = append(all, block...)
	}
	return all, nil
}

type directive struct {
	verb      string // BLOCK, APPROVE, LOG
	condition string
}

var directiveRE = regexp.MustCompile(`(?i)(BLOCK|APPROVE|LOG):\s*([^;\n]+)`)

// directives splits a RecommendationAgent string into its BLOCK:/APPROVE:/
// LOG: directives; one entry's RecommendationAgent may carry several.
func directives(recommendationAgent string) []directive {
	var out []directive
	for _, m := range directiveRE.FindAllStringSubmatch(recommendationAgent, -1) {
		out = append(out, directive{verb: strings.ToUpper(m[1]), condition: strings.TrimSpace(m[2])})
	}
	return out
}

func actionForVerb(verb string) types.ThreatAction {
	switch verb {
	case "BLOCK":
		return types.ActionBlock
	case "APPROVE":
		return types.ActionRequireApproval
	default:
		return types.ActionLog
	}
}

var parenKeywordsRE = regexp.MustCompile(`\(([^)]+)\)`)

// matchCondition tests a directive's free-text condition against an
// event's searchable fields, accepting either a parenthesized keyword list
// ("arguments containing SQL syntax (DROP, DELETE)") or a plain substring
// match of the condition's trailing phrase.
func matchCondition(condition string, ev Event) (matchedOn string, ok bool) {
	search := ev.searchText()

	if m := parenKeywordsRE.FindStringSubmatch(condition); m != nil {
		for _, kw := range strings.Split(m[1], ",") {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if strings.Contains(search, kw) {
				return kw, true
			}
		}
		return "", false
	}

	phrase := strings.ToLower(strings.TrimSpace(stripScopePrefix(condition)))
	if phrase == "" {
		return "", false
	}
	if strings.Contains(search, phrase) {
		return phrase, true
	}
	return "", false
}

var scopePrefixes = []string{
	"tool.call", "skill name contains", "skill.install",
	"outbound request to", "network.egress", "prompt.in",
	"arguments containing",
}

func stripScopePrefix(condition string) string {
	lower := strings.ToLower(condition)
	for _, prefix := range scopePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(condition[len(prefix):])
		}
	}
	return condition
}

type candidate struct {
	threatID   string
	action     types.ThreatAction
	severity   types.ThreatSeverity
	confidence float64
	matchedOn  string
}

var severityRank = map[types.ThreatSeverity]int{
	types.SeverityLow:      0,
	types.SeverityMedium:   1,
	types.SeverityHigh:     2,
	types.SeverityCritical: 3,
}

var actionRank = map[types.ThreatAction]int{
	types.ActionLog:             0,
	types.ActionRequireApproval: 1,
	types.ActionBlock:           2,
}

// Evaluate matches event against the loaded feed and returns a single
// collapsed decision, logging it at info (or warn, for a block) level.
// subAgentContext further downgrades require_approval to block, since a
// sub-agent cannot prompt a human for approval.
func (e *Engine) Evaluate(event Event, subAgentContext bool) Decision {
	d := e.evaluate(event, subAgentContext)
	ctx := context.Background()
	if d.Action == types.ActionBlock {
		e.logger.Warn(ctx, "shield decision", "scope", string(d.Scope), "action", string(d.Action), "reason", d.Reason)
	} else {
		e.logger.Info(ctx, "shield decision", "scope", string(d.Scope), "action", string(d.Action), "reason", d.Reason)
	}
	return d
}

func (e *Engine) evaluate(event Event, subAgentContext bool) Decision {
	e.mu.RLock()
	feed := e.feed
	now := e.now()
	e.mu.RUnlock()

	if len(feed) == 0 {
		return Decision{Action: types.ActionLog, Scope: event.Scope, Reason: "no active threat feed"}
	}

	category := event.category()
	var candidates []candidate
	for _, entry := range feed {
		if !entry.Active(now) {
			continue
		}
		if entry.Category != category {
			continue
		}
		for _, d := range directives(entry.RecommendationAgent) {
			matchedOn, ok := matchCondition(d.condition, event)
			if !ok {
				continue
			}
			candidates = append(candidates, candidate{
				threatID:   entry.ID,
				action:     actionForVerb(d.verb),
				severity:   entry.Severity,
				confidence: entry.Confidence,
				matchedOn:  matchedOn,
			})
		}
	}

	if len(candidates) == 0 {
		return Decision{Action: types.ActionLog, Scope: event.Scope, Reason: "no matching threat entry"}
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if actionRank[c.action] > actionRank[best.action] {
			best = c
			continue
		}
		if actionRank[c.action] < actionRank[best.action] {
			continue
		}
		if severityRank[c.severity] > severityRank[best.severity] {
			best = c
			continue
		}
		if severityRank[c.severity] < severityRank[best.severity] {
			continue
		}
		if c.confidence > best.confidence {
			best = c
		}
	}

	action := best.action
	reason := "matched threat " + best.threatID

	if action == types.ActionBlock && best.confidence < 0.85 && best.severity != types.SeverityCritical {
		action = types.ActionRequireApproval
		reason += " (confidence " + strconv.FormatFloat(best.confidence, 'f', 2, 64) + " below block threshold)"
	}

	if subAgentContext && action == types.ActionRequireApproval {
		action = types.ActionBlock
		reason += "; escalated to block: sub-agent cannot prompt for approval"
	}

	threatID := best.threatID
	return Decision{
		Action:    action,
		ThreatID:  &threatID,
		Scope:     event.Scope,
		MatchedOn: best.matchedOn,
		Reason:    reason,
	}
}
