// Package shellperm implements the shell permission engine (§4.9): a fixed,
// six-step evaluation order that turns a shell command string into an
// allow/require_approval/deny decision.
//
// Grounded on the teacher's layered security idiom: regex/prefix deny rules
// from internal/exec/safety.go's metacharacter checks, allow/deny precedence
// from internal/tools/policy/resolver.go (deny always wins, profile defaults
// plus explicit allow/deny lists, glob-style pattern matching), and the
// persistent-vs-session approval store shape from internal/infra/exec_approvals.go,
// and shell-metacharacter tokenization from internal/tools/security's quote-aware
// command analyzer, layered in as an extra deny signal ahead of the regex list.
package shellperm

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/tinyclaw/agentcore/internal/observability"
	"github.com/tinyclaw/agentcore/internal/tools/security"
)

// Decision is the engine's verdict for one command.
type Decision string

const (
	DecisionAllow            Decision = "allow"
	DecisionRequireApproval  Decision = "require_approval"
	DecisionDeny             Decision = "deny"
)

// Result carries a decision plus the rule and reason that produced it.
type Result struct {
	Decision    Decision
	MatchedRule string
	Reason      string
}

// denyPatterns are step 1: always win, regardless of any allow rule matched
// later in the evaluation order.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsudo\b`),
	regexp.MustCompile(`(?i)\bsu\s`),
	regexp.MustCompile(`(?i)\brm\s+-rf\s+/(\s|$)`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=.*of=/dev/`),
	regexp.MustCompile(`(?i)\bchmod\s+777\s+/`),
	regexp.MustCompile(`(?i)\bchown\s+root\b`),
	regexp.MustCompile(`(?i)\beval\b`),
	regexp.MustCompile(`(?i)\bexec\b`),
	regexp.MustCompile(`(?i)\bsource\b`),
	regexp.MustCompile(`(?i)\|\s*(sh|bash|zsh)\b`),
	regexp.MustCompile(`(?i)\bshutdown\b`),
	regexp.MustCompile(`(?i)\breboot\b`),
	regexp.MustCompile(`(?i)\bsystemctl\b`),
	regexp.MustCompile(`(?i)\bexport\s+\w*\s*=`),
	regexp.MustCompile(`(?i)\bssh\b`),
	regexp.MustCompile(`(?i)\bcat\s+.*\.env\b`),
	regexp.MustCompile(`(?i)\bnc\s+-l\b`),
	regexp.MustCompile(`(?i)\bncat\s+-l\b`),
}

// builtinAllow is step 2: read-only core utilities, matched whole-command-head.
var builtinAllow = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"find": true, "tree": true, "du": true, "df": true, "grep": true,
	"sort": true, "uniq": true, "diff": true, "echo": true, "pwd": true,
	"whoami": true, "hostname": true, "uname": true, "date": true,
	"uptime": true, "which": true, "ping": true, "curl": true,
	"dig": true, "ps": true,
}

var gitReadSubs = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "branch": true,
	"tag": true, "remote": true, "blame": true, "stash": true, "ls-files": true,
}

var gitWriteSubs = map[string]bool{
	"push": true, "pull": true, "commit": true, "add": true, "reset": true,
	"checkout": true, "merge": true, "rebase": true,
}

var nodeToolAllow = map[string]bool{
	"--version": true, "ls": true, "list": true, "outdated": true,
	"audit": true, "pm": true,
}

var nodeTools = map[string]bool{"npm": true, "bun": true, "node": true}

// commandHead splits a command string into its leading word (the program)
// and the rest of the line.
func commandHead(command string) (head string, rest string) {
	trimmed := strings.TrimSpace(command)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", ""
	}
	head = fields[0]
	rest = strings.TrimSpace(strings.TrimPrefix(trimmed, head))
	return head, rest
}

// globToRegexp converts a simple glob pattern (only `*` as wildcard) into an
// anchored regular expression.
func globToRegexp(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

// Store holds the mutable maintenance surface: user-added allow patterns and
// the approval store (session and persistent).
type Store struct {
	mu                sync.RWMutex
	allowPatterns     []string
	sessionApprovals  map[string]bool
	persistApprovals  map[string]bool
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		sessionApprovals: make(map[string]bool),
		persistApprovals: make(map[string]bool),
	}
}

func normalizeCommand(cmd string) string {
	return strings.TrimSpace(cmd)
}

// AddAllowPattern registers a user glob pattern (step 4).
func (s *Store) AddAllowPattern(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.allowPatterns {
		if p == pattern {
			return
		}
	}
	s.allowPatterns = append(s.allowPatterns, pattern)
}

// RemoveAllowPattern removes a previously-added user glob pattern.
func (s *Store) RemoveAllowPattern(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.allowPatterns[:0]
	for _, p := range s.allowPatterns {
		if p != pattern {
			out = append(out, p)
		}
	}
	s.allowPatterns = out
}

// ListAllowPatterns returns the current user allow patterns.
func (s *Store) ListAllowPatterns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.allowPatterns))
	copy(out, s.allowPatterns)
	return out
}

// Approve records an explicit approval for an exact command string.
// persistent approvals survive clearSessionApprovals; session approvals do not.
func (s *Store) Approve(cmd string, persistent bool) {
	cmd = normalizeCommand(cmd)
	s.mu.Lock()
	defer s.mu.Unlock()
	if persistent {
		s.persistApprovals[cmd] = true
		delete(s.sessionApprovals, cmd)
	} else {
		s.sessionApprovals[cmd] = true
	}
}

// Revoke removes an approval, session or persistent, for a command string.
func (s *Store) Revoke(cmd string) {
	cmd = normalizeCommand(cmd)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessionApprovals, cmd)
	delete(s.persistApprovals, cmd)
}

// ClearSessionApprovals drops all session-scoped approvals; persistent ones
// are untouched.
func (s *Store) ClearSessionApprovals() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionApprovals = make(map[string]bool)
}

// ListApprovals returns every currently approved command string.
func (s *Store) ListApprovals() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for cmd := range s.persistApprovals {
		if !seen[cmd] {
			seen[cmd] = true
			out = append(out, cmd)
		}
	}
	for cmd := range s.sessionApprovals {
		if !seen[cmd] {
			seen[cmd] = true
			out = append(out, cmd)
		}
	}
	return out
}

func (s *Store) isApproved(cmd string) bool {
	cmd = normalizeCommand(cmd)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistApprovals[cmd] || s.sessionApprovals[cmd]
}

func (s *Store) matchesAllowPattern(cmd string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.allowPatterns {
		if globToRegexp(p).MatchString(cmd) {
			return p, true
		}
	}
	return "", false
}

// Engine evaluates shell commands against the fixed six-step order.
type Engine struct {
	store  *Store
	logger *observability.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the engine's structured logger (defaults to a plain
// stdout logger).
func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New returns an Engine backed by store. A nil store is replaced with a
// fresh, empty one.
func New(store *Store, opts ...Option) *Engine {
	if store == nil {
		store = NewStore()
	}
	e := &Engine{store: store, logger: observability.NewLogger(observability.LogConfig{})}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Store returns the engine's backing approval/pattern store.
func (e *Engine) Store() *Store { return e.store }

// Evaluate runs the fixed six-step evaluation order against command, logging
// the resulting decision (warn for a deny, info otherwise).
func (e *Engine) Evaluate(command string) Result {
	result := e.evaluate(command)
	ctx := context.Background()
	if result.Decision == DecisionDeny {
		e.logger.Warn(ctx, "shell permission decision", "decision", string(result.Decision), "rule", result.MatchedRule, "reason", result.Reason)
	} else {
		e.logger.Info(ctx, "shell permission decision", "decision", string(result.Decision), "rule", result.MatchedRule, "reason", result.Reason)
	}
	return result
}

func (e *Engine) evaluate(command string) Result {
	command = normalizeCommand(command)
	if command == "" {
		return Result{Decision: DecisionRequireApproval, Reason: "empty command"}
	}

	// Step 1: deny rules always win, even over a later matching allow rule.
	for _, re := range denyPatterns {
		if re.MatchString(command) {
			return Result{Decision: DecisionDeny, MatchedRule: re.String(), Reason: "matched deny rule"}
		}
	}
	if analysis := security.AnalyzeCommandQuoteAware(command); !analysis.IsSafe {
		return Result{Decision: DecisionDeny, MatchedRule: "shell-metacharacter", Reason: security.ExtractUnsafeReason(command)}
	}

	head, rest := commandHead(command)

	// Step 2: built-in read-only allow set, whole-command-head match.
	if builtinAllow[head] {
		return Result{Decision: DecisionAllow, MatchedRule: head, Reason: "builtin read-only utility"}
	}

	// Step 3: subcommand rules for git/npm/bun/node.
	if head == "git" {
		sub, _ := commandHead(rest)
		if gitReadSubs[sub] {
			return Result{Decision: DecisionAllow, MatchedRule: "git " + sub, Reason: "git read subcommand"}
		}
		if gitWriteSubs[sub] {
			return Result{Decision: DecisionRequireApproval, MatchedRule: "git " + sub, Reason: "git write subcommand"}
		}
	}
	if nodeTools[head] {
		sub, _ := commandHead(rest)
		if nodeToolAllow[sub] {
			return Result{Decision: DecisionAllow, MatchedRule: head + " " + sub, Reason: "read-only package manager subcommand"}
		}
		return Result{Decision: DecisionRequireApproval, MatchedRule: head, Reason: "package manager subcommand requires approval"}
	}

	// Step 4: user allow patterns (glob).
	if pattern, ok := e.store.matchesAllowPattern(command); ok {
		return Result{Decision: DecisionAllow, MatchedRule: pattern, Reason: "matched user allow pattern"}
	}

	// Step 5: approval store. Dangerous commands never reach here (step 1
	// already returned), so any stored approval is honored.
	if e.store.isApproved(command) {
		return Result{Decision: DecisionAllow, MatchedRule: command, Reason: "explicitly approved"}
	}

	// Step 6: default.
	return Result{Decision: DecisionRequireApproval, Reason: "no matching rule"}
}
