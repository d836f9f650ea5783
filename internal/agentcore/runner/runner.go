// Package runner implements the sub-agent runner (§4.11): the core
// conversational loop shared by primary and delegated execution, driving a
// provider through rounds of chat/tool-execution until it produces a final
// text response, exhausts its iteration budget, or times out.
//
// Grounded on the teacher's AgenticLoop state machine
// (internal/agent/loop.go in the teacher tree): a phase-tracking run loop
// that streams from a provider, executes any requested tools, appends
// assistant/tool messages, and loops until done — generalized here to the
// spec's single-shot (non-streaming) provider contract, a synchronous
// shield check per tool call, and estimator-driven adaptive timeout
// extension instead of the teacher's fixed wall-clock budget.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyclaw/agentcore/internal/agentcore/providers"
	"github.com/tinyclaw/agentcore/internal/agentcore/shield"
	"github.com/tinyclaw/agentcore/internal/agentcore/timeout"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
	"github.com/tinyclaw/agentcore/internal/observability"
	"github.com/tinyclaw/agentcore/internal/tools/policy"
)

// defaultTracer is the fallback tracer for a Config that leaves Tracer nil.
// An empty Endpoint makes NewTracer build a no-op tracer.
var defaultTracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "agentcore-runner"})

// defaultLogger is the fallback structured logger for a Config that leaves
// Logger nil.
var defaultLogger = observability.NewLogger(observability.LogConfig{})

// Tool is something the runner can invoke on the model's behalf.
type Tool interface {
	Name() string
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolSet resolves tool names to Tools and lists their specs for the
// provider, gating dispatch through an optional policy — a RoleTemplate's
// DefaultTools, or any other caller-supplied allow/deny profile.
type ToolSet struct {
	tools    map[string]Tool
	specs    []providers.ToolSpec
	resolver *policy.Resolver
	policy   *policy.Policy
}

// NewToolSet builds a ToolSet from a list of Tools and their advertised specs.
func NewToolSet(tools []Tool, specs []providers.ToolSpec) *ToolSet {
	ts := &ToolSet{tools: make(map[string]Tool, len(tools)), specs: specs}
	for _, t := range tools {
		ts.tools[t.Name()] = t
	}
	return ts
}

// WithPolicy restricts the set to tools a policy.Resolver allows, e.g. a
// RoleTemplate's DefaultTools expressed as policy.NewPolicy(...).WithAllow(...).
// A nil policy leaves every registered tool callable, matching NewToolSet's
// default when no restriction is supplied.
func (ts *ToolSet) WithPolicy(p *policy.Policy) *ToolSet {
	ts.resolver = policy.NewResolver()
	ts.policy = p
	return ts
}

func (ts *ToolSet) find(name string) (Tool, bool) {
	if ts == nil || ts.deniedByPolicy(name) {
		return nil, false
	}
	t, ok := ts.tools[name]
	return t, ok
}

// deniedByPolicy reports whether name is excluded by this set's policy, if any.
func (ts *ToolSet) deniedByPolicy(name string) bool {
	if ts == nil || ts.policy == nil {
		return false
	}
	return !ts.resolver.IsAllowed(ts.policy, name)
}

// specList returns the specs advertised to the provider, excluding any a
// policy denies — a model should never be offered a tool it cannot call.
func (ts *ToolSet) specList() []providers.ToolSpec {
	if ts == nil {
		return nil
	}
	if ts.policy == nil {
		return ts.specs
	}
	allowed := make([]providers.ToolSpec, 0, len(ts.specs))
	for _, s := range ts.specs {
		if !ts.deniedByPolicy(s.Name) {
			allowed = append(allowed, s)
		}
	}
	return allowed
}

// Config describes one runner invocation.
type Config struct {
	Messages        []types.Message
	Provider        providers.Adapter
	Tools           *ToolSet
	MaxIterations   int
	TimeoutMs       int64
	Estimator       *timeout.Estimator
	Shield          *shield.Engine
	Signal          <-chan struct{}
	SubAgentContext bool

	// Tracer and Logger default to the package's no-op tracer and a plain
	// stdout logger when left nil.
	Tracer *observability.Tracer
	Logger *observability.Logger
}

func (cfg Config) tracer() *observability.Tracer {
	if cfg.Tracer != nil {
		return cfg.Tracer
	}
	return defaultTracer
}

func (cfg Config) logger() *observability.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return defaultLogger
}

// Outcome is the runner's final result.
type Outcome struct {
	Success    bool
	Response   string
	Iterations int
	Messages   []types.Message
}

const (
	defaultMaxIterations    = 10
	defaultTimeout          = 60 * time.Second
	maxConsecutiveFallbacks = 3
)

// Run drives the conversational loop to completion, timeout, or iteration
// exhaustion, per §4.11's contract.
func Run(ctx context.Context, cfg Config) Outcome {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	budget := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if budget <= 0 {
		budget = defaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	tracer := cfg.tracer()
	logger := cfg.logger()
	logger.Info(runCtx, "runner starting", "max_iterations", maxIter, "sub_agent", cfg.SubAgentContext)

	if cfg.Signal != nil {
		go func() {
			select {
			case <-cfg.Signal:
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	messages := append([]types.Message(nil), cfg.Messages...)
	start := time.Now()
	extensionsUsed := 0
	remaining := budget
	consecutiveFallbacks := 0

	for iter := 0; iter < maxIter; iter++ {
		select {
		case <-runCtx.Done():
			logger.Info(runCtx, "runner iteration aborted", "iteration", iter, "reason", "timeout")
			return Outcome{Success: false, Response: "Sub-agent timed out.", Iterations: iter, Messages: messages}
		default:
		}

		iterCtx, span := tracer.Start(runCtx, "runner.iteration")
		tracer.SetAttributes(span, "iteration", iter, "provider", cfg.Provider.ID())

		resp, err := chatRaced(iterCtx, cfg.Provider, messages, cfg.Tools.specList())
		if err != nil {
			tracer.RecordError(span, err)
			span.End()
			if runCtx.Err() != nil {
				logger.Info(runCtx, "runner iteration aborted", "iteration", iter, "reason", "timeout")
				return Outcome{Success: false, Response: "Sub-agent timed out.", Iterations: iter, Messages: messages}
			}
			logger.Error(runCtx, "runner iteration failed", "iteration", iter, "error", err)
			return Outcome{Success: false, Response: fmt.Sprintf("provider error: %v", err), Iterations: iter, Messages: messages}
		}
		span.End()

		if !resp.HasToolCalls() {
			if tc, ok := textFallbackTo(resp.Text); ok {
				resp.ToolCalls = append(resp.ToolCalls, tc)
				consecutiveFallbacks++
				if consecutiveFallbacks >= maxConsecutiveFallbacks {
					logger.Warn(runCtx, "runner stopping on repeated fallback extraction", "iteration", iter+1)
					return Outcome{
						Success:    false,
						Response:   "Assistant kept replying with JSON-only text; stopping after repeated fallback extractions.",
						Iterations: iter + 1,
						Messages:   messages,
					}
				}
			} else {
				logger.Info(runCtx, "runner completed", "iterations", iter+1)
				return Outcome{Success: true, Response: resp.Text, Iterations: iter + 1, Messages: messages}
			}
		} else {
			consecutiveFallbacks = 0
		}

		assistant := types.Message{Role: types.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistant)

		for _, tc := range resp.ToolCalls {
			result := cfg.executeOne(iterCtx, tc, tracer, logger)
			messages = append(messages, types.Message{Role: types.RoleTool, Content: result, ToolCallID: tc.ID})
		}

		if cfg.Estimator != nil {
			elapsed := time.Since(start)
			ext := timeout.ShouldExtend(iter+1, maxIter, elapsed, budget, extensionsUsed)
			if ext.Extend {
				extensionsUsed++
				if ext.ExtraIterations > 0 {
					maxIter += ext.ExtraIterations
				}
				if ext.ExtraMs > 0 {
					remaining = budget - elapsed + time.Duration(ext.ExtraMs)*time.Millisecond
					cancel()
					runCtx, cancel = context.WithTimeout(ctx, remaining)
					defer cancel()
				}
			}
		}
	}

	logger.Warn(runCtx, "runner exhausted iteration budget", "max_iterations", maxIter)
	return Outcome{
		Success:    false,
		Response:   "Sub-agent reached maximum iterations without completing the task.",
		Iterations: maxIter,
		Messages:   messages,
	}
}

// chatRaced calls provider.Chat but returns promptly if ctx is cancelled
// first, racing the (potentially blocking) provider call against the
// shared abort signal.
func chatRaced(ctx context.Context, provider providers.Adapter, messages []types.Message, tools []providers.ToolSpec) (providers.Response, error) {
	type result struct {
		resp providers.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := provider.Chat(messages, tools)
		done <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return providers.Response{}, ctx.Err()
	case r := <-done:
		return r.resp, r.err
	}
}

// executeOne evaluates a tool call through the shield (if configured) and
// either runs the tool or returns a synthetic blocked-by-policy result,
// tracing and logging the outcome either way.
func (cfg Config) executeOne(ctx context.Context, tc types.ToolCall, tracer *observability.Tracer, logger *observability.Logger) string {
	ctx, span := tracer.TraceToolExecution(ctx, tc.Name)
	defer span.End()

	if cfg.Shield != nil {
		decision := cfg.Shield.Evaluate(shield.Event{
			Scope:    shield.ScopeToolCall,
			ToolName: tc.Name,
			ToolArgs: fmt.Sprintf("%v", tc.Arguments),
		}, cfg.SubAgentContext)
		if decision.Action == types.ActionBlock || decision.Action == types.ActionRequireApproval {
			logger.Warn(ctx, "tool call blocked", "tool", tc.Name, "reason", decision.Reason)
			return fmt.Sprintf("Error: blocked by security policy: %s", decision.Reason)
		}
	}

	if cfg.Tools.deniedByPolicy(tc.Name) {
		logger.Warn(ctx, "tool call denied by policy", "tool", tc.Name)
		return fmt.Sprintf("Error: tool %q is not permitted by this agent's policy", tc.Name)
	}
	tool, ok := cfg.Tools.find(tc.Name)
	if !ok {
		logger.Warn(ctx, "tool call for unknown tool", "tool", tc.Name)
		return fmt.Sprintf("Error: unknown tool %q", tc.Name)
	}
	out, err := tool.Execute(ctx, tc.Arguments)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Error(ctx, "tool execution failed", "tool", tc.Name, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}

// textFallbackTo mirrors providers' text-fallback extraction so the loop
// only terminates on genuinely tool-call-free text (§4.7/§4.11).
func textFallbackTo(text string) (types.ToolCall, bool) {
	return providers.TextFallbackToolCall(text)
}
