package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyclaw/agentcore/internal/agentcore/providers"
	"github.com/tinyclaw/agentcore/internal/agentcore/shield"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
	"github.com/tinyclaw/agentcore/internal/tools/policy"
)

type scriptedProvider struct {
	responses []providers.Response
	errs      []error
	calls     int
	delay     time.Duration
}

func (p *scriptedProvider) ID() string { return "scripted" }

func (p *scriptedProvider) Chat(messages []types.Message, tools []providers.ToolSpec) (providers.Response, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	idx := p.calls
	p.calls++
	if idx >= len(p.responses) {
		return providers.Response{}, errors.New("no more scripted responses")
	}
	var err error
	if idx < len(p.errs) {
		err = p.errs[idx]
	}
	return p.responses[idx], err
}

func (p *scriptedProvider) IsAvailable() bool { return true }

type echoTool struct{ called int }

func (t *echoTool) Name() string { return "echo" }

func (t *echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	t.called++
	return "echoed", nil
}

func TestRunTerminatesOnPlainTextResponse(t *testing.T) {
	p := &scriptedProvider{responses: []providers.Response{{Text: "all done, no tools needed"}}}
	out := Run(context.Background(), Config{
		Messages:      []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Provider:      p,
		Tools:         NewToolSet(nil, nil),
		MaxIterations: 5,
		TimeoutMs:     1000,
	})
	if !out.Success || out.Response != "all done, no tools needed" {
		t.Fatalf("expected successful text completion, got %+v", out)
	}
}

func TestRunExecutesToolCallsAndContinues(t *testing.T) {
	tool := &echoTool{}
	p := &scriptedProvider{responses: []providers.Response{
		{ToolCalls: []types.ToolCall{{ID: "1", Name: "echo", Arguments: map[string]any{}}}},
		{Text: "finished after tool use"},
	}}
	out := Run(context.Background(), Config{
		Messages:      []types.Message{{Role: types.RoleUser, Content: "go"}},
		Provider:      p,
		Tools:         NewToolSet([]Tool{tool}, nil),
		MaxIterations: 5,
		TimeoutMs:     1000,
	})
	if !out.Success || out.Response != "finished after tool use" {
		t.Fatalf("expected success after tool round, got %+v", out)
	}
	if tool.called != 1 {
		t.Fatalf("expected tool to be invoked once, got %d", tool.called)
	}
}

func TestRunBlocksToolNotAllowedByPolicy(t *testing.T) {
	tool := &echoTool{}
	p := &scriptedProvider{responses: []providers.Response{
		{ToolCalls: []types.ToolCall{{ID: "1", Name: "echo", Arguments: map[string]any{}}}},
		{Text: "finished"},
	}}
	restricted := policy.NewPolicy(policy.ProfileMinimal)
	out := Run(context.Background(), Config{
		Messages:      []types.Message{{Role: types.RoleUser, Content: "go"}},
		Provider:      p,
		Tools:         NewToolSet([]Tool{tool}, nil).WithPolicy(restricted),
		MaxIterations: 5,
		TimeoutMs:     1000,
	})
	if !out.Success {
		t.Fatalf("expected the run to still finish after a denied tool call, got %+v", out)
	}
	if tool.called != 0 {
		t.Fatalf("expected echo tool to never run under a minimal policy, got %d calls", tool.called)
	}
	found := false
	for _, m := range out.Messages {
		if m.Role == types.RoleTool && m.Content == `Error: tool "echo" is not permitted by this agent's policy` {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a policy-denied tool message, got %+v", out.Messages)
	}
}

func TestRunAllowsToolPermittedByPolicy(t *testing.T) {
	tool := &echoTool{}
	p := &scriptedProvider{responses: []providers.Response{
		{ToolCalls: []types.ToolCall{{ID: "1", Name: "echo", Arguments: map[string]any{}}}},
		{Text: "finished"},
	}}
	permissive := policy.NewPolicy(policy.ProfileFull)
	out := Run(context.Background(), Config{
		Messages:      []types.Message{{Role: types.RoleUser, Content: "go"}},
		Provider:      p,
		Tools:         NewToolSet([]Tool{tool}, nil).WithPolicy(permissive),
		MaxIterations: 5,
		TimeoutMs:     1000,
	})
	if !out.Success || tool.called != 1 {
		t.Fatalf("expected the full profile to permit echo, got %+v (called=%d)", out, tool.called)
	}
}

func TestRunIterationExhaustion(t *testing.T) {
	tool := &echoTool{}
	responses := make([]providers.Response, 3)
	for i := range responses {
		responses[i] = providers.Response{ToolCalls: []types.ToolCall{{ID: "1", Name: "echo", Arguments: map[string]any{}}}}
	}
	p := &scriptedProvider{responses: responses}
	out := Run(context.Background(), Config{
		Messages:      []types.Message{{Role: types.RoleUser, Content: "go"}},
		Provider:      p,
		Tools:         NewToolSet([]Tool{tool}, nil),
		MaxIterations: 3,
		TimeoutMs:     5000,
	})
	if out.Success {
		t.Fatal("expected iteration exhaustion to fail")
	}
	if out.Response != "Sub-agent reached maximum iterations without completing the task." {
		t.Fatalf("unexpected message: %q", out.Response)
	}
}

func TestRunTimesOut(t *testing.T) {
	p := &scriptedProvider{
		responses: []providers.Response{{Text: "too slow"}},
		delay:     200 * time.Millisecond,
	}
	out := Run(context.Background(), Config{
		Messages:      []types.Message{{Role: types.RoleUser, Content: "go"}},
		Provider:      p,
		Tools:         NewToolSet(nil, nil),
		MaxIterations: 5,
		TimeoutMs:     20,
	})
	if out.Success || out.Response != "Sub-agent timed out." {
		t.Fatalf("expected timeout outcome, got %+v", out)
	}
}

func TestRunStopsAfterConsecutiveFallbackExtractions(t *testing.T) {
	jsonOnly := `{"name": "echo", "arguments": {}}`
	responses := make([]providers.Response, 5)
	for i := range responses {
		responses[i] = providers.Response{Text: jsonOnly}
	}
	p := &scriptedProvider{responses: responses}
	out := Run(context.Background(), Config{
		Messages:      []types.Message{{Role: types.RoleUser, Content: "go"}},
		Provider:      p,
		Tools:         NewToolSet([]Tool{&echoTool{}}, nil),
		MaxIterations: 10,
		TimeoutMs:     5000,
	})
	if out.Success {
		t.Fatal("expected fallback-loop cap to stop the run with failure")
	}
	if out.Iterations != maxConsecutiveFallbacks {
		t.Fatalf("expected to stop after %d iterations, got %d", maxConsecutiveFallbacks, out.Iterations)
	}
}

func TestRunShieldBlocksToolCall(t *testing.T) {
	tool := &echoTool{}
	p := &scriptedProvider{responses: []providers.Response{
		{ToolCalls: []types.ToolCall{{ID: "1", Name: "echo", Arguments: map[string]any{}}}},
		{Text: "done"},
	}}

	feed := "```yaml\n" +
		"- id: t-echo\n" +
		"  fingerprint: echo-block\n" +
		"  category: tool\n" +
		"  severity: critical\n" +
		"  confidence: 0.99\n" +
		"  action: block\n" +
		"  recommendationAgent: \"BLOCK: tool.call echo\"\n" +
		"  revoked: false\n" +
		"```\n"
	eng := shield.New()
	if err := eng.LoadFeed(feed); err != nil {
		t.Fatalf("load feed: %v", err)
	}

	out := Run(context.Background(), Config{
		Messages:      []types.Message{{Role: types.RoleUser, Content: "go"}},
		Provider:      p,
		Tools:         NewToolSet([]Tool{tool}, nil),
		MaxIterations: 5,
		TimeoutMs:     1000,
		Shield:        eng,
	})
	if !out.Success {
		t.Fatalf("expected the run to still finish successfully, got %+v", out)
	}
	if tool.called != 0 {
		t.Fatal("expected the shield to prevent the tool from running")
	}
	found := false
	for _, m := range out.Messages {
		if m.Role == types.RoleTool && m.Content != "" {
			found = true
			if m.Content[:6] != "Error:" {
				t.Fatalf("expected a blocked-by-policy tool result, got %q", m.Content)
			}
		}
	}
	if !found {
		t.Fatal("expected a synthetic tool-result message for the blocked call")
	}
}
