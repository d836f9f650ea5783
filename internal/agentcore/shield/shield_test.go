package shield

import (
	"strings"
	"testing"

	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

const sampleFeed = "" +
	"# Threat Feed\n\n" +
	"Sample entries for the shield engine.\n\n" +
	"```yaml\n" +
	"- id: t-sql\n" +
	"  fingerprint: sql-injection\n" +
	"  category: tool\n" +
	"  severity: high\n" +
	"  confidence: 0.95\n" +
	"  action: block\n" +
	"  recommendationAgent: \"BLOCK: arguments containing SQL syntax (DROP, DELETE)\"\n" +
	"  revoked: false\n" +
	"- id: t-lowconf\n" +
	"  fingerprint: suspicious-exec\n" +
	"  category: tool\n" +
	"  severity: medium\n" +
	"  confidence: 0.5\n" +
	"  action: block\n" +
	"  recommendationAgent: \"BLOCK: tool.call execute_code\"\n" +
	"  revoked: false\n" +
	"- id: t-critical\n" +
	"  fingerprint: rm-rf\n" +
	"  category: tool\n" +
	"  severity: critical\n" +
	"  confidence: 0.3\n" +
	"  action: block\n" +
	"  recommendationAgent: \"BLOCK: tool.call shell_run (rm -rf)\"\n" +
	"  revoked: false\n" +
	"```\n"

func TestEvaluateEmptyFeedAlwaysLogs(t *testing.T) {
	e := New()
	d := e.Evaluate(Event{Scope: ScopeToolCall, ToolName: "execute_code"}, false)
	if d.Action != types.ActionLog {
		t.Fatalf("expected log on empty feed, got %s", d.Action)
	}
	if d.ThreatID != nil {
		t.Fatalf("expected nil threatId on empty feed, got %v", *d.ThreatID)
	}
}

func TestEvaluateNoMatchLogs(t *testing.T) {
	e := New()
	if err := e.LoadFeed(sampleFeed); err != nil {
		t.Fatalf("load feed: %v", err)
	}
	d := e.Evaluate(Event{Scope: ScopeToolCall, ToolName: "read_file"}, false)
	if d.Action != types.ActionLog {
		t.Fatalf("expected log for unmatched event, got %s", d.Action)
	}
}

func TestEvaluateBlocksHighConfidenceSQL(t *testing.T) {
	e := New()
	if err := e.LoadFeed(sampleFeed); err != nil {
		t.Fatalf("load feed: %v", err)
	}
	d := e.Evaluate(Event{Scope: ScopeToolCall, ToolName: "execute_sql", ToolArgs: "DROP TABLE users"}, false)
	if d.Action != types.ActionBlock {
		t.Fatalf("expected block for high-confidence SQL match, got %s", d.Action)
	}
	if d.ThreatID == nil || *d.ThreatID != "t-sql" {
		t.Fatalf("expected threatId t-sql, got %v", d.ThreatID)
	}
}

func TestEvaluateLowConfidenceBlockDowngradesToApproval(t *testing.T) {
	e := New()
	if err := e.LoadFeed(sampleFeed); err != nil {
		t.Fatalf("load feed: %v", err)
	}
	d := e.Evaluate(Event{Scope: ScopeToolCall, ToolName: "execute_code"}, false)
	if d.Action != types.ActionRequireApproval {
		t.Fatalf("expected low-confidence block downgraded to require_approval, got %s", d.Action)
	}
}

func TestEvaluateCriticalNeverDowngraded(t *testing.T) {
	e := New()
	if err := e.LoadFeed(sampleFeed); err != nil {
		t.Fatalf("load feed: %v", err)
	}
	d := e.Evaluate(Event{Scope: ScopeToolCall, ToolName: "shell_run", ToolArgs: "rm -rf /tmp"}, false)
	if d.Action != types.ActionBlock {
		t.Fatalf("expected critical severity to stay block despite low confidence, got %s", d.Action)
	}
}

func TestEvaluateSubAgentEscalatesApprovalToBlock(t *testing.T) {
	e := New()
	if err := e.LoadFeed(sampleFeed); err != nil {
		t.Fatalf("load feed: %v", err)
	}
	d := e.Evaluate(Event{Scope: ScopeToolCall, ToolName: "execute_code"}, true)
	if d.Action != types.ActionBlock {
		t.Fatalf("expected sub-agent context to escalate require_approval to block, got %s", d.Action)
	}
	if !strings.Contains(d.Reason, "sub-agent") {
		t.Fatalf("expected reason to mention sub-agent escalation, got %q", d.Reason)
	}
}
