package classifier

import (
	"strings"
	"testing"

	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

func TestClassifySimpleGreeting(t *testing.T) {
	r := Classify("hey, thanks!")
	if r.Tier != types.TierSimple {
		t.Fatalf("expected simple tier for a greeting, got %s (score=%f)", r.Tier, r.Score)
	}
}

func TestClassifyReasoningRequest(t *testing.T) {
	text := "Can you analyze the tradeoffs here and reason through why this architecture has high latency, " +
		"then derive an alternative and prove it scales under concurrency, comparing throughput against the current schema?"
	r := Classify(text)
	if r.Tier != types.TierReasoning && r.Tier != types.TierComplex {
		t.Fatalf("expected reasoning or complex tier for a dense analytical prompt, got %s (score=%f)", r.Tier, r.Score)
	}
}

func TestClassifyIsPure(t *testing.T) {
	text := "first, write a function to parse the database schema, then debug it."
	a := Classify(text)
	b := Classify(text)
	if a != b {
		t.Fatalf("expected classifier to be a pure function of its input, got %+v vs %+v", a, b)
	}
}

func TestClassifyConfidenceWithinUnitRange(t *testing.T) {
	r := Classify("what is the capital of France")
	if r.Confidence < 0 || r.Confidence > 1 {
		t.Fatalf("expected confidence in [0,1], got %f", r.Confidence)
	}
}

func TestEstimateTokensCeilsCharsOverFour(t *testing.T) {
	if got := EstimateTokens("abcde"); got != 2 {
		t.Fatalf("expected ceil(5/4)=2, got %d", got)
	}
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("expected 0 tokens for empty text, got %d", got)
	}
}

func TestClassifyLongPromptPullsTowardHigherTier(t *testing.T) {
	long := strings.Repeat("word ", 220) // well over 200 estimated tokens
	short := "ok"

	rl := Classify(long)
	rs := Classify(short)

	if rl.Score <= rs.Score {
		t.Fatalf("expected a long prompt to score higher than a short one, long=%f short=%f", rl.Score, rs.Score)
	}
}
