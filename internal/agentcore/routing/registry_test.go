package routing

import (
	"testing"

	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

type stubProvider struct{ id string }

func (s stubProvider) ID() string { return s.id }

func TestGetForTierExactMapping(t *testing.T) {
	r := New("fallback")
	r.Register(stubProvider{"fallback"})
	r.Register(stubProvider{"fast-model"})
	r.MapTier(types.TierSimple, "fast-model")

	got := r.GetForTier(types.TierSimple)
	if got == nil || got.ID() != "fast-model" {
		t.Fatalf("expected exact tier mapping to win, got %v", got)
	}
}

func TestGetForTierFallsDownOrder(t *testing.T) {
	r := New("fallback")
	r.Register(stubProvider{"fallback"})
	r.Register(stubProvider{"complex-model"})
	r.MapTier(types.TierComplex, "complex-model")
	// No mapping for simple or moderate; reasoning unmapped too.

	got := r.GetForTier(types.TierSimple)
	if got == nil || got.ID() != "complex-model" {
		t.Fatalf("expected fall-down to reach complex-model, got %v", got)
	}
}

func TestGetForTierUsesMandatoryFallback(t *testing.T) {
	r := New("fallback")
	r.Register(stubProvider{"fallback"})

	got := r.GetForTier(types.TierReasoning)
	if got == nil || got.ID() != "fallback" {
		t.Fatalf("expected mandatory fallback when nothing else resolves, got %v", got)
	}
}

func TestValidateFailsWithoutFallbackRegistered(t *testing.T) {
	r := New("fallback")
	if err := r.Validate(); err == nil {
		t.Fatal("expected validation error when fallback provider is not registered")
	}
}

func TestValidateSucceedsWithFallbackRegistered(t *testing.T) {
	r := New("fallback")
	r.Register(stubProvider{"fallback"})
	if err := r.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
