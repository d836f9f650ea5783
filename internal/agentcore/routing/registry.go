// Package routing implements the provider registry (§4.6): tier-to-provider
// resolution with a fixed fall-down order and a mandatory fallback.
//
// Grounded on the teacher's Router.candidates, which builds an ordered
// candidate list (rule target, configured fallback, default provider) and
// walks it until one resolves; this registry fixes that walk to the spec's
// literal tier order instead of rule-derived candidates.
package routing

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tinyclaw/agentcore/internal/agentcore/providers"
	"github.com/tinyclaw/agentcore/internal/agentcore/resilience"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

// Provider is anything registerable by id; C7 adapters satisfy this.
type Provider interface {
	ID() string
}

// fallDownOrder is the fixed walk order used when a tier has no mapping:
// highest-capability tier first, down to simple.
var fallDownOrder = []types.Tier{types.TierReasoning, types.TierComplex, types.TierModerate, types.TierSimple}

// Registry holds providers by id and a tier-to-id mapping.
type Registry struct {
	mu         sync.RWMutex
	providers  map[string]Provider
	tierToID   map[types.Tier]string
	fallbackID string
	breakers   *resilience.Registry
}

// New returns a Registry whose mandatory fallback is fallbackID. Call
// Validate after registering providers to catch a missing fallback before
// serving traffic; per §4.6 a missing fallback is a programmer error, fatal
// at startup, not a per-request failure.
func New(fallbackID string) *Registry {
	return &Registry{
		providers:  make(map[string]Provider),
		tierToID:   make(map[types.Tier]string),
		fallbackID: normalizeID(fallbackID),
		breakers: resilience.NewRegistry(resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		}),
	}
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Register adds or replaces a provider under its own id. If p is a C7
// providers.Adapter it is wrapped with a per-provider circuit breaker and
// retry budget (§DOMAIN STACK), so a flapping provider falls out of rotation
// instead of stalling every turn routed to its tier.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if adapter, ok := p.(providers.Adapter); ok {
		p = r.breakers.WrapWithRegistry(adapter, resilience.DefaultRetryConfig())
	}
	r.providers[normalizeID(p.ID())] = p
}

// MapTier assigns the exact provider id a tier should resolve to.
func (r *Registry) MapTier(tier types.Tier, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tierToID[tier] = normalizeID(providerID)
}

// Validate returns an error if the mandatory fallback provider is not
// registered. Callers must invoke this once at startup; GetForTier assumes
// it has already succeeded.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fallbackID == "" {
		return fmt.Errorf("routing: no fallback provider configured")
	}
	if _, ok := r.providers[r.fallbackID]; !ok {
		return fmt.Errorf("routing: mandatory fallback provider %q is not registered", r.fallbackID)
	}
	return nil
}

// GetForTier resolves a tier to a provider: the exact tier mapping if
// registered, else the first registered provider found walking
// [reasoning, complex, moderate, simple], else the mandatory fallback.
func (r *Registry) GetForTier(tier types.Tier) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id, ok := r.tierToID[tier]; ok {
		if p, ok := r.providers[id]; ok {
			return p
		}
	}

	for _, t := range fallDownOrder {
		id, ok := r.tierToID[t]
		if !ok {
			continue
		}
		if p, ok := r.providers[id]; ok {
			return p
		}
	}

	return r.providers[r.fallbackID]
}

// Get looks up a provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[normalizeID(id)]
	return p, ok
}
