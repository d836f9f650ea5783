// Package resilience wraps a C7 provider adapter with a circuit breaker and
// exponential-backoff retry, so a flapping or rate-limited provider degrades
// the registry's fall-down order instead of stalling every turn on it.
//
// Grounded on the teacher's generic internal/infra circuit breaker and retry
// primitives (circuit.go, retry.go) — the channel-specific retry heuristics
// in the teacher's retry_policy.go (Discord/Telegram/Slack/email patterns)
// have no analog here since C7 has no channel transports; only the generic
// breaker and backoff machinery is adapted.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/tinyclaw/agentcore/internal/agentcore/providers"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

// CircuitState is one of the three breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ErrCircuitOpen is returned by Execute while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// CircuitBreaker trips open after FailureThreshold consecutive failures and
// probes a single half-open request after Timeout before closing again.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	lastStateChange time.Time
}

// NewCircuitBreaker returns a breaker with sane defaults for any zero fields.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{config: config, state: CircuitClosed, lastStateChange: time.Now()}
}

// Execute runs fn under the breaker's protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.canExecute(); err != nil {
		return err
	}
	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) canExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastStateChange) >= cb.config.Timeout {
			cb.transitionTo(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		if cb.state == CircuitClosed && cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		} else if cb.state == CircuitHalfOpen {
			cb.transitionTo(CircuitOpen)
		}
		return
	}

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionTo(s CircuitState) {
	cb.state = s
	cb.lastStateChange = time.Now()
	cb.failures = 0
	cb.successes = 0
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(CircuitClosed)
}

// RetryConfig configures exponential-backoff retry.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	RetryIf        func(error) bool
}

// DefaultRetryConfig is a conservative default for a single provider call.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    2,
		InitialDelay:   250 * time.Millisecond,
		MaxDelay:       4 * time.Second,
		JitterFraction: 0.2,
	}
}

// Retry runs fn, retrying up to cfg.MaxAttempts additional times with
// exponential backoff, stopping early if ctx is cancelled or RetryIf refuses.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return lastErr
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		delay := calculateDelay(cfg, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func calculateDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(2, float64(attempt)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.JitterFraction > 0 {
		jitter := float64(delay) * cfg.JitterFraction
		delay += time.Duration((rand.Float64()*2 - 1) * jitter)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// adaptedAdapter wraps a providers.Adapter so every Chat call runs through a
// circuit breaker and a short retry budget before surfacing to the caller.
type adaptedAdapter struct {
	providers.Adapter
	breaker *CircuitBreaker
	retry   RetryConfig
}

// Wrap returns an Adapter that retries transient Chat failures and trips a
// circuit breaker after repeated failures, falling the caller's registry
// walk down to the next candidate instead of hanging on a dead provider.
func Wrap(adapter providers.Adapter, breaker *CircuitBreaker, retry RetryConfig) providers.Adapter {
	return &adaptedAdapter{Adapter: adapter, breaker: breaker, retry: retry}
}

func (a *adaptedAdapter) Chat(messages []types.Message, tools []providers.ToolSpec) (providers.Response, error) {
	var resp providers.Response
	err := a.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		return Retry(ctx, a.retry, func() error {
			var callErr error
			resp, callErr = a.Adapter.Chat(messages, tools)
			return callErr
		})
	})
	return resp, err
}

func (a *adaptedAdapter) IsAvailable() bool {
	return a.breaker.State() != CircuitOpen && a.Adapter.IsAvailable()
}

// Registry tracks one breaker per provider id so repeated calls to the same
// provider share failure/success state across turns.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewRegistry returns a breaker registry using defaults for any provider id
// not given its own configuration.
func NewRegistry(defaults CircuitBreakerConfig) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), defaults: defaults}
}

// BreakerFor returns (creating if necessary) the breaker for providerID.
func (r *Registry) BreakerFor(providerID string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[providerID]; ok {
		return cb
	}
	cfg := r.defaults
	cfg.Name = providerID
	cb := NewCircuitBreaker(cfg)
	r.breakers[providerID] = cb
	return cb
}

// WrapWithRegistry wraps adapter using the registry's breaker for its ID and
// the given retry budget.
func (r *Registry) WrapWithRegistry(adapter providers.Adapter, retry RetryConfig) providers.Adapter {
	return Wrap(adapter, r.BreakerFor(adapter.ID()), retry)
}
