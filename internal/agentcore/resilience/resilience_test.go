package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyclaw/agentcore/internal/agentcore/providers"
	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour})

	boom := errors.New("boom")
	_ = cb.Execute(func() error { return boom })
	if cb.State() != CircuitClosed {
		t.Fatalf("state after 1 failure = %s, want closed", cb.State())
	}
	_ = cb.Execute(func() error { return boom })
	if cb.State() != CircuitOpen {
		t.Fatalf("state after 2 failures = %s, want open", cb.State())
	}

	err := cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Execute while open = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Millisecond})
	_ = cb.Execute(func() error { return errors.New("fail") })
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state")
	}

	time.Sleep(5 * time.Millisecond)
	err := cb.Execute(func() error { return nil })
	if err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("state after successful probe = %s, want closed", cb.State())
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry returned %v, want nil", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryRespectsRetryIf(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		RetryIf:      func(error) bool { return false },
	}, func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (RetryIf should stop further attempts)", attempts)
	}
}

type scriptedAdapter struct {
	id       string
	failures int
	calls    int
}

func (a *scriptedAdapter) ID() string { return a.id }
func (a *scriptedAdapter) Chat(messages []types.Message, tools []providers.ToolSpec) (providers.Response, error) {
	a.calls++
	if a.calls <= a.failures {
		return providers.Response{}, errors.New("upstream unavailable")
	}
	return providers.Response{Text: "ok"}, nil
}
func (a *scriptedAdapter) IsAvailable() bool { return true }

func TestWrapRetriesThenOpensBreaker(t *testing.T) {
	base := &scriptedAdapter{id: "flaky", failures: 100}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	wrapped := Wrap(base, cb, RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})

	_, err := wrapped.Chat(nil, nil)
	if err == nil {
		t.Fatalf("expected error from always-failing adapter")
	}
	if wrapped.IsAvailable() {
		t.Fatalf("wrapped adapter should report unavailable once breaker is open")
	}
}

func TestWrapRecoversAfterTransientFailure(t *testing.T) {
	base := &scriptedAdapter{id: "recovers", failures: 1}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, Timeout: time.Hour})
	wrapped := Wrap(base, cb, RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})

	resp, err := wrapped.Chat(nil, nil)
	if err != nil {
		t.Fatalf("Chat returned %v, want nil after retry recovers", err)
	}
	if resp.Text != "ok" {
		t.Fatalf("resp.Text = %q, want ok", resp.Text)
	}
}
