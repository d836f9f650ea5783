// Package errs defines the error kinds shared across the agent execution core (§7).
//
// Each kind is a concrete type so a caller at a tool boundary can do one type
// switch instead of matching on error strings, following the ToolError shape
// the sub-agent runner uses internally.
package errs

import "fmt"

// Kind names one of the seven error kinds in the error handling design.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindProvider   Kind = "provider"
	KindTransport  Kind = "transport"
	KindCapacity   Kind = "capacity"
	KindSecurity   Kind = "security"
	KindValidation Kind = "validation"
	KindTimeout    Kind = "timeout"
	KindStore      Kind = "store"
)

// AuthError means a provider rejected credentials.
type AuthError struct {
	Provider string
	Cause    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %v", e.Provider, e.Cause)
}
func (e *AuthError) Unwrap() error { return e.Cause }
func (e *AuthError) Kind() Kind    { return KindAuth }

// ProviderError is a non-2xx response from an LLM provider other than auth.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s, status=%d): %s", e.Provider, e.StatusCode, e.Message)
}
func (e *ProviderError) Unwrap() error { return e.Cause }
func (e *ProviderError) Kind() Kind    { return KindProvider }

// TransportError is a network-level failure reaching a provider.
type TransportError struct {
	Provider string
	Cause    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Provider, e.Cause)
}
func (e *TransportError) Unwrap() error { return e.Cause }
func (e *TransportError) Kind() Kind    { return KindTransport }

// CapacityError is returned verbatim to the agent as a tool result string.
type CapacityError struct {
	Resource string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded for %s (limit=%d)", e.Resource, e.Limit)
}
func (e *CapacityError) Kind() Kind { return KindCapacity }

// SecurityError is a shield block or shell deny, surfaced to the model as a tool result.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("blocked by security policy: %s", e.Reason)
}
func (e *SecurityError) Kind() Kind { return KindSecurity }

// ValidationError is a config schema violation; the set is refused wholesale.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Reason)
}
func (e *ValidationError) Kind() Kind { return KindValidation }

// TimeoutError is produced by C11/C14 as success=false, never thrown.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }
func (e *TimeoutError) Kind() Kind    { return KindTimeout }

// StoreError is fatal within the affected request only; the process continues.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Cause)
}
func (e *StoreError) Unwrap() error { return e.Cause }
func (e *StoreError) Kind() Kind    { return KindStore }

// kinded is implemented by every error type in this package.
type kinded interface {
	Kind() Kind
}

// KindOf returns the Kind of err if it is one of this package's types, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	if k, ok := err.(kinded); ok {
		return k.Kind(), true
	}
	return "", false
}
