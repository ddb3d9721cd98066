package app

import (
	"errors"
	"fmt"
)

// Session and configuration errors abort the requested operation outright.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionBusy      = errors.New("session busy: an operation is already in flight")
	ErrSessionArchived  = errors.New("session is archived and read-only")
	ErrUnknownAgentRole = errors.New("unknown agent role")
	ErrUnknownProvider  = errors.New("unknown provider")
)

type ProviderErrorKind string

const (
	// ProviderUnavailable covers network or process failures. Retryable.
	ProviderUnavailable ProviderErrorKind = "unavailable"
	// ProviderAuthFailed means a bad credential. Never retried.
	ProviderAuthFailed ProviderErrorKind = "auth_failed"
	// ProviderRateLimited is retryable with backoff.
	ProviderRateLimited ProviderErrorKind = "rate_limited"
	// ProviderMalformed means an unexpected response shape. Never retried.
	ProviderMalformed ProviderErrorKind = "malformed"
)

type ProviderError struct {
	Kind     ProviderErrorKind
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the orchestrator may retry the call.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ProviderUnavailable || e.Kind == ProviderRateLimited
}

func providerErr(kind ProviderErrorKind, provider string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}

// ErrorKind extracts the provider error kind for reporting, or "" when err is
// not a provider error.
func ErrorKind(err error) ProviderErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
