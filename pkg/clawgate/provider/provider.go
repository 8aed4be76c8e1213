// Package provider routes model requests to a configured LLM backend and
// translates each backend's streaming format into one event sequence.
//
// The router selects a profile, normalizes the request into the backend's
// native shape and streams the response. It never retries; retry and
// fallback policy belongs to the agent loop.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/store"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// Kind is the wire protocol a profile speaks.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
)

// Profile is one configured backend.
type Profile struct {
	Name          string
	Kind          Kind
	Endpoint      string
	Credential    string
	Rank          int
	ModelPrefixes []string
	DefaultModel  string

	// CredentialSource records where Credential came from: config,
	// keyring or env.
	CredentialSource string
}

// HasCredential reports whether the profile can authenticate.
func (p Profile) HasCredential() bool { return p.Credential != "" }

// Request is the backend-independent model request.
type Request struct {
	Model       string
	System      string
	Messages    []store.Turn
	Tools       []tools.Definition
	MaxTokens   int
	Temperature float64
}

// ConfigurationError reports a provider that cannot be used as configured.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Provider == "" {
		return "provider configuration: " + e.Reason
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Reason)
}

// Error kinds reported in ProviderError.Kind.
const (
	ErrKindRateLimit  = "rate_limit"
	ErrKindOverloaded = "overloaded"
	ErrKindTimeout    = "timeout"
	ErrKindServer     = "server"
	ErrKindNetwork    = "network"
	ErrKindAuth       = "auth"
	ErrKindBilling    = "billing"
	ErrKindContext    = "context_length"
	ErrKindBadRequest = "bad_request"
	ErrKindMalformed  = "malformed_response"
	ErrKindCancelled  = "cancelled"
	ErrKindFatal      = "fatal"
)

// ProviderError is a classified backend failure.
type ProviderError struct {
	Provider  string
	Status    int
	Retryable bool
	Kind      string
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable ProviderError.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}

// classify builds a ProviderError from an HTTP status (0 when unknown) and
// the underlying error. Timeouts, 429 and 5xx are retryable; other 4xx are
// terminal.
func classify(provider string, status int, err error) *ProviderError {
	pe := &ProviderError{Provider: provider, Status: status, Err: err}

	if errors.Is(err, context.Canceled) {
		pe.Kind = ErrKindCancelled
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		pe.Kind, pe.Retryable = ErrKindTimeout, true
		return pe
	}
	var netErr net.Error
	if status == 0 && errors.As(err, &netErr) {
		pe.Kind, pe.Retryable = ErrKindNetwork, true
		if netErr.Timeout() {
			pe.Kind = ErrKindTimeout
		}
		return pe
	}

	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}
	switch {
	case strings.Contains(msg, "context_length_exceeded"), strings.Contains(msg, "maximum context length"):
		pe.Kind = ErrKindContext
	case status == 402, strings.Contains(msg, "insufficient_quota"), strings.Contains(msg, "billing"):
		pe.Kind = ErrKindBilling
	case status == 429:
		pe.Kind, pe.Retryable = ErrKindRateLimit, true
	case status == 529, strings.Contains(msg, "overloaded"):
		pe.Kind, pe.Retryable = ErrKindOverloaded, true
	case status == 408:
		pe.Kind, pe.Retryable = ErrKindTimeout, true
	case status >= 500:
		pe.Kind, pe.Retryable = ErrKindServer, true
	case status == 401, status == 403:
		pe.Kind = ErrKindAuth
	case status >= 400:
		pe.Kind = ErrKindBadRequest
	case status == 0:
		pe.Kind, pe.Retryable = ErrKindNetwork, true
	default:
		pe.Kind = ErrKindFatal
	}
	return pe
}
