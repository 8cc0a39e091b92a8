// Package llm contains the provider abstraction over LLM vendors and the
// alignment worker that turns raw scraped content into schema-validated
// HSDS documents.
//
// Providers are looked up by name in a registry; the core depends only on
// the Generate/HealthCheck contract and the typed error taxonomy below.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrorKind classifies provider failures. The worker's deferral and
// dead-letter behavior is driven entirely by this classification.
type ErrorKind string

const (
	KindRateLimited      ErrorKind = "rate_limited"
	KindQuotaExceeded    ErrorKind = "quota_exceeded"
	KindNotAuthenticated ErrorKind = "not_authenticated"
	KindTransient        ErrorKind = "transient"
	KindPermanent        ErrorKind = "permanent"
)

// ProviderError is the typed failure returned by provider implementations.
type ProviderError struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // provider-advised delay, 0 if none
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm: %s: %s", e.Kind, e.Message)
}

// KindOf returns the error kind, or KindTransient for untyped errors so an
// unclassified network hiccup retries rather than dead-letters.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// GenerateRequest asks a provider for structured output conforming to the
// given JSON Schema.
type GenerateRequest struct {
	Prompt      string
	Schema      map[string]any
	Strict      bool
	MaxTokens   int
	Temperature float64
}

// GenerateResponse carries the raw text and, when the provider supports
// strict structured output, the already-parsed JSON document.
type GenerateResponse struct {
	Text   string
	Parsed []byte // nil when the provider returned text only
}

// HealthStatus is the provider-level half of the worker health endpoint.
type HealthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Model         string `json:"model"`
}

// Provider is the vendor contract. Implementations live outside the core;
// the registry below binds them by name at startup.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	HealthCheck(ctx context.Context) (HealthStatus, error)
}

// Factory builds a provider from its model name. Provider-specific keys are
// read from the environment by the implementation itself.
type Factory func(model string) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register binds a provider factory to a name ("openai", "claude").
// Called from provider package init functions.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// NewProvider instantiates the named provider.
func NewProvider(name, model string) (Provider, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("llm: unknown provider %q (registered: %v)", name, Registered())
	}
	return f(model)
}

// Registered returns the sorted names of all registered providers.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
