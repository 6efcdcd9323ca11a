// Package llm provides the upstream chat provider adapters. Every adapter
// speaks its provider's wire format and reports failures as *Error with a
// kind from a small closed set, so callers never inspect provider-specific
// error shapes.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Provider names as used in routes and configuration.
const (
	ProviderGemini     = "gemini"
	ProviderDeepSeek   = "deepseek"
	ProviderOpenRouter = "openrouter"
)

// Provider is the interface every upstream adapter implements.
type Provider interface {
	// Name returns the provider's routing name.
	Name() string

	// Stateful reports whether the caller should replay conversation
	// history on each Send. Stateless providers see only the system
	// prompt and the current user message.
	Stateful() bool

	// Send performs one completion. The context carries the deadline.
	Send(ctx context.Context, req Request) (*Reply, error)

	// Probe checks that apiKey is accepted for model without a full chat.
	Probe(ctx context.Context, apiKey, model string) error
}

// Role values for Message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior turn replayed to a stateful provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral completion request.
type Request struct {
	APIKey       string
	Model        string
	SystemPrompt string
	History      []Message
	UserMessage  string
	Temperature  float64
	MaxTokens    int
}

// Reply is a provider-neutral completion result. Raw holds the upstream
// response body for trace logging.
type Reply struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Raw          json.RawMessage
}

// Registry maps provider names to adapters.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry holding the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider under its Name.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, &Error{Kind: KindInvalidInput, Provider: name, Detail: fmt.Sprintf("unknown provider %q", name)}
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.providers[name]
	return ok
}
