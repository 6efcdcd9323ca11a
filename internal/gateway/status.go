package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/nugget/todogate/internal/llm"
)

// Status describes one provider as seen by the gateway.
type Status struct {
	Status     string    `json:"status"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Configured bool      `json:"configured"`
	Sessions   int       `json:"sessions"`
	Timestamp  time.Time `json:"timestamp"`
}

// Status reports the effective default model for provider, whether a
// server-side key is available, and the live session count.
func (s *Service) Status(provider string) (*Status, error) {
	if _, err := s.providers.Get(provider); err != nil {
		return nil, err
	}
	p := s.defaults(provider)
	return &Status{
		Status:     "running",
		Provider:   provider,
		Model:      p.model,
		Configured: p.apiKey != "",
		Sessions:   s.sessions.Len(),
		Timestamp:  s.now(),
	}, nil
}

// Health is the process-level liveness report.
type Health struct {
	Status    string            `json:"status"`
	Model     string            `json:"model"`
	Providers []string          `json:"providers"`
	Models    map[string]string `json:"models"`
}

// Health reports liveness. Model is the Gemini default, matching the
// gateway's primary provider; Models lists every provider's default.
func (s *Service) Health() Health {
	h := Health{
		Status:    "ok",
		Providers: s.providers.Names(),
		Models:    make(map[string]string),
	}
	for _, name := range h.Providers {
		h.Models[name] = s.defaults(name).model
	}
	h.Model = h.Models[llm.ProviderGemini]
	return h
}

// InitResult is a successful key probe.
type InitResult struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Init verifies apiKey against provider with a minimal upstream call
// bounded by the probe timeout. An empty model uses the default.
func (s *Service) Init(ctx context.Context, provider, apiKey, model string) (*InitResult, error) {
	p, err := s.providers.Get(provider)
	if err != nil {
		return nil, err
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, llm.InvalidInput(provider, "api_key is required")
	}
	model = firstNonEmpty(model, s.defaults(provider).model)
	if model == "" {
		return nil, llm.InvalidInput(provider, "no model configured for %s", provider)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeouts.Probe())
	defer cancel()

	if err := p.Probe(ctx, apiKey, model); err != nil {
		s.logger.Warn("api key probe failed",
			"provider", provider,
			"model", model,
			"kind", llm.KindOf(err).String(),
			"error", err,
		)
		return nil, asLLMError(provider, err)
	}
	s.logger.Info("api key probe succeeded", "provider", provider, "model", model)
	return &InitResult{Provider: provider, Model: model}, nil
}
