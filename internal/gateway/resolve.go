package gateway

import (
	"context"
	"slices"
	"strings"

	"github.com/nugget/todogate/internal/config"
	"github.com/nugget/todogate/internal/httpkit"
	"github.com/nugget/todogate/internal/llm"
	"github.com/nugget/todogate/internal/policy"
	"github.com/nugget/todogate/internal/settings"
)

// params is the fully resolved upstream call configuration.
type params struct {
	apiKey      string
	model       string
	allowed     []string
	temperature float64
	maxTokens   int
}

func (p params) maskedKey() string { return httpkit.MaskSecret(p.apiKey) }

// providerConfig returns the static configuration for provider.
func (s *Service) providerConfig(provider string) config.ProviderConfig {
	switch provider {
	case llm.ProviderGemini:
		return s.cfg.Gemini
	case llm.ProviderDeepSeek:
		return s.cfg.DeepSeek
	case llm.ProviderOpenRouter:
		return s.cfg.OpenRouter.ProviderConfig
	}
	return config.ProviderConfig{}
}

// adminOverrides reads the admin store for provider. Only OpenRouter
// has overrides. A read failure is logged and treated as "no overrides".
func (s *Service) adminOverrides(provider string) settings.OpenRouter {
	if provider != llm.ProviderOpenRouter || s.settings == nil {
		return settings.OpenRouter{}
	}
	or, err := s.settings.OpenRouter()
	if err != nil {
		s.logger.Warn("admin settings unavailable, using configuration", "error", err)
		return settings.OpenRouter{}
	}
	return or
}

// defaults resolves everything except request overrides: key from
// configuration then the admin store, model from the admin store then
// configuration, allow-list from the admin store then configuration.
func (s *Service) defaults(provider string) params {
	pc := s.providerConfig(provider)
	admin := s.adminOverrides(provider)

	p := params{
		apiKey:  strings.TrimSpace(pc.APIKey),
		model:   firstNonEmpty(admin.DefaultModel, pc.DefaultModel),
		allowed: pc.AllowedModels,
	}
	if p.apiKey == "" {
		p.apiKey = admin.APIKey
	}
	if len(admin.ModelOptions) > 0 {
		p.allowed = admin.ModelOptions
	}
	return p
}

// resolve applies request overrides on top of defaults and checks the
// model against the policy. Errors are *llm.Error of KindInvalidInput.
func (s *Service) resolve(ctx context.Context, provider string, req ChatRequest) (params, error) {
	p := s.defaults(provider)

	if k := strings.TrimSpace(req.APIKey); k != "" {
		p.apiKey = k
	}
	if p.apiKey == "" {
		return p, llm.InvalidInput(provider, "no API key provided for %s", provider)
	}

	if m := strings.TrimSpace(req.Model); m != "" {
		p.model = m
	}
	if p.model == "" {
		return p, llm.InvalidInput(provider, "no model configured for %s", provider)
	}
	if err := s.checkModel(ctx, provider, p); err != nil {
		return p, err
	}

	p.temperature = s.cfg.Generation.Temp()
	if req.Temperature != nil {
		p.temperature = *req.Temperature
	}
	p.temperature = config.ClampTemperature(p.temperature)

	p.maxTokens = s.cfg.Generation.MaxTokens
	if req.MaxTokens != nil {
		p.maxTokens = *req.MaxTokens
	}
	p.maxTokens = config.ClampMaxTokens(p.maxTokens)
	return p, nil
}

// checkModel runs the allow-list policy before any upstream contact.
func (s *Service) checkModel(ctx context.Context, provider string, p params) error {
	in := policy.Input{Provider: provider, Model: p.model, Allowed: p.allowed}

	allowed := len(in.Allowed) == 0 || slices.Contains(in.Allowed, in.Model)
	if s.policy != nil {
		ok, err := s.policy.ModelAllowed(ctx, in)
		if err != nil {
			return &llm.Error{Kind: llm.KindInternal, Provider: provider, Detail: "model policy", Err: err}
		}
		allowed = ok
	}
	if !allowed {
		s.logger.Info("model blocked by policy", "provider", provider, "model", p.model)
		return llm.InvalidInput(provider, "model %q is not allowed", p.model)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
