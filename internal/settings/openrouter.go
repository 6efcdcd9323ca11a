package settings

import (
	"encoding/json"
	"strings"

	"github.com/nugget/todogate/internal/config"
)

// NamespaceOpenRouter holds the OpenRouter overrides.
const NamespaceOpenRouter = "openrouter"

// Keys within NamespaceOpenRouter.
const (
	KeyAPIKey       = "api_key"
	KeyDefaultModel = "default_model"
	KeyModelOptions = "model_options"
)

// OpenRouter is the decoded OpenRouter namespace. Empty fields mean
// "not set" and fall through to configuration.
type OpenRouter struct {
	APIKey       string
	DefaultModel string
	ModelOptions []string
}

// OpenRouter reads the OpenRouter overrides.
func (s *Store) OpenRouter() (OpenRouter, error) {
	kv, err := s.List(NamespaceOpenRouter)
	if err != nil {
		return OpenRouter{}, err
	}
	return OpenRouter{
		APIKey:       strings.TrimSpace(kv[KeyAPIKey]),
		DefaultModel: strings.TrimSpace(kv[KeyDefaultModel]),
		ModelOptions: ParseModelOptions(kv[KeyModelOptions]),
	}, nil
}

// ParseModelOptions decodes a model list stored either as a JSON array
// of strings or as comma/newline separated text.
func ParseModelOptions(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		out := list[:0]
		for _, m := range list {
			if m = strings.TrimSpace(m); m != "" {
				out = append(out, m)
			}
		}
		return out
	}
	return config.SplitList(raw)
}
