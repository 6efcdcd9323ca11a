// Package config handles Todogate configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Generation parameter bounds. Out-of-range values are clamped, not rejected.
const (
	MinTemperature     = 0.0
	MaxTemperature     = 2.0
	DefaultTemperature = 0.7
	MinMaxTokens       = 1
	MaxMaxTokens       = 4096
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/todogate/config.yaml, /etc/todogate/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "todogate", "config.yaml"))
	}

	paths = append(paths, "/etc/todogate/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no search path holds a file.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error wrapping ErrNoConfig if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all Todogate configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Gemini     ProviderConfig   `yaml:"gemini"`
	DeepSeek   ProviderConfig   `yaml:"deepseek"`
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	Generation GenerationConfig `yaml:"generation"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Usage      UsageConfig      `yaml:"usage"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	PolicyFile string           `yaml:"policy_file"` // Rego module replacing the built-in model policy
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address  string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port     int    `yaml:"port"`
	BasePath string `yaml:"base_path"` // Route prefix (default: /api)
}

// ProviderConfig holds the statically configured settings for one
// upstream LLM provider. The API key may be overridden per request or,
// for OpenRouter, through the admin settings store.
type ProviderConfig struct {
	APIKey        string   `yaml:"api_key"`
	DefaultModel  string   `yaml:"default_model"`
	AllowedModels []string `yaml:"allowed_models"` // empty = unrestricted
	BaseURL       string   `yaml:"base_url"`
}

// OpenRouterConfig adds attribution headers to the common provider settings.
type OpenRouterConfig struct {
	ProviderConfig `yaml:",inline"`
	Referer        string `yaml:"referer"`
	Title          string `yaml:"title"`
}

// GenerationConfig holds the defaults applied when a request omits them.
// Temperature is a pointer so an explicit 0 in the file survives defaulting.
type GenerationConfig struct {
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

// Temp returns the configured default temperature, or DefaultTemperature
// when none was set.
func (g GenerationConfig) Temp() float64 {
	if g.Temperature == nil {
		return DefaultTemperature
	}
	return *g.Temperature
}

// TimeoutsConfig bounds upstream calls. Probes use a short deadline,
// chats a longer one.
type TimeoutsConfig struct {
	ProbeSec int `yaml:"probe_sec"`
	ChatSec  int `yaml:"chat_sec"`
}

// Probe returns the probe deadline as a duration.
func (t TimeoutsConfig) Probe() time.Duration { return time.Duration(t.ProbeSec) * time.Second }

// Chat returns the chat deadline as a duration.
func (t TimeoutsConfig) Chat() time.Duration { return time.Duration(t.ChatSec) * time.Second }

// UsageConfig controls the usage recorder. When Disabled is set or the
// store cannot be opened, recording is a silent no-op.
type UsageConfig struct {
	Disabled  bool   `yaml:"disabled"`
	Path      string `yaml:"path"` // default: <data_dir>/usage.db
	QueueSize int    `yaml:"queue_size"`
}

// MQTTConfig enables the optional command hand-off publisher. When
// Broker is empty the publisher is not started.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtts://broker.local:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker URL has been provided.
func (m MQTTConfig) Configured() bool { return m.Broker != "" }

// Load reads configuration from a YAML file, expands ${VAR} references,
// applies environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a default configuration with environment overrides applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// applyEnv lets the conventional provider environment variables win over
// file values, matching how operators usually inject secrets.
func (c *Config) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" {
		c.DeepSeek.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		c.OpenRouter.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_DEFAULT_MODEL"); v != "" {
		c.OpenRouter.DefaultModel = v
	}
	if v := os.Getenv("OPENROUTER_MODEL_OPTIONS"); v != "" {
		c.OpenRouter.AllowedModels = SplitList(v)
	}
	if v := os.Getenv("TODOGATE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 5000
	}
	if c.Listen.BasePath == "" {
		c.Listen.BasePath = "/api"
	}
	c.Listen.BasePath = "/" + strings.Trim(c.Listen.BasePath, "/")
	if c.Listen.BasePath == "/" {
		c.Listen.BasePath = ""
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.Gemini.DefaultModel == "" {
		c.Gemini.DefaultModel = "gemini-2.5-flash"
	}
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if c.DeepSeek.DefaultModel == "" {
		c.DeepSeek.DefaultModel = "deepseek-chat"
	}
	if c.DeepSeek.BaseURL == "" {
		c.DeepSeek.BaseURL = "https://api.deepseek.com"
	}
	if c.OpenRouter.DefaultModel == "" {
		c.OpenRouter.DefaultModel = "openrouter/auto"
	}
	if c.OpenRouter.BaseURL == "" {
		c.OpenRouter.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.OpenRouter.Title == "" {
		c.OpenRouter.Title = "Todogate"
	}

	if c.Generation.Temperature == nil {
		t := DefaultTemperature
		c.Generation.Temperature = &t
	}
	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = 2048
	}
	if c.Timeouts.ProbeSec <= 0 {
		c.Timeouts.ProbeSec = 10
	}
	if c.Timeouts.ChatSec <= 0 {
		c.Timeouts.ChatSec = 60
	}
	if c.Usage.QueueSize <= 0 {
		c.Usage.QueueSize = 256
	}
	if c.Usage.Path == "" {
		c.Usage.Path = filepath.Join(c.DataDir, "usage.db")
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "todogate"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate reports configuration that cannot work at all. Missing API
// keys are not errors: keys may arrive per request or via admin settings.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if err := checkLogFormat(c.LogFormat); err != nil {
		return err
	}
	for name, url := range map[string]string{
		"gemini.base_url":     c.Gemini.BaseURL,
		"deepseek.base_url":   c.DeepSeek.BaseURL,
		"openrouter.base_url": c.OpenRouter.BaseURL,
	} {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("%s %q must be an http(s) URL", name, url)
		}
	}
	return nil
}

// ClampTemperature bounds t to [MinTemperature, MaxTemperature].
func ClampTemperature(t float64) float64 {
	return min(max(t, MinTemperature), MaxTemperature)
}

// ClampMaxTokens bounds n to [MinMaxTokens, MaxMaxTokens].
func ClampMaxTokens(n int) int {
	return min(max(n, MinMaxTokens), MaxMaxTokens)
}

// SplitList parses a model list given either as a JSON-ish array
// (["a","b"]) or as comma/newline separated text. Empty entries are dropped.
func SplitList(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' || r == '\r' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(strings.TrimSpace(f), `"'`)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
