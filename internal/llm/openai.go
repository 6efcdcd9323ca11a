package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/todogate/internal/config"
	"github.com/nugget/todogate/internal/httpkit"
)

// OpenAICompatClient is a stateless adapter for providers exposing the
// OpenAI chat completions API. Each Send carries only the system prompt
// and the current user message.
type OpenAICompatClient struct {
	name       string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDeepSeekClient creates the DeepSeek adapter. baseURL is typically
// https://api.deepseek.com.
func NewDeepSeekClient(baseURL string, logger *slog.Logger) *OpenAICompatClient {
	return newOpenAICompat(ProviderDeepSeek, baseURL, nil, logger)
}

// NewOpenRouterClient creates the OpenRouter adapter. referer and title
// are sent as OpenRouter's optional app attribution headers.
func NewOpenRouterClient(baseURL, referer, title string, logger *slog.Logger) *OpenAICompatClient {
	headers := map[string]string{}
	if referer != "" {
		headers["HTTP-Referer"] = referer
	}
	if title != "" {
		headers["X-Title"] = title
	}
	return newOpenAICompat(ProviderOpenRouter, baseURL, headers, logger)
}

func newOpenAICompat(name, baseURL string, headers map[string]string, logger *slog.Logger) *OpenAICompatClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAICompatClient{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		headers:    headers,
		httpClient: httpkit.NewClient(),
		logger:     logger.With("provider", name),
	}
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type openAIErrorBody struct {
	Error openAIError `json:"error"`
}

// Name implements Provider.
func (c *OpenAICompatClient) Name() string { return c.name }

// Stateful implements Provider.
func (c *OpenAICompatClient) Stateful() bool { return false }

// Send implements Provider. History is ignored.
func (c *OpenAICompatClient) Send(ctx context.Context, req Request) (reply *Reply, err error) {
	ctx, span := startSpan(ctx, c.name, "send", req.Model)
	defer func() { endSpan(span, reply, err) }()

	messages := make([]Message, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, Message{Role: RoleUser, Content: req.UserMessage})

	payload, err := json.Marshal(chatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, &Error{Kind: KindInternal, Provider: c.name, Detail: "marshal request", Err: err}
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"system_len", len(req.SystemPrompt),
		"key", httpkit.MaskSecret(req.APIKey),
	)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(payload))

	raw, err := c.do(ctx, http.MethodPost, "/chat/completions", req.APIKey, payload)
	if err != nil {
		return nil, err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &Error{Kind: KindUpstream, Provider: c.name, Detail: "decode response", Err: err}
	}
	// OpenRouter reports some upstream failures inside a 200 body.
	if resp.Error != nil && len(resp.Choices) == 0 {
		return nil, c.classify(codeStatus(resp.Error.Code), *resp.Error)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, &Error{Kind: KindUpstream, Provider: c.name, Detail: "empty response"}
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return &Reply{
		Text:         strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:        model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Raw:          raw,
	}, nil
}

// Probe lists models with apiKey. Both providers authenticate the
// models endpoint, so a 200 proves the key without spending tokens.
func (c *OpenAICompatClient) Probe(ctx context.Context, apiKey, model string) (err error) {
	ctx, span := startSpan(ctx, c.name, "probe", model)
	defer func() { endSpan(span, nil, err) }()

	_, err = c.do(ctx, http.MethodGet, "/models", apiKey, nil)
	return err
}

func (c *OpenAICompatClient) do(ctx context.Context, method, path, apiKey string, payload []byte) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Provider: c.name, Detail: "create request", Err: err}
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		var eb openAIErrorBody
		if json.Unmarshal([]byte(errBody), &eb) != nil || eb.Error.Message == "" {
			eb.Error.Message = strings.TrimSpace(errBody)
		}
		return nil, c.classify(resp.StatusCode, eb.Error)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(c.name, err)
	}
	c.logger.Log(ctx, config.LevelTrace, "response payload", "json", string(raw))
	return raw, nil
}

// classify maps an OpenAI-style error to a kind. The HTTP status decides;
// a few well-known error types refine it.
func (c *OpenAICompatClient) classify(status int, oe openAIError) *Error {
	e := &Error{Provider: c.name, Status: status, Kind: statusKind(status), Detail: oe.Message}
	switch oe.Type {
	case "authentication_error", "invalid_api_key":
		e.Kind = KindAuthentication
	case "insufficient_quota", "rate_limit_error":
		e.Kind = KindQuota
	}
	return e
}

// codeStatus reads a numeric error code carried in a response body.
func codeStatus(code any) int {
	if f, ok := code.(float64); ok && f >= 100 && f < 600 {
		return int(f)
	}
	return http.StatusBadGateway
}
