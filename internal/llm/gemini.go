package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/nugget/todogate/internal/config"
	"github.com/nugget/todogate/internal/httpkit"
)

// GeminiClient talks to the Gemini generateContent API. It is stateful:
// the caller replays the session's history on every Send.
type GeminiClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiClient creates a Gemini adapter for the given API base URL,
// e.g. https://generativelanguage.googleapis.com/v1beta.
func NewGeminiClient(baseURL string, logger *slog.Logger) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(),
		logger:     logger.With("provider", ProviderGemini),
	}
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

// Name implements Provider.
func (c *GeminiClient) Name() string { return ProviderGemini }

// Stateful implements Provider.
func (c *GeminiClient) Stateful() bool { return true }

// Send implements Provider.
func (c *GeminiClient) Send(ctx context.Context, req Request) (reply *Reply, err error) {
	ctx, span := startSpan(ctx, ProviderGemini, "send", req.Model)
	defer func() { endSpan(span, reply, err) }()

	body := geminiRequest{
		Contents: make([]geminiContent, 0, len(req.History)+1),
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	for _, m := range req.History {
		body.Contents = append(body.Contents, geminiContent{
			Role:  geminiRole(m.Role),
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	body.Contents = append(body.Contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: req.UserMessage}},
	})

	c.logger.Debug("preparing request",
		"model", req.Model,
		"history", len(req.History),
		"system_len", len(req.SystemPrompt),
		"key", httpkit.MaskSecret(req.APIKey),
	)

	raw, err := c.generate(ctx, req.APIKey, req.Model, body)
	if err != nil {
		return nil, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &Error{Kind: KindUpstream, Provider: ProviderGemini, Detail: "decode response", Err: err}
	}

	text, finish := joinCandidateText(resp.Candidates)
	if text == "" {
		detail := "empty response"
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			detail = "prompt blocked: " + resp.PromptFeedback.BlockReason
		} else if finish != "" {
			detail = "no text, finish reason " + finish
		}
		return nil, &Error{Kind: KindUpstream, Provider: ProviderGemini, Detail: detail}
	}

	model := resp.ModelVersion
	if model == "" {
		model = req.Model
	}
	return &Reply{
		Text:         text,
		Model:        model,
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		Raw:          raw,
	}, nil
}

// Probe sends a one-word prompt to confirm the key works for model.
func (c *GeminiClient) Probe(ctx context.Context, apiKey, model string) (err error) {
	ctx, span := startSpan(ctx, ProviderGemini, "probe", model)
	defer func() { endSpan(span, nil, err) }()

	body := geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: "Hello"}}}},
		GenerationConfig: geminiGenerationConfig{Temperature: 0, MaxOutputTokens: 8},
	}
	_, err = c.generate(ctx, apiKey, model, body)
	return err
}

func (c *GeminiClient) generate(ctx context.Context, apiKey, model string, body geminiRequest) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Provider: ProviderGemini, Detail: "marshal request", Err: err}
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(payload))

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindInternal, Provider: ProviderGemini, Detail: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ProviderGemini, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, classifyGemini(resp.StatusCode, []byte(errBody))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ProviderGemini, err)
	}
	c.logger.Log(ctx, config.LevelTrace, "response payload", "json", string(raw))
	return raw, nil
}

// classifyGemini maps a Gemini error response to an error kind. The
// status string in the body is more precise than the HTTP code: an
// invalid key comes back as 400 INVALID_ARGUMENT with reason API_KEY_INVALID.
func classifyGemini(status int, body []byte) *Error {
	e := &Error{Provider: ProviderGemini, Status: status, Kind: statusKind(status)}

	var eb geminiErrorBody
	if json.Unmarshal(body, &eb) != nil {
		e.Detail = strings.TrimSpace(string(body))
		return e
	}
	e.Detail = eb.Error.Message

	for _, d := range eb.Error.Details {
		if d.Reason == "API_KEY_INVALID" {
			e.Kind = KindAuthentication
			return e
		}
	}
	switch eb.Error.Status {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		e.Kind = KindAuthentication
	case "RESOURCE_EXHAUSTED":
		e.Kind = KindQuota
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "NOT_FOUND":
		e.Kind = KindInvalidInput
	case "DEADLINE_EXCEEDED":
		e.Kind = KindTimeout
	case "UNAVAILABLE", "INTERNAL":
		e.Kind = KindUpstream
	}
	return e
}

func geminiRole(role string) string {
	if role == RoleAssistant {
		return "model"
	}
	return "user"
}

func joinCandidateText(cands []geminiCandidate) (text, finish string) {
	if len(cands) == 0 {
		return "", ""
	}
	var b strings.Builder
	for _, p := range cands[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return strings.TrimSpace(b.String()), cands[0].FinishReason
}
