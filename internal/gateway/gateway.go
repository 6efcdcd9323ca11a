// Package gateway turns one chat request into one provider call. It
// resolves the provider, key, model and generation parameters, builds
// the to-do system prompt, serializes turns per session, and hands the
// reply's command tokens and usage off to their consumers without
// waiting on them.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/todogate/internal/command"
	"github.com/nugget/todogate/internal/config"
	"github.com/nugget/todogate/internal/llm"
	"github.com/nugget/todogate/internal/policy"
	"github.com/nugget/todogate/internal/prompts"
	"github.com/nugget/todogate/internal/session"
	"github.com/nugget/todogate/internal/settings"
	"github.com/nugget/todogate/internal/usage"
)

// publishTimeout bounds a detached command hand-off.
const publishTimeout = 10 * time.Second

// Sessions is the session store the gateway depends on.
// *session.Store implements it.
type Sessions interface {
	GetOrCreate(id, provider string) (*session.Conversation, bool)
	Clear(id string) bool
	Len() int
	Acquire(ctx context.Context, id string) (release func(), err error)
}

// AdminSettings supplies runtime OpenRouter overrides.
// *settings.Store implements it.
type AdminSettings interface {
	OpenRouter() (settings.OpenRouter, error)
}

// ModelPolicy decides whether a model may be used.
// *policy.Engine implements it.
type ModelPolicy interface {
	ModelAllowed(ctx context.Context, in policy.Input) (bool, error)
}

// UsageRecorder accepts usage hand-offs. *usage.Recorder implements it.
type UsageRecorder interface {
	Record(e usage.Entry)
}

// CommandPublisher forwards parsed command batches to the executor.
// *mqtt.Publisher implements it.
type CommandPublisher interface {
	PublishCommands(ctx context.Context, b command.Batch) error
}

// Options configures a Service. Providers, Sessions and Config are
// required; the rest may be nil.
type Options struct {
	Config    *config.Config
	Providers *llm.Registry
	Sessions  Sessions
	Settings  AdminSettings
	Policy    ModelPolicy
	Usage     UsageRecorder
	Publisher CommandPublisher
	Logger    *slog.Logger

	// ServerLocation is the zone server time is shown in. Nil means
	// time.Local.
	ServerLocation *time.Location
}

// Service is the chat gateway.
type Service struct {
	cfg       *config.Config
	providers *llm.Registry
	sessions  Sessions
	settings  AdminSettings
	policy    ModelPolicy
	usage     UsageRecorder
	publisher CommandPublisher
	serverLoc *time.Location
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       opts.Config,
		providers: opts.Providers,
		sessions:  opts.Sessions,
		settings:  opts.Settings,
		policy:    opts.Policy,
		usage:     opts.Usage,
		publisher: opts.Publisher,
		serverLoc: opts.ServerLocation,
		logger:    logger.With("component", "gateway"),
		now:       time.Now,
	}
}

// ChatRequest is one user turn. Pointer fields are optional overrides.
type ChatRequest struct {
	Message     string
	SessionID   string
	TodoContext string
	Timezone    string
	UserID      *int64
	APIKey      string
	Model       string
	Temperature *float64
	MaxTokens   *int
}

// ChatResult is a successful turn. Reply is the model's text unmodified;
// Commands are the tokens extracted from it in order of appearance.
type ChatResult struct {
	Reply     string
	SessionID string
	Provider  string
	Model     string
	Commands  []command.Token
	Rejected  []command.Candidate
	Timestamp time.Time
}

// Chat runs one turn against provider. Every error is an *llm.Error.
func (s *Service) Chat(ctx context.Context, provider string, req ChatRequest) (*ChatResult, error) {
	p, err := s.providers.Get(provider)
	if err != nil {
		return nil, err
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, llm.InvalidInput(provider, "message must not be empty")
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = session.DefaultID
	}

	params, err := s.resolve(ctx, provider, req)
	if err != nil {
		return nil, err
	}

	// A turn is bounded only by the chat deadline; a caller that goes away
	// does not abort it, so the history and usage stay consistent.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeouts.Chat())
	defer cancel()

	release, err := s.sessions.Acquire(ctx, sessionID)
	if err != nil {
		kind := llm.KindInternal
		if errors.Is(err, context.DeadlineExceeded) {
			kind = llm.KindTimeout
		}
		return nil, &llm.Error{Kind: kind, Provider: provider, Detail: "waiting for session", Err: err}
	}
	defer release()

	conv, created := s.sessions.GetOrCreate(sessionID, provider)
	if created {
		s.logger.Debug("conversation created", "session_id", sessionID, "provider", provider)
	}

	now := s.now()
	system := prompts.TodoSystemPrompt(prompts.TodoPromptInput{
		TodoContext:    req.TodoContext,
		Timezone:       req.Timezone,
		Now:            now,
		ServerLocation: s.serverLoc,
	})

	var history []llm.Message
	if p.Stateful() {
		for _, m := range conv.Messages() {
			history = append(history, llm.Message{Role: m.Role, Content: m.Content})
		}
	}

	s.logger.Info("chat request",
		"provider", provider,
		"model", params.model,
		"session_id", sessionID,
		"history", len(history),
		"api_key", params.maskedKey(),
	)

	reply, err := p.Send(ctx, llm.Request{
		APIKey:       params.apiKey,
		Model:        params.model,
		SystemPrompt: system,
		History:      history,
		UserMessage:  message,
		Temperature:  params.temperature,
		MaxTokens:    params.maxTokens,
	})
	if err != nil {
		s.logger.Warn("chat failed",
			"provider", provider,
			"model", params.model,
			"session_id", sessionID,
			"kind", llm.KindOf(err).String(),
			"error", err,
		)
		return nil, asLLMError(provider, err)
	}

	if p.Stateful() {
		done := s.now()
		conv.Append(
			session.Message{Role: llm.RoleUser, Content: message, Timestamp: now},
			session.Message{Role: llm.RoleAssistant, Content: reply.Text, Timestamp: done},
		)
	}

	model := reply.Model
	if model == "" {
		model = params.model
	}

	parsed := command.Parse(reply.Text)
	for _, c := range parsed.Rejected {
		s.logger.Warn("rejected command candidate",
			"provider", provider,
			"model", model,
			"session_id", sessionID,
			"reason", c.Err.Reason,
			"raw", c.Raw,
		)
	}

	result := &ChatResult{
		Reply:     reply.Text,
		SessionID: sessionID,
		Provider:  provider,
		Model:     model,
		Commands:  parsed.Tokens,
		Rejected:  parsed.Rejected,
		Timestamp: now,
	}
	s.handOff(ctx, req, message, result)
	return result, nil
}

// handOff enqueues usage and publishes the command batch. Neither is
// awaited and neither can fail the turn.
func (s *Service) handOff(ctx context.Context, req ChatRequest, message string, res *ChatResult) {
	if s.usage != nil {
		s.usage.Record(usage.Entry{
			UserID:    req.UserID,
			SessionID: res.SessionID,
			Provider:  res.Provider,
			Model:     res.Model,
			Request:   message,
			Response:  res.Reply,
			At:        res.Timestamp,
		})
	}

	if s.publisher == nil || len(res.Commands) == 0 {
		return
	}
	batch := command.Batch{
		SessionID: res.SessionID,
		Provider:  res.Provider,
		Model:     res.Model,
		Timestamp: res.Timestamp,
		Commands:  res.Commands,
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	go func() {
		defer cancel()
		if err := s.publisher.PublishCommands(pubCtx, batch); err != nil {
			s.logger.Warn("command hand-off failed",
				"session_id", batch.SessionID,
				"commands", len(batch.Commands),
				"error", err,
			)
		}
	}()
}

// ClearSession removes every provider conversation under id. It reports
// false when the identifier was unknown.
func (s *Service) ClearSession(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		id = session.DefaultID
	}
	cleared := s.sessions.Clear(id)
	s.logger.Info("session clear", "session_id", id, "cleared", cleared)
	return cleared
}

// ActiveSessions returns the number of live sessions.
func (s *Service) ActiveSessions() int { return s.sessions.Len() }

// asLLMError guarantees the closed error set at the gateway boundary.
func asLLMError(provider string, err error) *llm.Error {
	var e *llm.Error
	if errors.As(err, &e) {
		return e
	}
	return &llm.Error{Kind: llm.KindOf(err), Provider: provider, Err: err}
}
