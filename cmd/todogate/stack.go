package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/todogate/internal/config"
	"github.com/nugget/todogate/internal/gateway"
	"github.com/nugget/todogate/internal/llm"
	"github.com/nugget/todogate/internal/mqtt"
	"github.com/nugget/todogate/internal/policy"
	"github.com/nugget/todogate/internal/session"
	"github.com/nugget/todogate/internal/settings"
	"github.com/nugget/todogate/internal/usage"
)

// stack is the assembled gateway and the background pieces it owns.
type stack struct {
	gateway   *gateway.Service
	sessions  *session.Store
	recorder  *usage.Recorder
	publisher *mqtt.Publisher
	tokens    *mqtt.DailyTokens

	closers []func() error
}

// sessionStats adapts the session store to [mqtt.StatsSource].
type sessionStats struct {
	store *session.Store
}

func (s sessionStats) ActiveSessions() int { return s.store.Len() }

// settingsPath is where the admin settings database lives.
func settingsPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "settings.db")
}

// newProviders builds the adapter registry from configuration.
func newProviders(cfg *config.Config, logger *slog.Logger) *llm.Registry {
	return llm.NewRegistry(
		llm.NewGeminiClient(cfg.Gemini.BaseURL, logger),
		llm.NewDeepSeekClient(cfg.DeepSeek.BaseURL, logger),
		llm.NewOpenRouterClient(cfg.OpenRouter.BaseURL, cfg.OpenRouter.Referer, cfg.OpenRouter.Title, logger),
	)
}

// newPolicy compiles the configured Rego module, or the built-in
// allow-list policy when none is set.
func newPolicy(ctx context.Context, cfg *config.Config) (*policy.Engine, error) {
	if cfg.PolicyFile == "" {
		return policy.NewDefaultEngine(ctx)
	}
	module, err := os.ReadFile(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return policy.NewEngine(ctx, string(module))
}

// buildStack assembles the gateway. Optional stores that fail to open
// are logged and left out; withMQTT controls the command publisher.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger, withMQTT bool) (*stack, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	st := &stack{sessions: session.NewStore()}

	engine, err := newPolicy(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("model policy: %w", err)
	}

	var admin gateway.AdminSettings
	if store, err := settings.Open(settingsPath(cfg)); err != nil {
		logger.Warn("admin settings unavailable", "path", settingsPath(cfg), "error", err)
	} else {
		admin = store
		st.closers = append(st.closers, store.Close)
	}

	var sink usage.Sink
	switch {
	case cfg.Usage.Disabled:
		logger.Info("usage recording disabled")
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Usage.Path), 0o755); err != nil {
			logger.Warn("usage directory unavailable, recording disabled", "path", cfg.Usage.Path, "error", err)
			break
		}
		store, err := usage.NewStore(cfg.Usage.Path)
		if err != nil {
			logger.Warn("usage store unavailable, recording disabled", "path", cfg.Usage.Path, "error", err)
			break
		}
		sink = store
		st.closers = append(st.closers, store.Close)
	}
	st.recorder = usage.NewRecorder(sink, cfg.Usage.QueueSize, logger)

	var publisher gateway.CommandPublisher
	if withMQTT && cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		st.tokens = mqtt.NewDailyTokens(time.Local)
		st.recorder.SetObserver(st.tokens)
		st.publisher = mqtt.New(cfg.MQTT, instanceID, st.tokens, sessionStats{st.sessions}, logger.With("component", "mqtt"))
		publisher = st.publisher
	}

	st.gateway = gateway.New(gateway.Options{
		Config:    cfg,
		Providers: newProviders(cfg, logger),
		Sessions:  st.sessions,
		Settings:  admin,
		Policy:    engine,
		Usage:     st.recorder,
		Publisher: publisher,
		Logger:    logger,
	})
	return st, nil
}

// runRecorder drains the usage queue until ctx is done. The returned
// channel closes once the final flush has finished.
func (s *stack) runRecorder(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.recorder.Run(ctx)
	}()
	return done
}

// Close releases the stores in reverse order of opening.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
	s.closers = nil
}
