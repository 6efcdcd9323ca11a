package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/todogate/internal/command"
	"github.com/nugget/todogate/internal/config"
	"github.com/nugget/todogate/internal/llm"
	"github.com/nugget/todogate/internal/policy"
	"github.com/nugget/todogate/internal/session"
	"github.com/nugget/todogate/internal/settings"
	"github.com/nugget/todogate/internal/usage"
)

type fakeProvider struct {
	name     string
	stateful bool
	reply    string
	err      error
	probeErr error
	wait     func(ctx context.Context) error

	mu       sync.Mutex
	requests []llm.Request
	probes   []string

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (f *fakeProvider) Name() string   { return f.name }
func (f *fakeProvider) Stateful() bool { return f.stateful }

func (f *fakeProvider) Send(ctx context.Context, req llm.Request) (*llm.Reply, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.wait != nil {
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Reply{Text: f.reply, Model: req.Model}, nil
}

func (f *fakeProvider) Probe(_ context.Context, apiKey, model string) error {
	f.mu.Lock()
	f.probes = append(f.probes, apiKey+"/"+model)
	f.mu.Unlock()
	return f.probeErr
}

func (f *fakeProvider) calls() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []usage.Entry
}

func (r *fakeRecorder) Record(e usage.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

type fakePublisher struct {
	batches chan command.Batch
	err     error
}

func (p *fakePublisher) PublishCommands(_ context.Context, b command.Batch) error {
	p.batches <- b
	return p.err
}

type fakeSettings struct {
	or  settings.OpenRouter
	err error
}

func (s fakeSettings) OpenRouter() (settings.OpenRouter, error) { return s.or, s.err }

type harness struct {
	svc        *Service
	cfg        *config.Config
	gemini     *fakeProvider
	deepseek   *fakeProvider
	openrouter *fakeProvider
	sessions   *session.Store
	usage      *fakeRecorder
	publisher  *fakePublisher
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Gemini.APIKey = "gem-config-key"
	cfg.Gemini.AllowedModels = nil
	cfg.DeepSeek.APIKey = "ds-config-key"
	cfg.DeepSeek.AllowedModels = nil
	cfg.OpenRouter.APIKey = ""
	cfg.OpenRouter.DefaultModel = "openrouter/auto"
	cfg.OpenRouter.AllowedModels = nil
	return cfg
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		cfg:        testConfig(),
		gemini:     &fakeProvider{name: llm.ProviderGemini, stateful: true, reply: "ok"},
		deepseek:   &fakeProvider{name: llm.ProviderDeepSeek, reply: "ok"},
		openrouter: &fakeProvider{name: llm.ProviderOpenRouter, reply: "ok"},
		sessions:   session.NewStore(),
		usage:      &fakeRecorder{},
		publisher:  &fakePublisher{batches: make(chan command.Batch, 4)},
	}
	engine, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)

	opts := Options{
		Config:    h.cfg,
		Providers: llm.NewRegistry(h.gemini, h.deepseek, h.openrouter),
		Sessions:  h.sessions,
		Policy:    engine,
		Usage:     h.usage,
		Publisher: h.publisher,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.svc = New(opts)
	return h
}

func requireKind(t *testing.T, err error, kind llm.ErrorKind) *llm.Error {
	t.Helper()
	require.Error(t, err)
	var e *llm.Error
	require.True(t, errors.As(err, &e), "error %v is not *llm.Error", err)
	assert.Equal(t, kind, e.Kind, "error: %v", err)
	return e
}

func TestChat_StatefulReplaysHistory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.gemini.reply = "Added it. 🔧[CMD:ADD|Buy milk|2026-05-02 09:00]"

	res, err := h.svc.Chat(ctx, llm.ProviderGemini, ChatRequest{
		Message:     "remind me to buy milk tomorrow at 9",
		SessionID:   "s1",
		TodoContext: "1. Call mom",
		Timezone:    "Europe/Berlin",
	})
	require.NoError(t, err)

	assert.Equal(t, h.gemini.reply, res.Reply)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, llm.ProviderGemini, res.Provider)
	assert.Equal(t, "gemini-2.5-flash", res.Model)
	require.Len(t, res.Commands, 1)
	assert.Equal(t, command.Add, res.Commands[0].Kind)
	assert.Equal(t, []string{"Buy milk", "2026-05-02 09:00"}, res.Commands[0].Args)

	_, err = h.svc.Chat(ctx, llm.ProviderGemini, ChatRequest{Message: "thanks", SessionID: "s1"})
	require.NoError(t, err)

	calls := h.gemini.calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].History)
	require.Len(t, calls[1].History, 2)
	assert.Equal(t, llm.RoleUser, calls[1].History[0].Role)
	assert.Equal(t, "remind me to buy milk tomorrow at 9", calls[1].History[0].Content)
	assert.Equal(t, llm.RoleAssistant, calls[1].History[1].Role)
	assert.Contains(t, calls[0].SystemPrompt, "1. Call mom")
	assert.Equal(t, "gem-config-key", calls[0].APIKey)
}

func TestChat_StatelessSendsNoHistory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for range 3 {
		_, err := h.svc.Chat(ctx, llm.ProviderDeepSeek, ChatRequest{Message: "hi", SessionID: "s"})
		require.NoError(t, err)
	}
	for _, c := range h.deepseek.calls() {
		assert.Empty(t, c.History)
		assert.Equal(t, "hi", c.UserMessage)
	}
}

func TestChat_ProvidersDoNotShareHistory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Chat(ctx, llm.ProviderGemini, ChatRequest{Message: "one", SessionID: "s"})
	require.NoError(t, err)
	_, err = h.svc.Chat(ctx, llm.ProviderDeepSeek, ChatRequest{Message: "two", SessionID: "s"})
	require.NoError(t, err)

	gem, ok := h.sessions.Lookup("s", llm.ProviderGemini)
	require.True(t, ok)
	assert.Equal(t, 2, gem.Len())

	ds, ok := h.sessions.Lookup("s", llm.ProviderDeepSeek)
	require.True(t, ok)
	assert.Equal(t, 0, ds.Len())
}

func TestChat_DefaultSessionID(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.svc.Chat(context.Background(), llm.ProviderGemini, ChatRequest{Message: "hi", SessionID: "  "})
	require.NoError(t, err)
	assert.Equal(t, session.DefaultID, res.SessionID)
}

func TestChat_InvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		req      ChatRequest
		setup    func(*harness)
	}{
		{"empty message", llm.ProviderGemini, ChatRequest{Message: "   "}, nil},
		{"unknown provider", "claude", ChatRequest{Message: "hi"}, nil},
		{"no key anywhere", llm.ProviderOpenRouter, ChatRequest{Message: "hi"}, nil},
		{"model outside allow-list", llm.ProviderDeepSeek, ChatRequest{Message: "hi", Model: "deepseek-reasoner"}, func(h *harness) {
			h.cfg.DeepSeek.AllowedModels = []string{"deepseek-chat"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			if tt.setup != nil {
				tt.setup(h)
			}
			_, err := h.svc.Chat(context.Background(), tt.provider, tt.req)
			e := requireKind(t, err, llm.KindInvalidInput)
			assert.NotEmpty(t, e.ClientMessage())

			assert.Empty(t, h.gemini.calls())
			assert.Empty(t, h.deepseek.calls())
			assert.Empty(t, h.openrouter.calls())
			assert.Equal(t, 0, h.sessions.Len())
		})
	}
}

func TestChat_KeyPrecedence(t *testing.T) {
	admin := fakeSettings{or: settings.OpenRouter{APIKey: "or-admin-key"}}
	h := newHarness(t, func(o *Options) { o.Settings = admin })
	ctx := context.Background()

	_, err := h.svc.Chat(ctx, llm.ProviderOpenRouter, ChatRequest{Message: "hi"})
	require.NoError(t, err)

	h.cfg.OpenRouter.APIKey = "or-config-key"
	_, err = h.svc.Chat(ctx, llm.ProviderOpenRouter, ChatRequest{Message: "hi"})
	require.NoError(t, err)

	_, err = h.svc.Chat(ctx, llm.ProviderOpenRouter, ChatRequest{Message: "hi", APIKey: " or-request-key "})
	require.NoError(t, err)

	calls := h.openrouter.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "or-admin-key", calls[0].APIKey)
	assert.Equal(t, "or-config-key", calls[1].APIKey)
	assert.Equal(t, "or-request-key", calls[2].APIKey)
}

func TestChat_OpenRouterAdminModelAndOptions(t *testing.T) {
	admin := fakeSettings{or: settings.OpenRouter{
		APIKey:       "k",
		DefaultModel: "openai/gpt-4o-mini",
		ModelOptions: []string{"openai/gpt-4o-mini", "deepseek/deepseek-chat"},
	}}
	h := newHarness(t, func(o *Options) { o.Settings = admin })
	ctx := context.Background()

	res, err := h.svc.Chat(ctx, llm.ProviderOpenRouter, ChatRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o-mini", res.Model)

	res, err = h.svc.Chat(ctx, llm.ProviderOpenRouter, ChatRequest{Message: "hi", Model: "deepseek/deepseek-chat"})
	require.NoError(t, err)
	assert.Equal(t, "deepseek/deepseek-chat", res.Model)

	_, err = h.svc.Chat(ctx, llm.ProviderOpenRouter, ChatRequest{Message: "hi", Model: "anthropic/claude-3-opus"})
	requireKind(t, err, llm.KindInvalidInput)
	assert.Len(t, h.openrouter.calls(), 2)
}

func TestChat_AdminSettingsFailureFallsBack(t *testing.T) {
	admin := fakeSettings{err: errors.New("database is locked")}
	h := newHarness(t, func(o *Options) { o.Settings = admin })
	h.cfg.OpenRouter.APIKey = "cfg"

	res, err := h.svc.Chat(context.Background(), llm.ProviderOpenRouter, ChatRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "openrouter/auto", res.Model)
}

func TestChat_NilPolicyUsesAllowList(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Policy = nil })
	h.cfg.Gemini.AllowedModels = []string{"gemini-2.5-flash"}
	ctx := context.Background()

	_, err := h.svc.Chat(ctx, llm.ProviderGemini, ChatRequest{Message: "hi"})
	require.NoError(t, err)
	_, err = h.svc.Chat(ctx, llm.ProviderGemini, ChatRequest{Message: "hi", Model: "gemini-1.0-pro"})
	requireKind(t, err, llm.KindInvalidInput)
}

func TestChat_ClampsGenerationParams(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	hot, huge := 3.5, 100000
	_, err := h.svc.Chat(ctx, llm.ProviderDeepSeek, ChatRequest{Message: "hi", Temperature: &hot, MaxTokens: &huge})
	require.NoError(t, err)

	cold, none := -1.0, 0
	_, err = h.svc.Chat(ctx, llm.ProviderDeepSeek, ChatRequest{Message: "hi", Temperature: &cold, MaxTokens: &none})
	require.NoError(t, err)

	_, err = h.svc.Chat(ctx, llm.ProviderDeepSeek, ChatRequest{Message: "hi"})
	require.NoError(t, err)

	calls := h.deepseek.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, 2.0, calls[0].Temperature)
	assert.Equal(t, 4096, calls[0].MaxTokens)
	assert.Equal(t, 0.0, calls[1].Temperature)
	assert.Equal(t, 1, calls[1].MaxTokens)
	assert.Equal(t, 0.7, calls[2].Temperature)
	assert.Equal(t, 2048, calls[2].MaxTokens)
}

func TestChat_ConfiguredZeroTemperature(t *testing.T) {
	h := newHarness(t, nil)
	zero := 0.0
	h.cfg.Generation.Temperature = &zero

	_, err := h.svc.Chat(context.Background(), llm.ProviderDeepSeek, ChatRequest{Message: "hi"})
	require.NoError(t, err)

	calls := h.deepseek.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 0.0, calls[0].Temperature)
}

func TestChat_ProviderErrorKeepsKindAndHistory(t *testing.T) {
	h := newHarness(t, nil)
	h.gemini.err = &llm.Error{Kind: llm.KindQuota, Provider: llm.ProviderGemini, Status: 429, Detail: "RESOURCE_EXHAUSTED"}

	_, err := h.svc.Chat(context.Background(), llm.ProviderGemini, ChatRequest{Message: "hi", SessionID: "q"})
	e := requireKind(t, err, llm.KindQuota)
	assert.Equal(t, llm.KindQuota.PublicMessage(), e.ClientMessage())

	conv, ok := h.sessions.Lookup("q", llm.ProviderGemini)
	require.True(t, ok)
	assert.Equal(t, 0, conv.Len(), "failed turn must not be appended")
	assert.Empty(t, h.usage.entries)
}

func TestChat_Timeout(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.Timeouts.ChatSec = 1
	h.deepseek.wait = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	start := time.Now()
	_, err := h.svc.Chat(context.Background(), llm.ProviderDeepSeek, ChatRequest{Message: "hi"})
	requireKind(t, err, llm.KindTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestChat_CallerCancelDoesNotAbortTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.gemini.wait = func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	defer cancel()

	res, err := h.svc.Chat(ctx, llm.ProviderGemini, ChatRequest{Message: "hi", SessionID: "gone"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Reply)

	conv, ok := h.sessions.Lookup("gone", llm.ProviderGemini)
	require.True(t, ok)
	assert.Equal(t, 2, conv.Len())

	h.usage.mu.Lock()
	defer h.usage.mu.Unlock()
	assert.Len(t, h.usage.entries, 1)
}

func TestChat_RejectedCandidatesDoNotFail(t *testing.T) {
	h := newHarness(t, nil)
	h.deepseek.reply = "🔧[CMD:COMPLETE|abc] and 🔧[CMD:DELETE|4] and 🔧[CMD:ADD Buy eggs]"

	res, err := h.svc.Chat(context.Background(), llm.ProviderDeepSeek, ChatRequest{Message: "hi"})
	require.NoError(t, err)
	require.Len(t, res.Commands, 1)
	assert.Equal(t, command.Delete, res.Commands[0].Kind)
	require.Len(t, res.Rejected, 2)
	assert.Equal(t, command.ReasonNonNumericID, res.Rejected[0].Err.Reason)
	assert.Equal(t, command.ReasonBadSeparator, res.Rejected[1].Err.Reason)
}

func TestChat_HandOff(t *testing.T) {
	h := newHarness(t, nil)
	h.deepseek.reply = "Done 🔧[CMD:COMPLETE|12]"
	uid := int64(42)

	res, err := h.svc.Chat(context.Background(), llm.ProviderDeepSeek, ChatRequest{
		Message:   "I finished the report",
		SessionID: "u42",
		UserID:    &uid,
	})
	require.NoError(t, err)

	h.usage.mu.Lock()
	require.Len(t, h.usage.entries, 1)
	e := h.usage.entries[0]
	h.usage.mu.Unlock()
	assert.Equal(t, &uid, e.UserID)
	assert.Equal(t, "u42", e.SessionID)
	assert.Equal(t, "I finished the report", e.Request)
	assert.Equal(t, res.Reply, e.Response)
	assert.Equal(t, llm.ProviderDeepSeek, e.Provider)

	select {
	case b := <-h.publisher.batches:
		assert.Equal(t, "u42", b.SessionID)
		assert.Equal(t, res.Commands, b.Commands)
		assert.Equal(t, "deepseek-chat", b.Model)
	case <-time.After(2 * time.Second):
		t.Fatal("command batch was not published")
	}
}

func TestChat_NoPublishWithoutCommands(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Chat(context.Background(), llm.ProviderDeepSeek, ChatRequest{Message: "hi"})
	require.NoError(t, err)

	select {
	case b := <-h.publisher.batches:
		t.Fatalf("unexpected batch %+v", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChat_PublishFailureDoesNotFailTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.publisher.err = errors.New("broker down")
	h.deepseek.reply = "🔧[CMD:DELETE|3]"

	_, err := h.svc.Chat(context.Background(), llm.ProviderDeepSeek, ChatRequest{Message: "hi"})
	require.NoError(t, err)
	<-h.publisher.batches
}

func TestChat_SerializesSameSession(t *testing.T) {
	h := newHarness(t, nil)
	h.gemini.wait = func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Chat(context.Background(), llm.ProviderGemini, ChatRequest{Message: "hi", SessionID: "same"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.gemini.maxInflight.Load())
	conv, ok := h.sessions.Lookup("same", llm.ProviderGemini)
	require.True(t, ok)
	assert.Equal(t, 10, conv.Len())
}

func TestChat_DifferentSessionsRunConcurrently(t *testing.T) {
	h := newHarness(t, nil)
	entered := make(chan struct{}, 2)
	proceed := make(chan struct{})
	h.deepseek.wait = func(ctx context.Context) error {
		entered <- struct{}{}
		select {
		case <-proceed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Chat(context.Background(), llm.ProviderDeepSeek, ChatRequest{Message: "hi", SessionID: id})
			assert.NoError(t, err)
		}()
	}

	for range 2 {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("sessions did not reach the provider concurrently")
		}
	}
	close(proceed)
	wg.Wait()
}

func TestClearSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Chat(ctx, llm.ProviderGemini, ChatRequest{Message: "hi", SessionID: "c"})
	require.NoError(t, err)
	_, err = h.svc.Chat(ctx, llm.ProviderDeepSeek, ChatRequest{Message: "hi", SessionID: "c"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.svc.ActiveSessions())

	assert.True(t, h.svc.ClearSession("c"))
	assert.False(t, h.svc.ClearSession("c"))
	assert.False(t, h.svc.ClearSession("never"))

	_, ok := h.sessions.Lookup("c", llm.ProviderGemini)
	assert.False(t, ok)
	_, ok = h.sessions.Lookup("c", llm.ProviderDeepSeek)
	assert.False(t, ok)

	_, err = h.svc.Chat(ctx, llm.ProviderGemini, ChatRequest{Message: "again", SessionID: "c"})
	require.NoError(t, err)
	calls := h.gemini.calls()
	assert.Empty(t, calls[len(calls)-1].History)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Chat(context.Background(), llm.ProviderGemini, ChatRequest{Message: "hi"})
	require.NoError(t, err)

	st, err := h.svc.Status(llm.ProviderGemini)
	require.NoError(t, err)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, "gemini-2.5-flash", st.Model)
	assert.True(t, st.Configured)
	assert.Equal(t, 1, st.Sessions)

	st, err = h.svc.Status(llm.ProviderOpenRouter)
	require.NoError(t, err)
	assert.False(t, st.Configured)

	_, err = h.svc.Status("nope")
	requireKind(t, err, llm.KindInvalidInput)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	got := h.svc.Health()
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, "gemini-2.5-flash", got.Model)
	assert.Equal(t, []string{"deepseek", "gemini", "openrouter"}, got.Providers)
	assert.Equal(t, "deepseek-chat", got.Models[llm.ProviderDeepSeek])
}

func TestInit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.svc.Init(ctx, llm.ProviderGemini, " probe-key ", "")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", res.Model)
	assert.Equal(t, []string{"probe-key/gemini-2.5-flash"}, h.gemini.probes)

	_, err = h.svc.Init(ctx, llm.ProviderGemini, "", "")
	requireKind(t, err, llm.KindInvalidInput)

	h.deepseek.probeErr = &llm.Error{Kind: llm.KindAuthentication, Provider: llm.ProviderDeepSeek, Status: 401}
	_, err = h.svc.Init(ctx, llm.ProviderDeepSeek, "bad", "deepseek-chat")
	requireKind(t, err, llm.KindAuthentication)
}
