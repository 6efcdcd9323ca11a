package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/todogate/internal/config"
	"github.com/nugget/todogate/internal/gateway"
	"github.com/nugget/todogate/internal/llm"
)

type askOutput struct {
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	SessionID string   `json:"session_id"`
	Reply     string   `json:"reply"`
	Commands  []string `json:"commands"`
}

// runAsk sends a single chat turn through the same gateway the server
// uses and prints the reply and extracted commands. Nothing is
// published over MQTT.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	fs.SetOutput(stderr)
	provider := fs.String("provider", llm.ProviderGemini, "provider: gemini, deepseek or openrouter")
	sessionID := fs.String("session", "", "session id (default: random)")
	todosPath := fs.String("todos", "", "file holding the current to-do list")
	timezone := fs.String("timezone", "", "IANA time zone of the user")
	model := fs.String("model", "", "model override")
	if err := fs.Parse(args); err != nil {
		return err
	}

	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if message == "" {
		return fmt.Errorf("usage: todogate ask [-provider p] [-session id] [-todos file] <message>")
	}
	if *sessionID == "" {
		*sessionID = uuid.NewString()
	}

	var todos string
	if *todosPath != "" {
		data, err := os.ReadFile(*todosPath)
		if err != nil {
			return fmt.Errorf("read to-do list: %w", err)
		}
		todos = string(data)
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, level, cfg.LogFormat)

	st, err := buildStack(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer st.Close()

	recCtx, recCancel := context.WithCancel(ctx)
	recDone := st.runRecorder(recCtx)
	defer func() {
		recCancel()
		<-recDone
	}()

	res, err := st.gateway.Chat(ctx, *provider, gateway.ChatRequest{
		Message:     message,
		SessionID:   *sessionID,
		TodoContext: todos,
		Timezone:    *timezone,
		Model:       *model,
	})
	if err != nil {
		return err
	}

	out := askOutput{
		Provider:  res.Provider,
		Model:     res.Model,
		SessionID: res.SessionID,
		Reply:     res.Reply,
		Commands:  make([]string, 0, len(res.Commands)),
	}
	for _, t := range res.Commands {
		out.Commands = append(out.Commands, t.String())
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, out)
	}
	fmt.Fprintln(stdout, out.Reply)
	if len(out.Commands) > 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintf(stdout, "Commands (%s, %s):\n", out.Provider, out.Model)
		for _, c := range out.Commands {
			fmt.Fprintf(stdout, "  %s\n", c)
		}
	}
	return nil
}
