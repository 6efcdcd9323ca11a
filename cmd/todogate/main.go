// Todogate is a chat gateway that turns natural-language requests into
// to-do commands.
//
// It relays a user's message to Gemini, DeepSeek or OpenRouter with a
// system prompt describing the user's current to-do list, and extracts
// the command tokens the model embeds in its reply. Configuration is
// loaded from a YAML file discovered automatically (see
// [config.DefaultSearchPaths]); without one, environment variables and
// built-in defaults are used.
//
// Usage:
//
//	todogate serve                     Start the HTTP API server
//	todogate init [dir]                Write an example config.yaml
//	todogate ask [-provider p] <msg>   Send one chat turn and print the reply
//	todogate parse                     Extract command tokens from stdin
//	todogate setting <ns> [key [val]]  Read or write admin settings
//	todogate usage [days]              Summarize recorded usage
//	todogate version                   Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/todogate/internal/buildinfo"
	"github.com/nugget/todogate/internal/config"
)

// main only wires the OS environment into run so the whole command
// surface can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	outputFmt  string // text or json
}

// run is the real entry point. Arguments are parsed by hand because the
// flag package's global state gets in the way of parallel tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, opts, cmdArgs)
	case "parse":
		return runParse(stdin, stdout, opts)
	case "setting":
		return runSetting(stdout, opts, cmdArgs)
	case "usage":
		return runUsage(stdout, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	b := buildinfo.Current()
	if outputFmt == "json" {
		return writeJSON(w, b)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, kv := range [][2]string{
		{"version", b.Version},
		{"git_commit", b.GitCommit},
		{"build_time", b.BuildTime},
		{"go_version", b.GoVersion},
		{"os", b.OS},
		{"arch", b.Arch},
	} {
		fmt.Fprintf(w, "  %-12s %s\n", kv[0]+":", kv[1])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Todogate - to-do command chat gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: todogate [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                      Start the HTTP API server")
	fmt.Fprintln(w, "  init [dir]                 Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask [-provider p] [-session id] [-todos file] <message>")
	fmt.Fprintln(w, "                             Send one chat turn and print the reply")
	fmt.Fprintln(w, "  parse                      Extract command tokens from stdin")
	fmt.Fprintln(w, "  setting <ns> [key [value]] List, read or write admin settings")
	fmt.Fprintln(w, "  usage [days]               Summarize recorded usage (default: 1 day)")
	fmt.Fprintln(w, "  version                    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/todogate/config.yaml, /etc/todogate/config.yaml")
	return nil
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(config.NewLogHandler(w, level, format))
}

// loadConfig loads the explicit or discovered config file. When none is
// found by discovery, defaults plus environment overrides are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		cfg := config.Default()
		return cfg, "", cfg.Validate()
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
