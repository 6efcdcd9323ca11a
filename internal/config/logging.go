package config

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
)

// LevelTrace sits below debug and is used only for full upstream
// request and response payloads, which may contain user to-do lists.
const LevelTrace = slog.Level(-8)

// logLevels maps accepted log_level spellings to levels. The empty
// string means info.
var logLevels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// logFormats are the accepted log_format values.
var logFormats = []string{"text", "json"}

// ParseLogLevel converts a case-insensitive log_level value to a level.
func ParseLogLevel(s string) (slog.Level, error) {
	if level, ok := logLevels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// checkLogFormat reports whether format names a supported handler.
func checkLogFormat(format string) error {
	if slices.Contains(logFormats, format) {
		return nil
	}
	return fmt.Errorf("log_format %q invalid (valid: %s)", format, strings.Join(logFormats, ", "))
}

// NewLogHandler returns a text or JSON handler at level. Trace records
// are labelled TRACE rather than slog's default DEBUG-4.
func NewLogHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
