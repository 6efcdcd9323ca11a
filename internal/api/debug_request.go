package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/nugget/todogate/internal/httpkit"
)

// LogValue renders the request for debug logs with the API key masked
// and the free-text fields reduced to their lengths.
func (b chatBody) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("session_id", b.SessionID),
		slog.Int("message_len", len(b.Message)),
		slog.Int("todo_context_len", len(b.TodoContext)),
		slog.String("timezone", b.Timezone),
		slog.String("user_id", string(b.UserID)),
		slog.String("model", b.Model),
		slog.String("api_key", httpkit.MaskSecret(b.APIKey)),
	)
}

// parseUserID accepts a JSON number or numeric string. Anything else,
// including fractions and negative values, is treated as anonymous.
func parseUserID(raw json.RawMessage) (*int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, true
		}
	} else {
		s = string(raw)
	}

	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id >= 0 {
		return &id, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && f == math.Trunc(f) && f < math.MaxInt64 {
		id := int64(f)
		return &id, true
	}
	return nil, false
}
