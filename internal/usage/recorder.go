package usage

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EstimateTokens approximates a token count as the number of
// whitespace-separated words. It is not a tokenizer: CJK text without
// spaces counts as few words, and punctuation-heavy text as many.
func EstimateTokens(s string) int {
	return len(strings.Fields(s))
}

// Sink persists records. *Store implements it.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// TokenObserver receives every estimate as it is recorded, e.g. the
// daily counters published over MQTT.
type TokenObserver interface {
	OnTokens(inputTokens, outputTokens int)
}

// Entry is what the gateway hands off after a successful reply.
type Entry struct {
	UserID    *int64
	SessionID string
	Provider  string
	Model     string
	Request   string // user message text
	Response  string // reply text
	At        time.Time
}

// Recorder decouples usage writes from request handling. Record never
// blocks: entries go onto a bounded queue drained by Run, and a full
// queue drops the entry with a warning. A nil sink turns recording into
// a no-op, which is how an unavailable usage database is handled.
type Recorder struct {
	sink     Sink
	observer TokenObserver
	queue    chan Record
	logger   *slog.Logger

	mu      sync.Mutex
	dropped int64
}

// NewRecorder creates a recorder with the given queue capacity.
func NewRecorder(sink Sink, queueSize int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Recorder{
		sink:   sink,
		queue:  make(chan Record, queueSize),
		logger: logger.With("component", "usage"),
	}
}

// SetObserver registers an observer for recorded estimates.
func (r *Recorder) SetObserver(o TokenObserver) {
	r.observer = o
}

// Record estimates tokens for e and enqueues the result.
func (r *Recorder) Record(e Entry) {
	if r == nil {
		return
	}
	rec := Record{
		SessionID:      e.SessionID,
		Provider:       e.Provider,
		Model:          e.Model,
		RequestTokens:  EstimateTokens(e.Request),
		ResponseTokens: EstimateTokens(e.Response),
		CreatedAt:      e.At,
	}
	if e.UserID != nil {
		rec.UserID = *e.UserID
	}
	rec.TotalTokens = rec.RequestTokens + rec.ResponseTokens
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	if r.observer != nil {
		r.observer.OnTokens(rec.RequestTokens, rec.ResponseTokens)
	}
	if r.sink == nil {
		return
	}

	select {
	case r.queue <- rec:
	default:
		r.mu.Lock()
		r.dropped++
		n := r.dropped
		r.mu.Unlock()
		r.logger.Warn("usage queue full, dropping record",
			"session_id", rec.SessionID, "model", rec.Model, "dropped_total", n)
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run drains the queue until ctx is done, then flushes what is left
// with a short grace period. Write failures are logged and discarded.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec Record) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Append(ctx, rec); err != nil {
		r.logger.Warn("usage write failed", "error", err, "session_id", rec.SessionID)
		return
	}
	r.logger.Debug("usage recorded",
		"user_id", rec.UserID,
		"model", rec.Model,
		"request_tokens", rec.RequestTokens,
		"response_tokens", rec.ResponseTokens,
	)
}
