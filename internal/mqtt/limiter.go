package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// batchLimiter caps how many command batches are published per
// interval. Counters are atomic so PublishCommands never takes a lock.
type batchLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newBatchLimiter(limit int64, interval time.Duration, logger *slog.Logger) *batchLimiter {
	return &batchLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// run resets the window every interval until ctx is cancelled, logging
// a warning for any window that dropped batches.
func (l *batchLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reset()
		}
	}
}

func (l *batchLimiter) reset() {
	count := l.count.Swap(0)
	if dropped := l.dropped.Swap(0); dropped > 0 {
		l.logger.Warn("mqtt command batches dropped due to rate limit",
			"attempted", count,
			"dropped", dropped,
			"interval", l.interval.String(),
			"limit", l.limit,
		)
	}
}

// allow reports whether one more batch fits in the current window.
func (l *batchLimiter) allow() bool {
	if l.count.Add(1) > l.limit {
		l.dropped.Add(1)
		return false
	}
	return true
}
