package mqtt

import (
	"sync"
	"time"
)

// DailyTokens accumulates estimated token usage for the current local
// day. Counters reset on the first observation after local midnight.
// It satisfies usage.TokenObserver, so the recorder feeds it directly.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	day      civilDay
	loc      *time.Location
	now      func() time.Time
}

type civilDay struct {
	year int
	yday int
}

func dayOf(t time.Time) civilDay {
	return civilDay{year: t.Year(), yday: t.YearDay()}
}

// NewDailyTokens creates an accumulator that rolls over at midnight in
// loc. A nil loc means [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = dayOf(d.now().In(loc))
	return d
}

// OnTokens adds one request's estimates.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.requests++
}

// Snapshot returns today's input tokens, output tokens and request count.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	return d.input, d.output, d.requests
}

// rollover must be called with d.mu held.
func (d *DailyTokens) rollover() {
	today := dayOf(d.now().In(d.loc))
	if today != d.day {
		d.input, d.output, d.requests = 0, 0, 0
		d.day = today
	}
}
