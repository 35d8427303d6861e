package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/lamrelay/internal/session"
)

// DailyTokens tracks token usage that resets at local midnight. It
// satisfies [session.UsageRecorder] and feeds the status payload.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	calls    int64
	failures int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates an accumulator that rolls over at midnight in
// loc. A nil loc means [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// RecordUsage adds one inference call.
func (d *DailyTokens) RecordUsage(u session.Usage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.calls++
	if u.Err != nil {
		d.failures++
	}
	d.input += int64(u.InputTokens)
	d.output += int64(u.OutputTokens)
}

// TokenSnapshot is today's accumulated usage.
type TokenSnapshot struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Calls        int64 `json:"calls"`
	Failures     int64 `json:"failures"`
}

// Snapshot returns today's totals after checking for rollover.
func (d *DailyTokens) Snapshot() TokenSnapshot {
	if d == nil {
		return TokenSnapshot{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return TokenSnapshot{
		InputTokens:  d.input,
		OutputTokens: d.output,
		Calls:        d.calls,
		Failures:     d.failures,
	}
}

// maybeReset must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input = 0
		d.output = 0
		d.calls = 0
		d.failures = 0
		d.resetDay = today
	}
}
