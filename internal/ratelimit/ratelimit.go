// Package ratelimit implements a per-caller sliding-window log limiter.
//
// Each (project, session) key keeps the timestamps of its admitted calls
// inside the window. Keys live in a sync.Map and each carries its own
// mutex, so callers under different keys never contend.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most max calls per key within any window-long span.
type Limiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	keys sync.Map // key -> *bucket
}

type key struct {
	project string
	session string
}

type bucket struct {
	mu    sync.Mutex
	calls []time.Time // admitted call times, oldest first
	dead  bool        // removed by Sweep; callers must load a fresh bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter. max <= 0 disables limiting.
func New(window time.Duration, max int, opts ...Option) *Limiter {
	l := &Limiter{window: window, max: max, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Enabled reports whether the limiter ever refuses calls.
func (l *Limiter) Enabled() bool {
	return l != nil && l.max > 0 && l.window > 0
}

// Allow records a call for (project, session) and reports whether it is
// admitted. Refused calls are not recorded.
func (l *Limiter) Allow(project, session string) bool {
	if !l.Enabled() {
		return true
	}

	now := l.now()
	k := key{project, session}
	var b *bucket
	for {
		v, _ := l.keys.LoadOrStore(k, &bucket{})
		b = v.(*bucket)
		b.mu.Lock()
		if !b.dead {
			break
		}
		b.mu.Unlock()
	}
	defer b.mu.Unlock()

	b.calls = prune(b.calls, now.Add(-l.window))
	if len(b.calls) >= l.max {
		return false
	}
	b.calls = append(b.calls, now)
	return true
}

// prune drops entries at or before cutoff.
func prune(calls []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return calls
	}
	return append(calls[:0], calls[i:]...)
}

// Sweep forgets keys with no calls inside the window and returns how
// many were removed.
func (l *Limiter) Sweep() int {
	if !l.Enabled() {
		return 0
	}
	cutoff := l.now().Add(-l.window)
	removed := 0
	l.keys.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		b.calls = prune(b.calls, cutoff)
		if len(b.calls) == 0 {
			b.dead = true
			l.keys.CompareAndDelete(k, v)
			removed++
		}
		b.mu.Unlock()
		return true
	})
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	n := 0
	l.keys.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Run sweeps every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if !l.Enabled() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
