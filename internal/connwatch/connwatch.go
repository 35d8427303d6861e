// Package connwatch tracks the health of the relay's upstream
// dependencies: the inference endpoint and, in broker mode, the MQTT
// broker.
//
// The startup self-check in the llm package decides whether the process
// may start at all. connwatch takes over afterwards: each Watcher first
// retries with exponential backoff (1s, 2s, 4s ... capped), then polls
// periodically and reports ready/down transitions. The aggregated
// status backs /healthz and the broker status document.
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Probe checks whether a dependency is reachable. Return nil if healthy.
type Probe func(ctx context.Context) error

// Backoff controls retry timing.
type Backoff struct {
	// Initial is the delay before the first startup retry.
	Initial time.Duration
	// Max caps backoff growth.
	Max time.Duration
	// Multiplier scales the delay after each retry.
	Multiplier float64
	// Attempts bounds the startup phase.
	Attempts int
	// Poll is the interval between background checks.
	Poll time.Duration
	// Timeout limits each probe call.
	Timeout time.Duration
}

// DefaultBackoff returns 1s, 2s, 4s ... capped at 30s, eight startup
// attempts, then polling every 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Attempts:   8,
		Poll:       30 * time.Second,
		Timeout:    10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Attempts <= 0 {
		b.Attempts = d.Attempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Spec describes one watched dependency.
type Spec struct {
	Name    string
	Probe   Probe
	Backoff Backoff
	// OnReady and OnDown fire on transitions, each in its own
	// goroutine. Optional.
	OnReady func()
	OnDown  func(err error)
}

// Status is the health of one dependency.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one dependency.
type Watcher struct {
	spec   Spec
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Ready reports whether the dependency is currently reachable.
func (w *Watcher) Ready() bool { return w.ready.Load() }

// Status returns the current health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Name: w.spec.Name, Ready: w.ready.Load(), LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.spec.Backoff

	delay := b.Initial
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("dependency ready", "service", w.spec.Name, "attempts", attempt)
			break
		}
		if attempt == b.Attempts {
			w.logger.Warn("dependency unreachable, falling back to polling",
				"service", w.spec.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}
		w.logger.Debug("dependency probe failed, retrying",
			"service", w.spec.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.Max)
	}

	ticker := time.NewTicker(b.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check probes once, records the result and fires transition hooks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.spec.Backoff.Timeout)
	err := w.spec.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	was := w.ready.Swap(err == nil)
	switch {
	case !was && err == nil:
		if w.spec.OnReady != nil {
			go w.spec.OnReady()
		}
	case was && err != nil:
		w.logger.Warn("dependency became unreachable", "service", w.spec.Name, "error", err)
		if w.spec.OnDown != nil {
			go w.spec.OnDown(err)
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers for a process.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. An empty name or nil probe is a programming error and panics.
func (m *Manager) Watch(ctx context.Context, spec Spec) *Watcher {
	if spec.Name == "" {
		panic("connwatch: Spec.Name must not be empty")
	}
	if spec.Probe == nil {
		panic("connwatch: Spec.Probe must not be nil")
	}
	spec.Backoff = spec.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		spec:   spec,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[spec.Name] = w
	m.mu.Unlock()
	return w
}

// Status returns every watcher's health, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.watchers))
	for _, name := range slices.Sorted(maps.Keys(m.watchers)) {
		out = append(out, m.watchers[name].Status())
	}
	return out
}

// Healthy reports whether every watched dependency is ready. A manager
// with no watchers is healthy.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.Ready() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := slices.Collect(maps.Values(m.watchers))
	m.mu.RUnlock()
	for _, w := range watchers {
		w.Stop()
	}
}
