// Package fanout delivers events to per-key listeners without letting a
// slow listener stall the publisher. Each listener owns a bounded
// channel; when it is full the event is dropped for that listener only
// and counted.
package fanout

import (
	"sync"
	"sync/atomic"
)

// Hub routes events of type E to listeners registered under key K.
type Hub[K comparable, E any] struct {
	mu        sync.RWMutex
	listeners map[K]map[*Listener[K, E]]struct{}

	// OnDrop, if set, is called once per dropped event.
	OnDrop func(key K)
}

// NewHub creates an empty hub.
func NewHub[K comparable, E any]() *Hub[K, E] {
	return &Hub[K, E]{listeners: make(map[K]map[*Listener[K, E]]struct{})}
}

// Listener receives events for one key until closed.
type Listener[K comparable, E any] struct {
	hub     *Hub[K, E]
	key     K
	ch      chan E
	once    sync.Once
	dropped atomic.Int64
}

// Subscribe registers a listener with the given buffer size (minimum 1).
func (h *Hub[K, E]) Subscribe(key K, buffer int) *Listener[K, E] {
	if buffer < 1 {
		buffer = 1
	}
	l := &Listener[K, E]{hub: h, key: key, ch: make(chan E, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.listeners[key]
	if !ok {
		set = make(map[*Listener[K, E]]struct{})
		h.listeners[key] = set
	}
	set[l] = struct{}{}
	return l
}

// Publish offers ev to every listener of key and returns how many
// accepted it.
func (h *Hub[K, E]) Publish(key K, ev E) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for l := range h.listeners[key] {
		select {
		case l.ch <- ev:
			delivered++
		default:
			l.dropped.Add(1)
			if h.OnDrop != nil {
				h.OnDrop(key)
			}
		}
	}
	return delivered
}

// Listeners returns the number of listeners for key.
func (h *Hub[K, E]) Listeners(key K) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[key])
}

// C returns the receive channel. It is closed by Close.
func (l *Listener[K, E]) C() <-chan E { return l.ch }

// Dropped returns how many events this listener missed.
func (l *Listener[K, E]) Dropped() int64 { return l.dropped.Load() }

// Close unregisters the listener and closes its channel. Idempotent.
func (l *Listener[K, E]) Close() {
	l.once.Do(func() {
		h := l.hub
		h.mu.Lock()
		if set, ok := h.listeners[l.key]; ok {
			delete(set, l)
			if len(set) == 0 {
				delete(h.listeners, l.key)
			}
		}
		// Closing under the write lock means no Publish is mid-send.
		close(l.ch)
		h.mu.Unlock()
	})
}
