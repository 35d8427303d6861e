package session

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Eviction reasons passed to [StoreOptions.OnEvict].
const (
	EvictIdle     = "idle"
	EvictCapacity = "capacity"
)

// StoreOptions configures a [Store].
type StoreOptions struct {
	// MaxSessions caps the number of live sessions. When a new session
	// would exceed it, the least recently used unpinned session is
	// evicted. Zero means no cap.
	MaxSessions int
	// OnEvict is called without any store lock held.
	OnEvict func(key Key, reason string)
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Store maps session keys to live sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[Key]*Session

	maxSessions int
	onEvict     func(Key, string)
	now         func() time.Time
}

// NewStore creates an empty store.
func NewStore(opts StoreOptions) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		sessions:    make(map[Key]*Session),
		maxSessions: opts.MaxSessions,
		onEvict:     opts.OnEvict,
		now:         now,
	}
}

// Acquire returns the session for key, creating it with systemPrompt as
// turn 0 if it does not exist. The session is pinned until [Store.Release]
// so sweeps and capacity eviction leave it alone mid-turn.
func (st *Store) Acquire(key Key, systemPrompt string) (sess *Session, created bool) {
	st.mu.RLock()
	sess, ok := st.sessions[key]
	if ok {
		sess.pins.Add(1)
		st.mu.RUnlock()
		return sess, false
	}
	st.mu.RUnlock()

	var evicted []Key
	st.mu.Lock()
	if sess, ok = st.sessions[key]; ok {
		sess.pins.Add(1)
		st.mu.Unlock()
		return sess, false
	}
	if st.maxSessions > 0 && len(st.sessions) >= st.maxSessions {
		evicted = st.evictOldestLocked(len(st.sessions) - st.maxSessions + 1)
	}
	sess = newSession(key, systemPrompt, st.now())
	sess.pins.Add(1)
	st.sessions[key] = sess
	st.mu.Unlock()

	st.notify(evicted, EvictCapacity)
	return sess, true
}

// Release unpins a session obtained from Acquire.
func (st *Store) Release(sess *Session) {
	if sess != nil {
		sess.pins.Add(-1)
	}
}

// Get returns the session for key without creating or pinning it.
func (st *Store) Get(key Key) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[key]
	return sess, ok
}

// Delete removes a session. A turn already in flight on it completes
// against the detached session and is then forgotten.
func (st *Store) Delete(key Key) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[key]; !ok {
		return false
	}
	delete(st.sessions, key)
	return true
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Keys returns the live session keys, sorted, optionally limited to one
// project ("" means all).
func (st *Store) Keys(project string) []Key {
	st.mu.RLock()
	keys := make([]Key, 0, len(st.sessions))
	for k := range st.sessions {
		if project == "" || k.Project == project {
			keys = append(keys, k)
		}
	}
	st.mu.RUnlock()

	slices.SortFunc(keys, func(a, b Key) int {
		return cmp.Or(cmp.Compare(a.Project, b.Project), cmp.Compare(a.ID, b.ID))
	})
	return keys
}

// Sweep removes sessions idle for longer than ttl, skipping any with a
// turn in flight. It returns the number removed.
func (st *Store) Sweep(ttl time.Duration) int {
	cutoff := st.now().Add(-ttl)

	var evicted []Key
	st.mu.Lock()
	for k, sess := range st.sessions {
		if sess.pinned() {
			continue
		}
		if sess.LastAccess().Before(cutoff) {
			delete(st.sessions, k)
			evicted = append(evicted, k)
		}
	}
	st.mu.Unlock()

	st.notify(evicted, EvictIdle)
	return len(evicted)
}

// evictOldestLocked removes up to n unpinned sessions, least recently
// used first. Caller holds st.mu for writing.
func (st *Store) evictOldestLocked(n int) []Key {
	type candidate struct {
		key  Key
		last int64
	}
	var cands []candidate
	for k, sess := range st.sessions {
		if !sess.pinned() {
			cands = append(cands, candidate{k, sess.lastAccess.Load()})
		}
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		return cmp.Compare(a.last, b.last)
	})

	var evicted []Key
	for i := 0; i < n && i < len(cands); i++ {
		delete(st.sessions, cands[i].key)
		evicted = append(evicted, cands[i].key)
	}
	return evicted
}

func (st *Store) notify(keys []Key, reason string) {
	if st.onEvict == nil {
		return
	}
	for _, k := range keys {
		st.onEvict(k, reason)
	}
}
