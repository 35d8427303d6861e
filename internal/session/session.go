// Package session owns per-conversation state: the store of live
// sessions, history trimming, and the manager that turns one user
// message into one inference call.
//
// Locking: the store's RWMutex guards only the session map. Each
// session's history is guarded by its own mutex, which is never held
// across an inference call.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/lamrelay/internal/llm"
)

// Key identifies a session. The same ID under two projects names two
// independent sessions.
type Key struct {
	Project string
	ID      string
}

func (k Key) String() string {
	return k.Project + "/" + k.ID
}

// Session is one conversation. Turn 0 is always the system turn.
type Session struct {
	key       Key
	createdAt time.Time

	mu           sync.Mutex
	turns        []llm.Turn
	messageCount int

	lastAccess atomic.Int64 // unix nanos
	pins       atomic.Int32 // turns in flight; pinned sessions are never evicted
}

func newSession(key Key, systemPrompt string, now time.Time) *Session {
	s := &Session{
		key:       key,
		createdAt: now,
		turns:     []llm.Turn{{Role: llm.RoleSystem, Content: systemPrompt}},
	}
	s.lastAccess.Store(now.UnixNano())
	return s
}

// Key returns the session's identity.
func (s *Session) Key() Key { return s.key }

func (s *Session) touch(now time.Time) {
	s.lastAccess.Store(now.UnixNano())
}

// LastAccess is the time of the most recent read or write.
func (s *Session) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

func (s *Session) pinned() bool {
	return s.pins.Load() > 0
}

// Snapshot is a point-in-time copy of a session, safe to hand out.
type Snapshot struct {
	Key          Key        `json:"-"`
	Project      string     `json:"project"`
	ID           string     `json:"session_id"`
	Turns        []llm.Turn `json:"turns"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccess   time.Time  `json:"last_access"`
	MessageCount int        `json:"message_count"`
}

// Snapshot copies the session under its lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Key:          s.key,
		Project:      s.key.Project,
		ID:           s.key.ID,
		Turns:        append([]llm.Turn(nil), s.turns...),
		CreatedAt:    s.createdAt,
		LastAccess:   s.LastAccess(),
		MessageCount: s.messageCount,
	}
}
