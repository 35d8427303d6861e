package session

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestStore_AcquireCreatesOnce(t *testing.T) {
	st := NewStore(StoreOptions{})
	key := Key{"maze", "s1"}

	a, created := st.Acquire(key, "P")
	if !created {
		t.Error("first Acquire should create")
	}
	b, created := st.Acquire(key, "ignored")
	if created || a != b {
		t.Error("second Acquire should return the same session")
	}
	if got := b.Snapshot().Turns[0].Content; got != "P" {
		t.Errorf("system prompt = %q, want P", got)
	}
	st.Release(a)
	st.Release(b)
}

func TestStore_ConcurrentAcquireSameKey(t *testing.T) {
	st := NewStore(StoreOptions{})
	key := Key{"maze", "s1"}

	var wg sync.WaitGroup
	got := make([]*Session, 50)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], _ = st.Acquire(key, "P")
		}()
	}
	wg.Wait()

	for _, s := range got {
		if s != got[0] {
			t.Fatal("concurrent Acquire produced distinct sessions")
		}
	}
	if st.Len() != 1 {
		t.Errorf("Len() = %d, want 1", st.Len())
	}
}

func TestStore_Sweep(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var evicted []Key
	st := NewStore(StoreOptions{
		Now:     clock.Now,
		OnEvict: func(k Key, reason string) { evicted = append(evicted, k) },
	})

	idle, _ := st.Acquire(Key{"maze", "idle"}, "P")
	st.Release(idle)
	busy, _ := st.Acquire(Key{"maze", "busy"}, "P")

	clock.Advance(2 * time.Hour)
	fresh, _ := st.Acquire(Key{"maze", "fresh"}, "P")
	st.Release(fresh)

	if n := st.Sweep(time.Hour); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if _, ok := st.Get(Key{"maze", "idle"}); ok {
		t.Error("idle session survived sweep")
	}
	if _, ok := st.Get(Key{"maze", "busy"}); !ok {
		t.Error("pinned session was swept")
	}
	if len(evicted) != 1 || evicted[0].ID != "idle" {
		t.Errorf("OnEvict keys = %v, want [maze/idle]", evicted)
	}

	st.Release(busy)
	if n := st.Sweep(time.Hour); n != 1 {
		t.Errorf("Sweep() after release = %d, want 1", n)
	}
}

func TestStore_MaxSessionsEvictsLRU(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var reasons []string
	st := NewStore(StoreOptions{
		MaxSessions: 2,
		Now:         clock.Now,
		OnEvict:     func(k Key, reason string) { reasons = append(reasons, reason) },
	})

	for _, id := range []string{"a", "b"} {
		s, _ := st.Acquire(Key{"maze", id}, "P")
		st.Release(s)
		clock.Advance(time.Minute)
	}
	// Touch a so b becomes the oldest.
	a, _ := st.Acquire(Key{"maze", "a"}, "P")
	a.touch(clock.Now())
	st.Release(a)
	clock.Advance(time.Minute)

	c, _ := st.Acquire(Key{"maze", "c"}, "P")
	st.Release(c)

	if st.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", st.Len())
	}
	if _, ok := st.Get(Key{"maze", "b"}); ok {
		t.Error("least recently used session b survived")
	}
	if len(reasons) != 1 || reasons[0] != EvictCapacity {
		t.Errorf("reasons = %v, want [capacity]", reasons)
	}
}

func TestStore_KeysByProject(t *testing.T) {
	st := NewStore(StoreOptions{})
	for _, k := range []Key{{"racing", "1"}, {"maze", "b"}, {"maze", "a"}} {
		s, _ := st.Acquire(k, "")
		st.Release(s)
	}

	maze := st.Keys("maze")
	if len(maze) != 2 || maze[0].ID != "a" || maze[1].ID != "b" {
		t.Errorf("Keys(maze) = %v, want [maze/a maze/b]", maze)
	}
	if all := st.Keys(""); len(all) != 3 || all[2].Project != "racing" {
		t.Errorf("Keys(\"\") = %v", all)
	}
}
