package mqtt

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInboundGuard(t *testing.T) {
	var drops int
	g := newInboundGuard(5, time.Second, func() { drops++ }, discardLogger())

	for i := range 5 {
		if !g.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}
	if g.allow() {
		t.Error("message 6 should have been dropped")
	}
	if got := g.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if drops != 1 {
		t.Errorf("onDrop calls = %d, want 1", drops)
	}
}

func TestInboundGuard_Disabled(t *testing.T) {
	g := newInboundGuard(0, time.Second, nil, discardLogger())
	for range 1000 {
		if !g.allow() {
			t.Fatal("disabled guard dropped a message")
		}
	}
}

func TestInboundGuard_Concurrent(t *testing.T) {
	g := newInboundGuard(1000, time.Second, nil, discardLogger())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				g.allow()
			}
		}()
	}
	wg.Wait()

	if count := g.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := g.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}

func TestInboundGuard_ResetsEachInterval(t *testing.T) {
	g := newInboundGuard(1, 20*time.Millisecond, nil, discardLogger())
	go g.run(t.Context())

	if !g.allow() {
		t.Fatal("first message should be allowed")
	}
	if g.allow() {
		t.Fatal("second message should be dropped")
	}
	deadline := time.Now().Add(2 * time.Second)
	for !g.allow() {
		if time.Now().After(deadline) {
			t.Fatal("guard never reset")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
