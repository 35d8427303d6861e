package fanout

import (
	"testing"
)

func TestHub_DeliversPerKey(t *testing.T) {
	h := NewHub[string, int]()
	a := h.Subscribe("maze/s1", 4)
	b := h.Subscribe("maze/s1", 4)
	other := h.Subscribe("maze/s2", 4)
	defer a.Close()
	defer b.Close()
	defer other.Close()

	if n := h.Publish("maze/s1", 7); n != 2 {
		t.Errorf("Publish() = %d, want 2", n)
	}
	if got := <-a.C(); got != 7 {
		t.Errorf("a got %d, want 7", got)
	}
	if got := <-b.C(); got != 7 {
		t.Errorf("b got %d, want 7", got)
	}
	select {
	case ev := <-other.C():
		t.Errorf("other key received %d", ev)
	default:
	}
}

func TestHub_SlowListenerDoesNotBlock(t *testing.T) {
	h := NewHub[string, int]()
	var drops int
	h.OnDrop = func(string) { drops++ }

	slow := h.Subscribe("k", 1)
	fast := h.Subscribe("k", 10)
	defer slow.Close()
	defer fast.Close()

	for i := range 5 {
		h.Publish("k", i)
	}
	if slow.Dropped() != 4 {
		t.Errorf("slow.Dropped() = %d, want 4", slow.Dropped())
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast.Dropped() = %d, want 0", fast.Dropped())
	}
	if drops != 4 {
		t.Errorf("OnDrop calls = %d, want 4", drops)
	}
	if got := <-slow.C(); got != 0 {
		t.Errorf("slow kept %d, want first event 0", got)
	}
}

func TestListener_Close(t *testing.T) {
	h := NewHub[string, string]()
	l := h.Subscribe("k", 1)

	l.Close()
	l.Close()

	if _, ok := <-l.C(); ok {
		t.Error("channel still open after Close")
	}
	if h.Listeners("k") != 0 {
		t.Errorf("Listeners() = %d, want 0", h.Listeners("k"))
	}
	if n := h.Publish("k", "x"); n != 0 {
		t.Errorf("Publish() after Close = %d, want 0", n)
	}
}
