package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q := NewQueue(10)
	for _, it := range []WorkItem{
		{RequestID: "a", Priority: 5},
		{RequestID: "b", Priority: 1},
		{RequestID: "c", Priority: 5},
		{RequestID: "d", Priority: 1},
		{RequestID: "e", Priority: 0},
	} {
		if err := q.Push(it); err != nil {
			t.Fatal(err)
		}
	}

	var got string
	for range 5 {
		it, err := q.Pop(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		got += it.RequestID
	}
	if got != "ebdac" {
		t.Errorf("pop order = %q, want %q", got, "ebdac")
	}
}

func TestQueue_Full(t *testing.T) {
	q := NewQueue(2)
	q.Push(WorkItem{RequestID: "1"})
	q.Push(WorkItem{RequestID: "2"})

	if err := q.Push(WorkItem{RequestID: "3"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Push() = %v, want ErrQueueFull", err)
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}

	q.Pop(context.Background())
	if err := q.Push(WorkItem{RequestID: "3"}); err != nil {
		t.Errorf("Push() after Pop = %v, want nil", err)
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue(1)
	got := make(chan string, 1)
	go func() {
		it, _ := q.Pop(context.Background())
		got <- it.RequestID
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}
	q.Push(WorkItem{RequestID: "x"})
	if id := <-got; id != "x" {
		t.Errorf("Pop() = %q, want x", id)
	}
}

func TestQueue_PopCancelAndClose(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Pop(cancelled) = %v, want context.Canceled", err)
	}

	q.Close()
	q.Close()
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Pop(closed) = %v, want ErrStopped", err)
	}
	if err := q.Push(WorkItem{}); !errors.Is(err, ErrStopped) {
		t.Errorf("Push(closed) = %v, want ErrStopped", err)
	}
}
