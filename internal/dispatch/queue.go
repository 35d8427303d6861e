package dispatch

import (
	"container/heap"
	"context"
	"sync"
)

// Queue is a bounded priority queue. Push never blocks; Pop blocks
// until an item is available, the context ends, or the queue closes.
type Queue struct {
	mu     sync.Mutex
	items  itemHeap
	cap    int
	seq    uint64
	closed bool

	// ready holds one token per queued item.
	ready chan struct{}
	done  chan struct{}
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue(capacity int) *Queue {
	return &Queue{
		cap:   capacity,
		ready: make(chan struct{}, capacity),
		done:  make(chan struct{}),
	}
}

// Push adds item or returns ErrQueueFull without blocking.
func (q *Queue) Push(item WorkItem) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrStopped
	}
	if len(q.items) >= q.cap {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.seq++
	item.seq = q.seq
	heap.Push(&q.items, item)
	q.mu.Unlock()

	q.ready <- struct{}{}
	return nil
}

// Pop removes the highest-priority item.
func (q *Queue) Pop(ctx context.Context) (WorkItem, error) {
	select {
	case <-ctx.Done():
		return WorkItem{}, ctx.Err()
	case <-q.done:
		return WorkItem{}, ErrStopped
	case <-q.ready:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return heap.Pop(&q.items).(WorkItem), nil
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return q.cap }

// Close wakes blocked Pop calls and refuses further pushes. Items still
// queued are abandoned.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

type itemHeap []WorkItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(WorkItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = WorkItem{}
	*h = old[:n-1]
	return it
}
