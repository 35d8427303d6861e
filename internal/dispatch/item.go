// Package dispatch decouples message arrival from inference. Work items
// wait in a bounded priority queue; a fixed pool of workers processes
// them through the session manager; results flow through a bounded
// publish queue to their reply destination.
package dispatch

import (
	"errors"
	"time"

	"github.com/nugget/lamrelay/internal/llm"
	"github.com/nugget/lamrelay/internal/metrics"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("work queue is full")
	// ErrStopped is returned once the dispatcher has shut down.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrRateLimited marks a result refused by the rate limiter.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Class selects the delivery guarantee for a result.
type Class int

const (
	// ClassUpdate is high-rate traffic where a lost reply is superseded
	// by the next one.
	ClassUpdate Class = iota
	// ClassPriming is low-rate setup traffic that must arrive.
	ClassPriming
)

// ReplyTo names where a result goes. Exactly one of Topic or Callback
// is normally set; Callback wins when both are.
type ReplyTo struct {
	Topic    string
	Callback func(Result)
}

// WorkItem is one queued user message.
type WorkItem struct {
	RequestID string
	Project   string
	SessionID string
	ClientID  string
	Text      string
	// SystemPrompt overrides the project prompt when the session is
	// created by this item.
	SystemPrompt string
	Sampling     llm.Sampling
	Tools        []map[string]any
	HistoryLimit int
	Stateless    bool
	Class        Class
	// Priority orders the queue; lower runs first. Equal priorities
	// are served in arrival order.
	Priority   int
	Reply      ReplyTo
	EnqueuedAt time.Time

	seq uint64
}

// Outcome is the structural result of processing an item.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRateLimited
	OutcomeRejected
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return metrics.OutcomeOK
	case OutcomeRateLimited:
		return metrics.OutcomeRateLimited
	case OutcomeRejected:
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeFailed
	}
}

// Result is what a caller receives for a work item.
type Result struct {
	Item        WorkItem
	Outcome     Outcome
	Text        string
	Err         error
	Elapsed     time.Duration // queue wait plus processing
	CompletedAt time.Time
}
