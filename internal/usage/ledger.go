package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/lamrelay/internal/llm"
	"github.com/nugget/lamrelay/internal/session"
)

// Ledger adapts a [Store] to [session.UsageRecorder]. RecordUsage only
// queues; Run performs the inserts so inference workers never wait on
// disk.
type Ledger struct {
	store   *Store
	ch      chan Record
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewLedger creates a ledger with a bounded write buffer.
func NewLedger(store *Store, buffer int, logger *slog.Logger) *Ledger {
	if buffer < 1 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, ch: make(chan Record, buffer), logger: logger}
}

// RecordUsage queues one call. When the buffer is full the record is
// dropped and counted.
func (l *Ledger) RecordUsage(u session.Usage) {
	rec := Record{
		Timestamp:    time.Now(),
		Project:      u.Project,
		SessionID:    u.SessionID,
		Model:        u.Model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Duration:     u.Elapsed,
		Outcome:      outcome(u.Err),
		Stream:       u.Stream,
	}
	select {
	case l.ch <- rec:
	default:
		if l.dropped.Add(1)%100 == 1 {
			l.logger.Warn("usage ledger buffer full, records dropped", "dropped", l.dropped.Load())
		}
	}
}

// Dropped returns how many records were lost to a full buffer.
func (l *Ledger) Dropped() int64 { return l.dropped.Load() }

// Run writes queued records until ctx is cancelled, then flushes what
// is already buffered.
func (l *Ledger) Run(ctx context.Context) {
	// An insert already dequeued should land even if shutdown races it.
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case rec := <-l.ch:
			l.write(wctx, rec)
		case <-ctx.Done():
			l.flush()
			return
		}
	}
}

func (l *Ledger) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-l.ch:
			l.write(ctx, rec)
		default:
			return
		}
	}
}

func (l *Ledger) write(ctx context.Context, rec Record) {
	if err := l.store.Record(ctx, rec); err != nil {
		l.logger.Warn("usage record failed", "project", rec.Project, "error", err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, llm.ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return OutcomeFailed
	}
}
