package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// inboundGuard caps inbound messages per interval with atomic counters
// so the paho callback never takes a lock. A limit of zero or less
// disables it.
type inboundGuard struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	onDrop   func()
	logger   *slog.Logger
}

func newInboundGuard(limit int, interval time.Duration, onDrop func(), logger *slog.Logger) *inboundGuard {
	return &inboundGuard{
		limit:    int64(limit),
		interval: interval,
		onDrop:   onDrop,
		logger:   logger,
	}
}

// run resets the counter every interval and warns if anything was
// dropped. It blocks until ctx is cancelled.
func (g *inboundGuard) run(ctx context.Context) {
	if g.limit <= 0 {
		return
	}
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := g.count.Swap(0)
			dropped := g.dropped.Swap(0)
			if dropped > 0 {
				g.logger.Warn("inbound messages dropped by flood guard",
					"received", count,
					"dropped", dropped,
					"interval", g.interval.String(),
					"limit", g.limit,
				)
			}
		}
	}
}

func (g *inboundGuard) allow() bool {
	if g.limit <= 0 {
		return true
	}
	if g.count.Add(1) > g.limit {
		g.dropped.Add(1)
		if g.onDrop != nil {
			g.onDrop()
		}
		return false
	}
	return true
}
