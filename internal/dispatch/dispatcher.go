package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/lamrelay/internal/metrics"
	"github.com/nugget/lamrelay/internal/session"
)

// Processor runs one turn. *session.Manager satisfies it.
type Processor interface {
	ProcessTurn(ctx context.Context, req session.Request) (*session.Reply, error)
}

// Limiter admits or refuses a call. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(project, sessionID string) bool
}

// Sink delivers topic-addressed results, typically to the broker.
type Sink interface {
	Deliver(ctx context.Context, res Result) error
}

// Config wires a Dispatcher.
type Config struct {
	Workers          int
	QueueSize        int
	PublishQueueSize int
	// StatsInterval enables the periodic stats log when positive.
	StatsInterval time.Duration

	Processor Processor
	Limiter   Limiter
	Prompts   *PromptRegistry
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Dispatcher owns the work queue, the worker pool and the publish loop.
type Dispatcher struct {
	cfg     Config
	queue   *Queue
	results chan Result
	logger  *slog.Logger

	mu        sync.RWMutex
	sink      Sink
	observers []func(Result)

	processed      atomic.Int64
	failed         atomic.Int64
	rateLimited    atomic.Int64
	rejected       atomic.Int64
	publishDropped atomic.Int64
	latencyNanos   atomic.Int64
}

// New creates a dispatcher. Call Run to start processing.
func New(cfg Config) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.PublishQueueSize < 1 {
		cfg.PublishQueueSize = cfg.QueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		queue:   NewQueue(cfg.QueueSize),
		results: make(chan Result, cfg.PublishQueueSize),
		logger:  cfg.Logger,
	}
}

// SetSink installs the destination for topic-addressed results. Set it
// before Run.
func (d *Dispatcher) SetSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = s
}

// Observe registers fn to see every result the publish loop handles.
// fn runs on the publish loop and must not block.
func (d *Dispatcher) Observe(fn func(Result)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Enqueue accepts an item or returns ErrQueueFull immediately.
func (d *Dispatcher) Enqueue(item WorkItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	return d.queue.Push(item)
}

// Reject posts a rejected result for an item that was never queued, so
// its caller gets a prompt, distinguishable answer.
func (d *Dispatcher) Reject(item WorkItem, err error) {
	d.rejected.Add(1)
	d.cfg.Metrics.ObserveTurn(item.Project, metrics.OutcomeRejected)
	d.post(Result{Item: item, Outcome: OutcomeRejected, Err: err, CompletedAt: time.Now()})
}

// QueueDepth returns the number of waiting items.
func (d *Dispatcher) QueueDepth() int { return d.queue.Len() }

// Run processes work until ctx is cancelled. Items still queued at
// shutdown are abandoned.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		"workers", d.cfg.Workers,
		"queue_size", d.cfg.QueueSize,
		"publish_queue_size", d.cfg.PublishQueueSize,
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range d.cfg.Workers {
		g.Go(func() error {
			d.worker(gctx, i)
			return nil
		})
	}
	g.Go(func() error {
		d.publishLoop(gctx)
		return nil
	})
	if d.cfg.StatsInterval > 0 {
		g.Go(func() error {
			d.reportStats(gctx, d.cfg.StatsInterval)
			return nil
		})
	}

	<-ctx.Done()
	d.queue.Close()
	err := g.Wait()
	d.logger.Info("dispatcher stopped", "abandoned", d.queue.Len())
	return err
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	for {
		item, err := d.queue.Pop(ctx)
		if err != nil {
			return
		}
		d.post(d.process(ctx, id, item))
	}
}

// process runs one item. A panic is contained to the item.
func (d *Dispatcher) process(ctx context.Context, worker int, item WorkItem) (res Result) {
	res = Result{Item: item}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("worker panic",
				"worker", worker,
				"project", item.Project,
				"session_id", item.SessionID,
				"panic", r,
			)
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("internal error: %v", r)
			res.Text = ""
		}
		res.CompletedAt = time.Now()
		res.Elapsed = res.CompletedAt.Sub(item.EnqueuedAt)
		d.account(res)
	}()

	// Sessions are limited on their own even when the project keeps
	// no history; the client ID only stands in when there is no session.
	limitKey := item.SessionID
	if limitKey == "" {
		limitKey = item.ClientID
	}
	if d.cfg.Limiter != nil && !d.cfg.Limiter.Allow(item.Project, limitKey) {
		d.logger.Debug("rate limited",
			"project", item.Project,
			"session_id", item.SessionID,
			"client_id", item.ClientID,
		)
		res.Outcome = OutcomeRateLimited
		res.Err = ErrRateLimited
		return res
	}

	prompt := d.cfg.Prompts.Resolve(item.Project, item.SystemPrompt)
	var req session.Request
	if item.Stateless || item.SessionID == "" {
		req = session.Stateless{
			Project:      item.Project,
			SystemPrompt: prompt,
			Text:         item.Text,
			Sampling:     item.Sampling,
			Tools:        item.Tools,
		}
	} else {
		req = session.Bound{
			Key:          session.Key{Project: item.Project, ID: item.SessionID},
			SystemPrompt: prompt,
			Text:         item.Text,
			Sampling:     item.Sampling,
			Tools:        item.Tools,
			HistoryLimit: item.HistoryLimit,
		}
	}

	reply, err := d.cfg.Processor.ProcessTurn(ctx, req)
	if err != nil {
		d.logger.Warn("work item failed",
			"worker", worker,
			"project", item.Project,
			"session_id", item.SessionID,
			"request_id", item.RequestID,
			"error", err,
		)
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	res.Outcome = OutcomeOK
	res.Text = reply.Text
	return res
}

func (d *Dispatcher) account(res Result) {
	switch res.Outcome {
	case OutcomeOK:
		d.processed.Add(1)
		d.latencyNanos.Add(int64(res.Elapsed))
	case OutcomeRateLimited:
		d.rateLimited.Add(1)
	default:
		d.failed.Add(1)
	}
	d.cfg.Metrics.ObserveTurn(res.Item.Project, res.Outcome.String())
}

// post hands a result to the publish loop without blocking. When the
// publish queue is full, callback results are delivered inline and
// topic results are dropped.
func (d *Dispatcher) post(res Result) {
	select {
	case d.results <- res:
		return
	default:
	}

	if cb := res.Item.Reply.Callback; cb != nil {
		cb(res)
		return
	}
	d.publishDropped.Add(1)
	d.cfg.Metrics.IncPublishDropped()
	d.logger.Warn("publish queue full, result dropped",
		"project", res.Item.Project,
		"session_id", res.Item.SessionID,
		"topic", res.Item.Reply.Topic,
	)
}

func (d *Dispatcher) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-d.results:
			d.deliver(ctx, res)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, res Result) {
	d.mu.RLock()
	sink := d.sink
	observers := d.observers
	d.mu.RUnlock()

	for _, fn := range observers {
		fn(res)
	}

	if cb := res.Item.Reply.Callback; cb != nil {
		cb(res)
		return
	}
	if sink == nil || res.Item.Reply.Topic == "" {
		d.logger.Debug("result has no destination",
			"project", res.Item.Project,
			"session_id", res.Item.SessionID,
		)
		return
	}
	if err := sink.Deliver(ctx, res); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("publish failed",
			"project", res.Item.Project,
			"session_id", res.Item.SessionID,
			"topic", res.Item.Reply.Topic,
			"error", err,
		)
	}
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Processed      int64         `json:"processed"`
	Failed         int64         `json:"failed"`
	RateLimited    int64         `json:"rate_limited"`
	Rejected       int64         `json:"rejected"`
	PublishDropped int64         `json:"publish_dropped"`
	AvgLatency     time.Duration `json:"avg_latency_ns"`
	QueueDepth     int           `json:"queue_depth"`
	QueueCapacity  int           `json:"queue_capacity"`
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Processed:      d.processed.Load(),
		Failed:         d.failed.Load(),
		RateLimited:    d.rateLimited.Load(),
		Rejected:       d.rejected.Load(),
		PublishDropped: d.publishDropped.Load(),
		QueueDepth:     d.queue.Len(),
		QueueCapacity:  d.queue.Cap(),
	}
	if s.Processed > 0 {
		s.AvgLatency = time.Duration(d.latencyNanos.Load() / s.Processed)
	}
	return s
}

// reportStats logs counters every interval and warns when the queue is
// more than 70% full.
func (d *Dispatcher) reportStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := d.Stats()
			d.logger.Info("dispatcher stats",
				"processed", s.Processed,
				"failed", s.Failed,
				"rate_limited", s.RateLimited,
				"rejected", s.Rejected,
				"publish_dropped", s.PublishDropped,
				"avg_latency", s.AvgLatency.Round(time.Millisecond),
				"queue_depth", s.QueueDepth,
			)
			if s.QueueDepth*10 > s.QueueCapacity*7 {
				d.logger.Warn("work queue above 70% capacity",
					"queue_depth", s.QueueDepth,
					"queue_capacity", s.QueueCapacity,
				)
			}
		}
	}
}
