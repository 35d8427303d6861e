package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/lamrelay/internal/api"
	"github.com/nugget/lamrelay/internal/buildinfo"
	"github.com/nugget/lamrelay/internal/config"
	"github.com/nugget/lamrelay/internal/connwatch"
	"github.com/nugget/lamrelay/internal/direct"
	"github.com/nugget/lamrelay/internal/dispatch"
	"github.com/nugget/lamrelay/internal/fanout"
	"github.com/nugget/lamrelay/internal/llm"
	"github.com/nugget/lamrelay/internal/metrics"
	"github.com/nugget/lamrelay/internal/mqtt"
	"github.com/nugget/lamrelay/internal/ratelimit"
	"github.com/nugget/lamrelay/internal/session"
	"github.com/nugget/lamrelay/internal/transport"
	"github.com/nugget/lamrelay/internal/usage"
)

// usageBuffer is how many usage records may wait for the SQLite writer.
const usageBuffer = 1024

// runServe is the primary operating mode. Startup order: config, logger,
// usage ledger, inference self-check (fatal on failure), session manager,
// limiter, transport. SIGINT or SIGTERM cancels the context; every
// component drains and the ledger flushes before return.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting lamrelay", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate already vetted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"transport", cfg.Transport,
		"inference_url", cfg.Inference.URL,
		"projects", len(cfg.EnabledProjects()),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// Usage ledger
	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	defer usageStore.Close()
	ledger := usage.NewLedger(usageStore, usageBuffer, logger)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNewMetrics(reg)

	// Inference self-check; fatal when the endpoint is unreachable.
	client, err := llm.Dial(ctx, openAIConfig(cfg, logger), cfg.Inference.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("startup self-check: %w", err)
	}

	// Sessions
	tokens := mqtt.NewDailyTokens(time.Local)
	mgr := session.NewManager(session.ManagerConfig{
		Client: client,
		Store: session.NewStore(session.StoreOptions{
			MaxSessions: cfg.Sessions.MaxSessions,
			OnEvict: func(key session.Key, reason string) {
				m.IncEvicted(reason)
				logger.Debug("session evicted", "project", key.Project, "session_id", key.ID, "reason", reason)
			},
		}),
		Trimmer:     newTrimmer(cfg.Sessions),
		Defaults:    samplingDefaults(cfg.Sampling),
		MaxInflight: cfg.Dispatch.MaxInflight,
		Usage:       session.UsageRecorders{ledger, tokens, usageMetrics{m}},
		Logger:      logger,
	})
	m.Gauge("inference_in_flight", "Inference calls currently running.", func() float64 {
		return float64(mgr.InFlight())
	})
	m.Gauge("sessions_active", "Live sessions.", func() float64 {
		return float64(mgr.ActiveSessions())
	})

	limiter := ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests)
	prompts := dispatch.NewPromptRegistry(projectPrompts(cfg.Projects), "")

	watch := fanout.NewHub[session.Key, api.WatchEvent]()
	watch.OnDrop = func(session.Key) { m.IncWatchDropped() }

	health := connwatch.NewManager(logger)
	defer health.Stop()
	health.Watch(ctx, connwatch.Spec{Name: "inference", Probe: client.Ping})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ledger.Run(gctx)
		return nil
	})
	g.Go(func() error {
		mgr.RunSweeper(gctx, cfg.Sessions.SweepInterval, cfg.Sessions.IdleTTL)
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx, cfg.RateLimit.Window)
		return nil
	})

	httpCfg := api.Config{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		Mode:     cfg.Transport,
		Sessions: mgr,
		Health:   health,
		Watch:    watch,
		Gatherer: reg,
		Logger:   logger,
	}

	var broker transport.Transport
	switch cfg.Transport {
	case config.TransportBroker:
		adapter, err := newBroker(gctx, cfg, brokerDeps{
			sessions: mgr,
			limiter:  limiter,
			prompts:  prompts,
			tokens:   tokens,
			watch:    watch,
			health:   health,
			metrics:  m,
			logger:   logger,
		}, g)
		if err != nil {
			stop()
			g.Wait()
			return err
		}
		broker = adapter
	case config.TransportDirect:
		chat := direct.New(direct.Config{
			Turns:    mgr,
			Limiter:  limiter,
			Prompts:  prompts,
			Projects: cfg.Projects,
			Metrics:  m,
			Logger:   logger,
		})
		chat.Observe(func(c direct.Completion) {
			api.PublishWatch(watch, api.CompletionEvent(c))
		})
		httpCfg.Chat = chat
	}

	srv := api.NewServer(httpCfg)
	active, err := transport.Select(cfg.Transport, broker, srv)
	if err != nil {
		stop()
		g.Wait()
		return err
	}
	logger.Info("transport selected", "transport", active.Name())

	g.Go(func() error { return active.Run(gctx) })
	if cfg.Transport == config.TransportBroker {
		// Health, metrics and session watch stay on HTTP.
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()
	logger.Info("lamrelay stopped", "uptime", buildinfo.Uptime(), "usage_dropped", ledger.Dropped())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// brokerDeps are the shared components the broker transport needs.
type brokerDeps struct {
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	prompts  *dispatch.PromptRegistry
	tokens   *mqtt.DailyTokens
	watch    *fanout.Hub[session.Key, api.WatchEvent]
	health   *connwatch.Manager
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// newBroker wires the dispatcher and MQTT adapter and starts the
// dispatcher in g. The adapter itself is returned unstarted.
func newBroker(ctx context.Context, cfg *config.Config, deps brokerDeps, g *errgroup.Group) (*mqtt.Adapter, error) {
	d := dispatch.New(dispatch.Config{
		Workers:          cfg.Dispatch.Workers,
		QueueSize:        cfg.Dispatch.QueueSize,
		PublishQueueSize: cfg.Dispatch.PublishQueueSize,
		StatsInterval:    cfg.Dispatch.StatsInterval,
		Processor:        deps.sessions,
		Limiter:          deps.limiter,
		Prompts:          deps.prompts,
		Metrics:          deps.metrics,
		Logger:           deps.logger,
	})

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("broker instance id: %w", err)
	}
	adapter, err := mqtt.New(mqtt.Config{
		Broker:   cfg.Broker,
		Projects: cfg.Projects,
		ClientID: mqtt.ClientID(cfg.Broker.ClientID, instanceID),
		Queue:    d,
		Sessions: deps.sessions,
		Prompts:  deps.prompts,
		Stats:    relayStats{dispatcher: d, sessions: deps.sessions},
		Tokens:   deps.tokens,
		Metrics:  deps.metrics,
		Logger:   deps.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	d.SetSink(adapter)
	d.Observe(func(r dispatch.Result) {
		api.PublishWatch(deps.watch, api.ResultEvent(r))
	})
	deps.metrics.Gauge("queue_depth", "Work items waiting for a worker.", func() float64 {
		return float64(d.QueueDepth())
	})
	deps.health.Watch(ctx, connwatch.Spec{Name: "broker", Probe: adapter.AwaitConnection})

	g.Go(func() error { return d.Run(ctx) })
	return adapter, nil
}
