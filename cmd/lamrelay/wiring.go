package main

import (
	"log/slog"
	"time"

	"github.com/nugget/lamrelay/internal/buildinfo"
	"github.com/nugget/lamrelay/internal/config"
	"github.com/nugget/lamrelay/internal/dispatch"
	"github.com/nugget/lamrelay/internal/llm"
	"github.com/nugget/lamrelay/internal/metrics"
	"github.com/nugget/lamrelay/internal/session"
)

func openAIConfig(cfg *config.Config, logger *slog.Logger) llm.OpenAIConfig {
	return llm.OpenAIConfig{
		BaseURL:        cfg.Inference.URL,
		Model:          cfg.Inference.Model,
		APIKey:         cfg.Inference.APIKey,
		Timeout:        cfg.Inference.Timeout,
		EnableThinking: cfg.Inference.EnableThinking,
		TLSInsecure:    cfg.Inference.TLSInsecure,
		Logger:         logger,
	}
}

func samplingDefaults(s config.SamplingConfig) llm.Sampling {
	return llm.Sampling{
		Temperature: s.Temperature,
		TopP:        s.TopP,
		MaxTokens:   s.MaxTokens,
	}
}

// newTrimmer picks the history bound configured for sessions.
func newTrimmer(s config.SessionsConfig) session.Trimmer {
	if s.TrimMode == config.TrimTokens {
		return session.TokenTrimmer{MaxTokens: s.HistoryTokens}
	}
	return session.PairTrimmer{MaxPairs: s.HistoryPairs}
}

// projectPrompts maps project names to their configured system prompts.
func projectPrompts(projects []config.ProjectConfig) map[string]string {
	out := make(map[string]string, len(projects))
	for _, p := range projects {
		if p.SystemPrompt != "" {
			out[p.Name] = p.SystemPrompt
		}
	}
	return out
}

// usageMetrics feeds per-call inference figures into prometheus.
type usageMetrics struct {
	m *metrics.Metrics
}

func (u usageMetrics) RecordUsage(usage session.Usage) {
	if usage.Err != nil {
		return
	}
	u.m.ObserveInference(usage.Project, usage.Elapsed, usage.InputTokens, usage.OutputTokens)
}

// relayStats bridges the dispatcher and session manager to the broker
// status document.
type relayStats struct {
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
}

func (s relayStats) Uptime() time.Duration         { return buildinfo.Uptime() }
func (s relayStats) Version() string               { return buildinfo.Version }
func (s relayStats) ActiveSessions() int           { return s.sessions.ActiveSessions() }
func (s relayStats) DispatchStats() dispatch.Stats { return s.dispatcher.Stats() }
