package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nugget/lamrelay/internal/config"
	"github.com/nugget/lamrelay/internal/direct"
	"github.com/nugget/lamrelay/internal/dispatch"
	"github.com/nugget/lamrelay/internal/llm"
	"github.com/nugget/lamrelay/internal/session"
)

// askOptions are the arguments of the ask subcommand.
type askOptions struct {
	Project   string
	SessionID string
	Text      string
}

func parseAskArgs(args []string) (askOptions, error) {
	var opts askOptions
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-project" && i+1 < len(args):
			opts.Project = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-project="):
			opts.Project = strings.TrimPrefix(args[i], "-project=")
		case args[i] == "-session" && i+1 < len(args):
			opts.SessionID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-session="):
			opts.SessionID = strings.TrimPrefix(args[i], "-session=")
		default:
			words = append(words, args[i])
		}
	}
	opts.Text = strings.TrimSpace(strings.Join(words, " "))
	if opts.Text == "" {
		return opts, fmt.Errorf("usage: lamrelay ask [-project p] [-session s] <text>")
	}
	return opts, nil
}

// runAsk sends one message through the direct adapter and streams the
// reply to stdout. Nothing is persisted; logs go to stderr so stdout
// carries only the reply.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, opts askOptions) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, max(level, slog.LevelWarn), cfg.LogFormat)

	client, err := llm.Dial(ctx, openAIConfig(cfg, logger), cfg.Inference.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("startup self-check: %w", err)
	}

	mgr := session.NewManager(session.ManagerConfig{
		Client:      client,
		Trimmer:     newTrimmer(cfg.Sessions),
		Defaults:    samplingDefaults(cfg.Sampling),
		MaxInflight: 1,
		Logger:      logger,
	})
	adapter := direct.New(direct.Config{
		Turns:    mgr,
		Prompts:  dispatch.NewPromptRegistry(projectPrompts(cfg.Projects), ""),
		Projects: cfg.Projects,
		Logger:   logger,
	})

	stream, err := adapter.Stream(ctx, direct.Call{
		Project:   opts.Project,
		SessionID: opts.SessionID,
		ClientID:  "cli",
		Text:      opts.Text,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	defer stream.Close()

	for frag, err := range stream.Fragments() {
		if err != nil {
			fmt.Fprintln(stdout)
			return fmt.Errorf("ask: %w", err)
		}
		io.WriteString(stdout, frag)
	}
	fmt.Fprintln(stdout)
	return nil
}
