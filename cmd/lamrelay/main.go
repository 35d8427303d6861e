// Lamrelay relays chat turns between game clients and a self-hosted,
// OpenAI-compatible inference server.
//
// Messages arrive over exactly one transport per deployment: an MQTT
// broker (asynchronous, queued, replies published to per-session
// topics) or direct HTTP (synchronous JSON, SSE and websocket). The
// relay keeps per-session conversation history, bounds concurrent
// inference, and records every call in a SQLite usage ledger.
//
// Usage:
//
//	lamrelay serve                 Start the relay
//	lamrelay init [dir]            Write an example config.yaml
//	lamrelay ask [-project p] [-session s] <text>
//	                               Send one message through the direct path
//	lamrelay version               Print version and build information
//	lamrelay -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nugget/lamrelay/internal/buildinfo"
	"github.com/nugget/lamrelay/internal/config"
)

// main only builds the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package's globals make concurrent calls from tests impossible, and the
// surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		opts, err := parseAskArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runAsk(ctx, stdout, stderr, configPath, opts)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	delete(info, "uptime")
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "lamrelay - chat relay for self-hosted inference")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: lamrelay [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                              Start the relay")
	fmt.Fprintln(w, "  init [dir]                         Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask [-project p] [-session s] text Send one message and stream the reply")
	fmt.Fprintln(w, "  version                            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates, parses and validates the configuration. It
// returns the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
