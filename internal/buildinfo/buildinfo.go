// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags, e.g.
//
//	-X github.com/nugget/lamrelay/internal/buildinfo.Version=v0.3.0
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime details for the version command and
// the broker status document.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return "lamrelay/" + Version
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("lamrelay %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
