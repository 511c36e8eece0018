// Package cli holds the helpers shared by the command-line tools.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/ethereum/go-ethereum/log"
)

// Release identification shared by every tool.
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-18"
)

// CommitSHA is set at link time with -ldflags "-X".
var CommitSHA = "unknown"

// BuildInfo describes the running binary.
type BuildInfo struct {
	Tool      string `json:"tool"`
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	CommitSHA string `json:"commit_sha,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Build returns the build information of tool.
func Build(tool string) BuildInfo {
	b := BuildInfo{
		Tool:      tool,
		Version:   Version,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if CommitSHA != "unknown" {
		b.CommitSHA = CommitSHA
	}
	return b
}

// WriteVersion writes the build information of tool as text or JSON.
func WriteVersion(w io.Writer, tool string, asJSON bool) error {
	b := Build(tool)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}
	_, err := fmt.Fprintf(w, "%s v%s (%s, %s, %s)\n", b.Tool, b.Version, b.BuildDate, b.GoVersion, b.Platform)
	if err == nil && b.CommitSHA != "" {
		_, err = fmt.Fprintf(w, "commit %s\n", b.CommitSHA)
	}
	return err
}

// LogLevel maps the usual verbosity flags to a level.
func LogLevel(verbose, debug bool) slog.Level {
	switch {
	case debug:
		return log.LevelDebug
	case verbose:
		return log.LevelInfo
	}
	return log.LevelWarn
}

// SetupLogger installs a terminal logger on stderr as the root logger and
// returns it.
func SetupLogger(verbose, debug bool) log.Logger {
	h := log.NewTerminalHandlerWithLevel(os.Stderr, LogLevel(verbose, debug), false)
	l := log.NewLogger(h)
	log.SetDefault(l)
	return l
}

// ExitWithError prints an error message and exits with code 1
func ExitWithError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
