// Package logging provides structured logging setup using log/slog.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// DebugEnv enables debug logging when set to "1".
const DebugEnv = "BWBRIDGE_DEBUG"

// Level represents the logging verbosity level.
type Level int

const (
	// LevelInfo is the default logging level for normal operation.
	LevelInfo Level = iota
	// LevelDebug enables verbose debug output, including every skipped
	// bandwhich line.
	LevelDebug
)

// ParseLevel maps a configured level name to a Level. Unknown names fall
// back to LevelInfo.
func ParseLevel(name string) Level {
	if strings.EqualFold(strings.TrimSpace(name), "debug") {
		return LevelDebug
	}
	return LevelInfo
}

// Setup initializes the global slog logger with the specified level.
// Call this once at application startup.
func Setup(level Level) {
	slogLevel := slog.LevelInfo
	if level == LevelDebug {
		slogLevel = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))
}

// LevelFromEnv returns LevelDebug when BWBRIDGE_DEBUG=1 and fallback
// otherwise.
func LevelFromEnv(fallback Level) Level {
	if os.Getenv(DebugEnv) == "1" {
		return LevelDebug
	}
	return fallback
}

// SetupFromEnv initializes the logger based on environment variables.
// Set BWBRIDGE_DEBUG=1 to enable debug logging.
func SetupFromEnv() {
	Setup(LevelFromEnv(LevelInfo))
}
