// Package log sets up the process-wide structured logger.
package log

import (
	"log/slog"
	"os"
)

// Setup initializes the global slog.Logger. debug takes priority over
// verbose; neither set means Warn level. The returned logger is also
// installed as the slog default.
func Setup(debug bool, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	if debug {
		level = slog.LevelDebug
	}

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}

// ForServer returns a logger with a server_id attribute attached, used by
// every per-server component so log lines can be correlated across the
// supervisor's forked children.
func ForServer(l *slog.Logger, serverID string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("server_id", serverID)
}
