package certsentinel

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// NewLogger builds the tool's logger: a text handler writing to stdout,
// mirrored into the append-only audit log file when logFile is non-empty.
// The returned closer flushes and closes the audit file; it is a no-op when
// no file is configured.
func NewLogger(logFile string, level slog.Level) (*slog.Logger, func() error, error) {
	var w io.Writer = os.Stdout
	closer := func() error { return nil }

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log: failed to open audit log %s: %w", logFile, err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closer = f.Close
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// ParseLogLevel maps the LOG_LEVEL convention used by the cmd wrappers.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
