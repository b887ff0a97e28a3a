package txmap

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ConfigureLogging installs the default logger for applications using txmap and returns it.
// TXMAP_LOG_LEVEL takes any slog level name, e.g. "debug" or "warn+2", and defaults to info.
// TXMAP_LOG_FORMAT=json switches from text to JSON records. Logs go to stderr so they
// never mix with a command's output.
func ConfigureLogging() *slog.Logger {
	logger := newLogger(os.Getenv, os.Stderr)
	slog.SetDefault(logger)
	return logger
}

func newLogger(getenv func(string) string, w io.Writer) *slog.Logger {
	var level slog.Level
	if s := getenv("TXMAP_LOG_LEVEL"); s != "" {
		if err := level.UnmarshalText([]byte(s)); err != nil {
			level = slog.LevelInfo
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(getenv("TXMAP_LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("lib", "txmap", "version", Version)
}
