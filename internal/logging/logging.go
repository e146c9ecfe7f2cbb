// Package logging builds the process slog handler from configuration.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hyperengineering/tether/internal/config"
)

// ParseLevel maps a configured level name to a slog level. Unknown names
// log at info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Writer returns the log destination: stderr, or a rotating file when
// cfg.File is set. The returned closer flushes and closes the file.
func Writer(cfg config.LogConfig) (io.Writer, io.Closer) {
	if cfg.File == "" {
		return os.Stderr, nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return rotator, rotator
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewHandler returns a JSON or text handler writing to w.
func NewHandler(w io.Writer, cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// Setup installs the configured logger as the slog default. Call the
// returned function on shutdown.
func Setup(cfg config.LogConfig) func() error {
	w, closer := Writer(cfg)
	slog.SetDefault(slog.New(NewHandler(w, cfg)))
	return closer.Close
}
