package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/kiwari-pos/orderfeed/internal/config"
	"github.com/rs/zerolog"
)

// New builds the process logger. debug forces the debug level so dropped
// frames and reconnect attempts become visible.
func New(cfg config.LogConfig, debug bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, cfg, debug)
}

func NewWithWriter(w io.Writer, cfg config.LogConfig, debug bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := w
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level := parseLevel(cfg.Level)
	if debug {
		level = zerolog.DebugLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
