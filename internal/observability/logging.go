package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions controls where and how much the service logs.
type LogOptions struct {
	Level      string // debug, info, warn, error
	File       string // empty = stdout
	MaxSizeMB  int
	MaxAgeDays int
}

// LogOptionsFromEnv reads PERP_LOG_LEVEL and PERP_LOG_FILE.
func LogOptionsFromEnv() LogOptions {
	return LogOptions{
		Level:      os.Getenv("PERP_LOG_LEVEL"),
		File:       os.Getenv("PERP_LOG_FILE"),
		MaxSizeMB:  100,
		MaxAgeDays: 7,
	}
}

// NewLogger creates a structured JSON logger for component using the
// environment's log options.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithOptions(component, LogOptionsFromEnv())
}

// NewLoggerWithOptions creates a logger writing to stdout, or to a rotated
// file when opts.File is set.
func NewLoggerWithOptions(component string, opts LogOptions) zerolog.Logger {
	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = &lumberjack.Logger{
			Filename: opts.File,
			MaxSize:  opts.MaxSizeMB,
			MaxAge:   opts.MaxAgeDays,
			Compress: true,
		}
	}
	return NewLoggerWithWriter(component, out, parseLogLevel(opts.Level))
}

// NewLoggerWithWriter creates a logger on an explicit writer and level.
func NewLoggerWithWriter(component string, w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
