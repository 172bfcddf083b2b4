// Package logx holds the process-wide zerolog logger.
package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Service is stamped on every log line.
const Service = "dockshell"

// Log is the shared logger used throughout the project.
var Log zerolog.Logger

// Options selects the logger level, encoding and destination.
type Options struct {
	Level string
	// Format is "json" for one JSON object per line; anything else writes
	// human readable console output.
	Format string
	Out    io.Writer
}

// Configure sets the global log level, keeping the format chosen by
// LOG_FORMAT.
func Configure(level string) {
	Setup(Options{Level: level, Format: os.Getenv("LOG_FORMAT")})
}

// Setup rebuilds Log from o.
func Setup(o Options) {
	zerolog.SetGlobalLevel(ParseLevel(o.Level))
	out := o.Out
	if out == nil {
		out = os.Stderr
	}
	if !strings.EqualFold(strings.TrimSpace(o.Format), "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Log = zerolog.New(out).With().Timestamp().Str("service", Service).Logger()
}

// ParseLevel converts a string to a zerolog level.
// Accepts: all, trace, debug, info, warn, warning, error, fatal, none.
// Unknown values default to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	Configure(os.Getenv("LOG_LEVEL"))
}
