// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// TimeFormat overrides the timestamp layout. Empty keeps RFC3339.
	TimeFormat string

	// Caller adds the file:line of the log call.
	Caller bool
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = timeFormat

	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: timeFormat}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	logger := ctx.Logger()

	log.Logger = logger

	return logger
}

// ParseLevel reports whether s names a supported level.
func ParseLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return "", false
	}
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Key leases and releases (slot only, never the key)
//   - Cache operations (hit/miss, key, TTL)
//   - Stage-1 metadata and stage-2 data URLs
//
// Info: Normal operation events
//   - Per-municipality progress (index/total)
//   - Key rotations
//   - Batch summaries and export locations
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Rate-limited responses and their X-RateLimit-* headers
//   - Backoff waits and their progress
//   - Municipality attempts that will be retried
//   - Cache errors (fallback to AEMET)
//
// Error: Error conditions requiring attention
//   - Municipalities that failed every attempt
//   - Export, upload and warehouse failures
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (keypool, aemet-client, batch-runner, ...)
//   - municipality: five digit INE code
//   - slot: pool slot of the key in use (key_1, key_2, ...)
//   - stage: 1 for metadata, 2 for data
//   - status_code: HTTP status code
//   - error_class: rate_limit, server, network, malformed, fatal, stage2
//   - attempt / max_attempts: retry position
//   - wait: backoff duration
