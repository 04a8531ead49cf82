// Package logging constructs the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level  string // trace, debug, info, warn, error
	Format string // json or pretty
}

// New creates a zerolog logger writing to stderr so that CSV snapshots on
// stdout stay machine-readable. JSON output is the default; pretty mode uses
// the console writer for interactive runs.
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stderr

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(out).
		With().
		Timestamp().
		Str("service", "mq-bench").
		Logger()
}
