// Package monitoring provides the gateway's observability surface:
// structured logging (zerolog) and prometheus metrics.
package monitoring

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type LoggerConfig struct {
	Level  string // trace|debug|info|warn|error, default info
	Format string // json|pretty
}

// NewLogger builds the process root logger. Connection-scoped loggers are
// derived from it with .With() so tenant/user/trace fields ride along on
// every line.
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "pretty" {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		logger = zerolog.New(out)
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
