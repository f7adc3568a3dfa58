// Package logger builds the zerolog.Logger used across the collector from
// a small configuration struct, mirroring reva's pkg/logger.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Conf configures the process-wide base logger.
type Conf struct {
	Level  string `mapstructure:"level"`  // debug|info|warn|error
	Mode   string `mapstructure:"mode"`   // json|console
	Output string `mapstructure:"output"` // stdout|stderr, empty means stdout
}

// New builds a zerolog.Logger from c, defaulting to info/json/stdout.
func New(c Conf) zerolog.Logger {
	var w io.Writer = os.Stdout
	if strings.EqualFold(c.Output, "stderr") {
		w = os.Stderr
	}
	if strings.EqualFold(c.Mode, "console") {
		w = zerolog.ConsoleWriter{Out: w}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(level).With().Timestamp().Caller().Logger()
}
