// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Format selects the log encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

var debugEnabled bool

// Init initializes the global logger writing to stderr.
func Init(debug bool, format Format) {
	InitWriter(os.Stderr, debug, format)
}

// InitWriter initializes the global logger with an explicit sink.
func InitWriter(w io.Writer, debug bool, format Format) {
	debugEnabled = debug
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if format == FormatJSON {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	})
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// DebugEnabled reports whether debug logging is enabled.
func DebugEnabled() bool {
	return debugEnabled
}
