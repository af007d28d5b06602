// Package log wraps zerolog with the global-logger-plus-component-child
// pattern the rest of this module logs through.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

// Level names accepted by configuration.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration, read from the layered config in
// internal/config.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Safe to call more than once (e.g. if
// config is reloaded).
func Init(cfg Config) {
	var level zerolog.Level

	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// Component returns a child logger tagged with a "component" field, used
// so log lines from the index, cache, maintenance loop, and snapshot
// loader can be filtered independently.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

func init() {
	// A usable default before Init runs, e.g. for package-level tests that
	// exercise logging paths without going through the CLI's config load.
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}
