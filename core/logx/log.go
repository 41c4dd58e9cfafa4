// Package logx centralizes the project's zerolog setup: one shared
// logger, console output on stderr, and tolerant level parsing.
package logx

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. Packages log through it so level and
// output format stay consistent across the engine.
var Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// Component returns a child logger tagged with a subsystem name, for the
// places that emit enough lines to be worth filtering.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}

// Configure applies a log level by name. Unknown names fall back to info
// rather than failing startup.
func Configure(level string) {
	zerolog.SetGlobalLevel(Level(level))
}

var levelNames = map[string]zerolog.Level{
	"all":      zerolog.TraceLevel,
	"trace":    zerolog.TraceLevel,
	"debug":    zerolog.DebugLevel,
	"info":     zerolog.InfoLevel,
	"warn":     zerolog.WarnLevel,
	"warning":  zerolog.WarnLevel,
	"error":    zerolog.ErrorLevel,
	"fatal":    zerolog.FatalLevel,
	"none":     zerolog.Disabled,
	"off":      zerolog.Disabled,
	"disabled": zerolog.Disabled,
}

// Level maps a level name (case-insensitive, common synonyms accepted) to
// its zerolog level, defaulting to info.
func Level(name string) zerolog.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return lvl
	}
	return zerolog.InfoLevel
}

func init() {
	Configure(os.Getenv("LOG_LEVEL"))
}
