package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// newLogger builds a zerolog.Logger: console-pretty output for an
// interactive terminal, plain JSON lines when format is "json" (for piping
// into a log aggregator), both gated by a parsed level.
func newLogger(level, format string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil {
		lvl = parsed
	}

	var logger zerolog.Logger
	if strings.EqualFold(format, "json") {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
