package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// NewLogger returns a JSON logger on stdout for daemons.
func NewLogger(level string) zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(parseLevel(level))
}

// NewConsoleLogger writes human readable lines to w, stderr when nil, so interactive output on stdout stays clean.
func NewConsoleLogger(level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: true}
	return zerolog.New(out).With().Timestamp().Logger().Level(parseLevel(level))
}
