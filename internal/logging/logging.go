// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package logging constructs the structured loggers used by transcend
// components.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Environment variables consulted by New.
const (
	EnvLogLevel     = "TRANSCEND_LOG_LEVEL"
	EnvLogTimestamp = "TRANSCEND_LOG_TIMESTAMP"
	EnvLogNoColor   = "TRANSCEND_LOG_NOCOLOR"
)

// Options control the construction of a logger.
type Options struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	Out       io.Writer // default os.Stderr
}

// DefaultOptions returns the default options with environment overrides
// applied. The default level is warn, so a library caller sees nothing unless
// something goes wrong.
func DefaultOptions() Options {
	opts := Options{Level: zerolog.WarnLevel}
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		opts.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		opts.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		opts.NoColor = v
	}
	return opts
}

// New returns a console logger for the named component using DefaultOptions.
func New(component string) zerolog.Logger {
	return NewWithOptions(component, DefaultOptions())
}

// NewWithOptions returns a console logger for the named component.
func NewWithOptions(component string, opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	cw := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    opts.NoColor,
		TimeFormat: time.RFC3339,
	}
	if !opts.Timestamp {
		cw.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	return zerolog.New(cw).Level(opts.Level).With().
		Timestamp().
		Str("component", component).
		Int("pid", os.Getpid()).
		Logger()
}

// ParseLevel parses a level name. It reports false for an empty or
// unrecognized name.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.NoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
