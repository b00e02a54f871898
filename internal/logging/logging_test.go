// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package logging_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/creachadair/transcend/internal/logging"
	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
		ok    bool
	}{
		{"", zerolog.NoLevel, false},
		{"bogus", zerolog.NoLevel, false},
		{"debug", zerolog.DebugLevel, true},
		{" WARNING ", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
	}
	for _, tc := range tests {
		got, ok := logging.ParseLevel(tc.input)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseLevel(%q): got (%v, %v), want (%v, %v)", tc.input, got, ok, tc.want, tc.ok)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(logging.EnvLogLevel, "info")
	t.Setenv(logging.EnvLogNoColor, "true")

	opts := logging.DefaultOptions()
	if opts.Level != zerolog.InfoLevel || !opts.NoColor || opts.Timestamp {
		t.Errorf("DefaultOptions: got %+v", opts)
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWithOptions("test", logging.Options{
		Level:   zerolog.InfoLevel,
		NoColor: true,
		Out:     &buf,
	})
	log.Debug().Msg("hidden")
	log.Info().Str("name", "d").Msg("visible")

	got := buf.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("Debug message was logged at info level: %q", got)
	}
	for _, want := range []string{"visible", "component=test", "name=d"} {
		if !strings.Contains(got, want) {
			t.Errorf("Log output %q does not contain %q", got, want)
		}
	}
}
