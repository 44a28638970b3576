package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "true")
	t.Setenv(EnvLogNoColor, "1")

	cfg := DefaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if !cfg.Timestamp || !cfg.NoColor {
		t.Fatalf("expected timestamp and nocolor overrides: %+v", cfg)
	}
	if cfg.Bypass {
		t.Fatalf("bypass should keep profile default")
	}
}

func TestApplyWritesThroughConsoleWriter(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	defer func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	}()

	var buf bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, NoColor: true, Out: &buf})
	log.Info().Str("device_id", "dev.1").Msg("logging.Apply ok")
	log.Debug().Msg("suppressed")

	out := buf.String()
	if !strings.Contains(out, "logging.Apply ok") || !strings.Contains(out, "device_id=dev.1") {
		t.Fatalf("unexpected output: %q", out)
	}
	if strings.Contains(out, "suppressed") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
}
