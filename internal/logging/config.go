package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "DEBUGLINK_LOG_LEVEL"
	EnvLogTimestamp = "DEBUGLINK_LOG_TIMESTAMP"
	EnvLogNoColor   = "DEBUGLINK_LOG_NOCOLOR"
	EnvLogBypass    = "DEBUGLINK_LOG_BYPASS"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved logger configuration.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	Bypass    bool
	Out       io.Writer
}

// envOverrides holds raw values; unset fields keep the profile default.
type envOverrides struct {
	Level     string `env:"DEBUGLINK_LOG_LEVEL"`
	Timestamp *bool  `env:"DEBUGLINK_LOG_TIMESTAMP"`
	NoColor   *bool  `env:"DEBUGLINK_LOG_NOCOLOR"`
	Bypass    *bool  `env:"DEBUGLINK_LOG_BYPASS"`
}

var configureOnce sync.Once

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := DefaultConfig(profile)
		applyEnvOverrides(&cfg)
		Apply(cfg)
	})
}

func DefaultConfig(profile Profile) Config {
	cfg := Config{Out: os.Stderr}
	switch profile {
	case ProfileTest:
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = false
	default:
		cfg.Level = zerolog.InfoLevel
		cfg.Timestamp = true
	}
	return cfg
}

// Apply installs cfg as the global zerolog logger.
func Apply(cfg Config) {
	if cfg.Bypass {
		zerolog.SetGlobalLevel(zerolog.Disabled)
		log.Logger = zerolog.Nop()
		return
	}
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	zerolog.SetGlobalLevel(cfg.Level)
	writer := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	if !cfg.Timestamp {
		writer.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
}

func applyEnvOverrides(cfg *Config) {
	var raw envOverrides
	if err := env.Parse(&raw); err != nil {
		return
	}
	if lvl, ok := ParseLevel(raw.Level); ok {
		cfg.Level = lvl
	}
	if raw.Timestamp != nil {
		cfg.Timestamp = *raw.Timestamp
	}
	if raw.NoColor != nil {
		cfg.NoColor = *raw.NoColor
	}
	if raw.Bypass != nil {
		cfg.Bypass = *raw.Bypass
	}
}

// ParseLevel maps user-facing level names onto zerolog levels.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
