package session

import (
	"time"

	"github.com/danmuck/debuglink/internal/protocol/frame"
)

// BackoffConfig defines connect retry behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig selects TLS for the link. Mutual requires client certificates
// signed by CAFile.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines transport/session defaults for both ends of the link.
type Config struct {
	ConnectTimeout   time.Duration
	ConnectAttempts  int
	HandshakeTimeout time.Duration
	// IdleTimeout closes a connection that sends no frame for this long.
	// Zero disables it.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	// Pipeline bounds how many read-ahead frames a connection buffers.
	Pipeline     int
	Backoff      BackoffConfig
	SecurityMode SecurityMode
	TLS          TLSConfig
	// AuthKey enables a keyed blake2b MAC on every frame when non-empty.
	AuthKey []byte
	Limits  frame.Limits
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		ConnectAttempts:  5,
		HandshakeTimeout: 5 * time.Second,
		IdleTimeout:      2 * time.Minute,
		WriteTimeout:     15 * time.Second,
		Pipeline:         8,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
		Limits:       frame.DefaultLimits(),
	}
}
