package service

import (
	"github.com/danmuck/debuglink/internal/device"
	"github.com/danmuck/debuglink/internal/storage"
	"github.com/danmuck/debuglink/internal/transport/session"
)

// Config is the resolved runtime configuration for one simulated device.
type Config struct {
	DeviceID string
	// Debug enables the debug link; without it no handler is registered.
	Debug bool
	// Codec names the payload encoding: "protobuf" or "tlv".
	Codec string

	ListenAddr string
	// GRPCAddr and AdminAddr are optional; empty disables the listener.
	GRPCAddr  string
	AdminAddr string

	// AdminToken, when set, is the bearer token for sensitive admin routes.
	AdminToken string

	StoragePath string
	// Provision, when set, replaces the stored device state at boot.
	Provision *storage.Provision
	// Audit records every dispatch in storage.
	Audit bool

	QueueDepth int
	Layout     device.Layout
	Session    session.Config
}

func DefaultConfig() Config {
	return Config{
		DeviceID:    "device.local",
		Debug:       true,
		Codec:       "protobuf",
		ListenAddr:  "127.0.0.1:21324",
		StoragePath: "local/debuglink/device.db",
		Audit:       true,
		QueueDepth:  16,
		Layout:      device.DefaultLayout(),
		Session:     session.DefaultConfig(),
	}
}
