package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/debuglink/internal/service"
	"github.com/danmuck/debuglink/internal/storage"
	"github.com/danmuck/debuglink/internal/transport/session"
)

type fileConfig struct {
	DeviceID     string        `toml:"device_id"`
	Debug        bool          `toml:"debug"`
	Codec        string        `toml:"codec"`
	ListenAddr   string        `toml:"listen_addr"`
	GRPCAddr     string        `toml:"grpc_addr"`
	AdminAddr    string        `toml:"admin_addr"`
	AdminToken   string        `toml:"admin_token"`
	StoragePath  string        `toml:"storage_path"`
	Audit        bool          `toml:"audit"`
	QueueDepth   int           `toml:"queue_depth"`
	AuthKey      string        `toml:"auth_key"`
	IdleTimeout  string        `toml:"idle_timeout"`
	SecurityMode string        `toml:"security_mode"`
	TLS          fileTLS       `toml:"tls"`
	Device       fileDevice    `toml:"device"`
	Provision    fileProvision `toml:"provision"`
}

type fileTLS struct {
	Enabled    bool   `toml:"enabled"`
	Mutual     bool   `toml:"mutual"`
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	CAFile     string `toml:"ca_file"`
	ServerName string `toml:"server_name"`
}

type fileDevice struct {
	EraseLatency string `toml:"erase_latency"`
}

type fileProvision struct {
	PIN                  string `toml:"pin"`
	Mnemonic             string `toml:"mnemonic"`
	PassphraseProtection bool   `toml:"passphrase_protection"`
}

// envConfig overrides the file; secrets are expected here rather than on disk.
type envConfig struct {
	AuthKey     string `env:"DEBUGLINK_AUTH_KEY"`
	AdminToken  string `env:"DEBUGLINK_ADMIN_TOKEN"`
	ListenAddr  string `env:"DEBUGLINK_LISTEN_ADDR"`
	StoragePath string `env:"DEBUGLINK_STORAGE_PATH"`
	Debug       *bool  `env:"DEBUGLINK_DEBUG"`
}

// loadServiceConfig resolves defaults, then the toml file when path is set,
// then the environment.
func loadServiceConfig(path string) (service.Config, error) {
	cfg := service.DefaultConfig()
	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return service.Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return service.Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *service.Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load debuglink config: %w", err)
	}

	if meta.IsDefined("device_id") {
		if id := strings.TrimSpace(raw.DeviceID); id != "" {
			cfg.DeviceID = id
		}
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}
	if meta.IsDefined("codec") {
		cfg.Codec = strings.TrimSpace(raw.Codec)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("grpc_addr") {
		cfg.GRPCAddr = strings.TrimSpace(raw.GRPCAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("storage_path") {
		cfg.StoragePath = strings.TrimSpace(raw.StoragePath)
	}
	if meta.IsDefined("audit") {
		cfg.Audit = raw.Audit
	}
	if meta.IsDefined("queue_depth") {
		cfg.QueueDepth = raw.QueueDepth
	}
	if meta.IsDefined("auth_key") {
		key, err := parseAuthKey(raw.AuthKey)
		if err != nil {
			return err
		}
		cfg.Session.AuthKey = key
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.Session.IdleTimeout = d
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("tls") {
		cfg.Session.TLS = session.TLSConfig{
			Enabled:    raw.TLS.Enabled,
			Mutual:     raw.TLS.Mutual,
			CertFile:   strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:    strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:     strings.TrimSpace(raw.TLS.CAFile),
			ServerName: strings.TrimSpace(raw.TLS.ServerName),
		}
	}
	if meta.IsDefined("device", "erase_latency") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Device.EraseLatency))
		if err != nil {
			return fmt.Errorf("parse device.erase_latency: %w", err)
		}
		cfg.Layout.EraseLatency = d
	}
	if meta.IsDefined("provision") {
		p := &storage.Provision{PassphraseProtection: raw.Provision.PassphraseProtection}
		if meta.IsDefined("provision", "pin") {
			pin := raw.Provision.PIN
			p.PIN = &pin
		}
		if meta.IsDefined("provision", "mnemonic") {
			mnemonic := strings.TrimSpace(raw.Provision.Mnemonic)
			p.Mnemonic = &mnemonic
		}
		cfg.Provision = p
	}
	return nil
}

func applyEnv(cfg *service.Config) error {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse debuglink env: %w", err)
	}
	if raw.AuthKey != "" {
		key, err := parseAuthKey(raw.AuthKey)
		if err != nil {
			return err
		}
		cfg.Session.AuthKey = key
	}
	if raw.AdminToken != "" {
		cfg.AdminToken = raw.AdminToken
	}
	if raw.ListenAddr != "" {
		cfg.ListenAddr = raw.ListenAddr
	}
	if raw.StoragePath != "" {
		cfg.StoragePath = raw.StoragePath
	}
	if raw.Debug != nil {
		cfg.Debug = *raw.Debug
	}
	return nil
}

// parseAuthKey decodes a hex frame auth key; empty disables frame auth.
func parseAuthKey(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("parse auth_key: %w", err)
	}
	return key, nil
}
