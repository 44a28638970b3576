package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/debuglink/internal/protocol"
	"github.com/danmuck/debuglink/internal/transport/session"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigExample(t *testing.T) {
	cfg, err := loadServiceConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DeviceID != "device.local" {
		t.Fatalf("unexpected device id: %q", cfg.DeviceID)
	}
	if !cfg.Debug {
		t.Fatalf("expected debug enabled")
	}
	if cfg.GRPCAddr != "127.0.0.1:21325" {
		t.Fatalf("unexpected grpc addr: %q", cfg.GRPCAddr)
	}
	if cfg.AdminAddr != "127.0.0.1:21326" {
		t.Fatalf("unexpected admin addr: %q", cfg.AdminAddr)
	}
	if cfg.Session.IdleTimeout != 2*time.Minute {
		t.Fatalf("unexpected idle timeout: %v", cfg.Session.IdleTimeout)
	}
	if cfg.Session.TLS.Enabled {
		t.Fatalf("expected tls disabled")
	}
	if cfg.Layout.EraseLatency != 25*time.Millisecond {
		t.Fatalf("unexpected erase latency: %v", cfg.Layout.EraseLatency)
	}
	if cfg.Provision == nil || cfg.Provision.PIN == nil || *cfg.Provision.PIN != "1234" {
		t.Fatalf("unexpected provision: %+v", cfg.Provision)
	}
	if cfg.Provision.Mnemonic == nil || !strings.HasPrefix(*cfg.Provision.Mnemonic, "all all") {
		t.Fatalf("unexpected mnemonic: %+v", cfg.Provision.Mnemonic)
	}
}

func TestLoadServiceConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := loadServiceConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:21324" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.GRPCAddr != "" || cfg.AdminAddr != "" {
		t.Fatalf("expected optional listeners disabled")
	}
	if cfg.Provision != nil {
		t.Fatalf("expected no provision")
	}
}

func TestLoadServiceConfigPartialProvision(t *testing.T) {
	path := writeConfig(t, `
[provision]
passphrase_protection = true
`)
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Provision == nil || !cfg.Provision.PassphraseProtection {
		t.Fatalf("unexpected provision: %+v", cfg.Provision)
	}
	if cfg.Provision.PIN != nil || cfg.Provision.Mnemonic != nil {
		t.Fatalf("expected pin and mnemonic cleared: %+v", cfg.Provision)
	}
}

func TestLoadServiceConfigAuthKey(t *testing.T) {
	path := writeConfig(t, `
auth_key = "00112233"
security_mode = "production"
`)
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !bytes.Equal(cfg.Session.AuthKey, []byte{0x00, 0x11, 0x22, 0x33}) {
		t.Fatalf("unexpected auth key: %x", cfg.Session.AuthKey)
	}
	if cfg.Session.SecurityMode != session.SecurityModeProduction {
		t.Fatalf("unexpected security mode: %q", cfg.Session.SecurityMode)
	}
}

func TestLoadServiceConfigEnvOverrides(t *testing.T) {
	t.Setenv("DEBUGLINK_AUTH_KEY", "aabb")
	t.Setenv("DEBUGLINK_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("DEBUGLINK_DEBUG", "false")
	t.Setenv("DEBUGLINK_ADMIN_TOKEN", "bench")

	cfg, err := loadServiceConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !bytes.Equal(cfg.Session.AuthKey, []byte{0xaa, 0xbb}) {
		t.Fatalf("unexpected auth key: %x", cfg.Session.AuthKey)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.Debug {
		t.Fatalf("expected env to disable debug")
	}
	if cfg.AdminToken != "bench" {
		t.Fatalf("unexpected admin token: %q", cfg.AdminToken)
	}
}

func TestLoadServiceConfigBadValues(t *testing.T) {
	for _, content := range []string{
		`idle_timeout = "abc"`,
		`auth_key = "not-hex"`,
		"[device]\nerase_latency = \"soon\"",
	} {
		if _, err := loadServiceConfig(writeConfig(t, content)); err == nil {
			t.Fatalf("expected error for %q", content)
		}
	}
}

func TestBuildRequest(t *testing.T) {
	req, err := buildRequest("MemoryWrite", callFlags{address: 0x20000000, data: "0xdead", flash: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	w := req.(*protocol.MemoryWrite)
	if w.Address != 0x20000000 || !bytes.Equal(w.Data, []byte{0xde, 0xad}) || !w.Flash {
		t.Fatalf("unexpected request: %+v", w)
	}

	req, err = buildRequest("DebugLinkDecision", callFlags{yes: true})
	if err != nil || !req.(*protocol.Decision).YesNo {
		t.Fatalf("decision: %+v %v", req, err)
	}

	if _, err := buildRequest("State", callFlags{}); err == nil {
		t.Fatalf("expected reply types to be rejected")
	}
	if _, err := buildRequest("Reboot", callFlags{}); err == nil {
		t.Fatalf("expected unknown type error")
	}
}

func TestPrintReply(t *testing.T) {
	var buf bytes.Buffer
	printReply(&buf, &protocol.State{PIN: "1234", HasPIN: true})
	if got := buf.String(); !strings.Contains(got, "pin: 1234") || !strings.Contains(got, "mnemonic: <unset>") {
		t.Fatalf("unexpected output: %q", got)
	}
	buf.Reset()
	printReply(&buf, &protocol.Memory{Data: []byte{0xca, 0xfe}})
	if buf.String() != "cafe\n" {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}
