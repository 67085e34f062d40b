package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/omochice/phoneremote/internal/transport"
	"github.com/omochice/phoneremote/pkg/protocol"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phoneremote.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PHONEREMOTE_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discovery.Port != 8766 {
		t.Errorf("Discovery.Port = %d, want 8766", cfg.Discovery.Port)
	}
	if cfg.Server.Address != ":8765" {
		t.Errorf("Server.Address = %q, want :8765", cfg.Server.Address)
	}
	if cfg.Protocol.MaxPayload != protocol.DefaultMaxPayload {
		t.Errorf("Protocol.MaxPayload = %d, want %d", cfg.Protocol.MaxPayload, protocol.DefaultMaxPayload)
	}
	if cfg.Discovery.ReplyTimeout != 5*time.Second {
		t.Errorf("Discovery.ReplyTimeout = %v, want 5s", cfg.Discovery.ReplyTimeout)
	}
	if !cfg.Client.SelfHeal {
		t.Error("Client.SelfHeal = false, want true")
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
protocol:
  encoding: cbor
discovery:
  reply_timeout: 2s
  probe: ping
client:
  transport: websocket
  self_heal: false
  max_dial_attempts: 4
keepalive:
  idle: 10s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Discovery.ReplyTimeout != 2*time.Second {
		t.Errorf("ReplyTimeout = %v, want 2s", cfg.Discovery.ReplyTimeout)
	}

	framer, err := cfg.Framer()
	if err != nil {
		t.Fatalf("Framer() error = %v", err)
	}
	if framer.Codec().Name() != protocol.CodecCBOR {
		t.Errorf("codec = %s, want cbor", framer.Codec().Name())
	}

	cc, err := cfg.ClientManager()
	if err != nil {
		t.Fatalf("ClientManager() error = %v", err)
	}
	if cc.Transport != transport.KindWebSocket || cc.SelfHeal || cc.MaxDialAttempts != 4 {
		t.Errorf("ClientManager() = %+v", cc)
	}
	if cc.KeepAlive.Idle != 10*time.Second || cc.KeepAlive.Interval != 5*time.Second {
		t.Errorf("KeepAlive = %+v", cc.KeepAlive)
	}

	if probe := string(cfg.Prober().Probe); probe != "ping" {
		t.Errorf("Prober().Probe = %q, want ping", probe)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PHONEREMOTE_CONFIG", "")
	t.Setenv("PHONEREMOTE_CLIENT_SELF_HEAL", "false")
	t.Setenv("PHONEREMOTE_DISCOVERY_PORT", "9999")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Client.SelfHeal {
		t.Error("Client.SelfHeal = true, want env override false")
	}
	if cfg.Discovery.Port != 9999 {
		t.Errorf("Discovery.Port = %d, want 9999", cfg.Discovery.Port)
	}
	if got := cfg.DiscoveryListenAddress(); got != "0.0.0.0:9999" {
		t.Errorf("DiscoveryListenAddress() = %q", got)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "log level", body: "log:\n  level: loud\n"},
		{name: "encoding", body: "protocol:\n  encoding: xml\n"},
		{name: "max payload", body: "protocol:\n  max_payload: 0\n"},
		{name: "discovery port", body: "discovery:\n  port: 70000\n"},
		{name: "transport", body: "client:\n  transport: carrier-pigeon\n"},
		{name: "advertise address", body: "server:\n  advertise_address: not-an-ip\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("Load() error = nil, want validation error")
			}
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() error = nil for a missing explicit file")
	}
}
