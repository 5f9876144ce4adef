package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mon-mesh/pkg/config"
)

const sampleConfig = `
node:
  name: node1
  zone: master
  bind_addr: ":5665"
  ticket_salt: "abc123"
zones:
  - name: master
    endpoints: [node1, node2]
  - name: satellite
    endpoints: [agent1]
endpoints:
  - name: node2
    address: "node2.example.org:5665"
log:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.Name != "node1" || cfg.Node.Zone != "master" {
		t.Fatalf("node section: %+v", cfg.Node)
	}
	if cfg.Node.TicketSalt != "abc123" {
		t.Fatalf("ticket salt: got %q", cfg.Node.TicketSalt)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level: got %q", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := cfg.EndpointZone("agent1"); got != "satellite" {
		t.Fatalf("endpoint zone: got %q", got)
	}
	if got := cfg.EndpointAddress("node2"); got != "node2.example.org:5665" {
		t.Fatalf("endpoint address: got %q", got)
	}
	if got := cfg.EndpointAddress("agent1"); got != "" {
		t.Fatalf("agent1 has no dial address, got %q", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDefaults(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetDefaults()

	if cfg.Node.BindAddr != ":5665" {
		t.Fatalf("bind addr default: got %q", cfg.Node.BindAddr)
	}
	if cfg.Node.ListenAddress != ":9090" || cfg.Node.TelemetryPath != "/metrics" {
		t.Fatalf("metrics defaults: %+v", cfg.Node)
	}
	if cfg.Node.PKIDir != filepath.Join("data", "pki") {
		t.Fatalf("pki dir default: got %q", cfg.Node.PKIDir)
	}
	if cfg.GetReconnectInterval() != 10*time.Second {
		t.Fatalf("reconnect interval: got %v", cfg.GetReconnectInterval())
	}
	if cfg.GetHeartbeatInterval() != 10*time.Second {
		t.Fatalf("heartbeat interval: got %v", cfg.GetHeartbeatInterval())
	}
	if cfg.GetStaleTimeout() != 60*time.Second {
		t.Fatalf("stale timeout: got %v", cfg.GetStaleTimeout())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NODE_NAME", "envnode")
	t.Setenv("NODE_TICKET_SALT", "envsalt")
	t.Setenv("NODE_HEARTBEAT_INTERVAL_SECONDS", "3")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()

	if cfg.Node.Name != "envnode" {
		t.Fatalf("name override: got %q", cfg.Node.Name)
	}
	if cfg.Node.TicketSalt != "envsalt" {
		t.Fatalf("salt override: got %q", cfg.Node.TicketSalt)
	}
	if cfg.Node.HeartbeatInterval != 3 {
		t.Fatalf("heartbeat override: got %d", cfg.Node.HeartbeatInterval)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level must be lowercased, got %q", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing name", func(c *config.Config) { c.Node.Name = "" }},
		{"missing zone", func(c *config.Config) { c.Node.Zone = "" }},
		{"unknown local zone", func(c *config.Config) { c.Node.Zone = "nowhere" }},
		{"node not a member", func(c *config.Config) { c.Node.Name = "stranger" }},
		{"duplicate zone", func(c *config.Config) {
			c.Zones = append(c.Zones, config.ZoneConfig{Name: "master"})
		}},
		{"endpoint in two zones", func(c *config.Config) {
			c.Zones = append(c.Zones, config.ZoneConfig{Name: "extra", Endpoints: []string{"agent1"}})
		}},
		{"dial config without membership", func(c *config.Config) {
			c.Endpoints = append(c.Endpoints, config.EndpointConfig{Name: "ghost", Address: "x:1"})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.LoadConfig(writeConfig(t, sampleConfig))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
