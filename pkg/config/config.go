package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Node      NodeConfig       `yaml:"node"`
	Log       LogConfig        `yaml:"log"`
	Zones     []ZoneConfig     `yaml:"zones"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// NodeConfig identity and listener configuration for this node
type NodeConfig struct {
	Name          string `yaml:"name"`           // Endpoint name of this node, must match its certificate subject
	Zone          string `yaml:"zone"`           // Name of the local zone
	BindAddr      string `yaml:"bind_addr"`      // Cluster listening address (format: ip:port or :port)
	ListenAddress string `yaml:"listen_address"` // Metrics listener address
	TelemetryPath string `yaml:"telemetry_path"` // Metrics path
	DataDir       string `yaml:"data_dir"`       // Directory for durable state (log positions)
	PKIDir        string `yaml:"pki_dir"`        // Directory holding ca.crt/ca.key and this node's cert/key
	TicketSalt    string `yaml:"ticket_salt"`    // Shared enrollment salt; empty disables self-service enrollment

	ReconnectInterval int `yaml:"reconnect_interval"` // Reconnect interval in seconds
	HeartbeatInterval int `yaml:"heartbeat_interval"` // Log-position heartbeat interval in seconds
	StaleTimeout      int `yaml:"stale_timeout"`      // Disconnect peers silent for this many seconds
}

// ZoneConfig a zone and its member endpoints
type ZoneConfig struct {
	Name      string   `yaml:"name"`
	Endpoints []string `yaml:"endpoints"`
}

// EndpointConfig dial information for a known endpoint
type EndpointConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"` // Optional: empty means this node never dials the peer
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Node.BindAddr == "" {
		c.Node.BindAddr = ":5665"
	}
	if c.Node.ListenAddress == "" {
		c.Node.ListenAddress = ":9090"
	}
	if c.Node.TelemetryPath == "" {
		c.Node.TelemetryPath = "/metrics"
	}
	if c.Node.DataDir == "" {
		c.Node.DataDir = "data"
	}
	if c.Node.PKIDir == "" {
		c.Node.PKIDir = filepath.Join(c.Node.DataDir, "pki")
	}
	if c.Node.ReconnectInterval == 0 {
		c.Node.ReconnectInterval = 10
	}
	if c.Node.HeartbeatInterval == 0 {
		c.Node.HeartbeatInterval = 10
	}
	if c.Node.StaleTimeout == 0 {
		c.Node.StaleTimeout = 60
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// GetReconnectInterval gets reconnect interval
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Node.ReconnectInterval) * time.Second
}

// GetHeartbeatInterval gets log-position heartbeat interval
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Node.HeartbeatInterval) * time.Second
}

// GetStaleTimeout gets the connection stale timeout
func (c *Config) GetStaleTimeout() time.Duration {
	return time.Duration(c.Node.StaleTimeout) * time.Second
}

// Validate checks the cluster topology sections for consistency.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if c.Node.Zone == "" {
		return fmt.Errorf("node.zone is required")
	}

	zones := make(map[string]bool)
	members := make(map[string]string)
	for _, z := range c.Zones {
		if z.Name == "" {
			return fmt.Errorf("zone without a name")
		}
		if zones[z.Name] {
			return fmt.Errorf("duplicate zone %q", z.Name)
		}
		zones[z.Name] = true
		for _, ep := range z.Endpoints {
			if prev, ok := members[ep]; ok {
				return fmt.Errorf("endpoint %q listed in zones %q and %q", ep, prev, z.Name)
			}
			members[ep] = z.Name
		}
	}
	if !zones[c.Node.Zone] {
		return fmt.Errorf("local zone %q is not declared in zones", c.Node.Zone)
	}
	if _, ok := members[c.Node.Name]; !ok {
		return fmt.Errorf("node %q is not a member of any zone", c.Node.Name)
	}
	for _, ep := range c.Endpoints {
		if _, ok := members[ep.Name]; !ok {
			return fmt.Errorf("endpoint %q has dial config but no zone membership", ep.Name)
		}
	}
	return nil
}

// EndpointZone returns the zone an endpoint belongs to, or "".
func (c *Config) EndpointZone(name string) string {
	for _, z := range c.Zones {
		for _, ep := range z.Endpoints {
			if ep == name {
				return z.Name
			}
		}
	}
	return ""
}

// EndpointAddress returns the dial address for an endpoint, or "".
func (c *Config) EndpointAddress(name string) string {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return ep.Address
		}
	}
	return ""
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("NODE_NAME"); val != "" {
		c.Node.Name = val
	}
	if val := os.Getenv("NODE_ZONE"); val != "" {
		c.Node.Zone = val
	}
	if val := os.Getenv("NODE_BIND_ADDR"); val != "" {
		c.Node.BindAddr = val
	}
	if val := os.Getenv("NODE_LISTEN_ADDRESS"); val != "" {
		c.Node.ListenAddress = val
	}
	if val := os.Getenv("NODE_TELEMETRY_PATH"); val != "" {
		c.Node.TelemetryPath = val
	}
	if val := os.Getenv("NODE_DATA_DIR"); val != "" {
		c.Node.DataDir = val
	}
	if val := os.Getenv("NODE_PKI_DIR"); val != "" {
		c.Node.PKIDir = val
	}
	if val := os.Getenv("NODE_TICKET_SALT"); val != "" {
		c.Node.TicketSalt = val
	}
	if val := os.Getenv("NODE_RECONNECT_INTERVAL_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Node.ReconnectInterval = i
		}
	}
	if val := os.Getenv("NODE_HEARTBEAT_INTERVAL_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Node.HeartbeatInterval = i
		}
	}
	if val := os.Getenv("NODE_STALE_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Node.StaleTimeout = i
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}
