package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/tackle-dash/internal/device"
	"github.com/shaunagostinho/tackle-dash/internal/logger"
	"github.com/shaunagostinho/tackle-dash/internal/protocol"
	"github.com/shaunagostinho/tackle-dash/internal/telemetry"
)

// DefaultConfigPath is where the CLI looks for its config file.
const DefaultConfigPath = "/etc/tackledash/config.yaml"

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Sensor connection
	Device DeviceConfig `yaml:"device" json:"device"`

	// Periodic queries issued while connected
	Polling PollingConfig `yaml:"polling" json:"polling"`

	// Live chart window
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// Logging
	Logging logger.Config `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path   string // file path for save/load
	source string // where the values came from, for the startup log
}

type DeviceConfig struct {
	Type        string `yaml:"type" json:"type"`          // "serial" or "demo"
	PortPath    string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyACM0
	BaudRate    int    `yaml:"baud_rate" json:"baudRate"`
	AutoConnect bool   `yaml:"auto_connect" json:"autoConnect"` // connect at startup with backoff
}

type PollingConfig struct {
	VersionOnConnect bool          `yaml:"version_on_connect" json:"versionOnConnect"`
	Commands         []PollCommand `yaml:"commands" json:"commands"`
}

// PollCommand is one periodic query.
type PollCommand struct {
	Command    string `yaml:"command" json:"command"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

type TelemetryConfig struct {
	Capacity int `yaml:"capacity" json:"capacity"` // samples kept per channel
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	BroadcastHz int    `yaml:"broadcast_hz" json:"broadcastHz"` // telemetry snapshot rate
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Type:        "demo",
			PortPath:    "/dev/ttyACM0",
			BaudRate:    device.DefaultBaudRate,
			AutoConnect: false,
		},
		Polling: PollingConfig{
			VersionOnConnect: true,
			Commands: []PollCommand{
				{Command: string(protocol.CmdAccel), IntervalMs: 250},
				{Command: string(protocol.CmdRange), IntervalMs: 500},
				{Command: string(protocol.CmdHome), IntervalMs: 1000},
				{Command: string(protocol.CmdEligibility), IntervalMs: 1000},
				{Command: string(protocol.CmdTackled), IntervalMs: 1000},
			},
		},
		Telemetry: TelemetryConfig{
			Capacity: telemetry.DefaultCapacity,
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			BroadcastHz: 4,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. A missing file is not an error; a file that fails to
// parse yields the defaults plus the parse error so the caller can report it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	var parseErr error
	data, err := os.ReadFile(path)
	if err != nil {
		cfg.source = "defaults (no config at " + path + ")"
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		parseErr = fmt.Errorf("config: parse %s: %w", path, err)
		cfg = DefaultConfig()
		cfg.path = path
		cfg.source = "defaults (parse error)"
	} else {
		cfg.source = path
	}

	// Load .env file from the same directory as the config, or from CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg, parseErr
}

// Source reports where the config was loaded from.
func (c *Config) Source() string { return c.source }

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DEVICE_TYPE, DEVICE_PORT, DEVICE_BAUD, AUTO_CONNECT, LISTEN_ADDR,
// TELEMETRY_CAPACITY, LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVICE_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("DEVICE_PORT"); v != "" {
		c.Device.PortPath = v
	}
	if v := os.Getenv("DEVICE_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.BaudRate = n
		}
	}
	if v := os.Getenv("AUTO_CONNECT"); v != "" {
		c.Device.AutoConnect = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("TELEMETRY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Telemetry.Capacity = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
}

// ServerSettings returns a copy of the server section.
func (c *Config) ServerSettings() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// Polls converts the configured commands into scheduler polls.
func (c *Config) Polls() ([]device.Poll, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.polls()
}

func (c *Config) polls() ([]device.Poll, error) {
	polls := make([]device.Poll, 0, len(c.Polling.Commands))
	for _, pc := range c.Polling.Commands {
		cmd := strings.TrimSpace(pc.Command)
		if cmd == "" || strings.ContainsAny(cmd, "\r\n") {
			return nil, fmt.Errorf("config: invalid poll command %q", pc.Command)
		}
		if pc.IntervalMs <= 0 {
			return nil, fmt.Errorf("config: poll %q needs a positive interval_ms", cmd)
		}
		polls = append(polls, device.Poll{
			Command:  protocol.Command(cmd),
			Interval: time.Duration(pc.IntervalMs) * time.Millisecond,
		})
	}
	return polls, nil
}

// DeviceOptions builds the connection manager options.
func (c *Config) DeviceOptions() (device.Options, error) {
	polls, err := c.Polls()
	if err != nil {
		return device.Options{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return device.Options{
		Polls:             polls,
		SkipVersionQuery:  !c.Polling.VersionOnConnect,
		TelemetryCapacity: c.Telemetry.Capacity,
	}, nil
}

// Opener returns the transport opener selected by device.type.
func (c *Config) Opener(log *zap.Logger) (device.Opener, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.Device.Type {
	case "serial":
		return device.NewSerialOpener(device.SerialConfig{
			PortPath: c.Device.PortPath,
			BaudRate: c.Device.BaudRate,
		}, log), nil
	case "demo", "":
		return device.NewDemoOpener(), nil
	default:
		return nil, fmt.Errorf("config: unknown device type %q", c.Device.Type)
	}
}

// validate checks the settings the Manager is built from.
func (c *Config) validate() error {
	switch c.Device.Type {
	case "serial", "demo", "":
	default:
		return fmt.Errorf("config: unknown device type %q", c.Device.Type)
	}
	_, err := c.polls()
	return err
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. An update that leaves the device or polling
// settings invalid is rejected and the config is left unchanged.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	var next Config
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}

	c.Device = next.Device
	c.Polling = next.Polling
	c.Telemetry = next.Telemetry
	c.Logging = next.Logging
	c.Server = next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
