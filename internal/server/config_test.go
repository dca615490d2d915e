package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/tackle-dash/internal/device"
	"github.com/shaunagostinho/tackle-dash/internal/protocol"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "demo", cfg.Device.Type)
	assert.Equal(t, 9600, cfg.Device.BaudRate)
	assert.Equal(t, 100, cfg.Telemetry.Capacity)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)

	polls, err := cfg.Polls()
	require.NoError(t, err)
	assert.Equal(t, device.DefaultPolls(), polls)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Contains(t, cfg.Source(), "defaults")
	assert.Equal(t, "demo", cfg.Device.Type)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
device:
  type: serial
  port_path: /dev/ttyUSB0
  baud_rate: 115200
polling:
  version_on_connect: false
  commands:
    - command: a
      interval_ms: 100
telemetry:
  capacity: 50
server:
  listen_addr: ":9090"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Source())
	assert.Equal(t, "serial", cfg.Device.Type)
	assert.Equal(t, 115200, cfg.Device.BaudRate)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	// Sections missing from the file keep their defaults.
	assert.Equal(t, "info", cfg.Logging.Level)

	opts, err := cfg.DeviceOptions()
	require.NoError(t, err)
	assert.True(t, opts.SkipVersionQuery)
	assert.Equal(t, 50, opts.TelemetryCapacity)
	assert.Equal(t, []device.Poll{{Command: protocol.CmdAccel, Interval: 100 * time.Millisecond}}, opts.Polls)

	opener, err := cfg.Opener(nil)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0@115200", opener.Describe())
}

func TestLoadConfigParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "device: [unclosed\n")

	cfg, err := LoadConfig(path)
	require.Error(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "demo", cfg.Device.Type)
	assert.Contains(t, cfg.Source(), "parse error")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEVICE_TYPE", "serial")
	t.Setenv("DEVICE_PORT", "/dev/ttyS9")
	t.Setenv("DEVICE_BAUD", "19200")
	t.Setenv("AUTO_CONNECT", "true")
	t.Setenv("LISTEN_ADDR", ":7000")
	t.Setenv("TELEMETRY_CAPACITY", "250")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_OUTPUT", "stderr")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "serial", cfg.Device.Type)
	assert.Equal(t, "/dev/ttyS9", cfg.Device.PortPath)
	assert.Equal(t, 19200, cfg.Device.BaudRate)
	assert.True(t, cfg.Device.AutoConnect)
	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
	assert.Equal(t, 250, cfg.Telemetry.Capacity)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output)
}

func TestEnvFileNextToConfig(t *testing.T) {
	// Registers cleanup so the value loaded from .env does not leak.
	t.Setenv("DEVICE_PORT", "")

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".env"), "# sensor\nDEVICE_PORT=\"/dev/ttyACM7\"\nbogus line\n")

	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM7", cfg.Device.PortPath)
}

func TestPollsValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Polling.Commands = []PollCommand{{Command: "a", IntervalMs: 0}}
	_, err := cfg.Polls()
	assert.Error(t, err)

	cfg.Polling.Commands = []PollCommand{{Command: "  ", IntervalMs: 10}}
	_, err = cfg.Polls()
	assert.Error(t, err)

	cfg.Polling.Commands = []PollCommand{{Command: "a\nv", IntervalMs: 10}}
	_, err = cfg.Polls()
	assert.Error(t, err)

	cfg.Polling.Commands = nil
	polls, err := cfg.Polls()
	require.NoError(t, err)
	assert.Empty(t, polls)
}

func TestOpenerSelection(t *testing.T) {
	cfg := DefaultConfig()

	o, err := cfg.Opener(nil)
	require.NoError(t, err)
	assert.IsType(t, &device.DemoOpener{}, o)

	cfg.Device.Type = "serial"
	o, err = cfg.Opener(nil)
	require.NoError(t, err)
	assert.IsType(t, &device.SerialOpener{}, o)

	cfg.Device.Type = "bluetooth"
	_, err = cfg.Opener(nil)
	assert.Error(t, err)
}

func TestUpdateFromJSONDeepMerge(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"device":{"baudRate":57600},"server":{"broadcastHz":10}}`)))

	assert.Equal(t, 57600, cfg.Device.BaudRate)
	assert.Equal(t, "/dev/ttyACM0", cfg.Device.PortPath)
	assert.Equal(t, 10, cfg.Server.BroadcastHz)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Len(t, cfg.Polling.Commands, 5)

	assert.Error(t, cfg.UpdateFromJSON([]byte(`not json`)))
}

func TestUpdateFromJSONRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.UpdateFromJSON([]byte(`{"device":{"type":"bluetooth","baudRate":1}}`))
	assert.Error(t, err)
	assert.Equal(t, "demo", cfg.Device.Type)
	assert.Equal(t, 9600, cfg.Device.BaudRate)

	err = cfg.UpdateFromJSON([]byte(`{"polling":{"commands":[{"command":"","intervalMs":100}]}}`))
	assert.Error(t, err)
	assert.Len(t, cfg.Polling.Commands, 5)
}

func TestServerSettings(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"server":{"listenAddr":":9999"}}`)))
	got := cfg.ServerSettings()
	assert.Equal(t, ":9999", got.ListenAddr)
	assert.Equal(t, 4, got.BroadcastHz)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.path = path
	cfg.Device.PortPath = "/dev/ttyUSB2"
	require.NoError(t, cfg.Save())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB2", loaded.Device.PortPath)
	assert.Equal(t, cfg.Polling.Commands, loaded.Polling.Commands)
}
