package device

import (
	"context"
	"fmt"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// DefaultBaudRate is the sensor firmware's fixed UART speed.
const DefaultBaudRate = 9600

// SerialConfig holds the port settings for a SerialOpener.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// SerialOpener opens the sensor's UART with go.bug.st/serial. No read
// timeout is set: the read loop blocks until data arrives or the port is
// closed.
type SerialOpener struct {
	cfg SerialConfig
	log *zap.Logger
}

// NewSerialOpener returns an Opener for cfg, defaulting the baud rate.
func NewSerialOpener(cfg SerialConfig, log *zap.Logger) *SerialOpener {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SerialOpener{cfg: cfg, log: log.With(zap.String("port", cfg.PortPath))}
}

func (o *SerialOpener) Describe() string {
	return fmt.Sprintf("%s@%d", o.cfg.PortPath, o.cfg.BaudRate)
}

// Open opens the port 8N1 and discards anything the sensor sent before we
// were listening.
func (o *SerialOpener) Open(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.cfg.PortPath == "" {
		return nil, fmt.Errorf("serial: no port configured")
	}

	mode := &serial.Mode{
		BaudRate: o.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(o.cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %w", o.cfg.PortPath, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial: failed to reset input on %s: %w", o.cfg.PortPath, err)
	}

	o.log.Info("serial port opened", zap.Int("baud_rate", o.cfg.BaudRate))
	return port, nil
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial: list ports: %w", err)
	}
	if ports == nil {
		ports = []string{}
	}
	return ports, nil
}
