package device

import (
	"sync"

	"github.com/shaunagostinho/tackle-dash/internal/protocol"
)

// ConnectionState describes where the Manager is in its lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// MarshalText encodes the state by name for JSON clients.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DeviceState is the last known value of every device field. A nil field
// is unknown: nothing valid has been received since the connection opened.
type DeviceState struct {
	Version  *string              `json:"version"`
	Accel    *protocol.Telemetry  `json:"accel"`
	Range    *protocol.AccelRange `json:"range"`
	Home     *bool                `json:"home"`
	Eligible *bool                `json:"eligible"`
	Tackled  *bool                `json:"tackled"`
}

// deviceFields guards a DeviceState. Updates replace pointers and never
// write through them, so a copied snapshot stays stable.
type deviceFields struct {
	mu    sync.RWMutex
	state DeviceState
}

func (d *deviceFields) snapshot() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *deviceFields) reset() {
	d.mu.Lock()
	d.state = DeviceState{}
	d.mu.Unlock()
}

// apply records ev. Events that carry no device field (raw lines and parse
// errors) leave the state untouched.
func (d *deviceFields) apply(ev protocol.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch e := ev.(type) {
	case protocol.Telemetry:
		d.state.Accel = &e
	case protocol.AccelRange:
		d.state.Range = &e
	case protocol.HomeAway:
		d.state.Home = &e.Home
	case protocol.Eligibility:
		d.state.Eligible = &e.Eligible
	case protocol.TackledStatus:
		d.state.Tackled = &e.Tackled
	case protocol.Version:
		d.state.Version = &e.Version
	}
}
