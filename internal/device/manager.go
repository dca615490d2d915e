// Package device owns the connection to the tackle sensor: the transport
// lifecycle, the read loop that turns bytes into events, and the periodic
// polling of sensor fields.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/tackle-dash/internal/frame"
	"github.com/shaunagostinho/tackle-dash/internal/protocol"
	"github.com/shaunagostinho/tackle-dash/internal/scheduler"
	"github.com/shaunagostinho/tackle-dash/internal/telemetry"
)

// Telemetry channels fed from acceleration samples.
const (
	ChannelX = "x"
	ChannelY = "y"
	ChannelZ = "z"
)

const defaultReadBufferSize = 256

// Poll is one periodic query.
type Poll struct {
	Command  protocol.Command
	Interval time.Duration
}

// DefaultPolls returns the standard cadences: acceleration every 250ms,
// range every 500ms and the three status flags every second.
func DefaultPolls() []Poll {
	return []Poll{
		{protocol.CmdAccel, 250 * time.Millisecond},
		{protocol.CmdRange, 500 * time.Millisecond},
		{protocol.CmdHome, time.Second},
		{protocol.CmdEligibility, time.Second},
		{protocol.CmdTackled, time.Second},
	}
}

// Options configures a Manager.
type Options struct {
	Polls             []Poll
	SkipVersionQuery  bool
	TelemetryCapacity int
	ReadBufferSize    int
	SubscriberBuffer  int
}

// Manager is the single owner of the sensor transport. Every
// transport-dependent resource is created on the way to Connected and
// released on the way back to Disconnected.
type Manager struct {
	opener Opener
	opts   Options
	log    *zap.Logger

	mu            sync.Mutex
	state         ConnectionState
	transport     Transport
	readCancel    context.CancelFunc
	readDone      chan struct{}
	connectCancel context.CancelFunc
	connectDone   chan struct{}

	// writeMu keeps one write in flight at a time.
	writeMu sync.Mutex

	sched     *scheduler.Scheduler
	telemetry *telemetry.Buffer
	device    deviceFields
	bus       *bus
}

// NewManager returns a disconnected Manager.
func NewManager(opener Opener, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	m := &Manager{
		opener:    opener,
		opts:      opts,
		log:       log.Named("device"),
		telemetry: telemetry.New(opts.TelemetryCapacity),
		bus:       newBus(opts.SubscriberBuffer),
	}
	m.sched = scheduler.New(m.connected, m.write, log.Named("scheduler"))
	return m
}

func (o Options) withDefaults() Options {
	if o.Polls == nil {
		o.Polls = DefaultPolls()
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = defaultReadBufferSize
	}
	return o
}

// Reconfigure replaces the opener and options used by the next Connect and
// resizes the telemetry window. It is only legal while Disconnected.
// SubscriberBuffer is fixed at construction and ignored here.
func (m *Manager) Reconfigure(opener Opener, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDisconnected {
		return &LifecycleError{Op: "reconfigure", State: m.state}
	}
	m.opener = opener
	m.opts = opts.withDefaults()
	m.telemetry.Resize(m.opts.TelemetryCapacity)
	m.log.Info("reconfigured", zap.String("endpoint", opener.Describe()), zap.Int("polls", len(m.opts.Polls)))
	return nil
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Endpoint describes the transport the Manager connects to.
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opener.Describe()
}

// Snapshot returns the last known device fields.
func (m *Manager) Snapshot() DeviceState { return m.device.snapshot() }

// Telemetry returns the live telemetry window.
func (m *Manager) Telemetry() *telemetry.Buffer { return m.telemetry }

// Polls returns the handles armed for the current connection.
func (m *Manager) Polls() []scheduler.Handle { return m.sched.Active() }

// Subscribe registers for updates. The returned function unsubscribes and
// closes the channel.
func (m *Manager) Subscribe() (<-chan Update, func()) { return m.bus.subscribe() }

func (m *Manager) connected() bool { return m.State() == StateConnected }

// Connect opens the transport, starts the read loop and arms the periodic
// polls. It is only legal from Disconnected. On failure the Manager is back
// in Disconnected and a *ConnectError names the failing stage.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		st := m.state
		m.mu.Unlock()
		return &LifecycleError{Op: "connect", State: st}
	}
	opener, opts := m.opener, m.opts
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.state = StateConnecting
	m.connectCancel = cancel
	m.connectDone = done
	m.mu.Unlock()

	defer func() {
		cancel()
		close(done)
	}()

	m.publishState(StateConnecting)
	m.log.Info("connecting", zap.String("endpoint", opener.Describe()))

	t, err := opener.Open(cctx)
	if err != nil {
		m.rollback(nil)
		return m.connectFailed(StageOpen, err)
	}

	// Disconnect may abort us at any point up to Connected; it cancels cctx
	// while holding mu, so checks under mu are authoritative.
	m.mu.Lock()
	if cctx.Err() != nil {
		m.mu.Unlock()
		m.rollback(t)
		return m.connectFailed(StageOpen, cctx.Err())
	}
	readCtx, readCancel := context.WithCancel(context.Background())
	readDone := make(chan struct{})
	m.transport = t
	m.readCancel = readCancel
	m.readDone = readDone
	m.mu.Unlock()

	m.telemetry.Clear()
	m.device.reset()
	go m.readLoop(readCtx, t, opts.ReadBufferSize, readDone)

	// Polls are armed before Connected so a concurrent Disconnect can only
	// take the abort path; the gate keeps their ticks silent until then.
	for _, p := range opts.Polls {
		if _, err := m.sched.Arm(string(p.Command), p.Interval); err != nil {
			m.rollback(t)
			return m.connectFailed(StageStart, err)
		}
	}

	m.mu.Lock()
	if cctx.Err() != nil {
		m.mu.Unlock()
		m.rollback(t)
		return m.connectFailed(StageStart, cctx.Err())
	}
	m.state = StateConnected
	m.connectCancel = nil
	m.mu.Unlock()

	m.publishState(StateConnected)
	m.log.Info("connected", zap.String("endpoint", opener.Describe()), zap.Int("polls", len(opts.Polls)))

	if !opts.SkipVersionQuery {
		if err := m.sched.Once(string(protocol.CmdVersion)); err != nil {
			m.log.Warn("version query failed", zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) connectFailed(stage string, err error) error {
	cerr := &ConnectError{Stage: stage, Err: err}
	m.log.Error("connect failed", zap.String("stage", stage), zap.Error(err))
	m.publishStatus(cerr.Error())
	return cerr
}

// rollback undoes a partial Connect. t may be nil when nothing was opened.
func (m *Manager) rollback(t Transport) {
	m.sched.CancelAll()

	m.mu.Lock()
	readCancel, readDone := m.readCancel, m.readDone
	m.mu.Unlock()

	if readCancel != nil {
		readCancel()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			m.log.Warn("close after failed connect", zap.Error(err))
		}
	}
	if readDone != nil {
		<-readDone
	}
	m.finish()
}

// Disconnect tears the connection down. From Connecting it aborts the
// attempt and waits for the rollback. Teardown problems are logged, never
// returned: the Manager always ends in Disconnected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting:
		cancel, done := m.connectCancel, m.connectDone
		cancel()
		m.mu.Unlock()
		<-done
		m.log.Info("connect aborted")
		return nil
	case StateConnected:
		m.state = StateDisconnecting
		m.mu.Unlock()
		m.teardown("requested")
		return nil
	default:
		st := m.state
		m.mu.Unlock()
		return &LifecycleError{Op: "disconnect", State: st}
	}
}

// Close disconnects if connected. It is meant for process shutdown.
func (m *Manager) Close() error {
	if err := m.Disconnect(); err != nil && m.State() != StateDisconnected {
		return err
	}
	return nil
}

// teardown runs with the state already set to Disconnecting.
func (m *Manager) teardown(reason string) {
	m.publishState(StateDisconnecting)
	m.log.Info("disconnecting", zap.String("reason", reason))

	// No scheduled write may reach the transport from here on.
	m.sched.CancelAll()

	m.mu.Lock()
	t, readCancel, readDone := m.transport, m.readCancel, m.readDone
	m.mu.Unlock()

	if readCancel != nil {
		readCancel()
	}

	if t != nil {
		m.writeMu.Lock()
		if d, ok := t.(drainer); ok {
			if err := d.Drain(); err != nil {
				m.log.Warn("drain failed", zap.Error(err))
			}
		}
		// Closing is what unblocks the pending read.
		if err := t.Close(); err != nil {
			m.log.Warn("close failed", zap.Error(err))
		}
		m.writeMu.Unlock()
	}

	if readDone != nil {
		<-readDone
	}
	m.finish()
	m.log.Info("disconnected")
}

// finish releases the transport, resets every displayed field and enters
// Disconnected.
func (m *Manager) finish() {
	m.telemetry.Clear()
	m.device.reset()

	m.mu.Lock()
	m.transport = nil
	m.readCancel = nil
	m.readDone = nil
	m.connectCancel = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.publishState(StateDisconnected)
}

// fail handles a transport error. A live connection is forced down; a
// connection attempt is aborted.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.state = StateDisconnecting
		m.mu.Unlock()
		m.log.Error("transport error", zap.Error(err))
		m.publishStatus(fmt.Sprintf("transport error: %v", err))
		m.teardown("transport error")
	case StateConnecting:
		if m.connectCancel != nil {
			m.connectCancel()
		}
		m.mu.Unlock()
		m.log.Error("transport error while connecting", zap.Error(err))
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) readLoop(ctx context.Context, t Transport, bufSize int, done chan struct{}) {
	defer close(done)

	dec := frame.NewDecoder()
	buf := make([]byte, bufSize)
	for {
		n, err := t.Read(buf)
		if ctx.Err() != nil {
			m.log.Debug("read loop cancelled", zap.Int("residual", len(dec.Residual())))
			return
		}
		if n > 0 {
			for _, f := range dec.Feed(string(buf[:n])) {
				m.dispatch(f)
			}
		}
		if err != nil {
			go m.fail(fmt.Errorf("read: %w", err))
			return
		}
	}
}

// dispatch handles one frame. It runs only on the read loop, so events are
// published in arrival order.
func (m *Manager) dispatch(f string) {
	if f == "" || f == "\r" {
		return
	}
	ev := protocol.Parse(f)

	switch e := ev.(type) {
	case protocol.ParseError:
		m.log.Warn("malformed frame", zap.String("raw", e.Raw), zap.String("reason", e.Reason))
	case protocol.RawLine:
		m.log.Debug("device line", zap.String("text", e.Text))
	case protocol.Telemetry:
		ts := m.telemetry.Stamp()
		m.telemetry.Push(ChannelX, ts, e.X)
		m.telemetry.Push(ChannelY, ts, e.Y)
		m.telemetry.Push(ChannelZ, ts, e.Z)
	case protocol.Version:
		m.log.Info("firmware version", zap.String("version", e.Version))
	}
	m.device.apply(ev)

	m.bus.publish(Update{Type: UpdateEvent, State: m.State(), Event: ev})
}

// write sends one command if and only if the Manager is Connected. A
// failed write is a transport error and forces a disconnect.
func (m *Manager) write(cmd string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	st, t := m.state, m.transport
	m.mu.Unlock()
	if st != StateConnected || t == nil {
		return ErrNotConnected
	}

	if _, err := t.Write(protocol.Command(cmd).Encode()); err != nil {
		go m.fail(fmt.Errorf("write %q: %w", cmd, err))
		return fmt.Errorf("device: write %q: %w", cmd, err)
	}
	return nil
}

// Send writes a user-initiated command.
func (m *Manager) Send(cmd protocol.Command) error {
	return m.write(string(cmd))
}

// SetLED sets the sensor's LED color.
func (m *Manager) SetLED(r, g, b int) error {
	cmd, err := protocol.LEDCommand(r, g, b)
	if err != nil {
		return err
	}
	if err := m.Send(cmd); err != nil {
		return err
	}
	m.log.Info("LED color set", zap.Int("r", r), zap.Int("g", g), zap.Int("b", b))
	return nil
}

func (m *Manager) publishState(st ConnectionState) {
	m.bus.publish(Update{Type: UpdateState, State: st})
}

func (m *Manager) publishStatus(msg string) {
	m.bus.publish(Update{Type: UpdateStatus, State: m.State(), Status: msg})
}
