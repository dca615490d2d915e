package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/tackle-dash/internal/frame"
	"github.com/shaunagostinho/tackle-dash/internal/protocol"
)

// ErrDemoClosed is returned by a closed demo transport.
var ErrDemoClosed = errors.New("demo: transport closed")

// DemoOpener simulates a tackle sensor for development and testing. Its
// transport answers every query command the way the firmware does and hands
// responses back in randomly sized chunks, so lines regularly straddle two
// reads.
type DemoOpener struct {
	Version string
	// Seed fixes the chunking and noise; zero picks a time-based seed.
	Seed int64
}

// NewDemoOpener returns a DemoOpener reporting a fixed firmware version.
func NewDemoOpener() *DemoOpener {
	return &DemoOpener{Version: "demo-1.0"}
}

func (o *DemoOpener) Describe() string { return "demo" }

func (o *DemoOpener) Open(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := o.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	d := &demoSensor{
		version: o.Version,
		rng:     rand.New(rand.NewSource(seed)),
		dec:     frame.NewDecoder(),
		start:   time.Now(),
	}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

type demoSensor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	out    bytes.Buffer
	closed bool

	version string
	rng     *rand.Rand
	dec     *frame.Decoder
	start   time.Time
	led     [3]int
}

func (d *demoSensor) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.out.Len() == 0 && !d.closed {
		d.cond.Wait()
	}
	if d.closed {
		return 0, ErrDemoClosed
	}
	n := 1 + d.rng.Intn(d.out.Len())
	if n > len(p) {
		n = len(p)
	}
	return d.out.Read(p[:n])
}

func (d *demoSensor) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrDemoClosed
	}
	for _, line := range d.dec.Feed(string(p)) {
		if resp := d.respond(line); resp != "" {
			d.out.WriteString(resp)
			d.out.WriteByte(frame.Delimiter)
		}
	}
	d.cond.Broadcast()
	return len(p), nil
}

func (d *demoSensor) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.cond.Broadcast()
	return nil
}

// respond builds the firmware's reply to one command line. A player jogs
// around, occasionally gets tackled, and swaps ends every half minute.
func (d *demoSensor) respond(cmd string) string {
	t := time.Since(d.start).Seconds()

	switch protocol.Command(cmd) {
	case protocol.CmdVersion:
		return "v:" + d.version
	case protocol.CmdAccel:
		x := 0.8*math.Sin(t*2.1) + d.noise()
		y := 0.6*math.Cos(t*1.7) + d.noise()
		z := 1.0 + 0.1*math.Sin(t*5) + d.noise()
		return fmt.Sprintf("a:%.3f,%.3f,%.3f", x, y, z)
	case protocol.CmdRange:
		return fmt.Sprintf("r:%.2f,%.2f,%.2f,%.2f", -2-d.noise(), 2+d.noise(), -2-d.noise(), 2+d.noise())
	case protocol.CmdHome:
		return "h:" + flag(int(t/30)%2 == 0)
	case protocol.CmdEligibility:
		return "e:" + flag(int(t/7)%3 != 0)
	case protocol.CmdTackled:
		return "t:" + flag(math.Mod(t, 12) > 10)
	}

	var r, g, b int
	if _, err := fmt.Sscanf(cmd, "l:%d,%d,%d", &r, &g, &b); err == nil {
		d.led = [3]int{r, g, b}
		return ""
	}
	return "?" + cmd
}

func (d *demoSensor) noise() float64 {
	return (d.rng.Float64() - 0.5) * 0.05
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
