// Package scheduler issues one-shot and periodic outbound commands.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrGated is returned by Once when the gate reports the transport unusable.
var ErrGated = errors.New("scheduler: transport not usable")

// Handle identifies one armed command.
type Handle struct {
	ID       uuid.UUID     `json:"id"`
	Command  string        `json:"command"`
	Interval time.Duration `json:"interval"`
}

type entry struct {
	handle Handle
	stop   chan struct{}
	done   chan struct{}
}

// Scheduler runs every armed command on its own ticker. A tick writes only
// when gate returns true, so a late tick against a closing transport is a
// no-op. The owner is still responsible for calling CancelAll before it
// releases the transport.
type Scheduler struct {
	gate  func() bool
	write func(cmd string) error
	log   *zap.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

// New returns a Scheduler writing through write whenever gate allows it.
func New(gate func() bool, write func(cmd string) error, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		gate:    gate,
		write:   write,
		log:     log,
		entries: make(map[uuid.UUID]*entry),
	}
}

// Arm starts sending cmd every interval until the handle is cancelled.
func (s *Scheduler) Arm(cmd string, interval time.Duration) (Handle, error) {
	if interval <= 0 {
		return Handle{}, fmt.Errorf("scheduler: invalid interval %v for %q", interval, cmd)
	}
	e := &entry{
		handle: Handle{ID: uuid.New(), Command: cmd, Interval: interval},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.entries[e.handle.ID] = e
	s.mu.Unlock()

	go s.run(e)

	s.log.Debug("armed", zap.String("command", cmd), zap.Duration("interval", interval),
		zap.String("handle", e.handle.ID.String()))
	return e.handle, nil
}

// Once writes cmd a single time if the gate is open.
func (s *Scheduler) Once(cmd string) error {
	if !s.gate() {
		return ErrGated
	}
	return s.write(cmd)
}

// Cancel stops one armed command and waits for its goroutine to exit. It
// must not be called from inside the write callback.
func (s *Scheduler) Cancel(h Handle) {
	s.mu.Lock()
	e, ok := s.entries[h.ID]
	delete(s.entries, h.ID)
	s.mu.Unlock()

	if ok {
		close(e.stop)
		<-e.done
	}
}

// CancelAll stops every armed command. When it returns no tick will fire
// again, including one that was mid-write when it was called. Calling it
// with nothing armed is a no-op.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[uuid.UUID]*entry)
	s.mu.Unlock()

	for _, e := range entries {
		close(e.stop)
	}
	for _, e := range entries {
		<-e.done
	}
	if len(entries) > 0 {
		s.log.Debug("cancelled all", zap.Int("count", len(entries)))
	}
}

// Active returns the armed handles.
func (s *Scheduler) Active() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.handle)
	}
	return out
}

func (s *Scheduler) run(e *entry) {
	defer close(e.done)

	ticker := time.NewTicker(e.handle.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			// A tick and a stop can be ready together; stop wins.
			select {
			case <-e.stop:
				return
			default:
			}
			s.tick(e.handle.Command)
		}
	}
}

func (s *Scheduler) tick(cmd string) {
	if !s.gate() {
		return
	}
	if err := s.write(cmd); err != nil {
		s.log.Warn("scheduled write failed", zap.String("command", cmd), zap.Error(err))
	}
}
