package device

import (
	"sync"
	"time"

	"github.com/shaunagostinho/tackle-dash/internal/protocol"
)

// UpdateType classifies an Update.
type UpdateType string

const (
	UpdateEvent  UpdateType = "event"
	UpdateState  UpdateType = "state"
	UpdateStatus UpdateType = "status"
)

// Update is what subscribers receive: a parsed device event, a connection
// state change, or a human-readable status message.
type Update struct {
	Type   UpdateType      `json:"type"`
	State  ConnectionState `json:"state"`
	Event  protocol.Event  `json:"-"`
	Status string          `json:"status,omitempty"`
	Stamp  time.Time       `json:"stamp"`
}

type subscriber struct {
	ch chan Update
}

// bus fans updates out to subscribers. Slow subscribers lose updates
// rather than stall the read loop.
type bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	size int
}

func newBus(size int) *bus {
	if size <= 0 {
		size = 256
	}
	return &bus{subs: make(map[*subscriber]struct{}), size: size}
}

func (b *bus) subscribe() (<-chan Update, func()) {
	s := &subscriber{ch: make(chan Update, b.size)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

func (b *bus) publish(u Update) {
	if u.Stamp.IsZero() {
		u.Stamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- u:
		default:
		}
	}
}
