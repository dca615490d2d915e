// Package telemetry keeps a bounded window of recent samples per channel for
// the live chart.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is the per-channel window used when none is configured.
const DefaultCapacity = 100

// Sample is one point of a series. TimestampMs is relative to the buffer's
// logical origin, which Clear resets.
type Sample struct {
	TimestampMs int64   `json:"t"`
	Value       float64 `json:"v"`
}

// ring is a fixed-size FIFO. head is the index of the oldest sample.
type ring struct {
	data []Sample
	head int
	size int
}

func (r *ring) push(s Sample) {
	if r.size < len(r.data) {
		r.data[(r.head+r.size)%len(r.data)] = s
		r.size++
		return
	}
	r.data[r.head] = s
	r.head = (r.head + 1) % len(r.data)
}

func (r *ring) ordered() []Sample {
	out := make([]Sample, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.data[(r.head+i)%len(r.data)]
	}
	return out
}

// Buffer holds one ring per channel. It is safe for concurrent use: the
// read loop pushes while the server takes snapshots.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	channels map[string]*ring
	origin   time.Time
	now      func() time.Time
}

// New returns a Buffer holding at most capacity samples per channel.
// A non-positive capacity selects DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Buffer{
		capacity: capacity,
		channels: make(map[string]*ring),
		now:      time.Now,
	}
	b.origin = b.now()
	return b
}

// Capacity returns the per-channel limit.
func (b *Buffer) Capacity() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.capacity
}

// Resize changes the per-channel limit and drops every sample. A
// non-positive capacity selects DefaultCapacity.
func (b *Buffer) Resize(capacity int) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = capacity
	b.channels = make(map[string]*ring)
	b.origin = b.now()
}

// Push appends a sample, evicting the channel's oldest one when full.
func (b *Buffer) Push(channel string, timestampMs int64, value float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.channels[channel]
	if !ok {
		r = &ring{data: make([]Sample, b.capacity)}
		b.channels[channel] = r
	}
	r.push(Sample{TimestampMs: timestampMs, Value: value})
}

// Series returns a copy of the channel's samples, oldest first. Unknown
// channels yield an empty slice.
func (b *Buffer) Series(channel string) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.channels[channel]
	if !ok {
		return []Sample{}
	}
	return r.ordered()
}

// Channels lists the channels that have received samples, sorted.
func (b *Buffer) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.channels))
	for name := range b.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies every series.
func (b *Buffer) Snapshot() map[string][]Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]Sample, len(b.channels))
	for name, r := range b.channels {
		out[name] = r.ordered()
	}
	return out
}

// Len returns the number of samples held for channel.
func (b *Buffer) Len(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.channels[channel]; ok {
		return r.size
	}
	return 0
}

// Clear drops every sample and moves the logical origin to now, so the next
// session's time axis starts at zero.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = make(map[string]*ring)
	b.origin = b.now()
}

// Stamp returns milliseconds elapsed since the logical origin.
func (b *Buffer) Stamp() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.now().Sub(b.origin).Milliseconds()
}
