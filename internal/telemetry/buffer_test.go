package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushEvictsOldest(t *testing.T) {
	b := New(3)
	for i := 1; i <= 5; i++ {
		b.Push("x", int64(i*10), float64(i))
	}

	got := b.Series("x")
	require.Len(t, got, 3)
	assert.Equal(t, []Sample{{30, 3}, {40, 4}, {50, 5}}, got)
	assert.Equal(t, 3, b.Len("x"))
}

func TestSeriesAscendingAcrossWrap(t *testing.T) {
	b := New(DefaultCapacity)
	for i := 0; i < 250; i++ {
		b.Push("z", int64(i), float64(i))
	}

	got := b.Series("z")
	require.Len(t, got, DefaultCapacity)
	assert.Equal(t, int64(150), got[0].TimestampMs)
	assert.Equal(t, int64(249), got[len(got)-1].TimestampMs)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].TimestampMs, got[i].TimestampMs)
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	b := New(2)
	b.Push("x", 1, 1)
	b.Push("y", 1, 10)
	b.Push("x", 2, 2)
	b.Push("x", 3, 3)

	assert.Equal(t, []Sample{{2, 2}, {3, 3}}, b.Series("x"))
	assert.Equal(t, []Sample{{1, 10}}, b.Series("y"))
	assert.Equal(t, []string{"x", "y"}, b.Channels())
	assert.Empty(t, b.Series("missing"))
}

func TestSeriesIsACopy(t *testing.T) {
	b := New(2)
	b.Push("x", 1, 1)
	s := b.Series("x")
	s[0].Value = 99
	assert.Equal(t, float64(1), b.Series("x")[0].Value)
}

func TestClearResetsOrigin(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New(0)
	b.now = func() time.Time { return now }
	b.Clear()

	now = now.Add(1500 * time.Millisecond)
	assert.Equal(t, int64(1500), b.Stamp())
	b.Push("x", b.Stamp(), 1)

	b.Clear()
	assert.Equal(t, int64(0), b.Stamp())
	assert.Empty(t, b.Channels())
	assert.Empty(t, b.Snapshot())
	assert.Equal(t, DefaultCapacity, b.Capacity())
}

func TestResize(t *testing.T) {
	b := New(5)
	for i := 0; i < 5; i++ {
		b.Push("x", int64(i), float64(i))
	}

	b.Resize(2)
	assert.Equal(t, 2, b.Capacity())
	assert.Empty(t, b.Channels())

	for i := 0; i < 4; i++ {
		b.Push("x", int64(i), float64(i))
	}
	assert.Equal(t, []Sample{{2, 2}, {3, 3}}, b.Series("x"))

	b.Resize(-1)
	assert.Equal(t, DefaultCapacity, b.Capacity())
}
