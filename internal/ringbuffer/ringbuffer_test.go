package ringbuffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbo-violence/internal/model"
)

func pkt(n uint64, ts time.Time) *model.FramePacket {
	return &model.FramePacket{StreamID: "s1", FrameNumber: n, Timestamp: ts}
}

func fill(b *RingBuffer, count int) time.Time {
	base := time.Now()
	for i := 1; i <= count; i++ {
		b.Push(pkt(uint64(i), base.Add(time.Duration(i)*100*time.Millisecond)))
	}
	return base
}

func TestPush_EvictsOldestWhenFull(t *testing.T) {
	b := NewRingBuffer(3)
	fill(b, 5)

	assert.Equal(t, 3, b.Len())
	got := b.GetLastConsecutive(3)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].FrameNumber)
	assert.Equal(t, uint64(5), got[2].FrameNumber)
}

func TestGetLatest(t *testing.T) {
	b := NewRingBuffer(10)
	assert.Nil(t, b.GetLatest())

	fill(b, 4)
	assert.Equal(t, uint64(4), b.GetLatest().FrameNumber)
}

func TestGetLastConsecutive_ReturnsNewestInOrder(t *testing.T) {
	b := NewRingBuffer(10)
	fill(b, 6)

	got := b.GetLastConsecutive(4)
	require.Len(t, got, 4)
	for i, p := range got {
		assert.Equal(t, uint64(3+i), p.FrameNumber)
	}

	// fewer buffered than requested returns all
	assert.Len(t, b.GetLastConsecutive(100), 6)
	assert.Nil(t, b.GetLastConsecutive(0))
}

func TestGetLastWindow_FiltersByTimestamp(t *testing.T) {
	b := NewRingBuffer(10)
	fill(b, 10) // frames 100ms apart, newest at base+1s

	got := b.GetLastWindow(0.35)
	require.NotEmpty(t, got)
	// newest frame plus those within 350ms of it: frames 7..10
	assert.Equal(t, uint64(7), got[0].FrameNumber)
	assert.Equal(t, uint64(10), got[len(got)-1].FrameNumber)
}

func TestGetUniformSampled_EvenlySpaced(t *testing.T) {
	b := NewRingBuffer(100)
	fill(b, 9)

	got := b.GetUniformSampled(3)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].FrameNumber)
	assert.Equal(t, uint64(5), got[1].FrameNumber)
	assert.Equal(t, uint64(9), got[2].FrameNumber)

	assert.Len(t, b.GetUniformSampled(50), 9)
}

func TestLen_NeverExceedsCapacity(t *testing.T) {
	b := NewRingBuffer(4)
	for i := 1; i <= 50; i++ {
		b.Push(pkt(uint64(i), time.Now()))
		assert.LessOrEqual(t, b.Len(), 4)
	}
}
