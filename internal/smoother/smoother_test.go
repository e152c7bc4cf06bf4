package smoother

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPush_MovingAverageOverWindow(t *testing.T) {
	s := New(3, 0.9)

	assert.InDelta(t, 0.3, s.Push(0.3).SmoothedScore, 1e-6)
	assert.InDelta(t, 0.45, s.Push(0.6).SmoothedScore, 1e-6)
	assert.InDelta(t, 0.6, s.Push(0.9).SmoothedScore, 1e-6)

	// window slides: oldest (0.3) drops out
	assert.InDelta(t, (0.6+0.9+0.9)/3, s.Push(0.9).SmoothedScore, 1e-6)
}

func TestPush_ConsecutiveHighCountsAndResets(t *testing.T) {
	s := New(3, 0.8)

	assert.Equal(t, 1, s.Push(0.9).ConsecutiveHigh)
	assert.Equal(t, 2, s.Push(0.85).ConsecutiveHigh)

	// exactly at threshold still counts
	assert.Equal(t, 3, s.Push(0.8).ConsecutiveHigh)

	assert.Equal(t, 0, s.Push(0.79).ConsecutiveHigh)
	assert.Equal(t, 1, s.Push(0.95).ConsecutiveHigh)
}

func TestReset_ClearsState(t *testing.T) {
	s := New(3, 0.5)
	s.Push(1.0)
	s.Push(1.0)
	s.Reset()

	out := s.Push(0.2)
	assert.InDelta(t, 0.2, out.SmoothedScore, 1e-6)
	assert.Equal(t, 0, out.ConsecutiveHigh)
}

func TestNew_NonPositiveWindowFallsBackToDefault(t *testing.T) {
	s := New(0, 0.5)
	assert.Equal(t, DefaultWindow, s.window)
}
