package detector

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbo-violence/internal/model"
)

// fakeWindow is a hand-written FrameWindow fake.
type fakeWindow struct {
	latest []*model.FramePacket
}

func (f *fakeWindow) GetLastWindow(seconds float64) []*model.FramePacket   { return f.latest }
func (f *fakeWindow) GetLastConsecutive(k int) []*model.FramePacket        { return f.latest }

func newFramePacket(n uint64) *model.FramePacket {
	return &model.FramePacket{StreamID: "s1", FrameNumber: n, Timestamp: time.Now()}
}

func testConfig() Config {
	return Config{
		Threshold:         0.5,
		AlertThreshold:    0.8,
		MinConsecutive:    2,
		ClipBeforeSeconds: 5,
		ClipAfterSeconds:  0.01,
		CooldownSeconds:   0.05,
	}
}

func TestDetector_OpensEventAfterMinConsecutive(t *testing.T) {
	buf := &fakeWindow{latest: []*model.FramePacket{newFramePacket(1)}}
	var started []model.Event
	cb := Callbacks{OnEventStarted: func(ev model.Event) { started = append(started, ev) }}

	d := New("s1", "Front Door", testConfig(), buf, cb, zerolog.Nop())

	d.Tick(0.9, time.Now())
	assert.Equal(t, model.PhaseTriggered, d.Phase())
	assert.Empty(t, started)

	d.Tick(0.9, time.Now())
	assert.Equal(t, model.PhaseActive, d.Phase())
	require.Len(t, started, 1)
	assert.Equal(t, model.SeverityHigh, started[0].Severity)
}

func TestDetector_SingleLowTickResetsTrigger(t *testing.T) {
	buf := &fakeWindow{latest: []*model.FramePacket{newFramePacket(1)}}
	d := New("s1", "Front Door", testConfig(), buf, Callbacks{}, zerolog.Nop())

	d.Tick(0.9, time.Now())
	assert.Equal(t, model.PhaseTriggered, d.Phase())

	d.Tick(0.1, time.Now())
	assert.Equal(t, model.PhaseIdle, d.Phase())

	// Must re-accumulate min_consecutive from zero, not resume.
	d.Tick(0.9, time.Now())
	assert.Equal(t, model.PhaseTriggered, d.Phase())
}

func TestDetector_MinConsecutiveOneOpensImmediately(t *testing.T) {
	buf := &fakeWindow{latest: []*model.FramePacket{newFramePacket(1)}}
	cfg := testConfig()
	cfg.MinConsecutive = 1
	var started bool
	cb := Callbacks{OnEventStarted: func(model.Event) { started = true }}

	d := New("s1", "Front Door", cfg, buf, cb, zerolog.Nop())
	d.Tick(0.9, time.Now())

	assert.Equal(t, model.PhaseActive, d.Phase())
	assert.True(t, started)
}

func TestDetector_TieAtThresholdCountsAsViolent(t *testing.T) {
	buf := &fakeWindow{latest: []*model.FramePacket{newFramePacket(1)}}
	cfg := testConfig()
	cfg.MinConsecutive = 1

	d := New("s1", "Front Door", cfg, buf, Callbacks{}, zerolog.Nop())
	d.Tick(cfg.Threshold, time.Now())

	assert.Equal(t, model.PhaseActive, d.Phase())
}

func TestDetector_EndsAfterScoreDropsBelowEndThreshold(t *testing.T) {
	buf := &fakeWindow{latest: []*model.FramePacket{newFramePacket(1), newFramePacket(2)}}
	cfg := testConfig()
	cfg.MinConsecutive = 1

	done := make(chan model.Event, 1)
	cb := Callbacks{Finalize: func(ev model.Event, scores []float32, frames []*model.FramePacket) { done <- ev }}

	d := New("s1", "Front Door", cfg, buf, cb, zerolog.Nop())
	d.Tick(0.9, time.Now())
	require.Equal(t, model.PhaseActive, d.Phase())

	// endThreshold = 0.8*0.5 = 0.4; 0.1 < 0.4 so this drop should begin ENDING.
	d.Tick(0.1, time.Now())
	assert.Equal(t, model.PhaseEnding, d.Phase())

	select {
	case ev := <-done:
		assert.NotNil(t, ev.EndTS)
		assert.Equal(t, model.SeverityHigh, ev.Severity)
	case <-time.After(time.Second):
		t.Fatal("finalize did not fire")
	}
	assert.Equal(t, model.PhaseCooldown, d.Phase())
}

func TestDetector_ReTriggerDuringEndingCancelsFinalize(t *testing.T) {
	buf := &fakeWindow{latest: []*model.FramePacket{newFramePacket(1)}}
	cfg := testConfig()
	cfg.MinConsecutive = 1
	cfg.ClipAfterSeconds = 0.2

	finalized := false
	cb := Callbacks{Finalize: func(model.Event, []float32, []*model.FramePacket) { finalized = true }}

	d := New("s1", "Front Door", cfg, buf, cb, zerolog.Nop())
	d.Tick(0.9, time.Now())
	d.Tick(0.1, time.Now())
	require.Equal(t, model.PhaseEnding, d.Phase())

	d.Tick(0.9, time.Now())
	assert.Equal(t, model.PhaseActive, d.Phase())

	time.Sleep(400 * time.Millisecond)
	assert.False(t, finalized, "re-triggering during ENDING must cancel the scheduled finalize")
}

func TestDetector_CooldownBlocksReopeningUntilTimeout(t *testing.T) {
	buf := &fakeWindow{latest: []*model.FramePacket{newFramePacket(1)}}
	cfg := testConfig()
	cfg.MinConsecutive = 1
	cfg.ClipAfterSeconds = 0.01
	cfg.CooldownSeconds = 0.1

	d := New("s1", "Front Door", cfg, buf, Callbacks{}, zerolog.Nop())
	d.Tick(0.9, time.Now())
	d.Tick(0.1, time.Now())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, model.PhaseCooldown, d.Phase())

	// Still cooling down: a high score must not reopen an event.
	d.Tick(0.9, time.Now())
	assert.Equal(t, model.PhaseCooldown, d.Phase())

	time.Sleep(100 * time.Millisecond)
	d.Tick(0.1, time.Now())
	assert.Equal(t, model.PhaseIdle, d.Phase())
}

func TestDetector_ReAlertsMidEventAfterAlertCooldown(t *testing.T) {
	buf := &fakeWindow{latest: []*model.FramePacket{newFramePacket(1)}}
	cfg := testConfig()
	cfg.MinConsecutive = 1
	cfg.CooldownSeconds = 0.05

	var alerts int
	cb := Callbacks{OnAlert: func(model.Event) { alerts++ }}

	d := New("s1", "Front Door", cfg, buf, cb, zerolog.Nop())
	d.Tick(0.9, time.Now())
	require.Equal(t, model.PhaseActive, d.Phase())
	require.Equal(t, 1, alerts, "event open above alert threshold fires the first alert")

	// Still within the alert cooldown: no re-alert.
	d.Tick(0.95, time.Now())
	assert.Equal(t, 1, alerts)

	time.Sleep(60 * time.Millisecond)
	d.Tick(0.95, time.Now())
	assert.Equal(t, 2, alerts, "a high tick after the cooldown re-alerts within the same event")

	// Sub-alert-threshold ticks never alert, cooled down or not.
	time.Sleep(60 * time.Millisecond)
	d.Tick(0.6, time.Now())
	assert.Equal(t, 2, alerts)
}

func TestDetector_StopForcesImmediateFinalize(t *testing.T) {
	buf := &fakeWindow{latest: []*model.FramePacket{newFramePacket(1)}}
	cfg := testConfig()
	cfg.MinConsecutive = 1
	cfg.ClipAfterSeconds = 60 // would never fire naturally within the test

	finalized := false
	cb := Callbacks{Finalize: func(model.Event, []float32, []*model.FramePacket) { finalized = true }}

	d := New("s1", "Front Door", cfg, buf, cb, zerolog.Nop())
	d.Tick(0.9, time.Now())
	require.Equal(t, model.PhaseActive, d.Phase())

	d.Stop()
	assert.True(t, finalized)
	assert.Equal(t, model.PhaseIdle, d.Phase())
}

func TestSeverityOf_Boundaries(t *testing.T) {
	cases := []struct {
		peak float32
		want model.Severity
	}{
		{0.0, model.SeverityLow},
		{0.74, model.SeverityLow},
		{0.75, model.SeverityMedium},
		{0.84, model.SeverityMedium},
		{0.85, model.SeverityHigh},
		{0.94, model.SeverityHigh},
		{0.95, model.SeverityCritical},
		{1.0, model.SeverityCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, model.SeverityOf(tc.peak), "peak=%v", tc.peak)
	}
}
