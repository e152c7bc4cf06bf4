package pipeline

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbo-violence/internal/classifier"
	"orbo-violence/internal/model"
	"orbo-violence/internal/store"
)

// streamingDecoder emits a small frame every interval until stopped.
type streamingDecoder struct {
	interval  time.Duration
	frameSize int
}

func (d *streamingDecoder) Run(ctx context.Context, onFrame func(frame []byte, seq uint64) error) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			seq++
			if err := onFrame(make([]byte, d.frameSize), seq); err != nil {
				return err
			}
		}
	}
}

// scriptedClassifier returns violent scores for the first violentCalls
// calls, then a quiet score.
type scriptedClassifier struct {
	calls        atomic.Int64
	violentCalls int64
}

func (c *scriptedClassifier) Classify(_ context.Context, frames []*model.FramePacket) (classifier.Result, error) {
	n := c.calls.Add(1)
	if n <= c.violentCalls {
		return classifier.Result{ViolenceScore: 0.95, NonViolenceScore: 0.05, InferenceMs: 1}, nil
	}
	return classifier.Result{ViolenceScore: 0.1, NonViolenceScore: 0.9, InferenceMs: 1}, nil
}
func (c *scriptedClassifier) Healthy() bool { return true }
func (c *scriptedClassifier) Close() error  { return nil }

func testStreamConfig() model.StreamConfig {
	return model.StreamConfig{
		ID:            "s1",
		Name:          "Lobby",
		URL:           "rtsp://cam/live",
		StreamType:    model.StreamTypeRTSP,
		TargetFPS:     5,
		Resize:        model.Resolution{Width: 2, Height: 2},
		AlertsEnabled: true,
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	require.NoError(t, st.CreateStream(testStreamConfig()))
	t.Cleanup(func() { st.Close() })
	return st
}

func testDeps(st *store.Store, cls classifier.Client) Deps {
	return Deps{
		Classifier: cls,
		Store:      st,
		Scheduler:  SchedulerConfig{InferenceInterval: 10 * time.Millisecond},
		Tunables: Tunables{
			Threshold:         0.5,
			AlertThreshold:    0.9,
			MinConsecutive:    2,
			ClipBeforeSeconds: 1,
			ClipAfterSeconds:  0.05,
			CooldownSeconds:   0.05,
		},
		Log: zerolog.Nop(),
	}
}

func TestPipeline_FullEventLifecycle(t *testing.T) {
	st := newTestStore(t)
	cls := &scriptedClassifier{violentCalls: 5}
	p := New(testStreamConfig(), testDeps(st, cls), &streamingDecoder{interval: time.Millisecond, frameSize: 12})

	p.Start()
	defer p.Stop()

	// an event opens on the second violent tick and finalizes after the
	// scores drop below the end threshold plus the post-roll wait
	require.Eventually(t, func() bool {
		events, total, err := st.ListEvents(store.EventFilter{StreamID: "s1"})
		if err != nil || total != 1 {
			return false
		}
		return events[0].EndTS != nil
	}, 5*time.Second, 20*time.Millisecond)

	events, _, err := st.ListEvents(store.EventFilter{StreamID: "s1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]

	assert.GreaterOrEqual(t, ev.MaxConfidence, float32(0.9))
	assert.NotNil(t, ev.DurationS)
	assert.Equal(t, model.StatusPending, ev.Status)
	assert.Equal(t, model.SeverityOf(ev.MaxConfidence), ev.Severity)

	score := p.LatestScore()
	require.NotNil(t, score)
	assert.Equal(t, "s1", score.StreamID)
	assert.Equal(t, 16, score.FrameCount)
}

func TestPipeline_QuietScoresCreateNoEvents(t *testing.T) {
	st := newTestStore(t)
	cls := &scriptedClassifier{violentCalls: 0}
	p := New(testStreamConfig(), testDeps(st, cls), &streamingDecoder{interval: time.Millisecond, frameSize: 12})

	p.Start()
	time.Sleep(300 * time.Millisecond)
	p.Stop()

	_, total, err := st.ListEvents(store.EventFilter{StreamID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	require.NotNil(t, p.LatestScore(), "quiet ticks still emit scores")
}

func TestPipeline_ScoresAreMonotonicByWindowEnd(t *testing.T) {
	st := newTestStore(t)
	cls := &scriptedClassifier{violentCalls: 0}
	p := New(testStreamConfig(), testDeps(st, cls), &streamingDecoder{interval: time.Millisecond, frameSize: 12})

	p.Start()
	defer p.Stop()

	var prev model.InferenceScore
	deadline := time.Now().Add(500 * time.Millisecond)
	seen := 0
	for time.Now().Before(deadline) {
		s := p.LatestScore()
		if s == nil || s.WindowEndTS == prev.WindowEndTS {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if seen > 0 {
			assert.True(t, s.WindowEndTS.After(prev.WindowEndTS))
			assert.GreaterOrEqual(t, s.FrameNumberEnd, prev.FrameNumberEnd)
		}
		prev = *s
		seen++
	}
	assert.GreaterOrEqual(t, seen, 3)
}
