package framesource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"orbo-violence/internal/model"
)

// fakeDecoder feeds a fixed number of frames, then blocks until ctx is
// canceled (simulating a healthy connection), or returns errDisconnect
// immediately (simulating a dropped connection) depending on script.
type fakeDecoder struct {
	mu      sync.Mutex
	runs    int
	frames  int
	failRun int // run index (1-based) that returns errDisconnect instead of blocking
}

var errDisconnect = errors.New("fake disconnect")

func (f *fakeDecoder) Run(ctx context.Context, onFrame func(frame []byte, seq uint64) error) error {
	f.mu.Lock()
	f.runs++
	run := f.runs
	f.mu.Unlock()

	for i := 1; i <= f.frames; i++ {
		if err := onFrame(make([]byte, 12), uint64(i)); err != nil {
			return err
		}
	}

	if run == f.failRun {
		return errDisconnect
	}

	<-ctx.Done()
	return nil
}

func testConfig() Config {
	return Config{
		StreamType:     model.StreamTypeFile,
		URL:             "irrelevant",
		TargetFPS:      5,
		Resize:         model.Resolution{Width: 2, Height: 2},
		BufferCapacity: 10,
		ReadTimeout:    time.Second,
		ReconnectDelay: 10 * time.Millisecond,
	}
}

func TestSource_StartBuffersFramesAndReportsConnected(t *testing.T) {
	dec := &fakeDecoder{frames: 3}
	s := New("s1", testConfig(), dec, nil, nil, zerolog.Nop())

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Status().Phase == model.PhaseConnected
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.Status().FrameCount == 3
	}, time.Second, 5*time.Millisecond)

	latest := s.GetLatest()
	require.NotNil(t, latest)
	require.Equal(t, uint64(3), latest.FrameNumber)
}

func TestSource_StartIsIdempotent(t *testing.T) {
	dec := &fakeDecoder{frames: 1}
	s := New("s1", testConfig(), dec, nil, nil, zerolog.Nop())

	s.Start()
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Status().Phase == model.PhaseConnected }, time.Second, 5*time.Millisecond)

	dec.mu.Lock()
	runs := dec.runs
	dec.mu.Unlock()
	require.Equal(t, 1, runs, "second Start must not spawn a second decode loop")
}

func TestSource_DisconnectTriggersReconnectThenReconnects(t *testing.T) {
	dec := &fakeDecoder{frames: 1, failRun: 1}
	s := New("s1", testConfig(), dec, nil, nil, zerolog.Nop())

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Status().Reconnects >= 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.Status().Phase == model.PhaseConnected
	}, time.Second, 5*time.Millisecond)
}

func TestSource_FrameNumbersStayMonotonicAcrossReconnect(t *testing.T) {
	dec := &fakeDecoder{frames: 2, failRun: 1}
	s := New("s1", testConfig(), dec, nil, nil, zerolog.Nop())

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Status().FrameCount >= 4
	}, time.Second, 5*time.Millisecond)

	latest := s.GetLatest()
	require.NotNil(t, latest)
	require.GreaterOrEqual(t, latest.FrameNumber, uint64(4),
		"numbering must continue after reconnect, not restart at 1")
}

func TestSource_ExhaustedReconnectBudgetGoesToError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2

	s := New("s1", cfg, alwaysFailDecoder{}, nil, nil, zerolog.Nop())

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Status().Phase == model.PhaseError
	}, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, s.Status().Reconnects, uint64(2))
}

type alwaysFailDecoder struct{}

func (alwaysFailDecoder) Run(ctx context.Context, onFrame func(frame []byte, seq uint64) error) error {
	return errDisconnect
}

func TestSource_StopTransitionsToStopped(t *testing.T) {
	dec := &fakeDecoder{frames: 1}
	s := New("s1", testConfig(), dec, nil, nil, zerolog.Nop())

	s.Start()
	require.Eventually(t, func() bool { return s.Status().Phase == model.PhaseConnected }, time.Second, 5*time.Millisecond)

	s.Stop()
	require.Equal(t, model.PhaseStopped, s.Status().Phase)
}

func TestFfmpegArgs_RTSPPrefersTCPTransport(t *testing.T) {
	cfg := testConfig()
	cfg.StreamType = model.StreamTypeRTSP
	cfg.URL = "rtsp://example.com/stream"

	args := ffmpegArgs(cfg)
	require.Contains(t, args, "-rtsp_transport")
	idx := indexOf(args, "-rtsp_transport")
	require.Equal(t, "tcp", args[idx+1])
}

func TestFrameSize_MatchesWidthHeightTimesThreeBytes(t *testing.T) {
	cfg := testConfig()
	cfg.Resize = model.Resolution{Width: 640, Height: 360}
	require.Equal(t, 640*360*3, frameSize(cfg))
}

func indexOf(s []string, v string) int {
	for i, e := range s {
		if e == v {
			return i
		}
	}
	return -1
}
