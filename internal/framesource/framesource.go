// Package framesource implements the Frame Source: per-stream
// decode into a bounded ring buffer, with autoreconnect on failure.
package framesource

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"orbo-violence/internal/model"
	"orbo-violence/internal/ringbuffer"
)

// Decoder produces decoded BGR24 frames until the stream disconnects,
// errors, or ctx is canceled. onFrame is called once per frame with a
// monotonically increasing sequence number starting at 1.
type Decoder interface {
	Run(ctx context.Context, onFrame func(frame []byte, seq uint64) error) error
}

// Config configures one Frame Source.
type Config struct {
	StreamType           model.StreamType
	URL                  string
	TargetFPS            int
	Resize               model.Resolution
	BufferCapacity       int
	ReadTimeout          time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	FFmpegPath           string
}

func (c Config) withDefaults() Config {
	if c.TargetFPS <= 0 {
		c.TargetFPS = 5
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 1000
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	return c
}

// StatusChangeFunc is called whenever the source's phase changes.
type StatusChangeFunc func(phase model.SourcePhase, msg string)

// Source is one stream's Frame Source: a decode loop feeding a
// RingBuffer, with reconnect handling and status reporting.
type Source struct {
	streamID string
	cfg      Config
	decoder  Decoder
	buf      *ringbuffer.RingBuffer
	log      zerolog.Logger

	onFrame        func(*model.FramePacket)
	onStatusChange StatusChangeFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopped chan struct{}

	phase       model.SourcePhase
	lastError   string
	lastFrameAt atomic.Value // time.Time
	frameCount  atomic.Uint64
	reconnects  atomic.Uint64
	seq         atomic.Uint64
}

// New constructs a Source. decoder may be nil, in which case an ffmpeg
// subprocess decoder is used.
func New(streamID string, cfg Config, decoder Decoder, onFrame func(*model.FramePacket), onStatusChange StatusChangeFunc, log zerolog.Logger) *Source {
	cfg = cfg.withDefaults()
	if decoder == nil {
		decoder = newFFmpegDecoder(cfg)
	}
	return &Source{
		streamID:       streamID,
		cfg:            cfg,
		decoder:        decoder,
		buf:            ringbuffer.NewRingBuffer(cfg.BufferCapacity),
		log:            log.With().Str("stream_id", streamID).Logger(),
		onFrame:        onFrame,
		onStatusChange: onStatusChange,
		phase:          model.PhaseDisconnected,
	}
}

// Start begins acquisition. Idempotent.
func (s *Source) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.run(ctx)
}

// Stop ceases acquisition. Guarantees the decoder is released within
// 3s by forcibly killing the underlying process if it hasn't exited.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	stopped := s.stopped
	s.mu.Unlock()

	cancel()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		s.log.Warn().Msg("frame source did not stop within 3s")
	}
	s.setPhase(model.PhaseStopped, "")
}

func (s *Source) run(ctx context.Context) {
	defer close(s.stopped)

	var attempts int
	for {
		if ctx.Err() != nil {
			return
		}

		s.setPhase(model.PhaseConnecting, "")
		connected := false
		err := s.decoder.Run(ctx, func(frame []byte, _ uint64) error {
			if !connected {
				connected = true
				s.setPhase(model.PhaseConnected, "")
				attempts = 0
			}
			s.handleFrame(frame)
			return nil
		})

		if ctx.Err() != nil {
			return
		}

		attempts++
		s.reconnects.Add(1)
		msg := ""
		if err != nil {
			msg = err.Error()
		}

		if s.cfg.MaxReconnectAttempts > 0 && attempts >= s.cfg.MaxReconnectAttempts {
			s.setPhase(model.PhaseError, msg)
			return
		}

		s.setPhase(model.PhaseReconnecting, msg)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

// handleFrame stamps the source's own frame counter rather than the
// decoder's per-connection sequence, so frame numbers stay strictly
// increasing across reconnects.
func (s *Source) handleFrame(frame []byte) {
	now := time.Now()
	s.frameCount.Add(1)
	s.lastFrameAt.Store(now)

	pkt := &model.FramePacket{
		StreamID:    s.streamID,
		Frame:       frame,
		Width:       s.cfg.Resize.Width,
		Height:      s.cfg.Resize.Height,
		FrameNumber: s.seq.Add(1),
		Timestamp:   now,
	}
	s.buf.Push(pkt)
	if s.onFrame != nil {
		s.onFrame(pkt)
	}
}

func (s *Source) setPhase(phase model.SourcePhase, msg string) {
	s.mu.Lock()
	s.phase = phase
	s.lastError = msg
	s.mu.Unlock()
	if s.onStatusChange != nil {
		s.onStatusChange(phase, msg)
	}
}

// Status reports the Frame Source's current health.
func (s *Source) Status() model.SourceStatus {
	s.mu.Lock()
	phase, lastError := s.phase, s.lastError
	s.mu.Unlock()

	var lastFrameAt *time.Time
	if v, ok := s.lastFrameAt.Load().(time.Time); ok {
		t := v
		lastFrameAt = &t
	}

	return model.SourceStatus{
		Phase:       phase,
		FrameCount:  s.frameCount.Load(),
		LastFrameAt: lastFrameAt,
		LastError:   lastError,
		Reconnects:  s.reconnects.Load(),
	}
}

// GetLatest returns the most recently buffered frame, if any.
func (s *Source) GetLatest() *model.FramePacket { return s.buf.GetLatest() }

// GetLastConsecutive returns the newest k buffered frames, unsampled.
func (s *Source) GetLastConsecutive(k int) []*model.FramePacket { return s.buf.GetLastConsecutive(k) }

// GetLastWindow returns frames timestamped within the last windowSeconds.
func (s *Source) GetLastWindow(windowSeconds float64) []*model.FramePacket {
	return s.buf.GetLastWindow(windowSeconds)
}

// GetUniformSampled returns k evenly spaced frames over the buffer.
func (s *Source) GetUniformSampled(k int) []*model.FramePacket { return s.buf.GetUniformSampled(k) }
