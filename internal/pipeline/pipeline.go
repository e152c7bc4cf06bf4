// Package pipeline wires one stream's Frame Source, Inference Scheduler,
// Score Smoother, and Event Detector together, and fans detector events
// out to the Clip Recorder, Person/Face Capture hook, Event Repository,
// and Broadcast Hub.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orbo-violence/internal/broadcast"
	"orbo-violence/internal/classifier"
	"orbo-violence/internal/clip"
	"orbo-violence/internal/capture"
	"orbo-violence/internal/detector"
	"orbo-violence/internal/framesource"
	"orbo-violence/internal/model"
	"orbo-violence/internal/smoother"
	"orbo-violence/internal/store"
)

// SchedulerConfig holds the Inference Scheduler's tunables.
type SchedulerConfig struct {
	InferenceInterval   time.Duration
	ClassifierTimeout   time.Duration
	FrameWindow         int // frames per classifier call, default 16
	MotionVetoEnabled   bool
	MotionVetoThreshold float64
}

// Tunables are the process-wide detection defaults; a stream's
// CustomThreshold overrides Threshold per stream.
type Tunables struct {
	Threshold         float32
	AlertThreshold    float32
	MinConsecutive    int
	ClipBeforeSeconds float64
	ClipAfterSeconds  float64
	CooldownSeconds   float64
	BufferCapacity    int
	SmootherWindow    int
	FFmpegPath        string
}

func (t Tunables) withDefaults() Tunables {
	if t.Threshold == 0 {
		t.Threshold = defaultThreshold
	}
	if t.AlertThreshold == 0 {
		t.AlertThreshold = defaultAlertThreshold
	}
	if t.MinConsecutive == 0 {
		t.MinConsecutive = defaultMinConsecutive
	}
	if t.ClipBeforeSeconds == 0 {
		t.ClipBeforeSeconds = defaultClipBefore
	}
	if t.ClipAfterSeconds == 0 {
		t.ClipAfterSeconds = defaultClipAfter
	}
	if t.CooldownSeconds == 0 {
		t.CooldownSeconds = defaultCooldown
	}
	if t.BufferCapacity == 0 {
		t.BufferCapacity = 1000
	}
	if t.SmootherWindow == 0 {
		t.SmootherWindow = smoother.DefaultWindow
	}
	return t
}

// Deps are the shared, process-wide collaborators every stream's
// Pipeline reports into.
type Deps struct {
	Classifier classifier.Client
	Recorder   *clip.Recorder
	Capture    *capture.Hook
	Store      *store.Store
	Hub        *broadcast.Hub
	Scheduler  SchedulerConfig
	Tunables   Tunables
	Log        zerolog.Logger
}

// Pipeline owns one stream's Frame Source plus the inference/detector
// state built on top of it.
type Pipeline struct {
	cfg  model.StreamConfig
	deps Deps
	log  zerolog.Logger

	src      *framesource.Source
	smoother *smoother.Smoother
	detector *detector.Detector

	scoreMu   sync.RWMutex
	lastScore *model.InferenceScore

	lastProcessedFrameNumber uint64
	stopCh                   chan struct{}
	stopped                  chan struct{}
}

// New builds a Pipeline for cfg. decoder is normally nil (ffmpeg is
// used); tests inject a fake framesource.Decoder.
func New(cfg model.StreamConfig, deps Deps, decoder framesource.Decoder) *Pipeline {
	deps.Tunables = deps.Tunables.withDefaults()
	log := deps.Log.With().Str("stream_id", cfg.ID).Logger()

	p := &Pipeline{cfg: cfg, deps: deps, log: log}

	tun := deps.Tunables
	p.src = framesource.New(cfg.ID, framesource.Config{
		StreamType:     cfg.StreamType,
		URL:            cfg.URL,
		TargetFPS:      cfg.TargetFPS,
		Resize:         cfg.Resize,
		BufferCapacity: tun.BufferCapacity,
		FFmpegPath:     tun.FFmpegPath,
	}, decoder, nil, p.onSourceStatusChange, log)

	threshold := tun.Threshold
	if cfg.CustomThreshold != nil {
		threshold = *cfg.CustomThreshold
	}

	p.smoother = smoother.New(tun.SmootherWindow, tun.AlertThreshold)
	p.detector = detector.New(cfg.ID, cfg.Name, detector.Config{
		Threshold:         threshold,
		AlertThreshold:    tun.AlertThreshold,
		MinConsecutive:    tun.MinConsecutive,
		ClipBeforeSeconds: tun.ClipBeforeSeconds,
		ClipAfterSeconds:  tun.ClipAfterSeconds,
		CooldownSeconds:   tun.CooldownSeconds,
	}, p.src, detector.Callbacks{
		OnEventStarted: p.onEventStarted,
		OnAlert:        p.onAlert,
		Finalize:       p.onFinalize,
	}, log)

	return p
}

const (
	defaultThreshold      float32 = 0.5
	defaultAlertThreshold float32 = 0.9
	defaultMinConsecutive         = 2
	defaultClipBefore            = 5.0
	defaultClipAfter             = 10.0
	defaultCooldown              = 60.0
)

// Start begins frame acquisition and the inference-scheduler loop.
// Idempotent.
func (p *Pipeline) Start() {
	if p.stopCh != nil {
		select {
		case <-p.stopCh:
		default:
			return // already running
		}
	}
	p.stopCh = make(chan struct{})
	p.stopped = make(chan struct{})

	p.src.Start()
	go p.scheduleLoop()
}

// Stop signals the scheduler loop, ends any in-progress event
// immediately, releases the Frame Source, and resets smoother state.
func (p *Pipeline) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.stopped

	p.detector.Stop()
	p.src.Stop()
	p.smoother.Reset()
}

// Status reports the underlying Frame Source's health plus the
// detector's current phase, for the /streams status endpoint.
func (p *Pipeline) Status() (model.SourceStatus, model.DetectorPhase) {
	return p.src.Status(), p.detector.Phase()
}

// Config returns the stream configuration this pipeline was built from.
func (p *Pipeline) Config() model.StreamConfig { return p.cfg }

// LatestFrame returns the most recently buffered frame, for the MJPEG
// preview and snapshot endpoints. Nil until the source produces frames.
func (p *Pipeline) LatestFrame() *model.FramePacket { return p.src.GetLatest() }

// LatestScore returns the most recent InferenceScore, for the
// /streams/{id}/prediction endpoint. Nil until the first inference tick.
func (p *Pipeline) LatestScore() *model.InferenceScore {
	p.scoreMu.RLock()
	defer p.scoreMu.RUnlock()
	return p.lastScore
}

func (p *Pipeline) scheduleLoop() {
	defer close(p.stopped)

	interval := p.deps.Scheduler.InferenceInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick implements the Inference Scheduler's per-cadence operation.
func (p *Pipeline) tick() {
	status := p.src.Status()
	if status.Phase != model.PhaseConnected {
		return
	}

	window := p.deps.Scheduler.FrameWindow
	if window <= 0 {
		window = defaultFrameWindow
	}
	frames := p.src.GetLastConsecutive(window)
	if len(frames) < window {
		return
	}
	last := frames[len(frames)-1]
	if last.FrameNumber == p.lastProcessedFrameNumber {
		return
	}
	p.lastProcessedFrameNumber = last.FrameNumber

	timeout := p.deps.Scheduler.ClassifierTimeout
	if timeout <= 0 {
		timeout = classifier.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := p.deps.Classifier.Classify(ctx, frames)
	if err != nil {
		p.log.Warn().Err(err).Msg("classifier call failed or timed out, skipping tick")
		return
	}

	raw := classifier.Clamp(result.ViolenceScore)
	if p.deps.Scheduler.MotionVetoEnabled && meanAbsPixelDelta(frames) > p.deps.Scheduler.MotionVetoThreshold {
		p.log.Debug().Msg("camera-shake veto zeroed raw_score")
		raw = 0
	}

	smoothed := p.smoother.Push(raw)

	score := model.InferenceScore{
		StreamID:         p.cfg.ID,
		ViolenceScore:    result.ViolenceScore,
		NonViolenceScore: result.NonViolenceScore,
		RawScore:         smoothed.RawScore,
		SmoothedScore:    smoothed.SmoothedScore,
		Timestamp:        time.Now(),
		InferenceMs:      result.InferenceMs,
		FrameCount:       len(frames),
		WindowStartTS:    frames[0].Timestamp,
		WindowEndTS:      last.Timestamp,
		FrameNumberEnd:   last.FrameNumber,
	}

	p.scoreMu.Lock()
	p.lastScore = &score
	p.scoreMu.Unlock()

	// the wire's violence_score is the smoothed value; the raw classifier
	// output rides along as raw_score
	if p.deps.Hub != nil {
		p.deps.Hub.Broadcast(broadcast.NewInferenceScoreMessage(
			p.cfg.ID, score.SmoothedScore, score.NonViolenceScore, score.RawScore,
			score.SmoothedScore >= p.deps.Tunables.AlertThreshold,
		))
	}

	p.detector.Tick(smoothed.RawScore, last.Timestamp)
}

const defaultFrameWindow = 16

func (p *Pipeline) onSourceStatusChange(phase model.SourcePhase, msg string) {
	if p.deps.Store != nil {
		p.deps.Store.UpdateStreamStatus(p.cfg.ID, phase == model.PhaseConnected, phase, nil, msg)
	}
	if p.deps.Hub != nil {
		p.deps.Hub.Broadcast(broadcast.NewStreamStatusMessage(p.cfg.ID, string(phase), msg))
	}
}

func (p *Pipeline) onEventStarted(ev model.Event) {
	if p.deps.Store != nil {
		if err := p.deps.Store.CreateEvent(ev); err != nil {
			p.log.Error().Err(err).Str("event_id", ev.ID).Msg("create event failed")
		}
	}
	if p.deps.Hub != nil {
		p.deps.Hub.Broadcast(broadcast.NewEventStartedMessage(ev.ID, ev.StreamID, ev.StreamName, ev.StartTS, ev.MaxConfidence, string(ev.Severity)))
	}
}

func (p *Pipeline) onAlert(ev model.Event) {
	if !p.cfg.AlertsEnabled {
		return
	}
	if p.deps.Hub != nil {
		p.deps.Hub.Broadcast(broadcast.NewViolenceAlertMessage(ev.ID, ev.StreamID, ev.MaxConfidence, string(ev.Severity), "violence detected"))
	}
}

// onFinalize hands the closed event off to a background goroutine so
// clip encoding and face capture never hold the detector's mutex or
// block the inference loop.
func (p *Pipeline) onFinalize(ev model.Event, scores []float32, frames []*model.FramePacket) {
	go p.finalizeWorker(ev, scores, frames)
}

func (p *Pipeline) finalizeWorker(ev model.Event, scores []float32, frames []*model.FramePacket) {
	ctx := context.Background()
	log := p.log.With().Str("event_id", ev.ID).Logger()

	var clipPath, thumbnailPath string
	var clipDuration *float64
	if p.deps.Recorder != nil {
		result, err := p.deps.Recorder.Record(ctx, ev.StreamID, ev.ID, frames, p.cfg.TargetFPS)
		if err != nil {
			log.Error().Err(err).Msg("clip recording failed")
		} else {
			clipPath = result.ClipPath
			thumbnailPath = result.ThumbnailPath
			d := result.ClipDuration
			clipDuration = &d
		}
	}

	var personImages []string
	if p.deps.Capture != nil {
		personImages = p.deps.Capture.Capture(ctx, ev.StreamID, ev.ID, frames)
	}

	if p.deps.Store != nil {
		finalized, err := p.deps.Store.FinalizeEvent(ev.ID, time.Now(), scores, len(frames), clipPath, clipDuration, thumbnailPath, personImages)
		if err != nil {
			log.Error().Err(err).Msg("finalize event failed")
		} else {
			ev = *finalized
		}
	}

	if p.deps.Hub != nil {
		duration := 0.0
		if ev.DurationS != nil {
			duration = *ev.DurationS
		}
		p.deps.Hub.Broadcast(broadcast.NewEventEndedMessage(ev.ID, ev.StreamID, clipPath, thumbnailPath, duration, ev.MaxConfidence, ev.AvgConfidence, string(ev.Severity), personImages))
	}
}

// meanAbsPixelDelta is the camera-shake veto's cheap frame-difference
// check: mean absolute pixel delta between consecutive frames in the
// window. A high value indicates the window is dominated by camera
// movement rather than scene content.
func meanAbsPixelDelta(frames []*model.FramePacket) float64 {
	if len(frames) < 2 {
		return 0
	}

	var total float64
	var samples int
	for i := 1; i < len(frames); i++ {
		a, b := frames[i-1].Frame, frames[i].Frame
		n := len(a)
		if len(b) < n {
			n = len(b)
		}
		for j := 0; j < n; j += pixelDeltaStride {
			diff := int(a[j]) - int(b[j])
			if diff < 0 {
				diff = -diff
			}
			total += float64(diff)
			samples++
		}
	}
	if samples == 0 {
		return 0
	}
	return total / float64(samples)
}

// pixelDeltaStride subsamples bytes rather than scanning every pixel,
// keeping the veto check cheap relative to the classifier call it gates.
const pixelDeltaStride = 37
