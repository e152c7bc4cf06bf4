// Package detector implements the Event Detector: the per-stream
// state machine that turns a sequence of raw classifier scores into
// Events, with hysteresis and cooldown to avoid flapping on borderline
// scores.
package detector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"orbo-violence/internal/model"
)

// FrameWindow is the subset of *ringbuffer.RingBuffer the detector needs
// to assemble pre-roll, in-event, and post-roll clip frames. Declared
// here (not in ringbuffer) so detector depends on an interface, not a
// concrete type.
type FrameWindow interface {
	GetLastWindow(windowSeconds float64) []*model.FramePacket
	GetLastConsecutive(k int) []*model.FramePacket
}

// Config holds the per-stream detection tunables. The end threshold is
// derived (0.8 * Threshold) rather than configured directly.
type Config struct {
	Threshold          float32
	AlertThreshold     float32
	MinConsecutive     int
	ClipBeforeSeconds  float64
	ClipAfterSeconds   float64
	CooldownSeconds    float64
}

func (c Config) endThreshold() float32 { return 0.8 * c.Threshold }

// Callbacks are invoked by the detector as events progress. All of them
// run while the detector holds its mutex. Finalize runs on the timed
// finalize worker's goroutine, or on the caller's goroutine when Stop
// forces an event closed; it must return quickly and hand slow work
// (clip encoding, repository writes) to another goroutine, or Tick
// blocks until it returns.
type Callbacks struct {
	OnEventStarted func(ev model.Event)
	OnAlert        func(ev model.Event)
	Finalize       func(ev model.Event, scores []float32, frames []*model.FramePacket)
}

// Detector is the Event Detector for one stream. DetectorState is
// mutated only while holding mu, which is how the inference caller and
// the timed finalize worker stay serialized against each other
// without a dedicated goroutine+channel per stream.
type Detector struct {
	cfg        Config
	buf        FrameWindow
	cb         Callbacks
	streamID   string
	streamName string
	log        zerolog.Logger

	mu                sync.Mutex
	phase             model.DetectorPhase
	consecutiveHigh   int
	cooldownUntil     time.Time
	lastAlertAt       time.Time
	currentEvent      *model.Event
	scores            []float32
	clipPreFrames     []*model.FramePacket
	inEventFrames     []*model.FramePacket
	finalizeCancel    context.CancelFunc
	finalizeGen       uint64
}

// New creates a Detector in the IDLE phase.
func New(streamID, streamName string, cfg Config, buf FrameWindow, cb Callbacks, log zerolog.Logger) *Detector {
	return &Detector{
		cfg:        cfg,
		buf:        buf,
		cb:         cb,
		streamID:   streamID,
		streamName: streamName,
		log:        log.With().Str("component", "detector").Str("stream_id", streamID).Logger(),
		phase:      model.PhaseIdle,
	}
}

// Phase returns the current state, for status reporting.
func (d *Detector) Phase() model.DetectorPhase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Tick feeds one inference tick into the state machine. Detection acts
// on the raw score; the smoothed score is for display only. windowEndTS
// identifies the inference window that produced rawScore, used as the
// Event's start timestamp when one opens.
func (d *Detector) Tick(rawScore float32, windowEndTS time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.phase {
	case model.PhaseIdle, model.PhaseTriggered:
		d.clipPreFrames = d.buf.GetLastWindow(d.cfg.ClipBeforeSeconds)

		if rawScore >= d.cfg.Threshold {
			if d.phase == model.PhaseIdle {
				d.phase = model.PhaseTriggered
				d.consecutiveHigh = 0
			}
			d.consecutiveHigh++
			if d.consecutiveHigh >= d.cfg.MinConsecutive {
				d.openEvent(rawScore, windowEndTS)
			}
		} else {
			d.phase = model.PhaseIdle
			d.consecutiveHigh = 0
		}

	case model.PhaseActive:
		d.appendScore(rawScore)
		if rawScore < d.cfg.endThreshold() {
			d.phase = model.PhaseEnding
			d.scheduleFinalize()
		}

	case model.PhaseEnding:
		d.appendScore(rawScore)
		if rawScore >= d.cfg.Threshold {
			d.phase = model.PhaseActive
			d.cancelFinalize()
		}

	case model.PhaseCooldown:
		if !time.Now().Before(d.cooldownUntil) {
			d.phase = model.PhaseIdle
		}
	}
}

// Stop forces an in-progress event closed immediately, skipping the
// post-roll wait and cooldown — used when a stream is stopped while an
// event is ACTIVE or ENDING.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase == model.PhaseActive || d.phase == model.PhaseEnding {
		d.cancelFinalize()
		d.doFinalize()
	}
	d.phase = model.PhaseIdle
	d.cooldownUntil = time.Time{}
}

func (d *Detector) openEvent(rawScore float32, windowEndTS time.Time) {
	ev := &model.Event{
		ID:            uuid.New().String(),
		StreamID:      d.streamID,
		StreamName:    d.streamName,
		StartTS:       windowEndTS,
		MaxConfidence: rawScore,
		MinConfidence: rawScore,
		AvgConfidence: rawScore,
		FrameCount:    16,
		Severity:      model.SeverityOf(rawScore),
		Status:        model.StatusPending,
	}
	d.currentEvent = ev
	d.scores = []float32{rawScore}
	d.inEventFrames = d.buf.GetLastConsecutive(1)
	d.phase = model.PhaseActive
	d.consecutiveHigh = 0

	d.log.Info().Str("event_id", ev.ID).Float32("raw_score", rawScore).Msg("event opened")

	if d.cb.OnEventStarted != nil {
		d.cb.OnEventStarted(*ev)
	}
	d.maybeAlert(rawScore)
}

func (d *Detector) appendScore(rawScore float32) {
	d.scores = append(d.scores, rawScore)
	if rawScore > d.currentEvent.MaxConfidence {
		d.currentEvent.MaxConfidence = rawScore
	}
	if rawScore < d.currentEvent.MinConfidence {
		d.currentEvent.MinConfidence = rawScore
	}
	d.inEventFrames = append(d.inEventFrames, d.buf.GetLastConsecutive(1)...)
	d.maybeAlert(rawScore)
}

// maybeAlert fires OnAlert when rawScore crosses the alert threshold,
// at event open and again on later ticks of the same event once the
// alert cooldown has elapsed since the previous alert. Caller must
// hold mu.
func (d *Detector) maybeAlert(rawScore float32) {
	if rawScore < d.cfg.AlertThreshold || d.cb.OnAlert == nil || d.currentEvent == nil {
		return
	}
	if !d.lastAlertAt.IsZero() && time.Since(d.lastAlertAt) < durationFromSeconds(d.cfg.CooldownSeconds) {
		return
	}
	d.lastAlertAt = time.Now()
	d.cb.OnAlert(*d.currentEvent)
}

// scheduleFinalize arms a timer that fires doFinalize after
// ClipAfterSeconds, unless cancelFinalize or a later scheduleFinalize
// call (via the generation counter) preempts it first.
func (d *Detector) scheduleFinalize() {
	ctx, cancel := context.WithCancel(context.Background())
	d.finalizeCancel = cancel
	d.finalizeGen++
	gen := d.finalizeGen

	delay := durationFromSeconds(d.cfg.ClipAfterSeconds)
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		if d.phase != model.PhaseEnding || d.finalizeGen != gen {
			return
		}
		d.doFinalize()
		d.phase = model.PhaseCooldown
		d.cooldownUntil = time.Now().Add(durationFromSeconds(d.cfg.CooldownSeconds))
	}()
}

func (d *Detector) cancelFinalize() {
	if d.finalizeCancel != nil {
		d.finalizeCancel()
		d.finalizeCancel = nil
	}
}

// doFinalize assembles the full clip frame set and hands the closed
// Event off to cb.Finalize. Caller must hold mu.
func (d *Detector) doFinalize() {
	if d.currentEvent == nil {
		return
	}
	ev := d.currentEvent
	now := time.Now()
	ev.EndTS = &now
	dur := now.Sub(ev.StartTS).Seconds()
	ev.DurationS = &dur
	ev.AvgConfidence = mean(d.scores)

	postFrames := d.buf.GetLastWindow(d.cfg.ClipAfterSeconds)
	all := dedupByFrameNumber(append(append(d.clipPreFrames, d.inEventFrames...), postFrames...))
	ev.FrameCount = len(all)
	ev.Severity = model.SeverityOf(ev.MaxConfidence)

	d.log.Info().Str("event_id", ev.ID).Int("frame_count", ev.FrameCount).Msg("event finalized")

	if d.cb.Finalize != nil {
		d.cb.Finalize(*ev, d.scores, all)
	}

	d.currentEvent = nil
	d.scores = nil
	d.clipPreFrames = nil
	d.inEventFrames = nil
}

func mean(scores []float32) float32 {
	if len(scores) == 0 {
		return 0
	}
	var sum float32
	for _, s := range scores {
		sum += s
	}
	return sum / float32(len(scores))
}

// dedupByFrameNumber merges the pre-roll/in-event/post-roll frame slices,
// which can overlap at their boundaries, into one ascending-by-frame-
// number, duplicate-free sequence.
func dedupByFrameNumber(frames []*model.FramePacket) []*model.FramePacket {
	seen := make(map[uint64]*model.FramePacket, len(frames))
	for _, f := range frames {
		if f == nil {
			continue
		}
		seen[f.FrameNumber] = f
	}
	out := make([]*model.FramePacket, 0, len(seen))
	for _, f := range seen {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrameNumber < out[j].FrameNumber })
	return out
}
