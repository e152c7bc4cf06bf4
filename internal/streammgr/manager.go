// Package streammgr implements the stream manager: it owns the set of
// configured streams, materializes a per-stream Pipeline on start,
// tears it down on stop, and keeps the stream repository's picture of
// the world current.
package streammgr

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"orbo-violence/internal/broadcast"
	"orbo-violence/internal/framesource"
	"orbo-violence/internal/model"
	"orbo-violence/internal/pipeline"
)

var (
	ErrStreamNotFound = errors.New("streammgr: stream not found")
	ErrAlreadyRunning = errors.New("streammgr: stream already running")
	ErrNotRunning     = errors.New("streammgr: stream not running")
)

// DecoderFactory builds the frame decoder for one stream. Nil means the
// default ffmpeg subprocess decoder; tests inject fakes.
type DecoderFactory func(cfg model.StreamConfig) framesource.Decoder

// StreamStatus is the composite stream/pipeline/detector status.
type StreamStatus struct {
	Stream      model.StreamConfig    `json:"stream"`
	Running     bool                  `json:"running"`
	Pipeline    model.SourceStatus    `json:"pipeline"`
	Detector    model.DetectorPhase   `json:"detector"`
	LatestScore *model.InferenceScore `json:"latest_score,omitempty"`
}

// entry is one managed stream. pipe is nil while the stream is a lazy,
// config-only entry (persisted but not running).
type entry struct {
	cfg  model.StreamConfig
	pipe *pipeline.Pipeline
}

// Manager owns the per-stream component graphs. At most one running
// Pipeline exists per stream ID at a time.
type Manager struct {
	deps       pipeline.Deps
	newDecoder DecoderFactory
	defaults   Defaults
	log        zerolog.Logger

	mu      sync.Mutex
	streams map[string]*entry
}

// Defaults are applied to streams added without explicit values.
type Defaults struct {
	TargetFPS int
	Resize    model.Resolution
}

func (d Defaults) withFallbacks() Defaults {
	if d.TargetFPS <= 0 {
		d.TargetFPS = 5
	}
	if d.Resize.Width <= 0 || d.Resize.Height <= 0 {
		d.Resize = model.Resolution{Width: 640, Height: 360}
	}
	return d
}

// New creates a Manager. newDecoder may be nil (ffmpeg).
func New(deps pipeline.Deps, defaults Defaults, newDecoder DecoderFactory, log zerolog.Logger) *Manager {
	return &Manager{
		deps:       deps,
		newDecoder: newDecoder,
		defaults:   defaults.withFallbacks(),
		log:        log.With().Str("component", "stream_manager").Logger(),
		streams:    make(map[string]*entry),
	}
}

// LoadPersisted reloads previously-active streams from the repository as
// lazy config-only entries; no pipeline is materialized until
// StartStream.
func (m *Manager) LoadPersisted() error {
	if m.deps.Store == nil {
		return nil
	}
	configs, err := m.deps.Store.GetAllActiveStreams()
	if err != nil {
		return fmt.Errorf("streammgr: load persisted streams: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range configs {
		if _, ok := m.streams[cfg.ID]; !ok {
			m.streams[cfg.ID] = &entry{cfg: cfg}
		}
	}
	m.log.Info().Int("count", len(configs)).Msg("loaded persisted streams")
	return nil
}

// AddParams are the caller-supplied fields for AddStream; zero values
// fall back to the manager defaults. StreamType is inferred from the URL
// when empty.
type AddParams struct {
	Name            string
	URL             string
	StreamType      model.StreamType
	Location        string
	AutoStart       bool
	CustomThreshold *float32
	TargetFPS       int
	Resize          model.Resolution
}

// AddStream persists a new stream config and returns its ID. When
// AutoStart is set the pipeline is started immediately.
func (m *Manager) AddStream(p AddParams) (string, error) {
	if p.Name == "" || p.URL == "" {
		return "", fmt.Errorf("streammgr: name and url are required")
	}
	if p.StreamType == "" {
		p.StreamType = DetectStreamType(p.URL)
	}
	if p.TargetFPS <= 0 {
		p.TargetFPS = m.defaults.TargetFPS
	}
	if p.Resize.Width <= 0 || p.Resize.Height <= 0 {
		p.Resize = m.defaults.Resize
	}

	cfg := model.StreamConfig{
		ID:              uuid.New().String(),
		Name:            p.Name,
		URL:             p.URL,
		StreamType:      p.StreamType,
		Location:        p.Location,
		TargetFPS:       p.TargetFPS,
		Resize:          p.Resize,
		CustomThreshold: p.CustomThreshold,
		AutoStart:       p.AutoStart,
		AlertsEnabled:   true,
	}

	if m.deps.Store != nil {
		if err := m.deps.Store.CreateStream(cfg); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	m.streams[cfg.ID] = &entry{cfg: cfg}
	m.mu.Unlock()

	m.log.Info().Str("stream_id", cfg.ID).Str("url", cfg.URL).Msg("stream added")

	if p.AutoStart {
		if err := m.StartStream(cfg.ID); err != nil {
			m.log.Warn().Err(err).Str("stream_id", cfg.ID).Msg("auto-start failed")
		}
	}
	return cfg.ID, nil
}

// StartStream materializes and starts the stream's component graph.
func (m *Manager) StartStream(id string) error {
	m.mu.Lock()
	e, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return ErrStreamNotFound
	}
	if e.pipe != nil {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}

	var decoder framesource.Decoder
	if m.newDecoder != nil {
		decoder = m.newDecoder(e.cfg)
	}
	e.pipe = pipeline.New(e.cfg, m.deps, decoder)
	e.pipe.Start()
	cfg := e.cfg
	m.mu.Unlock()

	if m.deps.Store != nil {
		if err := m.deps.Store.UpdateStreamStatus(id, true, model.PhaseConnecting, nil, ""); err != nil {
			m.log.Warn().Err(err).Str("stream_id", id).Msg("persist stream start failed")
		}
	}
	if m.deps.Hub != nil {
		m.deps.Hub.Broadcast(broadcast.NewStreamStartedMessage(id, cfg.Name))
	}
	m.log.Info().Str("stream_id", id).Msg("stream started")
	return nil
}

// StopStream stops the stream's component graph; the config entry stays.
// Any in-progress event is forced closed by the pipeline.
func (m *Manager) StopStream(id string) error {
	m.mu.Lock()
	e, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return ErrStreamNotFound
	}
	if e.pipe == nil {
		m.mu.Unlock()
		return ErrNotRunning
	}
	pipe := e.pipe
	e.pipe = nil
	cfg := e.cfg
	m.mu.Unlock()

	pipe.Stop()

	if m.deps.Store != nil {
		if err := m.deps.Store.UpdateStreamStatus(id, false, model.PhaseStopped, nil, ""); err != nil {
			m.log.Warn().Err(err).Str("stream_id", id).Msg("persist stream stop failed")
		}
	}
	if m.deps.Hub != nil {
		m.deps.Hub.Broadcast(broadcast.NewStreamStoppedMessage(id, cfg.Name))
	}
	m.log.Info().Str("stream_id", id).Msg("stream stopped")
	return nil
}

// RemoveStream stops the stream if running, then deletes its persisted
// config.
func (m *Manager) RemoveStream(id string) error {
	if err := m.StopStream(id); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()

	if m.deps.Store != nil {
		if err := m.deps.Store.DeleteStream(id); err != nil {
			return err
		}
	}
	m.log.Info().Str("stream_id", id).Msg("stream removed")
	return nil
}

// UpdateParams are PATCHable stream fields; nil means unchanged.
type UpdateParams struct {
	Name            *string
	URL             *string
	Location        *string
	TargetFPS       *int
	CustomThreshold *float32
	AlertsEnabled   *bool
}

// UpdateStream applies mutable field changes. A URL or FPS change on a
// running stream restarts it (the stop-update-restart pattern).
func (m *Manager) UpdateStream(id string, p UpdateParams) (*model.StreamConfig, error) {
	m.mu.Lock()
	e, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrStreamNotFound
	}

	wasRunning := e.pipe != nil
	needsRestart := wasRunning && ((p.URL != nil && *p.URL != e.cfg.URL) ||
		(p.TargetFPS != nil && *p.TargetFPS != e.cfg.TargetFPS))

	if p.Name != nil {
		e.cfg.Name = *p.Name
	}
	if p.URL != nil {
		e.cfg.URL = *p.URL
		e.cfg.StreamType = DetectStreamType(*p.URL)
	}
	if p.Location != nil {
		e.cfg.Location = *p.Location
	}
	if p.TargetFPS != nil && *p.TargetFPS > 0 {
		e.cfg.TargetFPS = *p.TargetFPS
	}
	if p.CustomThreshold != nil {
		e.cfg.CustomThreshold = p.CustomThreshold
	}
	if p.AlertsEnabled != nil {
		e.cfg.AlertsEnabled = *p.AlertsEnabled
	}
	cfg := e.cfg
	m.mu.Unlock()

	if m.deps.Store != nil {
		if err := m.deps.Store.UpdateStream(cfg); err != nil {
			return nil, err
		}
	}

	if needsRestart {
		if err := m.StopStream(id); err != nil && !errors.Is(err, ErrNotRunning) {
			return nil, err
		}
		if err := m.StartStream(id); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// GetStatus returns the composite stream/pipeline/detector status.
func (m *Manager) GetStatus(id string) (*StreamStatus, error) {
	m.mu.Lock()
	e, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrStreamNotFound
	}
	st := m.statusLocked(e)
	m.mu.Unlock()
	return &st, nil
}

// ListStatuses returns statuses for every managed stream.
func (m *Manager) ListStatuses() []StreamStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StreamStatus, 0, len(m.streams))
	for _, e := range m.streams {
		out = append(out, m.statusLocked(e))
	}
	return out
}

func (m *Manager) statusLocked(e *entry) StreamStatus {
	st := StreamStatus{
		Stream:   e.cfg,
		Pipeline: model.SourceStatus{Phase: model.PhaseDisconnected},
		Detector: model.PhaseIdle,
	}
	if e.pipe != nil {
		st.Running = true
		st.Pipeline, st.Detector = e.pipe.Status()
		st.LatestScore = e.pipe.LatestScore()
	}
	return st
}

// Pipeline returns the running pipeline for id, or nil while the entry
// is lazy/stopped. Used by the snapshot/MJPEG/prediction handlers.
func (m *Manager) Pipeline(id string) (*pipeline.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.streams[id]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return e.pipe, nil
}

// Count returns the number of managed streams (running or lazy).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// StopAll stops every running stream; used on graceful shutdown so
// in-flight events are force-finalized before the process exits.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.streams))
	for id, e := range m.streams {
		if e.pipe != nil {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StopStream(id); err != nil {
			m.log.Warn().Err(err).Str("stream_id", id).Msg("stop on shutdown failed")
		}
	}
}

// DetectStreamType infers the transport from a URL prefix, mirroring
// the isNetworkSource check used for camera devices: rtsp:// and rtmp://
// map to their protocol, /dev/video* paths and bare device indices
// ("0") are webcams, and anything else, http URLs included, is a file.
func DetectStreamType(url string) model.StreamType {
	switch {
	case strings.HasPrefix(url, "rtsp://"):
		return model.StreamTypeRTSP
	case strings.HasPrefix(url, "rtmp://"):
		return model.StreamTypeRTMP
	case strings.HasPrefix(url, "/dev/video"), isDigits(url):
		return model.StreamTypeWebcam
	default:
		return model.StreamTypeFile
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
