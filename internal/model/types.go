// Package model holds the data types shared across the violence-detection
// pipeline: stream configuration, frame packets, inference scores,
// detector state, and events. Nothing in this package performs I/O.
package model

import "time"

// StreamType identifies the transport a stream's URL is decoded with.
type StreamType string

const (
	StreamTypeRTSP   StreamType = "rtsp"
	StreamTypeRTMP   StreamType = "rtmp"
	StreamTypeWebcam StreamType = "webcam"
	StreamTypeFile   StreamType = "file"
)

// Resolution is the (width, height) frames are resized to before
// buffering and inference.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// StreamConfig is the persisted configuration for one video source.
type StreamConfig struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	URL                string     `json:"url"`
	StreamType         StreamType `json:"stream_type"`
	Location           string     `json:"location,omitempty"`
	TargetFPS          int        `json:"target_fps"`
	Resize             Resolution `json:"resize"`
	CustomThreshold    *float32   `json:"custom_threshold,omitempty"`
	CustomWindowSeconds *int      `json:"custom_window_seconds,omitempty"`
	AutoStart          bool       `json:"auto_start"`
	AlertsEnabled      bool       `json:"alerts_enabled"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// FramePacket is one decoded, resized frame flowing through a stream's
// ring buffer. Frame is BGR byte data, Width*Height*3 bytes.
type FramePacket struct {
	StreamID    string
	Frame       []byte
	Width       int
	Height      int
	FrameNumber uint64
	Timestamp   time.Time
}

// SourcePhase is the Frame Source's connection state machine.
type SourcePhase string

const (
	PhaseDisconnected SourcePhase = "DISCONNECTED"
	PhaseConnecting   SourcePhase = "CONNECTING"
	PhaseConnected    SourcePhase = "CONNECTED"
	PhaseReconnecting SourcePhase = "RECONNECTING"
	PhaseStopped      SourcePhase = "STOPPED"
	PhaseError        SourcePhase = "ERROR"
)

// SourceStatus reports Frame Source health for a single stream.
type SourceStatus struct {
	Phase        SourcePhase `json:"phase"`
	FrameCount   uint64      `json:"frame_count"`
	LastFrameAt  *time.Time  `json:"last_frame_at,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	Reconnects   uint64      `json:"reconnects"`
}

// InferenceScore is emitted once per inference tick.
type InferenceScore struct {
	StreamID         string    `json:"stream_id"`
	ViolenceScore    float32   `json:"violence_score"`
	NonViolenceScore float32   `json:"non_violence_score"`
	RawScore         float32   `json:"raw_score"`
	SmoothedScore    float32   `json:"smoothed_score"`
	Timestamp        time.Time `json:"timestamp"`
	InferenceMs      float32   `json:"inference_ms"`
	FrameCount       int       `json:"frame_count"`
	WindowStartTS    time.Time `json:"window_start_ts"`
	WindowEndTS      time.Time `json:"window_end_ts"`
	FrameNumberEnd   uint64    `json:"frame_number_end"`
}

// DetectorPhase is the Event Detector's state machine.
type DetectorPhase string

const (
	PhaseIdle      DetectorPhase = "IDLE"
	PhaseTriggered DetectorPhase = "TRIGGERED"
	PhaseActive    DetectorPhase = "ACTIVE"
	PhaseEnding    DetectorPhase = "ENDING"
	PhaseCooldown  DetectorPhase = "COOLDOWN"
)

// Severity is a categorical label derived from an event's peak score.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityOf maps a peak score to its severity band.
func SeverityOf(peak float32) Severity {
	switch {
	case peak >= 0.95:
		return SeverityCritical
	case peak >= 0.85:
		return SeverityHigh
	case peak >= 0.75:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// EventStatus is the review-workflow status of a finalized event.
type EventStatus string

const (
	StatusPending           EventStatus = "PENDING"
	StatusConfirmed         EventStatus = "CONFIRMED"
	StatusDismissed         EventStatus = "DISMISSED"
	StatusAutoDismissed     EventStatus = "AUTO_DISMISSED"
	StatusActionExecuted    EventStatus = "ACTION_EXECUTED"
	StatusNoActionRequired  EventStatus = "NO_ACTION_REQUIRED"
)

// IsTerminal reports whether status is anything but PENDING.
func (s EventStatus) IsTerminal() bool {
	return s != StatusPending
}

// Event is a single detected violence episode.
type Event struct {
	ID              string      `json:"id"`
	StreamID        string      `json:"stream_id"`
	StreamName      string      `json:"stream_name"`
	StartTS         time.Time   `json:"start_ts"`
	EndTS           *time.Time  `json:"end_ts,omitempty"`
	DurationS       *float64    `json:"duration_s,omitempty"`
	MaxConfidence   float32     `json:"max_confidence"`
	AvgConfidence   float32     `json:"avg_confidence"`
	MinConfidence   float32     `json:"min_confidence"`
	FrameCount      int         `json:"frame_count"`
	Severity        Severity    `json:"severity"`
	Status          EventStatus `json:"status"`
	ClipPath        string      `json:"clip_path,omitempty"`
	ClipDuration    *float64    `json:"clip_duration,omitempty"`
	ThumbnailPath   string      `json:"thumbnail_path,omitempty"`
	PersonImages    []string    `json:"person_images,omitempty"`
	ReviewedAt      *time.Time  `json:"reviewed_at,omitempty"`
	ReviewedBy      string      `json:"reviewed_by,omitempty"`
	Notes           string      `json:"notes,omitempty"`
}

// EventStatistics aggregates events over a trailing window.
type EventStatistics struct {
	Days           int     `json:"days"`
	TotalEvents    int     `json:"total_events"`
	ByStatus       map[EventStatus]int `json:"by_status"`
	BySeverity     map[Severity]int    `json:"by_severity"`
	AvgConfidence  float32 `json:"avg_confidence"`
}
