package broadcast

import "time"

// Message types the Broadcast Hub fans out.
const (
	TypeInferenceScore  = "inference_score"
	TypeStreamStatus    = "stream_status"
	TypeStreamStarted   = "stream_started"
	TypeStreamStopped   = "stream_stopped"
	TypeEventStarted    = "event_started"
	TypeViolenceAlert   = "violence_alert"
	TypeEventEnded      = "event_ended"
)

// InferenceScoreMessage is emitted every inference tick.
type InferenceScoreMessage struct {
	Type             string    `json:"type"`
	StreamID         string    `json:"stream_id"`
	ViolenceScore    float32   `json:"violence_score"`
	NonViolenceScore float32   `json:"non_violence_score"`
	RawScore         float32   `json:"raw_score"`
	IsViolent        bool      `json:"is_violent"`
	Timestamp        time.Time `json:"timestamp"`
}

func NewInferenceScoreMessage(streamID string, violenceScore, nonViolenceScore, rawScore float32, isViolent bool) *InferenceScoreMessage {
	return &InferenceScoreMessage{
		Type: TypeInferenceScore, StreamID: streamID, ViolenceScore: violenceScore,
		NonViolenceScore: nonViolenceScore, RawScore: rawScore, IsViolent: isViolent, Timestamp: time.Now().UTC(),
	}
}

// StreamStatusMessage is emitted on a Frame Source status change.
type StreamStatusMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

func NewStreamStatusMessage(streamID, status, message string) *StreamStatusMessage {
	return &StreamStatusMessage{Type: TypeStreamStatus, StreamID: streamID, Status: status, Message: message}
}

// StreamLifecycleMessage covers stream_started and stream_stopped.
type StreamLifecycleMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
	Name     string `json:"name"`
}

func NewStreamStartedMessage(streamID, name string) *StreamLifecycleMessage {
	return &StreamLifecycleMessage{Type: TypeStreamStarted, StreamID: streamID, Name: name}
}

func NewStreamStoppedMessage(streamID, name string) *StreamLifecycleMessage {
	return &StreamLifecycleMessage{Type: TypeStreamStopped, StreamID: streamID, Name: name}
}

// EventStartedMessage is emitted on ACTIVE entry.
type EventStartedMessage struct {
	Type       string    `json:"type"`
	EventID    string    `json:"event_id"`
	StreamID   string    `json:"stream_id"`
	StreamName string    `json:"stream_name"`
	StartTime  time.Time `json:"start_time"`
	Confidence float32   `json:"confidence"`
	Severity   string    `json:"severity"`
}

func NewEventStartedMessage(eventID, streamID, streamName string, startTime time.Time, confidence float32, severity string) *EventStartedMessage {
	return &EventStartedMessage{
		Type: TypeEventStarted, EventID: eventID, StreamID: streamID, StreamName: streamName,
		StartTime: startTime, Confidence: confidence, Severity: severity,
	}
}

// ViolenceAlertMessage is emitted at event start, or subsequently when
// raw_score crosses alert_threshold again after cooldown.
type ViolenceAlertMessage struct {
	Type       string  `json:"type"`
	EventID    string  `json:"event_id"`
	StreamID   string  `json:"stream_id"`
	Confidence float32 `json:"confidence"`
	Severity   string  `json:"severity"`
	Message    string  `json:"message"`
	ClipPath   string  `json:"clip_path,omitempty"`
}

func NewViolenceAlertMessage(eventID, streamID string, confidence float32, severity, message string) *ViolenceAlertMessage {
	return &ViolenceAlertMessage{
		Type: TypeViolenceAlert, EventID: eventID, StreamID: streamID,
		Confidence: confidence, Severity: severity, Message: message,
	}
}

// EventEndedMessage is emitted once finalize completes.
type EventEndedMessage struct {
	Type          string   `json:"type"`
	EventID       string   `json:"event_id"`
	StreamID      string   `json:"stream_id"`
	ClipPath      string   `json:"clip_path,omitempty"`
	ThumbnailPath string   `json:"thumbnail_path,omitempty"`
	Duration      float64  `json:"duration"`
	MaxConfidence float32  `json:"max_confidence"`
	AvgConfidence float32  `json:"avg_confidence"`
	Severity      string   `json:"severity"`
	FacePaths     []string `json:"face_paths,omitempty"`
}

func NewEventEndedMessage(eventID, streamID, clipPath, thumbnailPath string, duration float64, maxConfidence, avgConfidence float32, severity string, facePaths []string) *EventEndedMessage {
	return &EventEndedMessage{
		Type: TypeEventEnded, EventID: eventID, StreamID: streamID, ClipPath: clipPath,
		ThumbnailPath: thumbnailPath, Duration: duration, MaxConfidence: maxConfidence,
		AvgConfidence: avgConfidence, Severity: severity, FacePaths: facePaths,
	}
}
