// Package store implements the event and stream repositories on top of
// SQLite via the pure-Go modernc.org/sqlite driver. No business logic
// lives here, just CRUD, status transitions, and filtered listing.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"orbo-violence/internal/model"
)

var (
	ErrStreamNotFound = errors.New("store: stream not found")
	ErrEventNotFound  = errors.New("store: event not found")
)

// Store is the SQLite-backed Event/Stream repository pair.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at databaseURL and
// enables WAL mode + foreign keys.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("sqlite", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate runs idempotent schema migrations; re-running is safe.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			stream_type TEXT NOT NULL,
			location TEXT,
			target_fps INTEGER DEFAULT 5,
			resize_width INTEGER DEFAULT 640,
			resize_height INTEGER DEFAULT 360,
			custom_threshold REAL,
			custom_window_seconds INTEGER,
			auto_start INTEGER DEFAULT 0,
			alerts_enabled INTEGER DEFAULT 1,
			is_active INTEGER DEFAULT 0,
			status TEXT DEFAULT 'DISCONNECTED',
			last_frame_at DATETIME,
			last_error TEXT,
			reconnects INTEGER DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_is_active ON streams(is_active)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			stream_name TEXT NOT NULL,
			start_ts DATETIME NOT NULL,
			end_ts DATETIME,
			duration_s REAL,
			max_confidence REAL NOT NULL,
			avg_confidence REAL NOT NULL,
			min_confidence REAL NOT NULL,
			frame_count INTEGER DEFAULT 0,
			severity TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			clip_path TEXT,
			clip_duration REAL,
			thumbnail_path TEXT,
			person_images TEXT,
			reviewed_at DATETIME,
			reviewed_by TEXT,
			notes TEXT,
			FOREIGN KEY (stream_id) REFERENCES streams(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_stream_start ON events(stream_id, start_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_status ON events(status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_status_severity_start ON events(status, severity, start_ts)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("store: migration failed: %w", err)
		}
	}
	return nil
}

// --- Streams -----------------------------------------------------------

// CreateStream inserts a new stream config, persisted with is_active=0
// (materialized only once streammgr.Manager.StartStream is called).
func (s *Store) CreateStream(cfg model.StreamConfig) error {
	now := time.Now().UTC()
	cfg.CreatedAt, cfg.UpdatedAt = now, now

	query := `INSERT INTO streams
		(id, name, url, stream_type, location, target_fps, resize_width, resize_height,
		 custom_threshold, custom_window_seconds, auto_start, alerts_enabled, is_active,
		 status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`

	_, err := s.db.Exec(query, cfg.ID, cfg.Name, cfg.URL, string(cfg.StreamType), cfg.Location,
		cfg.TargetFPS, cfg.Resize.Width, cfg.Resize.Height, nullableFloat32(cfg.CustomThreshold),
		nullableInt(cfg.CustomWindowSeconds), boolToInt(cfg.AutoStart), boolToInt(cfg.AlertsEnabled),
		string(model.PhaseDisconnected), cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create stream: %w", err)
	}
	return nil
}

// GetStream retrieves a stream config by ID.
func (s *Store) GetStream(id string) (*model.StreamConfig, error) {
	query := `SELECT id, name, url, stream_type, location, target_fps, resize_width, resize_height,
		custom_threshold, custom_window_seconds, auto_start, alerts_enabled, created_at, updated_at
		FROM streams WHERE id = ?`

	var cfg model.StreamConfig
	var location sql.NullString
	var customThreshold sql.NullFloat64
	var customWindow sql.NullInt64
	var autoStart, alertsEnabled int

	err := s.db.QueryRow(query, id).Scan(&cfg.ID, &cfg.Name, &cfg.URL, &cfg.StreamType, &location,
		&cfg.TargetFPS, &cfg.Resize.Width, &cfg.Resize.Height, &customThreshold, &customWindow,
		&autoStart, &alertsEnabled, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get stream: %w", err)
	}

	cfg.Location = location.String
	cfg.AutoStart = autoStart == 1
	cfg.AlertsEnabled = alertsEnabled == 1
	if customThreshold.Valid {
		v := float32(customThreshold.Float64)
		cfg.CustomThreshold = &v
	}
	if customWindow.Valid {
		v := int(customWindow.Int64)
		cfg.CustomWindowSeconds = &v
	}
	return &cfg, nil
}

// GetAllActiveStreams returns streams persisted as currently running
// (is_active=1), for StreamManager to lazily reload as config-only
// entries on startup.
func (s *Store) GetAllActiveStreams() ([]model.StreamConfig, error) {
	rows, err := s.db.Query(`SELECT id FROM streams WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("store: list active streams: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan active stream id: %w", err)
		}
		ids = append(ids, id)
	}

	out := make([]model.StreamConfig, 0, len(ids))
	for _, id := range ids {
		cfg, err := s.GetStream(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, nil
}

// UpdateStreamStatus records Frame Source status transitions and
// the is_active flag StreamManager uses to decide what to reload on
// restart.
func (s *Store) UpdateStreamStatus(id string, isActive bool, status model.SourcePhase, lastFrameAt *time.Time, lastError string) error {
	_, err := s.db.Exec(
		`UPDATE streams SET is_active = ?, status = ?, last_frame_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		boolToInt(isActive), string(status), lastFrameAt, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: update stream status: %w", err)
	}
	return nil
}

// UpdateStream persists changes to a stream's mutable config fields.
func (s *Store) UpdateStream(cfg model.StreamConfig) error {
	res, err := s.db.Exec(
		`UPDATE streams SET name = ?, url = ?, stream_type = ?, location = ?, target_fps = ?,
		 resize_width = ?, resize_height = ?, custom_threshold = ?, custom_window_seconds = ?,
		 alerts_enabled = ?, updated_at = ? WHERE id = ?`,
		cfg.Name, cfg.URL, string(cfg.StreamType), cfg.Location, cfg.TargetFPS,
		cfg.Resize.Width, cfg.Resize.Height, nullableFloat32(cfg.CustomThreshold),
		nullableInt(cfg.CustomWindowSeconds), boolToInt(cfg.AlertsEnabled), time.Now().UTC(), cfg.ID)
	if err != nil {
		return fmt.Errorf("store: update stream: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStreamNotFound
	}
	return nil
}

// DeleteStream removes a stream's persisted config.
func (s *Store) DeleteStream(id string) error {
	_, err := s.db.Exec(`DELETE FROM streams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete stream: %w", err)
	}
	return nil
}

// --- Events --------------------------------------------------------------

// CreateEvent inserts a newly-opened event.
func (s *Store) CreateEvent(ev model.Event) error {
	query := `INSERT INTO events
		(id, stream_id, stream_name, start_ts, max_confidence, avg_confidence, min_confidence,
		 frame_count, severity, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query, ev.ID, ev.StreamID, ev.StreamName, ev.StartTS, ev.MaxConfidence,
		ev.AvgConfidence, ev.MinConfidence, ev.FrameCount, string(ev.Severity), string(ev.Status))
	if err != nil {
		return fmt.Errorf("store: create event: %w", err)
	}
	return nil
}

// GetEvent retrieves one event by ID.
func (s *Store) GetEvent(id string) (*model.Event, error) {
	ev, err := s.scanEventRow(s.db.QueryRow(eventSelect + `WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

// EventFilter narrows ListEvents; zero-valued fields are unfiltered.
type EventFilter struct {
	Status      model.EventStatus
	StreamID    string
	Limit       int
	Offset      int
	StartAfter  *time.Time
	StartBefore *time.Time
}

const eventSelect = `SELECT id, stream_id, stream_name, start_ts, end_ts, duration_s,
	max_confidence, avg_confidence, min_confidence, frame_count, severity, status,
	clip_path, clip_duration, thumbnail_path, person_images, reviewed_at, reviewed_by, notes
	FROM events `

// ListEvents returns events matching f, newest-first, plus the total
// count ignoring Limit/Offset (for pagination).
func (s *Store) ListEvents(f EventFilter) ([]model.Event, int, error) {
	where, args := f.whereClause()

	total, err := s.countEvents(where, args)
	if err != nil {
		return nil, 0, err
	}

	query := eventSelect + where + " ORDER BY start_ts DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		ev, err := s.scanEventRow(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, *ev)
	}
	return events, total, nil
}

func (s *Store) countEvents(where string, args []interface{}) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM events "+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	return count, nil
}

func (f EventFilter) whereClause() (string, []interface{}) {
	clauses := []string{"WHERE 1=1"}
	var args []interface{}

	if f.Status != "" {
		clauses = append(clauses, "AND status = ?")
		args = append(args, string(f.Status))
	}
	if f.StreamID != "" {
		clauses = append(clauses, "AND stream_id = ?")
		args = append(args, f.StreamID)
	}
	if f.StartAfter != nil {
		clauses = append(clauses, "AND start_ts >= ?")
		args = append(args, *f.StartAfter)
	}
	if f.StartBefore != nil {
		clauses = append(clauses, "AND start_ts <= ?")
		args = append(args, *f.StartBefore)
	}
	return strings.Join(clauses, " "), args
}

// UpdateEventStatus applies a review-workflow transition. A call on an
// already-terminal event is a no-op that returns the unchanged event,
// keeping the review endpoints retry-safe.
func (s *Store) UpdateEventStatus(id string, status model.EventStatus, reviewedBy, notes string) (*model.Event, error) {
	ev, err := s.GetEvent(id)
	if err != nil {
		return nil, err
	}
	if ev.Status.IsTerminal() {
		return ev, nil
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`UPDATE events SET status = ?, reviewed_at = ?, reviewed_by = ?, notes = ? WHERE id = ?`,
		string(status), now, reviewedBy, notes, id)
	if err != nil {
		return nil, fmt.Errorf("store: update event status: %w", err)
	}

	ev.Status = status
	ev.ReviewedAt = &now
	ev.ReviewedBy = reviewedBy
	ev.Notes = notes
	return ev, nil
}

// FinalizeEvent atomically writes end_ts, stats derived from scores, and
// artifact paths. clipPath/thumbnailPath/personImages
// may be empty/nil when the Clip Recorder or capture hook failed.
func (s *Store) FinalizeEvent(id string, endTS time.Time, scores []float32, frameCount int, clipPath string, clipDuration *float64, thumbnailPath string, personImages []string) (*model.Event, error) {
	ev, err := s.GetEvent(id)
	if err != nil {
		return nil, err
	}

	max, min, avg := statsOf(scores)
	duration := endTS.Sub(ev.StartTS).Seconds()
	severity := model.SeverityOf(max)

	personJSON, err := json.Marshal(personImages)
	if err != nil {
		return nil, fmt.Errorf("store: marshal person_images: %w", err)
	}

	_, err = s.db.Exec(`UPDATE events SET end_ts = ?, duration_s = ?, max_confidence = ?,
		avg_confidence = ?, min_confidence = ?, frame_count = ?, severity = ?, clip_path = ?,
		clip_duration = ?, thumbnail_path = ?, person_images = ? WHERE id = ?`,
		endTS, duration, max, avg, min, frameCount, string(severity), nullableString(clipPath),
		clipDuration, nullableString(thumbnailPath), string(personJSON), id)
	if err != nil {
		return nil, fmt.Errorf("store: finalize event: %w", err)
	}

	ev.EndTS = &endTS
	ev.DurationS = &duration
	ev.MaxConfidence, ev.MinConfidence, ev.AvgConfidence = max, min, avg
	ev.FrameCount = frameCount
	ev.Severity = severity
	ev.ClipPath = clipPath
	ev.ClipDuration = clipDuration
	ev.ThumbnailPath = thumbnailPath
	ev.PersonImages = personImages
	return ev, nil
}

// EventStatistics aggregates events over the trailing `days` days.
func (s *Store) EventStatistics(days int) (model.EventStatistics, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	stats := model.EventStatistics{Days: days, ByStatus: map[model.EventStatus]int{}, BySeverity: map[model.Severity]int{}}

	rows, err := s.db.Query(`SELECT status, severity, avg_confidence FROM events WHERE start_ts >= ?`, since)
	if err != nil {
		return stats, fmt.Errorf("store: statistics: %w", err)
	}
	defer rows.Close()

	var sumConfidence float32
	for rows.Next() {
		var status, severity string
		var avgConfidence float32
		if err := rows.Scan(&status, &severity, &avgConfidence); err != nil {
			return stats, fmt.Errorf("store: scan statistics row: %w", err)
		}
		stats.TotalEvents++
		stats.ByStatus[model.EventStatus(status)]++
		stats.BySeverity[model.Severity(severity)]++
		sumConfidence += avgConfidence
	}
	if stats.TotalEvents > 0 {
		stats.AvgConfidence = sumConfidence / float32(stats.TotalEvents)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanEventRow(row rowScanner) (*model.Event, error) {
	var ev model.Event
	var endTS sql.NullTime
	var durationS sql.NullFloat64
	var clipPath, thumbnailPath, personImagesJSON, reviewedBy, notes sql.NullString
	var clipDuration sql.NullFloat64
	var reviewedAt sql.NullTime

	err := row.Scan(&ev.ID, &ev.StreamID, &ev.StreamName, &ev.StartTS, &endTS, &durationS,
		&ev.MaxConfidence, &ev.AvgConfidence, &ev.MinConfidence, &ev.FrameCount, &ev.Severity, &ev.Status,
		&clipPath, &clipDuration, &thumbnailPath, &personImagesJSON, &reviewedAt, &reviewedBy, &notes)
	if err != nil {
		return nil, err
	}

	if endTS.Valid {
		ev.EndTS = &endTS.Time
	}
	if durationS.Valid {
		ev.DurationS = &durationS.Float64
	}
	if clipDuration.Valid {
		ev.ClipDuration = &clipDuration.Float64
	}
	ev.ClipPath = clipPath.String
	ev.ThumbnailPath = thumbnailPath.String
	ev.ReviewedBy = reviewedBy.String
	ev.Notes = notes.String
	if reviewedAt.Valid {
		ev.ReviewedAt = &reviewedAt.Time
	}
	if personImagesJSON.Valid && personImagesJSON.String != "" {
		if err := json.Unmarshal([]byte(personImagesJSON.String), &ev.PersonImages); err != nil {
			return nil, fmt.Errorf("store: unmarshal person_images: %w", err)
		}
	}
	return &ev, nil
}

func statsOf(scores []float32) (max, min, avg float32) {
	if len(scores) == 0 {
		return 0, 0, 0
	}
	max, min = scores[0], scores[0]
	var sum float32
	for _, v := range scores {
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
		sum += v
	}
	return max, min, sum / float32(len(scores))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableFloat32(v *float32) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
