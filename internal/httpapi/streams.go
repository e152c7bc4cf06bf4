package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"orbo-violence/internal/mjpeg"
	"orbo-violence/internal/model"
	"orbo-violence/internal/pipeline"
	"orbo-violence/internal/streammgr"
)

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]interface{}{
		"status":        "ok",
		"streams_count": a.manager.Count(),
	})
}

type addStreamRequest struct {
	Name            string   `json:"name"`
	URL             string   `json:"url"`
	StreamType      string   `json:"stream_type,omitempty"`
	Location        string   `json:"location,omitempty"`
	AutoStart       bool     `json:"auto_start,omitempty"`
	CustomThreshold *float32 `json:"custom_threshold,omitempty"`
	TargetFPS       int      `json:"target_fps,omitempty"`
}

func (a *API) handleAddStream(w http.ResponseWriter, r *http.Request) {
	var req addStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.URL == "" {
		respondError(w, http.StatusBadRequest, "name and url are required")
		return
	}

	id, err := a.manager.AddStream(streammgr.AddParams{
		Name:            req.Name,
		URL:             req.URL,
		StreamType:      model.StreamType(req.StreamType),
		Location:        req.Location,
		AutoStart:       req.AutoStart,
		CustomThreshold: req.CustomThreshold,
		TargetFPS:       req.TargetFPS,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondCreated(w, map[string]string{"stream_id": id})
}

func (a *API) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, a.manager.ListStatuses())
}

func (a *API) handleGetStream(w http.ResponseWriter, r *http.Request) {
	st, err := a.manager.GetStatus(mux.Vars(r)["id"])
	if err != nil {
		a.streamError(w, err)
		return
	}
	respondOK(w, st)
}

type updateStreamRequest struct {
	Name            *string  `json:"name,omitempty"`
	URL             *string  `json:"url,omitempty"`
	Location        *string  `json:"location,omitempty"`
	TargetFPS       *int     `json:"target_fps,omitempty"`
	CustomThreshold *float32 `json:"custom_threshold,omitempty"`
	AlertsEnabled   *bool    `json:"alerts_enabled,omitempty"`
}

func (a *API) handleUpdateStream(w http.ResponseWriter, r *http.Request) {
	var req updateStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg, err := a.manager.UpdateStream(mux.Vars(r)["id"], streammgr.UpdateParams{
		Name:            req.Name,
		URL:             req.URL,
		Location:        req.Location,
		TargetFPS:       req.TargetFPS,
		CustomThreshold: req.CustomThreshold,
		AlertsEnabled:   req.AlertsEnabled,
	})
	if err != nil {
		a.streamError(w, err)
		return
	}
	respondOK(w, cfg)
}

func (a *API) handleStartStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.manager.StartStream(id); err != nil {
		a.streamError(w, err)
		return
	}
	respondOK(w, map[string]string{"stream_id": id, "status": "started"})
}

func (a *API) handleStopStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.manager.StopStream(id); err != nil {
		a.streamError(w, err)
		return
	}
	respondOK(w, map[string]string{"stream_id": id, "status": "stopped"})
}

func (a *API) handleRemoveStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.manager.RemoveStream(id); err != nil {
		a.streamError(w, err)
		return
	}
	respondOK(w, map[string]string{"stream_id": id, "status": "removed"})
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	pipe, err := a.runningPipeline(w, r)
	if pipe == nil || err != nil {
		return
	}
	mjpeg.ServeSnapshot(w, r, pipe)
}

func (a *API) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	pipe, err := a.runningPipeline(w, r)
	if pipe == nil || err != nil {
		return
	}
	cfg := pipe.Config()
	mjpeg.ServeStream(w, r, pipe, cfg.Resize.Width, cfg.Resize.Height)
}

func (a *API) handlePrediction(w http.ResponseWriter, r *http.Request) {
	pipe, err := a.runningPipeline(w, r)
	if pipe == nil || err != nil {
		return
	}
	score := pipe.LatestScore()
	if score == nil {
		respondError(w, http.StatusNotFound, "no inference score yet")
		return
	}
	respondOK(w, score)
}

func (a *API) handleModelStatus(w http.ResponseWriter, _ *http.Request) {
	loaded := a.classifier != nil && a.classifier.Healthy()
	respondOK(w, map[string]interface{}{
		"loaded":          loaded,
		"threshold":       a.modelInfo.Threshold,
		"alert_threshold": a.modelInfo.AlertThreshold,
		"cadence_ms":      a.modelInfo.CadenceMs,
		"device":          a.modelInfo.Device,
	})
}

// runningPipeline resolves {id} to a running pipeline, writing the
// appropriate error response itself when it can't.
func (a *API) runningPipeline(w http.ResponseWriter, r *http.Request) (*pipeline.Pipeline, error) {
	p, err := a.manager.Pipeline(mux.Vars(r)["id"])
	if err != nil {
		a.streamError(w, err)
		return nil, err
	}
	if p == nil {
		respondError(w, http.StatusConflict, "stream is not running")
		return nil, nil
	}
	return p, nil
}

func (a *API) streamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, streammgr.ErrStreamNotFound):
		respondError(w, http.StatusNotFound, "stream not found")
	case errors.Is(err, streammgr.ErrAlreadyRunning):
		respondError(w, http.StatusConflict, "stream already running")
	case errors.Is(err, streammgr.ErrNotRunning):
		respondError(w, http.StatusConflict, "stream not running")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
