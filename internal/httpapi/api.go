// Package httpapi exposes the service's control plane: stream
// lifecycle, live preview, event review, clip/thumbnail retrieval, and
// the /ws entry point, all behind a gorilla/mux router. Every JSON
// response uses the {success, data?, error?, pagination?} envelope.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"orbo-violence/internal/broadcast"
	"orbo-violence/internal/classifier"
	"orbo-violence/internal/store"
	"orbo-violence/internal/streammgr"
)

// ModelInfo is the static detail /model/status reports.
type ModelInfo struct {
	Threshold      float32 `json:"threshold"`
	AlertThreshold float32 `json:"alert_threshold"`
	CadenceMs      int64   `json:"cadence_ms"`
	Device         string  `json:"device"`
}

// API holds the handlers' collaborators.
type API struct {
	manager    *streammgr.Manager
	store      *store.Store
	hub        *broadcast.Hub
	classifier classifier.Client
	modelInfo  ModelInfo
	clipsDir   string
	log        zerolog.Logger
}

// New builds the API; clipsDir is where the Clip Recorder writes.
func New(manager *streammgr.Manager, st *store.Store, hub *broadcast.Hub, cls classifier.Client, modelInfo ModelInfo, clipsDir string, log zerolog.Logger) *API {
	return &API{
		manager:    manager,
		store:      st,
		hub:        hub,
		classifier: cls,
		modelInfo:  modelInfo,
		clipsDir:   clipsDir,
		log:        log.With().Str("component", "httpapi").Logger(),
	}
}

// Router builds the full /api/v1 route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)

	v1.HandleFunc("/streams", a.handleAddStream).Methods(http.MethodPost)
	v1.HandleFunc("/streams", a.handleListStreams).Methods(http.MethodGet)
	v1.HandleFunc("/streams/{id}", a.handleGetStream).Methods(http.MethodGet)
	v1.HandleFunc("/streams/{id}", a.handleUpdateStream).Methods(http.MethodPatch)
	v1.HandleFunc("/streams/{id}", a.handleRemoveStream).Methods(http.MethodDelete)
	v1.HandleFunc("/streams/{id}/start", a.handleStartStream).Methods(http.MethodPost)
	v1.HandleFunc("/streams/{id}/stop", a.handleStopStream).Methods(http.MethodPost)
	v1.HandleFunc("/streams/{id}/snapshot", a.handleSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/streams/{id}/mjpeg", a.handleMJPEG).Methods(http.MethodGet)
	v1.HandleFunc("/streams/{id}/prediction", a.handlePrediction).Methods(http.MethodGet)

	// statistics before {id} so the literal path wins the match
	v1.HandleFunc("/events/statistics", a.handleEventStatistics).Methods(http.MethodGet)
	v1.HandleFunc("/events", a.handleListEvents).Methods(http.MethodGet)
	v1.HandleFunc("/events/{id}", a.handleGetEvent).Methods(http.MethodGet)
	v1.HandleFunc("/events/{id}/confirm", a.eventStatusHandler("CONFIRMED")).Methods(http.MethodPost)
	v1.HandleFunc("/events/{id}/dismiss", a.eventStatusHandler("DISMISSED")).Methods(http.MethodPost)
	v1.HandleFunc("/events/{id}/action-executed", a.eventStatusHandler("ACTION_EXECUTED")).Methods(http.MethodPost)
	v1.HandleFunc("/events/{id}/no-action-required", a.eventStatusHandler("NO_ACTION_REQUIRED")).Methods(http.MethodPost)

	v1.HandleFunc("/clips/{filename}", a.handleClip).Methods(http.MethodGet)
	v1.HandleFunc("/thumbnails/{filename}", a.handleThumbnail).Methods(http.MethodGet)
	v1.HandleFunc("/model/status", a.handleModelStatus).Methods(http.MethodGet)

	if a.hub != nil {
		r.Handle("/ws", a.hub)
	}
	return r
}

// pagination accompanies paged list responses.
type pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type envelope struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func respondOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func respondCreated(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: data})
}

func respondPaged(w http.ResponseWriter, data interface{}, p pagination) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Pagination: &p})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}
