package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"orbo-violence/internal/model"
	"orbo-violence/internal/store"
)

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		offset = v
	}

	events, total, err := a.store.ListEvents(store.EventFilter{
		Status:   model.EventStatus(q.Get("status")),
		StreamID: q.Get("stream_id"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	respondPaged(w, events, pagination{Total: total, Limit: limit, Offset: offset})
}

func (a *API) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := a.store.GetEvent(mux.Vars(r)["id"])
	if err != nil {
		a.eventError(w, err)
		return
	}
	respondOK(w, ev)
}

type reviewRequest struct {
	ReviewedBy string `json:"reviewed_by,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// eventStatusHandler returns a handler applying one review-workflow
// transition. Repeating a transition on an already-terminal event is a
// no-op returning the unchanged record.
func (a *API) eventStatusHandler(status model.EventStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reviewRequest
		if r.Body != nil {
			// body is optional for review transitions
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		ev, err := a.store.UpdateEventStatus(mux.Vars(r)["id"], status, req.ReviewedBy, req.Notes)
		if err != nil {
			a.eventError(w, err)
			return
		}
		respondOK(w, ev)
	}
}

func (a *API) handleEventStatistics(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v, err := strconv.Atoi(r.URL.Query().Get("days")); err == nil && v > 0 {
		days = v
	}
	stats, err := a.store.EventStatistics(days)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, stats)
}

func (a *API) handleClip(w http.ResponseWriter, r *http.Request) {
	a.serveMedia(w, r, "video/mp4")
}

func (a *API) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	a.serveMedia(w, r, "image/jpeg")
}

// serveMedia serves a file from clipsDir by bare filename.
// http.ServeContent supplies the Range handling (206 + Content-Range on
// partial requests, 200 otherwise).
func (a *API) serveMedia(w http.ResponseWriter, r *http.Request, contentType string) {
	name := mux.Vars(r)["filename"]
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		respondError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	path := filepath.Join(a.clipsDir, name)
	f, err := os.Open(path)
	if err != nil {
		respondError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		respondError(w, http.StatusNotFound, "file not found")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (a *API) eventError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrEventNotFound) {
		respondError(w, http.StatusNotFound, "event not found")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
