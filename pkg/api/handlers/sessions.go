package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"sessiondb/pkg/auth"
	"sessiondb/pkg/logger"
	"sessiondb/pkg/models"
	"sessiondb/pkg/session"
	"sessiondb/pkg/store"
	"sessiondb/pkg/utils"

	"github.com/gorilla/mux"
)

// maxBodyBytes caps request body size; main overrides it from config.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes sets the request body cap applied to mutating routes.
func SetMaxBodyBytes(n int64) {
	if n > 0 {
		maxBodyBytes = n
	}
}

// RegisterSessions registers all session HTTP routes onto the provided router.
func RegisterSessions(r *mux.Router, svc *session.Service) {
	h := &sessionHandlers{svc: svc}

	r.HandleFunc("/sessions", h.create).Methods(http.MethodPost)
	r.HandleFunc("/sessions", h.list).Methods(http.MethodGet)

	r.HandleFunc("/sessions/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", h.delete).Methods(http.MethodDelete)

	r.HandleFunc("/sessions/{id}/events", h.appendEvent).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/events", h.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/stream", h.stream).Methods(http.MethodGet)
}

type sessionHandlers struct {
	svc *session.Service
}

// writeServiceError maps service errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrDuplicateSession):
		utils.JSONError(w, http.StatusConflict, "session already exists")
	case errors.Is(err, store.ErrSessionDeleted):
		utils.JSONError(w, http.StatusGone, "session deleted")
	case errors.Is(err, store.ErrUnknownSession), errors.Is(err, store.ErrSessionNotFound):
		utils.JSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrConcurrentUpdate):
		utils.JSONError(w, http.StatusConflict, "concurrent update, retry")
	case errors.Is(err, session.ErrInvalidEvent):
		utils.JSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		utils.JSONError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		logger.Error("handler_internal_error", "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// resolveOwner resolves the caller's owner id or writes the error response.
func resolveOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, code, msg := auth.ResolveOwnerFromRequest(r)
	if code != 0 {
		utils.JSONError(w, code, msg)
		return "", false
	}
	return owner, true
}

// create handles POST /sessions. The body may carry an explicit id, an
// app_name and an initial state object; all are optional.
func (h *sessionHandlers) create(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}

	var body struct {
		ID      string         `json:"id"`
		AppName string         `json:"app_name"`
		State   map[string]any `json:"state"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	sess, err := h.svc.Create(r.Context(), owner, body.AppName, body.ID, body.State)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, sess)
}

// list handles GET /sessions, returning the owner's active sessions.
func (h *sessionHandlers) list(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	out, err := h.svc.List(r.Context(), owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Sessions []models.Session `json:"sessions"`
	}{Sessions: out})
}

// get handles GET /sessions/{id}. The optional "events" query parameter
// limits the history to the most recent n events.
func (h *sessionHandlers) get(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	limit := 0
	if s := r.URL.Query().Get("events"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			utils.JSONError(w, http.StatusBadRequest, "invalid events parameter")
			return
		}
		limit = n
	}

	sess, err := h.svc.Get(r.Context(), owner, id, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sess == nil {
		utils.JSONError(w, http.StatusNotFound, "session not found")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, sess)
}

// delete handles DELETE /sessions/{id}. Deletion is a soft status flip
// and is idempotent; the event log is untouched.
func (h *sessionHandlers) delete(w http.ResponseWriter, r *http.Request) {
	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.svc.Delete(r.Context(), owner, id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// appendEvent handles POST /sessions/{id}/events. The body is the event;
// id, timestamp and owner are assigned server side.
func (h *sessionHandlers) appendEvent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	var ev models.Event
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	stored, err := h.svc.AppendEvent(r.Context(), owner, id, ev)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, stored)
}

// listEvents handles GET /sessions/{id}/events with an optional "limit"
// query parameter keeping the most recent n events.
func (h *sessionHandlers) listEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			limit = n
		}
	}

	sess, err := h.svc.Get(r.Context(), owner, id, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sess == nil {
		utils.JSONError(w, http.StatusNotFound, "session not found")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		SessionID string         `json:"session_id"`
		Events    []models.Event `json:"events"`
	}{SessionID: id, Events: sess.Events})
}

// streamLine is one NDJSON frame of the event stream.
type streamLine struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// stream handles GET /sessions/{id}/stream. The history is written as
// newline-delimited JSON, one {"type":"event"} frame per event, closed by
// a {"type":"complete"} frame. Failures mid-stream emit a {"type":"error"}
// frame instead of breaking the connection silently.
func (h *sessionHandlers) stream(w http.ResponseWriter, r *http.Request) {
	owner, ok := resolveOwner(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	sess, err := h.svc.Get(r.Context(), owner, id, 0)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sess == nil {
		utils.JSONError(w, http.StatusNotFound, "session not found")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for _, ev := range sess.Events {
		if err := r.Context().Err(); err != nil {
			return
		}
		if err := enc.Encode(streamLine{Type: "event", Data: ev}); err != nil {
			logger.Warn("stream_write_failed", "session", id, "error", err)
			_ = enc.Encode(streamLine{Type: "error", Data: map[string]string{"message": "stream write failed"}})
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	_ = enc.Encode(streamLine{Type: "complete"})
	if flusher != nil {
		flusher.Flush()
	}
}
