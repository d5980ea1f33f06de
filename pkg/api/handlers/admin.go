package handlers

import (
	"net/http"

	"sessiondb/pkg/logger"
	"sessiondb/pkg/reconcile"
	"sessiondb/pkg/utils"

	"github.com/gorilla/mux"
)

// AdminStore is the storage view the admin surface needs.
type AdminStore interface {
	Path() string
}

// RegisterAdmin registers admin-only routes. Callers must hold an admin
// API key; the role was resolved by the gateway middleware.
func RegisterAdmin(r *mux.Router, rec *reconcile.Reconciler, st AdminStore) {
	h := &adminHandlers{rec: rec, store: st}
	r.HandleFunc("/admin/reconcile", h.reconcileAll).Methods(http.MethodPost)
	r.HandleFunc("/admin/reconcile/{id}", h.reconcileOne).Methods(http.MethodPost)
	r.HandleFunc("/admin/info", h.info).Methods(http.MethodGet)
}

type adminHandlers struct {
	rec   *reconcile.Reconciler
	store AdminStore
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("X-Role-Name") != "admin" {
		utils.JSONError(w, http.StatusForbidden, "admin key required")
		return false
	}
	return true
}

// reconcileAll handles POST /admin/reconcile: a synchronous full sweep.
func (h *adminHandlers) reconcileAll(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	repaired, err := h.rec.ReconcileAll(r.Context())
	if err != nil {
		logger.Error("admin_reconcile_failed", "error", err)
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"repaired": repaired})
}

// reconcileOne handles POST /admin/reconcile/{id}: enqueue a single
// session for the background worker. 429 when the queue is saturated.
func (h *adminHandlers) reconcileOne(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.rec.Request(id); err != nil {
		utils.JSONError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusAccepted, map[string]string{"status": "queued", "session": id})
}

// info handles GET /admin/info with basic operational facts.
func (h *adminHandlers) info(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"db_path": h.store.Path()})
}
