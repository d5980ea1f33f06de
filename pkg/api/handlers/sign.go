package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"sessiondb/pkg/logger"
	"sessiondb/pkg/utils"
)

// RegisterSigning registers the signing endpoint onto the provided router.
// The endpoint is protected by the security middleware (backend API keys)
// and uses the caller's API key value as the signing secret.
func RegisterSigning(r *mux.Router) {
	r.HandleFunc("/_sign", signHandler).Methods(http.MethodPost)
}

// signHandler handles POST /_sign. It generates an HMAC-SHA256 signature
// for a given ownerId using the caller's backend API key as the secret,
// which frontend clients then present as X-Owner-Signature.
func signHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	role := r.Header.Get("X-Role-Name")
	if role != "backend" {
		logger.Warn("forbidden: non-backend role attempted to sign", "role", role, "remote", r.RemoteAddr)
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}

	// determine the API key used by reading Authorization or X-API-Key header
	auth := r.Header.Get("Authorization")
	var key string
	if len(auth) > 7 && (auth[:7] == "Bearer " || auth[:7] == "bearer ") {
		key = auth[7:]
	}
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key == "" {
		logger.Warn("missing api key in signHandler", "remote", r.RemoteAddr)
		utils.JSONError(w, http.StatusUnauthorized, "missing api key")
		return
	}

	var payload struct {
		OwnerID string `json:"ownerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.OwnerID == "" {
		logger.Warn("invalid payload in signHandler", "error", err, "remote", r.RemoteAddr)
		utils.JSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	logger.Info("signing owner id", "remote", r.RemoteAddr, "role", role)

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(payload.OwnerID))
	sig := hex.EncodeToString(mac.Sum(nil))
	if err := json.NewEncoder(w).Encode(map[string]string{"ownerId": payload.OwnerID, "signature": sig}); err != nil {
		logger.Error("failed to encode signHandler response", "error", err, "remote", r.RemoteAddr)
	}
}
