package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"sessiondb/pkg/config"
	"sessiondb/pkg/logger"
	"sessiondb/pkg/utils"
)

type ctxOwnerKey struct{}

// RequireSignedOwner verifies HMAC signature headers and injects the
// verified owner id into the request context.
func RequireSignedOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Caller role was resolved earlier by the gateway middleware
		role := r.Header.Get("X-Role-Name")
		ownerID := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
		sig := strings.TrimSpace(r.Header.Get("X-Owner-Signature"))

		// Backend/admin callers may omit the signature entirely; handlers
		// then accept an owner from header or body. A present signature is
		// still verified.
		if role == "backend" || role == "admin" {
			if sig == "" {
				next.ServeHTTP(w, r)
				return
			}
		}

		if sig == "" || ownerID == "" {
			logger.Warn("missing_signature_headers", "path", r.URL.Path, "remote", r.RemoteAddr)
			utils.JSONError(w, http.StatusUnauthorized, "missing signature headers")
			return
		}

		keys := config.GetSigningKeys()
		if len(keys) == 0 {
			logger.Error("no_signing_keys_configured")
			utils.JSONError(w, http.StatusInternalServerError, "server misconfigured: no signing secrets available")
			return
		}

		// Try all configured signing keys so rotation does not break clients.
		ok := false
		for k := range keys {
			mac := hmac.New(sha256.New, []byte(k))
			mac.Write([]byte(ownerID))
			expected := hex.EncodeToString(mac.Sum(nil))
			if hmac.Equal([]byte(expected), []byte(sig)) {
				ok = true
				break
			}
		}
		if !ok {
			logger.Warn("invalid_signature", "owner", ownerID)
			utils.JSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		logger.Info("signature_verified", "owner", ownerID)
		ctx := context.WithValue(r.Context(), ctxOwnerKey{}, ownerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OwnerIDFromContext returns the verified owner id or empty string.
func OwnerIDFromContext(ctx context.Context) string {
	if v := ctx.Value(ctxOwnerKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func validateOwner(a string) (bool, string) {
	if a == "" {
		return false, "owner required"
	}
	if len(a) > 128 {
		return false, "owner too long"
	}
	return true, ""
}

// ResolveOwnerFromRequest is the canonical owner resolver handlers call.
// A signature-verified owner (in context) is authoritative; conflicting
// owners from header or query are rejected. Without a signature,
// backend/admin roles may supply an owner via the X-Owner-ID header or
// the owner_id query param. Frontend callers require a signature.
func ResolveOwnerFromRequest(r *http.Request) (string, int, string) {
	if id := OwnerIDFromContext(r.Context()); id != "" {
		if h := strings.TrimSpace(r.Header.Get("X-Owner-ID")); h != "" && h != id {
			logger.Warn("owner_mismatch_signature_header", "signature", id, "header", h, "path", r.URL.Path)
			return "", http.StatusForbidden, "owner mismatch between signature and header"
		}
		if q := strings.TrimSpace(r.URL.Query().Get("owner_id")); q != "" && q != id {
			logger.Warn("owner_mismatch_signature_query", "signature", id, "query", q, "path", r.URL.Path)
			return "", http.StatusForbidden, "owner mismatch between signature and query param"
		}
		return id, 0, ""
	}

	role := r.Header.Get("X-Role-Name")
	if role == "backend" || role == "admin" {
		if h := strings.TrimSpace(r.Header.Get("X-Owner-ID")); h != "" {
			if ok, msg := validateOwner(h); !ok {
				return "", http.StatusBadRequest, msg
			}
			return h, 0, ""
		}
		if q := strings.TrimSpace(r.URL.Query().Get("owner_id")); q != "" {
			if ok, msg := validateOwner(q); !ok {
				return "", http.StatusBadRequest, msg
			}
			return q, 0, ""
		}
		logger.Warn("backend_missing_owner", "remote", r.RemoteAddr, "path", r.URL.Path)
		return "", http.StatusBadRequest, "owner required for backend requests"
	}

	logger.Warn("missing_owner_signature", "role", role, "path", r.URL.Path)
	return "", http.StatusUnauthorized, "missing or invalid owner signature"
}
