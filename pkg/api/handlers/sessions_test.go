package handlers

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"sessiondb/pkg/auth"
	"sessiondb/pkg/config"
	"sessiondb/pkg/models"
	"sessiondb/pkg/reconcile"
	"sessiondb/pkg/session"
	"sessiondb/pkg/store"
)

const testSigningKey = "test-backend-key"

// newTestRouter builds the /v1 API surface over an in-memory store, with
// the owner signature middleware installed but without the outer gateway;
// tests set X-Role-Name themselves the way the gateway would.
func newTestRouter(t *testing.T) (http.Handler, *store.Memory) {
	t.Helper()
	config.SetRuntime(&config.RuntimeConfig{
		BackendKeys: map[string]struct{}{testSigningKey: {}},
		SigningKeys: map[string]struct{}{testSigningKey: {}},
	})
	mem := store.NewMemory()
	svc := session.New(mem)
	rec := reconcile.New(mem, 4)

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(auth.RequireSignedOwner)
	RegisterSessions(v1, svc)
	RegisterAdmin(v1, rec, mem)
	RegisterSigning(v1)
	return r, mem
}

// backendReq performs a request as a backend caller supplying the owner
// by header, which the resolver permits for backend and admin roles.
func backendReq(t *testing.T, h http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("X-Role-Name", "backend")
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func signOwner(key, owner string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(owner))
	return hex.EncodeToString(mac.Sum(nil))
}

func deltaBody(key string, val any) map[string]any {
	return map[string]any{
		"author": "model",
		"actions": map[string]any{
			"state_delta": map[string]any{key: val},
		},
	}
}

func TestCreateAndGetSession(t *testing.T) {
	h, _ := newTestRouter(t)

	w := backendReq(t, h, http.MethodPost, "/v1/sessions", "alice", map[string]any{
		"id":       "s1",
		"app_name": "quiz",
		"state":    map[string]any{"score": float64(0)},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d body %s", w.Code, w.Body.String())
	}

	w = backendReq(t, h, http.MethodGet, "/v1/sessions/s1", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: got %d body %s", w.Code, w.Body.String())
	}
	var sess models.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.ID != "s1" || sess.OwnerID != "alice" || sess.AppName != "quiz" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.State["score"] != float64(0) {
		t.Fatalf("initial state not kept: %v", sess.State)
	}
}

func TestCreateDuplicateConflicts(t *testing.T) {
	h, _ := newTestRouter(t)
	body := map[string]any{"id": "dup"}
	if w := backendReq(t, h, http.MethodPost, "/v1/sessions", "alice", body); w.Code != http.StatusCreated {
		t.Fatalf("first create: got %d", w.Code)
	}
	if w := backendReq(t, h, http.MethodPost, "/v1/sessions", "alice", body); w.Code != http.StatusConflict {
		t.Fatalf("second create: got %d, want 409", w.Code)
	}
}

func TestAppendEventProjectsState(t *testing.T) {
	h, _ := newTestRouter(t)
	backendReq(t, h, http.MethodPost, "/v1/sessions", "alice", map[string]any{"id": "s1"})

	w := backendReq(t, h, http.MethodPost, "/v1/sessions/s1/events", "alice", deltaBody("answer", float64(42)))
	if w.Code != http.StatusCreated {
		t.Fatalf("append: got %d body %s", w.Code, w.Body.String())
	}
	var ev models.Event
	if err := json.Unmarshal(w.Body.Bytes(), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.ID == "" || ev.Timestamp == 0 {
		t.Fatalf("server should assign id and timestamp: %+v", ev)
	}

	w = backendReq(t, h, http.MethodGet, "/v1/sessions/s1", "alice", nil)
	var sess models.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.State["answer"] != float64(42) {
		t.Fatalf("delta not projected: %v", sess.State)
	}
	if len(sess.Events) != 1 {
		t.Fatalf("expected 1 event in history, got %d", len(sess.Events))
	}
}

func TestAppendUnknownSession(t *testing.T) {
	h, _ := newTestRouter(t)
	w := backendReq(t, h, http.MethodPost, "/v1/sessions/nope/events", "alice", deltaBody("k", "v"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", w.Code)
	}
}

func TestDeleteLifecycle(t *testing.T) {
	h, _ := newTestRouter(t)
	backendReq(t, h, http.MethodPost, "/v1/sessions", "alice", map[string]any{"id": "s1"})
	backendReq(t, h, http.MethodPost, "/v1/sessions/s1/events", "alice", deltaBody("k", "v"))

	if w := backendReq(t, h, http.MethodDelete, "/v1/sessions/s1", "alice", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d", w.Code)
	}
	// delete is idempotent
	if w := backendReq(t, h, http.MethodDelete, "/v1/sessions/s1", "alice", nil); w.Code != http.StatusNoContent {
		t.Fatalf("repeat delete: got %d", w.Code)
	}

	// the session stays readable with its history
	w := backendReq(t, h, http.MethodGet, "/v1/sessions/s1", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get deleted: got %d", w.Code)
	}
	var sess models.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.Status != models.StatusDeleted {
		t.Fatalf("status = %q, want deleted", sess.Status)
	}
	if len(sess.Events) != 1 {
		t.Fatalf("event log should survive deletion, got %d events", len(sess.Events))
	}

	// appends are refused with 410
	if w := backendReq(t, h, http.MethodPost, "/v1/sessions/s1/events", "alice", deltaBody("k", "v2")); w.Code != http.StatusGone {
		t.Fatalf("append after delete: got %d, want 410", w.Code)
	}

	// deleted sessions drop out of the listing
	w = backendReq(t, h, http.MethodGet, "/v1/sessions", "alice", nil)
	var listed struct {
		Sessions []models.Session `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Sessions) != 0 {
		t.Fatalf("deleted session still listed: %+v", listed.Sessions)
	}
}

func TestOwnerIsolation(t *testing.T) {
	h, _ := newTestRouter(t)
	backendReq(t, h, http.MethodPost, "/v1/sessions", "alice", map[string]any{"id": "a1"})
	backendReq(t, h, http.MethodPost, "/v1/sessions", "bob", map[string]any{"id": "b1"})

	// cross-owner reads look like a missing session
	if w := backendReq(t, h, http.MethodGet, "/v1/sessions/a1", "bob", nil); w.Code != http.StatusNotFound {
		t.Fatalf("cross-owner get: got %d, want 404", w.Code)
	}

	w := backendReq(t, h, http.MethodGet, "/v1/sessions", "alice", nil)
	var listed struct {
		Sessions []models.Session `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Sessions) != 1 || listed.Sessions[0].ID != "a1" {
		t.Fatalf("unexpected listing: %+v", listed.Sessions)
	}
}

func TestInvalidJSONRejected(t *testing.T) {
	h, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader("{not json"))
	req.Header.Set("X-Role-Name", "backend")
	req.Header.Set("X-Owner-ID", "alice")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", w.Code)
	}
}

func TestSignedOwnerFlow(t *testing.T) {
	h, _ := newTestRouter(t)
	backendReq(t, h, http.MethodPost, "/v1/sessions", "alice", map[string]any{"id": "s1"})

	// a frontend caller with a valid signature reads its own sessions
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1", nil)
	req.Header.Set("X-Role-Name", "frontend")
	req.Header.Set("X-Owner-ID", "alice")
	req.Header.Set("X-Owner-Signature", signOwner(testSigningKey, "alice"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("signed get: got %d body %s", w.Code, w.Body.String())
	}

	// a bad signature is refused before any handler runs
	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/s1", nil)
	req.Header.Set("X-Role-Name", "frontend")
	req.Header.Set("X-Owner-ID", "alice")
	req.Header.Set("X-Owner-Signature", "deadbeef")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: got %d, want 401", w.Code)
	}

	// no signature at all is refused for frontend callers
	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/s1", nil)
	req.Header.Set("X-Role-Name", "frontend")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned frontend: got %d, want 401", w.Code)
	}
}

func TestSignEndpoint(t *testing.T) {
	h, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/_sign", strings.NewReader(`{"ownerId":"alice"}`))
	req.Header.Set("X-Role-Name", "backend")
	req.Header.Set("Authorization", "Bearer "+testSigningKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("sign: got %d body %s", w.Code, w.Body.String())
	}
	var out map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["signature"] != signOwner(testSigningKey, "alice") {
		t.Fatalf("signature mismatch: %q", out["signature"])
	}

	// non-backend roles cannot mint signatures
	req = httptest.NewRequest(http.MethodPost, "/v1/_sign", strings.NewReader(`{"ownerId":"alice"}`))
	req.Header.Set("X-Role-Name", "frontend")
	req.Header.Set("X-Owner-ID", "alice")
	req.Header.Set("X-Owner-Signature", signOwner(testSigningKey, "alice"))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("frontend sign: got %d, want 403", w.Code)
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	h, _ := newTestRouter(t)

	w := backendReq(t, h, http.MethodPost, "/v1/admin/reconcile", "alice", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("backend role on admin route: got %d, want 403", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/reconcile", nil)
	req.Header.Set("X-Role-Name", "admin")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin sweep: got %d body %s", rec.Code, rec.Body.String())
	}
	var out map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["repaired"] != 0 {
		t.Fatalf("fresh store should need no repairs, got %d", out["repaired"])
	}
}

func TestStreamEmitsFramesAndComplete(t *testing.T) {
	h, _ := newTestRouter(t)
	backendReq(t, h, http.MethodPost, "/v1/sessions", "alice", map[string]any{"id": "s1"})
	backendReq(t, h, http.MethodPost, "/v1/sessions/s1/events", "alice", deltaBody("a", float64(1)))
	backendReq(t, h, http.MethodPost, "/v1/sessions/s1/events", "alice", deltaBody("b", float64(2)))

	w := backendReq(t, h, http.MethodGet, "/v1/sessions/s1/stream", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stream: got %d body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}

	var types []string
	sc := bufio.NewScanner(bytes.NewReader(w.Body.Bytes()))
	for sc.Scan() {
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(sc.Bytes(), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", sc.Text(), err)
		}
		types = append(types, frame.Type)
	}
	want := []string{"event", "event", "complete"}
	if len(types) != len(want) {
		t.Fatalf("frames = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frame %d = %q, want %q", i, types[i], want[i])
		}
	}
}
