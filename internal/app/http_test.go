package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"talkbase/api/internal/authpw"
	"talkbase/api/internal/store"
)

func newTestServer(t *testing.T, fs *fakeStore) (*Service, http.Handler) {
	t.Helper()
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	return svc, server.Handler()
}

func bearerFor(t *testing.T, svc *Service, user store.User) string {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), user)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return "Bearer " + session.Token
}

func doJSON(t *testing.T, handler http.Handler, method, path, authorization string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	_, handler := newTestServer(t, newFakeStore())

	recorder := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["ok"] != true {
		t.Fatalf("unexpected health payload: %+v", payload)
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	fs := newFakeStore()
	fs.pingErr = context.DeadlineExceeded
	_, handler := newTestServer(t, fs)

	recorder := doJSON(t, handler, http.MethodGet, "/api/ready", "", nil)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["status"] != "not_ready" {
		t.Fatalf("unexpected ready payload: %+v", payload)
	}
}

func TestRequestIDHeaderIsEchoed(t *testing.T) {
	_, handler := newTestServer(t, newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if got := recorder.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("expected the request id to be echoed, got %q", got)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	_, handler := newTestServer(t, newFakeStore())

	for _, path := range []string{"/api/summary", "/api/leads", "/api/users", "/api/connections"} {
		recorder := doJSON(t, handler, http.MethodGet, path, "", nil)
		if recorder.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without a token = %d, want 401", path, recorder.Code)
		}
	}

	recorder := doJSON(t, handler, http.MethodGet, "/api/leads", "Bearer not-a-token", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected a garbage token to yield 401, got %d", recorder.Code)
	}
}

func TestSessionIntrospection(t *testing.T) {
	fs := newFakeStore()
	svc, handler := newTestServer(t, fs)
	user := seedUser(fs, "ws1", "u1", "admin")

	recorder := doJSON(t, handler, http.MethodGet, "/api/session", "", nil)
	if payload := decodeResponse(t, recorder); payload["authenticated"] != false {
		t.Fatalf("expected unauthenticated, got %+v", payload)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/api/session", bearerFor(t, svc, user), nil)
	payload := decodeResponse(t, recorder)
	if payload["authenticated"] != true || payload["workspaceId"] != "ws1" {
		t.Fatalf("unexpected introspection payload: %+v", payload)
	}
}

func TestRegisterRejectsWeakInput(t *testing.T) {
	fs := newFakeStore()
	svc, handler := newTestServer(t, fs)
	svc.auth = authpw.NewService(newFakeAuthStore(), 0)

	recorder := doJSON(t, handler, http.MethodPost, "/api/auth/register", "", map[string]string{
		"workspaceName": "Acme",
		"subdomain":     "acme",
		"name":          "Ana",
		"email":         "ana@acme.test",
		"password":      "short",
	})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a short password, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %+v", payload)
	}

	recorder = doJSON(t, handler, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": "ana@acme.test",
	})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for missing fields, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if payload := decodeResponse(t, recorder); payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %+v", payload)
	}
}

func TestSessionRefreshEndpoint(t *testing.T) {
	fs := newFakeStore()
	svc, handler := newTestServer(t, fs)
	user := seedUser(fs, "ws1", "u1", "user")
	session, err := svc.CreateSession(context.Background(), user)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	recorder := doJSON(t, handler, http.MethodPost, "/api/session/refresh", "",
		map[string]string{"refreshToken": session.RefreshToken})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["accessToken"] == "" || payload["refreshToken"] == session.RefreshToken {
		t.Fatalf("expected rotated tokens, got %+v", payload)
	}

	recorder = doJSON(t, handler, http.MethodPost, "/api/session/refresh", "",
		map[string]string{"refreshToken": session.RefreshToken})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected reuse to yield 401, got %d", recorder.Code)
	}
}

func TestLeadRoutesEnforcePermissions(t *testing.T) {
	fs := newFakeStore()
	svc, handler := newTestServer(t, fs)
	member := seedUser(fs, "ws1", "member1", "user")
	memberToken := bearerFor(t, svc, member)

	// Role defaults let a member view and create leads but not delete.
	recorder := doJSON(t, handler, http.MethodPost, "/api/leads", memberToken,
		map[string]any{"name": "Ana", "phone": "5511999"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	leadID := decodeResponse(t, recorder)["id"].(string)

	recorder = doJSON(t, handler, http.MethodDelete, "/api/leads/"+leadID, memberToken, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for leads.delete, got %d", recorder.Code)
	}

	admin := seedUser(fs, "ws1", "admin1", "admin")
	recorder = doJSON(t, handler, http.MethodDelete, "/api/leads/"+leadID, bearerFor(t, svc, admin), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected the admin delete to pass, got %d", recorder.Code)
	}
}

func TestCrossWorkspaceReadsAreNotFound(t *testing.T) {
	fs := newFakeStore()
	svc, handler := newTestServer(t, fs)
	fs.leads[scopeKey("ws2", "lead1")] = store.Lead{ID: "lead1", WorkspaceID: "ws2", Name: "Foreign"}
	fs.conversations[scopeKey("ws2", "conv1")] = store.Conversation{ID: "conv1", WorkspaceID: "ws2", LeadID: "lead1", Status: "open"}
	admin := seedUser(fs, "ws1", "admin1", "admin")
	token := bearerFor(t, svc, admin)

	for _, path := range []string{"/api/leads/lead1", "/api/conversations/conv1"} {
		recorder := doJSON(t, handler, http.MethodGet, path, token, nil)
		if recorder.Code != http.StatusNotFound {
			t.Errorf("GET %s across workspaces = %d, want 404", path, recorder.Code)
		}
		if payload := decodeResponse(t, recorder); payload["code"] != "NOT_FOUND" {
			t.Errorf("GET %s error code = %v, want NOT_FOUND", path, payload["code"])
		}
	}
}

func TestLeadStageRouteValidates(t *testing.T) {
	fs := newFakeStore()
	svc, handler := newTestServer(t, fs)
	fs.leads[scopeKey("ws1", "lead1")] = store.Lead{ID: "lead1", WorkspaceID: "ws1", Name: "Ana", Stage: "new"}
	admin := seedUser(fs, "ws1", "admin1", "admin")
	token := bearerFor(t, svc, admin)

	recorder := doJSON(t, handler, http.MethodPut, "/api/leads/lead1/stage", token,
		map[string]string{"stage": "escalated"})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodPut, "/api/leads/lead1/stage", token,
		map[string]string{"stage": "won"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if payload := decodeResponse(t, recorder); payload["stage"] != "won" {
		t.Fatalf("unexpected stage: %v", payload["stage"])
	}
}

func TestTagConflictSurfacesAs409(t *testing.T) {
	fs := newFakeStore()
	svc, handler := newTestServer(t, fs)
	admin := seedUser(fs, "ws1", "admin1", "admin")
	token := bearerFor(t, svc, admin)

	recorder := doJSON(t, handler, http.MethodPost, "/api/tags", token,
		map[string]string{"name": "VIP", "color": "#f00"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodPost, "/api/tags", token,
		map[string]string{"name": "VIP", "color": "#0f0"})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["code"] != "TAG_EXISTS" {
		t.Fatalf("unexpected error code: %v", payload["code"])
	}
}

func TestSearchRouteValidatesParams(t *testing.T) {
	fs := newFakeStore()
	svc, handler := newTestServer(t, fs)
	admin := seedUser(fs, "ws1", "admin1", "admin")
	token := bearerFor(t, svc, admin)

	recorder := doJSON(t, handler, http.MethodGet, "/api/search?q=ana&limit=abc", token, nil)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a bad limit, got %d", recorder.Code)
	}

	// Without a configured index the route reports unavailable.
	recorder = doJSON(t, handler, http.MethodGet, "/api/search?q=ana", token, nil)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}

func TestUsersRouteRequiresManagePermission(t *testing.T) {
	fs := newFakeStore()
	svc, handler := newTestServer(t, fs)
	member := seedUser(fs, "ws1", "member1", "user")
	seedUser(fs, "ws1", "member2", "user")

	recorder := doJSON(t, handler, http.MethodPut, "/api/users/member2/role",
		bearerFor(t, svc, member), map[string]string{"role": "admin"})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}

	owner := seedUser(fs, "ws1", "owner1", "owner")
	recorder = doJSON(t, handler, http.MethodPut, "/api/users/member2/role",
		bearerFor(t, svc, owner), map[string]string{"role": "admin"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if payload := decodeResponse(t, recorder); payload["role"] != "admin" {
		t.Fatalf("expected the new role in the response, got %v", payload["role"])
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	fs := newFakeStore()
	svc, handler := newTestServer(t, fs)
	admin := seedUser(fs, "ws1", "admin1", "admin")

	recorder := doJSON(t, handler, http.MethodGet, "/api/nonsense", bearerFor(t, svc, admin), nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestLogoutRevokesViaHTTP(t *testing.T) {
	fs := newFakeStore()
	svc, handler := newTestServer(t, fs)
	user := seedUser(fs, "ws1", "u1", "user")
	session, err := svc.CreateSession(context.Background(), user)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	recorder := doJSON(t, handler, http.MethodPost, "/api/session/logout", "Bearer "+session.Token,
		map[string]string{"refreshToken": session.RefreshToken})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/api/summary", "Bearer "+session.Token, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected the revoked token to yield 401, got %d", recorder.Code)
	}
}

func TestOptionsShortCircuits(t *testing.T) {
	_, handler := newTestServer(t, newFakeStore())

	recorder := doJSON(t, handler, http.MethodOptions, "/api/leads", "", nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected CORS headers, got origin %q", origin)
	}
}

func TestBearerTokenParsing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	if got := bearerToken(req); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
	req.Header.Set("Authorization", "Bearer  abc ")
	if got := bearerToken(req); got != "abc" {
		t.Fatalf("expected trimmed token, got %q", got)
	}
	req.Header.Set("Authorization", "Basic abc")
	if got := bearerToken(req); got != "" {
		t.Fatalf("expected non-bearer schemes to be ignored, got %q", got)
	}
}

func TestSplitPath(t *testing.T) {
	if parts := splitPath("/api/leads/lead1/tags"); len(parts) != 4 || parts[3] != "tags" {
		t.Fatalf("unexpected parts: %v", parts)
	}
	if parts := splitPath("/"); parts != nil {
		t.Fatalf("expected nil for the root path, got %v", parts)
	}
	if parts := splitPath("/api/"); !strings.HasPrefix(parts[0], "api") || len(parts) != 1 {
		t.Fatalf("unexpected parts: %v", parts)
	}
}
