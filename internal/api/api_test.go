package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ChatLabHQ/ChatLab/internal/bot"
	"github.com/ChatLabHQ/ChatLab/internal/models"
	"github.com/ChatLabHQ/ChatLab/internal/store"
)

// fakeResponder is a canned bot.Responder (and ModelLister) for handler tests.
type fakeResponder struct {
	reply     string
	replyErr  error
	scores    map[string]float64
	evalErr   error
	modelList []string

	mu        sync.Mutex
	evalCalls int
}

func (f *fakeResponder) GenerateReply(ctx context.Context, req bot.ReplyRequest) (string, error) {
	return f.reply, f.replyErr
}

func (f *fakeResponder) EvaluateTranscript(ctx context.Context, req bot.EvalRequest) (map[string]float64, error) {
	f.mu.Lock()
	f.evalCalls++
	f.mu.Unlock()
	return f.scores, f.evalErr
}

func (f *fakeResponder) ListModels(ctx context.Context) ([]string, error) {
	return f.modelList, nil
}

// recordingNotifier captures notification calls for assertions.
type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	capacity  []string
}

func (n *recordingNotifier) SessionCompleted(ctx context.Context, experimentName, sessionID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, sessionID)
	return nil
}

func (n *recordingNotifier) SessionAbandoned(ctx context.Context, experimentName, sessionID string) error {
	return nil
}

func (n *recordingNotifier) CapacityReached(ctx context.Context, experimentName string, limit int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.capacity = append(n.capacity, experimentName)
	return nil
}

// newTestServer builds a server over a fresh in-memory store with admin
// credentials already configured.
func newTestServer(t *testing.T, responder bot.Responder, notifier *recordingNotifier) (*Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	opts := []Option{WithCredentialsFile(filepath.Join(t.TempDir(), "admin_credentials.json"))}
	var srv *Server
	var err error
	if notifier != nil {
		srv, err = NewServer(st, responder, nil, notifier, opts...)
	} else {
		srv, err = NewServer(st, responder, nil, nil, opts...)
	}
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.SetAdminCredentials("admin", "secret"); err != nil {
		t.Fatalf("SetAdminCredentials failed: %v", err)
	}
	return srv, st
}

// doRequest runs one request through the full handler. A non-empty token is
// attached as a bearer header.
func doRequest(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// decodeResponse unmarshals the standard response envelope.
func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

// resultMap re-decodes the envelope result into a map for field assertions.
func resultMap(t *testing.T, resp models.APIResponse) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("failed to re-marshal result: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to decode result %q: %v", string(data), err)
	}
	return m
}

// adminToken logs in through the auth handler and returns the issued token.
func adminToken(t *testing.T, srv *Server) string {
	t.Helper()
	rec := doRequest(t, srv, http.MethodPost, "/admin/auth", "",
		map[string]string{"username": "admin", "password": "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("admin login failed with status %d: %s", rec.Code, rec.Body.String())
	}
	result := resultMap(t, decodeResponse(t, rec))
	token, _ := result["token"].(string)
	if token == "" {
		t.Fatalf("admin login returned no token: %s", rec.Body.String())
	}
	return token
}

func TestHealthHandler(t *testing.T) {
	srv, st := newTestServer(t, nil, nil)
	for i := 0; i < 3; i++ {
		sess := models.NewSession(fmt.Sprintf("sess_health%d", i))
		if i == 2 {
			sess.End(models.SessionStatusEnded)
		}
		if err := st.SaveSession(sess); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var health map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", health["status"])
	}
	if got := health["active_sessions"]; got != float64(2) {
		t.Errorf("expected 2 active sessions, got %v", got)
	}
}

func TestHealthHandlerMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	rec := doRequest(t, srv, http.MethodPost, "/api/health", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rec.Code)
	}
}

func TestAdminAuthRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	// Wrong password is rejected.
	rec := doRequest(t, srv, http.MethodPost, "/admin/auth", "",
		map[string]string{"username": "admin", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for bad password, got %d", rec.Code)
	}

	token := adminToken(t, srv)

	// The token opens admin endpoints.
	rec = doRequest(t, srv, http.MethodGet, "/api/conditions", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 with admin token, got %d", rec.Code)
	}

	// Logout via cookie revokes the token.
	req := httptest.NewRequest(http.MethodPost, "/admin/logout", nil)
	req.AddCookie(&http.Cookie{Name: adminTokenCookie, Value: token})
	logoutRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(logoutRec, req)
	if logoutRec.Code != http.StatusOK {
		t.Fatalf("expected status 200 on logout, got %d", logoutRec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/api/conditions", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401 after logout, got %d", rec.Code)
	}
}

func TestAdminEndpointsRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	paths := []string{"/api/conditions", "/api/experiments", "/api/models"}
	for _, path := range paths {
		rec := doRequest(t, srv, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s: expected status 401 without token, got %d", path, rec.Code)
		}
	}
}

func TestModelsHandler(t *testing.T) {
	srv, _ := newTestServer(t, &fakeResponder{modelList: []string{"gpt-4o-mini", "llama3"}}, nil)
	token := adminToken(t, srv)

	rec := doRequest(t, srv, http.MethodGet, "/api/models", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	names, ok := resp.Result.([]interface{})
	if !ok {
		t.Fatalf("expected model list result, got %T", resp.Result)
	}
	if len(names) != 2 {
		t.Errorf("expected 2 models, got %d", len(names))
	}
}

func TestModelsHandlerWithoutLister(t *testing.T) {
	// A nil responder means no model endpoint backend; the handler answers
	// with an empty list rather than failing.
	srv, _ := newTestServer(t, nil, nil)
	token := adminToken(t, srv)
	rec := doRequest(t, srv, http.MethodGet, "/api/models", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}
