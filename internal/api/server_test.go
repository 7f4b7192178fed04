package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentgate-dev/agentgate/internal/auth"
	"github.com/agentgate-dev/agentgate/internal/claude"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/importer"
	"github.com/agentgate-dev/agentgate/internal/store"
)

type testServer struct {
	store       store.Store
	server      *httptest.Server
	projectsDir string
	adminToken  string
	userToken   string
	userID      string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{}
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.MaxBodyBytes = 1 << 20

	authSvc := auth.NewService(s, config.AuthConfig{
		JWTSecret: "unit-test-signing-secret-0123456789abcdef",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})

	if _, err := authSvc.Register(context.Background(), "admin", "admin-password", "admin"); err != nil {
		t.Fatalf("register admin: %v", err)
	}
	user, err := authSvc.Register(context.Background(), "alice", "alice-password", "user")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}

	adminToken, err := authSvc.Login(context.Background(), "admin", "admin-password")
	if err != nil {
		t.Fatalf("admin login: %v", err)
	}
	userToken, err := authSvc.Login(context.Background(), "alice", "alice-password")
	if err != nil {
		t.Fatalf("user login: %v", err)
	}

	projectsDir := t.TempDir()
	imp := importer.New(s, projectsDir, nil)

	noWS := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	})
	srv := NewServer(s, authSvc, imp, noWS, projectsDir, cfg, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{
		store:       s,
		server:      ts,
		projectsDir: projectsDir,
		adminToken:  adminToken,
		userToken:   userToken,
		userID:      user.ID,
	}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	if resp := ts.do(t, "GET", "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
	if resp := ts.do(t, "GET", "/readyz", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d", resp.StatusCode)
	}
}

func TestLoginAndMe(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "alice-password",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["token"] == "" {
		t.Fatal("login returned empty token")
	}

	me := ts.do(t, "GET", "/api/me", body["token"], nil)
	if me.StatusCode != http.StatusOK {
		t.Fatalf("me = %d", me.StatusCode)
	}
	info := decode[map[string]string](t, me)
	if info["username"] != "alice" || info["role"] != "user" {
		t.Errorf("me = %v", info)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "POST", "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/me", "/api/projects", "/api/users"} {
		resp := ts.do(t, "GET", path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestUsersEndpointAdminOnly(t *testing.T) {
	ts := newTestServer(t)

	if resp := ts.do(t, "GET", "/api/users", ts.userToken, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("user access to /api/users = %d, want 403", resp.StatusCode)
	}
	if resp := ts.do(t, "GET", "/api/users", ts.adminToken, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("admin access to /api/users = %d, want 200", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	project, err := ts.store.UpsertProjectByPath(ctx, "proj", "/work/proj")
	if err != nil {
		t.Fatalf("upsert project: %v", err)
	}

	sid := "12345678-1234-1234-1234-123456789abc"
	resp := ts.do(t, "POST", "/api/projects/"+project.ID+"/sessions", ts.userToken, map[string]string{"id": sid})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session = %d", resp.StatusCode)
	}
	created := decode[store.Session](t, resp)
	if created.ID != sid {
		t.Errorf("session id = %q, want the client-supplied UUID", created.ID)
	}
	if created.FirstMessagePreview != claude.NoMessagesPreview {
		t.Errorf("preview = %q", created.FirstMessagePreview)
	}

	// Duplicate id conflicts.
	if resp := ts.do(t, "POST", "/api/projects/"+project.ID+"/sessions", ts.userToken, map[string]string{"id": sid}); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", resp.StatusCode)
	}

	// Non-UUID id rejected.
	if resp := ts.do(t, "POST", "/api/projects/"+project.ID+"/sessions", ts.userToken, map[string]string{"id": "not-a-uuid"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id create = %d, want 400", resp.StatusCode)
	}

	list := ts.do(t, "GET", "/api/projects/"+project.ID+"/sessions", ts.userToken, nil)
	sessions := decode[[]store.Session](t, list)
	if len(sessions) != 1 || sessions[0].ID != sid {
		t.Errorf("list = %+v", sessions)
	}

	if resp := ts.do(t, "DELETE", "/api/sessions/"+sid, ts.userToken, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", resp.StatusCode)
	}
	if resp := ts.do(t, "DELETE", "/api/sessions/"+sid, ts.userToken, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", resp.StatusCode)
	}
}

func TestGetMessagesReplaysHistory(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	project, err := ts.store.UpsertProjectByPath(ctx, "proj", "/work/proj")
	if err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	sid := "12345678-aaaa-bbbb-cccc-123456789abc"
	err = ts.store.UpsertSession(ctx, &store.Session{
		ID: sid, ProjectID: project.ID, UserID: ts.userID, LastMessageAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	logPath := claude.SessionFilePath(ts.projectsDir, "/work/proj", sid)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	log := `{"type":"user","id":"m1","message":{"content":"question"},"timestamp":"2025-01-01T10:00:00Z"}` + "\n"
	if err := os.WriteFile(logPath, []byte(log), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	resp := ts.do(t, "GET", "/api/sessions/"+sid+"/messages", ts.userToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages = %d", resp.StatusCode)
	}
	messages := decode[[]claude.Message](t, resp)
	if len(messages) != 1 || messages[0].ID != "m1" {
		t.Errorf("messages = %+v", messages)
	}
}

func TestGetMessagesMissingFileIsEmptyList(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	project, err := ts.store.UpsertProjectByPath(ctx, "proj", "/work/proj")
	if err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	sid := "99999999-aaaa-bbbb-cccc-123456789abc"
	err = ts.store.UpsertSession(ctx, &store.Session{
		ID: sid, ProjectID: project.ID, UserID: ts.userID, LastMessageAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	resp := ts.do(t, "GET", "/api/sessions/"+sid+"/messages", ts.userToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages = %d", resp.StatusCode)
	}
	messages := decode[[]claude.Message](t, resp)
	if len(messages) != 0 {
		t.Errorf("messages = %+v, want empty list", messages)
	}
}

func TestSyncEndpoint(t *testing.T) {
	ts := newTestServer(t)

	dir := filepath.Join(ts.projectsDir, claude.EncodeProjectPath("/work/synced"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		line := `{"type":"user","cwd":"/work/synced","message":{"content":"hi"}}` + "\n"
		if err := os.WriteFile(filepath.Join(dir, id+".jsonl"), []byte(line), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	resp := ts.do(t, "POST", "/api/projects/sync", ts.userToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync = %d", resp.StatusCode)
	}
	report := decode[importer.Report](t, resp)
	if report.ProjectsImported != 1 || report.SessionsImported != 4 {
		t.Errorf("report = %+v", report)
	}
}
