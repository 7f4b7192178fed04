package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentgate-dev/agentgate/internal/auth"
	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/session"
	"github.com/agentgate-dev/agentgate/internal/store"
	"github.com/agentgate-dev/agentgate/pkg/protocol"
)

type testEnv struct {
	store    store.Store
	auth     *auth.Service
	registry *session.Registry
	server   *httptest.Server
	token    string
	userID   string
}

func newTestEnv(t *testing.T, chatCfg session.ChatConfig) *testEnv {
	t.Helper()

	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	authSvc := auth.NewService(s, config.AuthConfig{
		JWTSecret: "unit-test-signing-secret-0123456789abcdef",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})

	user, err := authSvc.Register(context.Background(), "alice", "correct horse battery", "user")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := authSvc.Login(context.Background(), "alice", "correct horse battery")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	registry := session.NewRegistry()
	router := New(authSvc, s, registry, chatCfg, Config{
		AllowedOrigins:  []string{"*"},
		MaxMessageBytes: 1 << 20,
	}, nil)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{
		store:    s,
		auth:     authSvc,
		registry: registry,
		server:   server,
		token:    token,
		userID:   user.ID,
	}
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return env
}

// readUntil reads frames until one matches the type suffix.
func readUntil(t *testing.T, ws *websocket.Conn, suffix string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, ws)
		if strings.HasSuffix(env.Type, suffix) {
			return env
		}
	}
	t.Fatalf("no frame with suffix %q before deadline", suffix)
	return protocol.Envelope{}
}

func TestAuthFailureClosesWithPolicyViolation(t *testing.T) {
	env := newTestEnv(t, session.ChatConfig{})
	ws := env.dial(t, "not-a-token")

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
}

func TestConnectedFrameAfterAuth(t *testing.T) {
	env := newTestEnv(t, session.ChatConfig{})
	ws := env.dial(t, env.token)

	frame := readEnvelope(t, ws)
	if frame.Type != "global.connected" {
		t.Fatalf("first frame type = %q, want global.connected", frame.Type)
	}
	var connected protocol.GlobalConnected
	if err := json.Unmarshal(frame.Data, &connected); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if connected.UserID != env.userID {
		t.Errorf("userId = %q, want %q", connected.UserID, env.userID)
	}
}

func TestUnknownEventTypeAnswersGlobalError(t *testing.T) {
	env := newTestEnv(t, session.ChatConfig{})
	ws := env.dial(t, env.token)
	readEnvelope(t, ws) // global.connected

	tests := []string{
		"bogus.whatever",
		"justoneword",
		"session.missing-op",
	}
	for _, eventType := range tests {
		if err := ws.WriteJSON(protocol.Envelope{Type: eventType}); err != nil {
			t.Fatalf("write: %v", err)
		}
		frame := readEnvelope(t, ws)
		if frame.Type != "global.error" {
			t.Errorf("frame for %q = %q, want global.error", eventType, frame.Type)
			continue
		}
		var ge protocol.GlobalError
		if err := json.Unmarshal(frame.Data, &ge); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ge.Message != "Unknown event type" {
			t.Errorf("message = %q, want Unknown event type", ge.Message)
		}
	}
}

func TestSendMessageToMissingSession(t *testing.T) {
	env := newTestEnv(t, session.ChatConfig{})
	ws := env.dial(t, env.token)
	readEnvelope(t, ws)

	payload, _ := json.Marshal(protocol.SendMessage{Content: "hi"})
	err := ws.WriteJSON(protocol.Envelope{Type: "session.ghost.send_message", Data: payload})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readEnvelope(t, ws)
	if frame.Type != "session.ghost.error" {
		t.Errorf("frame type = %q, want session.ghost.error", frame.Type)
	}
}

func TestSessionConnectedOnFirstJoin(t *testing.T) {
	agent := filepath.Join(t.TempDir(), "agent")
	script := "#!/bin/sh\n" + `printf '{"type":"result","is_error":false}\n'` + "\n"
	if err := os.WriteFile(agent, []byte(script), 0o755); err != nil {
		t.Fatalf("write agent: %v", err)
	}

	env := newTestEnv(t, session.ChatConfig{
		AgentCommand: agent,
		ProjectsDir:  t.TempDir(),
		TurnTimeout:  10 * time.Second,
		KillGrace:    time.Second,
	})

	project, err := env.store.UpsertProjectByPath(context.Background(), "p", t.TempDir())
	if err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	sid := "99999999-8888-7777-6666-555555555555"
	err = env.store.UpsertSession(context.Background(), &store.Session{
		ID: sid, ProjectID: project.ID, UserID: env.userID, LastMessageAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	ws := env.dial(t, env.token)
	readEnvelope(t, ws) // global.connected

	payload, _ := json.Marshal(protocol.SendMessage{Content: "hello"})
	if err := ws.WriteJSON(protocol.Envelope{Type: "session." + sid + ".send_message", Data: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readEnvelope(t, ws)
	if frame.Type != "session."+sid+".connected" {
		t.Fatalf("first session frame = %q, want session.%s.connected", frame.Type, sid)
	}
	var sc protocol.SessionConnected
	if err := json.Unmarshal(frame.Data, &sc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sc.SessionID != sid {
		t.Errorf("sessionId = %q, want %q", sc.SessionID, sid)
	}
	readUntil(t, ws, ".message_complete")

	// The same socket rejoining the session does not re-announce.
	if err := ws.WriteJSON(protocol.Envelope{Type: "session." + sid + ".send_message", Data: payload}); err != nil {
		t.Fatalf("write second turn: %v", err)
	}
	frame = readEnvelope(t, ws)
	if !strings.HasSuffix(frame.Type, ".turn.started") {
		t.Errorf("second turn's first frame = %q, want turn.started", frame.Type)
	}
}

func TestShellInitMissingProject(t *testing.T) {
	env := newTestEnv(t, session.ChatConfig{})
	ws := env.dial(t, env.token)
	readEnvelope(t, ws)

	payload, _ := json.Marshal(protocol.ShellInit{ProjectID: "nope", Cols: 80, Rows: 24})
	if err := ws.WriteJSON(protocol.Envelope{Type: "shell.t1.init", Data: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readEnvelope(t, ws)
	if frame.Type != "shell.t1.error" {
		t.Errorf("frame type = %q, want shell.t1.error", frame.Type)
	}
}

func TestShellSessionOverSocket(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	env := newTestEnv(t, session.ChatConfig{})

	project, err := env.store.UpsertProjectByPath(context.Background(), "p", t.TempDir())
	if err != nil {
		t.Fatalf("upsert project: %v", err)
	}

	ws := env.dial(t, env.token)
	readEnvelope(t, ws)

	payload, _ := json.Marshal(protocol.ShellInit{ProjectID: project.ID, Cols: 80, Rows: 24})
	if err := ws.WriteJSON(protocol.Envelope{Type: "shell.t1.init", Data: payload}); err != nil {
		t.Fatalf("write init: %v", err)
	}

	frame := readUntil(t, ws, ".initialized")
	var init protocol.ShellInitialized
	if err := json.Unmarshal(frame.Data, &init); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if init.SessionID != "t1" {
		t.Errorf("sessionId = %q, want t1", init.SessionID)
	}

	input, _ := json.Marshal(protocol.ShellInput{Data: "echo over-socket\n"})
	if err := ws.WriteJSON(protocol.Envelope{Type: "shell.t1.input", Data: input}); err != nil {
		t.Fatalf("write input: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	var collected strings.Builder
	for time.Now().Before(deadline) {
		frame := readEnvelope(t, ws)
		if !strings.HasSuffix(frame.Type, ".output") {
			continue
		}
		var out protocol.ShellOutput
		if err := json.Unmarshal(frame.Data, &out); err != nil {
			t.Fatalf("unmarshal output: %v", err)
		}
		collected.WriteString(out.Data)
		if strings.Contains(collected.String(), "over-socket") {
			return
		}
	}
	t.Fatal("echo output never arrived over the socket")
}

func TestAgentTurnOverSocket(t *testing.T) {
	agent := filepath.Join(t.TempDir(), "agent")
	script := "#!/bin/sh\n" +
		`printf '{"type":"system","subtype":"init"}\n'` + "\n" +
		`printf '{"type":"result","is_error":false}\n'` + "\n"
	if err := os.WriteFile(agent, []byte(script), 0o755); err != nil {
		t.Fatalf("write agent: %v", err)
	}

	env := newTestEnv(t, session.ChatConfig{
		AgentCommand: agent,
		ProjectsDir:  t.TempDir(),
		TurnTimeout:  10 * time.Second,
		KillGrace:    time.Second,
	})

	project, err := env.store.UpsertProjectByPath(context.Background(), "p", t.TempDir())
	if err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	sid := "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	err = env.store.UpsertSession(context.Background(), &store.Session{
		ID: sid, ProjectID: project.ID, UserID: env.userID, LastMessageAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	ws := env.dial(t, env.token)
	readEnvelope(t, ws)

	payload, _ := json.Marshal(protocol.SendMessage{Content: "hello"})
	if err := ws.WriteJSON(protocol.Envelope{Type: "session." + sid + ".send_message", Data: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var streamCount int
	for {
		frame := readEnvelope(t, ws)
		switch {
		case strings.HasSuffix(frame.Type, ".stream_output"):
			streamCount++
		case strings.HasSuffix(frame.Type, ".message_complete"):
			if streamCount != 2 {
				t.Errorf("saw %d stream_output frames before completion, want 2", streamCount)
			}
			var mc protocol.MessageComplete
			if err := json.Unmarshal(frame.Data, &mc); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(mc.Events) != 2 {
				t.Errorf("completion carried %d events, want 2", len(mc.Events))
			}
			return
		case strings.HasSuffix(frame.Type, ".error"):
			t.Fatalf("unexpected error frame: %s", frame.Data)
		}
	}
}
