// Package ws accepts client WebSocket connections, authenticates them, and
// routes frames between sockets and the live session engines.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentgate-dev/agentgate/internal/auth"
	"github.com/agentgate-dev/agentgate/internal/session"
	"github.com/agentgate-dev/agentgate/internal/store"
	"github.com/agentgate-dev/agentgate/pkg/protocol"
)

const (
	writeTimeout  = 10 * time.Second
	lookupTimeout = 5 * time.Second
)

func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), lookupTimeout)
}

// Config tunes the router's socket handling.
type Config struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
}

// Router upgrades HTTP requests to WebSockets and dispatches frames by their
// dotted event type.
type Router struct {
	auth     *auth.Service
	store    store.Store
	registry *session.Registry
	chatCfg  session.ChatConfig
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(authSvc *auth.Service, st store.Store, registry *session.Registry, chatCfg session.ChatConfig, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		auth:     authSvc,
		store:    st,
		registry: registry,
		chatCfg:  chatCfg,
		cfg:      cfg,
		logger:   logger.With("component", "ws"),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Router) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// Authentication uses the bearer token in the token query parameter; a bad
// token closes the socket with policy-violation code 1008 and nothing else.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("upgrade failed", "error", err)
		return
	}

	identity, err := r.auth.ValidateToken(req.Context(), req.URL.Query().Get("token"))
	if err != nil {
		deadline := time.Now().Add(writeTimeout)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = ws.Close()
		return
	}

	if r.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(r.cfg.MaxMessageBytes)
	}

	c := &conn{
		ws:       ws,
		router:   r,
		identity: identity,
		owned:    make(map[string]session.Entry),
		logger:   r.logger.With("user_id", identity.UserID),
	}
	c.run()
}

// conn is one authenticated client socket. All writes go through Send, which
// serializes frames under a mutex; Send is the session.Sender the engines use.
type conn struct {
	ws       *websocket.Conn
	router   *Router
	identity *auth.Identity
	logger   *slog.Logger

	writeMu sync.Mutex

	ownedMu sync.Mutex
	owned   map[string]session.Entry // channel id -> engine created by this socket
}

func (c *conn) Send(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(protocol.Envelope{Type: eventType, Data: data})
}

func (c *conn) run() {
	defer c.teardown()

	if err := c.Send(protocol.GlobalEvent("connected"), protocol.GlobalConnected{UserID: c.identity.UserID}); err != nil {
		return
	}

	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("socket closed unexpectedly", "error", err)
			}
			return
		}
		c.dispatch(env)
	}
}

// dispatch routes one inbound frame. Protocol-level problems answer with a
// global.error and keep the socket open; only auth failures close it.
func (c *conn) dispatch(env protocol.Envelope) {
	prefix, id, op, ok := protocol.SplitEventType(env.Type)
	if !ok {
		c.sendGlobalError("Unknown event type")
		return
	}

	switch prefix {
	case protocol.PrefixSession:
		c.dispatchSession(id, op, env.Data)
	case protocol.PrefixShell:
		c.dispatchShell(id, op, env.Data)
	default:
		c.sendGlobalError("Unknown event type")
	}
}

func (c *conn) dispatchSession(id, op string, data json.RawMessage) {
	switch op {
	case "send_message":
		var msg protocol.SendMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendSessionError(id, "malformed send_message payload", nil)
			return
		}
		c.handleSendMessage(id, msg)
	default:
		c.sendGlobalError("Unknown event type")
	}
}

func (c *conn) handleSendMessage(id string, msg protocol.SendMessage) {
	chat, err := c.ensureChat(id)
	if err != nil {
		c.sendSessionError(id, err.Error(), nil)
		return
	}

	switch err := chat.SendMessage(msg); err {
	case nil:
	case session.ErrBusy:
		c.sendSessionError(id, "busy: "+err.Error(), nil)
	default:
		c.sendSessionError(id, err.Error(), nil)
	}
}

// ensureChat returns the chat engine for the session, creating it on first
// use. The session must already exist in the catalog and belong to the caller.
func (c *conn) ensureChat(id string) (*session.Chat, error) {
	c.ownedMu.Lock()
	defer c.ownedMu.Unlock()

	if e, ok := c.owned[id]; ok {
		if chat, ok := e.(*session.Chat); ok {
			return chat, nil
		}
		return nil, fmt.Errorf("channel %s is not an agent session", id)
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()
	sess, err := c.router.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("look up session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s not found", id)
	}
	if !c.owns(sess.UserID) {
		return nil, fmt.Errorf("session %s does not belong to you", id)
	}
	if sess.ProjectPath == "" {
		return nil, fmt.Errorf("session %s has no project path", id)
	}

	chat := session.NewChat(id, c.identity.UserID, sess.ProjectID, sess.ProjectPath, c, c.router.store, c.router.chatCfg, c.logger)
	c.owned[id] = chat
	c.router.registry.Put(chat)

	// First successful join of this session on this socket; clients flush
	// their queued messages on it.
	_ = c.Send(protocol.EventType(protocol.PrefixSession, id, "connected"), protocol.SessionConnected{SessionID: id})
	return chat, nil
}

func (c *conn) dispatchShell(id, op string, data json.RawMessage) {
	switch op {
	case "init":
		var init protocol.ShellInit
		if err := json.Unmarshal(data, &init); err != nil {
			c.sendShellError(id, "malformed init payload")
			return
		}
		c.handleShellInit(id, init)
	case "input":
		var in protocol.ShellInput
		if err := json.Unmarshal(data, &in); err != nil {
			c.sendShellError(id, "malformed input payload")
			return
		}
		if sh := c.shell(id); sh != nil {
			if err := sh.Input(in.Data); err != nil {
				c.sendShellError(id, err.Error())
			}
		} else {
			c.sendShellError(id, "shell not initialized")
		}
	case "resize":
		var rs protocol.ShellResize
		if err := json.Unmarshal(data, &rs); err != nil {
			c.sendShellError(id, "malformed resize payload")
			return
		}
		if sh := c.shell(id); sh != nil {
			if err := sh.Resize(rs.Cols, rs.Rows); err != nil {
				c.sendShellError(id, err.Error())
			}
		} else {
			c.sendShellError(id, "shell not initialized")
		}
	default:
		c.sendGlobalError("Unknown event type")
	}
}

func (c *conn) handleShellInit(id string, init protocol.ShellInit) {
	ctx, cancel := contextWithTimeout()
	defer cancel()
	project, err := c.router.store.GetProject(ctx, init.ProjectID)
	if err != nil {
		c.sendShellError(id, fmt.Sprintf("look up project: %v", err))
		return
	}
	if project == nil {
		c.sendShellError(id, "project not found")
		return
	}

	sh := session.NewShell(id, c.identity.UserID, project.ID, c, c.logger)

	c.ownedMu.Lock()
	if _, exists := c.owned[id]; exists {
		c.ownedMu.Unlock()
		c.sendShellError(id, "shell already initialized")
		return
	}
	c.owned[id] = sh
	c.ownedMu.Unlock()
	c.router.registry.Put(sh)

	if err := sh.Start(project.Path, init.Cols, init.Rows); err != nil {
		c.sendShellError(id, err.Error())
		c.ownedMu.Lock()
		delete(c.owned, id)
		c.ownedMu.Unlock()
		c.router.registry.Remove(id)
		sh.Close()
	}
}

func (c *conn) shell(id string) *session.Shell {
	c.ownedMu.Lock()
	defer c.ownedMu.Unlock()
	if sh, ok := c.owned[id].(*session.Shell); ok {
		return sh
	}
	return nil
}

func (c *conn) owns(sessionUserID string) bool {
	return sessionUserID == "" || sessionUserID == c.identity.UserID || c.identity.Role == "admin"
}

// teardown releases every engine this socket created: in-flight turns are
// canceled, PTYs killed, temp dirs removed.
func (c *conn) teardown() {
	c.ownedMu.Lock()
	owned := c.owned
	c.owned = make(map[string]session.Entry)
	c.ownedMu.Unlock()

	for id, e := range owned {
		c.router.registry.Remove(id)
		e.Close()
	}
	_ = c.ws.Close()
}

func (c *conn) sendGlobalError(message string) {
	_ = c.Send(protocol.GlobalEvent("error"), protocol.GlobalError{Message: message})
}

func (c *conn) sendSessionError(id, message string, details *protocol.ErrorDetails) {
	_ = c.Send(protocol.EventType(protocol.PrefixSession, id, "error"), protocol.SessionError{Message: message, Details: details})
}

func (c *conn) sendShellError(id, message string) {
	_ = c.Send(protocol.EventType(protocol.PrefixShell, id, "error"), protocol.ShellError{Message: message})
}
