package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentgate-dev/agentgate/internal/claude"
	"github.com/agentgate-dev/agentgate/internal/store"
	"github.com/agentgate-dev/agentgate/pkg/protocol"
)

// ErrBusy is returned when a send_message arrives while a turn is already in
// flight. The client owns queueing; the broker never buffers.
var ErrBusy = errors.New("a turn is already in flight")

// ChatConfig carries the agent invocation settings a chat session needs.
type ChatConfig struct {
	AgentCommand string
	ProjectsDir  string
	ExtraEnv     []string
	TurnTimeout  time.Duration
	KillGrace    time.Duration
}

// Chat is the per-session agent engine. It owns the child process handle for
// the in-flight turn, the temp image directory, and the catalog row.
type Chat struct {
	id          string
	userID      string
	projectID   string
	projectPath string

	sender Sender
	store  store.Store
	cfg    ChatConfig
	logger *slog.Logger

	mu          sync.Mutex
	inFlight    bool
	cancelTurn  context.CancelFunc
	tempDir     string
	tempCleaned bool
	closed      bool
	turnDone    chan struct{}
}

func NewChat(id, userID, projectID, projectPath string, sender Sender, st store.Store, cfg ChatConfig, logger *slog.Logger) *Chat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chat{
		id:          id,
		userID:      userID,
		projectID:   projectID,
		projectPath: projectPath,
		sender:      sender,
		store:       st,
		cfg:         cfg,
		logger:      logger.With("component", "chat", "session_id", id),
	}
}

func (c *Chat) ID() string     { return c.id }
func (c *Chat) UserID() string { return c.userID }

// SendMessage starts one turn. It returns ErrBusy while a turn is in flight
// and runs the turn asynchronously otherwise; all outcomes are reported to
// the client through the sender.
func (c *Chat) SendMessage(msg protocol.SendMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("session closed")
	}
	if c.inFlight {
		c.mu.Unlock()
		return ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.inFlight = true
	c.cancelTurn = cancel
	c.turnDone = make(chan struct{})
	done := c.turnDone
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("panic in turn", "panic", r)
				c.sendError(fmt.Sprintf("internal error: %v", r), nil)
			}
			c.cleanupTempDir()
			c.mu.Lock()
			c.inFlight = false
			c.cancelTurn = nil
			c.mu.Unlock()
		}()
		c.runTurn(ctx, msg)
	}()
	return nil
}

// runTurn spawns the agent CLI, relays its stream, and finishes with exactly
// one message_complete or error frame.
func (c *Chat) runTurn(ctx context.Context, msg protocol.SendMessage) {
	imagePaths, err := c.writeImages(msg.Images)
	if err != nil {
		c.sendError(fmt.Sprintf("failed to stage images: %v", err), nil)
		return
	}

	args := claude.BuildArgs(claude.TurnOptions{
		Prompt:                     msg.Content,
		SessionID:                  c.id,
		Resume:                     msg.Resume,
		Model:                      msg.Model,
		PermissionMode:             msg.PermissionMode,
		DangerouslySkipPermissions: msg.DangerouslySkipPermissions,
		AllowedTools:               msg.AllowedTools,
		DisallowedTools:            msg.DisallowedTools,
		ImagePaths:                 imagePaths,
	})

	c.send("turn.started", protocol.TurnStarted{SessionID: c.id})

	parser := claude.NewStreamParser(c.logger)
	var events []json.RawMessage
	relay := func(parsed []json.RawMessage) {
		for _, ev := range parsed {
			events = append(events, ev)
			c.send("stream_output", protocol.StreamOutput{Event: ev})
			c.emitSynthetic(ev)
		}
	}

	env := os.Environ()
	env = append(env, c.cfg.ExtraEnv...)

	res, err := claude.Run(ctx, claude.RunRequest{
		Path:      c.cfg.AgentCommand,
		Args:      args,
		Dir:       c.projectPath,
		Env:       env,
		Timeout:   c.cfg.TurnTimeout,
		KillGrace: c.cfg.KillGrace,
		OnStdout:  func(chunk []byte) { relay(parser.Feed(chunk)) },
	})
	if err != nil {
		c.sendError(fmt.Sprintf("failed to start agent: %v", err), nil)
		return
	}
	relay(parser.Flush())

	durationMs := res.Duration.Milliseconds()
	switch res.Status {
	case claude.StatusTimeout:
		c.sendError("turn timed out", &protocol.ErrorDetails{
			Stderr:     string(res.Stderr),
			DurationMs: durationMs,
		})
		return
	case claude.StatusSignaled:
		c.sendError("agent process was interrupted", &protocol.ErrorDetails{
			Stderr:     string(res.Stderr),
			DurationMs: durationMs,
		})
		return
	case claude.StatusExited:
		if res.ExitCode != 0 {
			exit := res.ExitCode
			c.sendError("agent exited with an error", &protocol.ErrorDetails{
				ExitCode:   &exit,
				Stderr:     string(res.Stderr),
				Stdout:     string(res.Stdout),
				DurationMs: durationMs,
			})
			return
		}
	}

	// The CLI can fail mid-turn and still exit 0; the failure then shows up
	// as an error-flagged result record at the end of the stream.
	if msg, failed := resultFailure(events); failed {
		exit := res.ExitCode
		c.sendError(msg, &protocol.ErrorDetails{
			ExitCode:   &exit,
			Stderr:     string(res.Stderr),
			Stdout:     string(res.Stdout),
			DurationMs: durationMs,
		})
		return
	}

	meta := c.reconcile()

	exit := res.ExitCode
	c.send("turn.completed", protocol.TurnCompleted{
		SessionID:  c.id,
		ExitCode:   &exit,
		DurationMs: durationMs,
	})

	// The temp images must be gone before the completion frame; after
	// message_complete no further output for this turn is ever emitted.
	c.cleanupTempDir()
	c.send("message_complete", protocol.MessageComplete{
		Metadata: meta,
		Events:   events,
	})
}

// resultFailure reports whether the stream ended with a result record flagged
// as an error, and returns a client-facing message for it.
func resultFailure(events []json.RawMessage) (string, bool) {
	if len(events) == 0 {
		return "", false
	}
	var rec struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		IsError bool   `json:"is_error"`
		Result  string `json:"result"`
	}
	if err := json.Unmarshal(events[len(events)-1], &rec); err != nil {
		return "", false
	}
	if rec.Type != "result" {
		return "", false
	}
	if !rec.IsError && !strings.HasPrefix(rec.Subtype, "error") {
		return "", false
	}
	if rec.Result != "" {
		return rec.Result, true
	}
	if rec.Subtype != "" {
		return "agent turn failed: " + rec.Subtype, true
	}
	return "agent turn failed", true
}

// reconcile re-reads the session's log file, pushes the derived metadata into
// the catalog, and returns it in wire form. Reconciliation failures degrade
// to empty metadata rather than failing the turn.
func (c *Chat) reconcile() protocol.SessionMetadata {
	path := claude.SessionFilePath(c.cfg.ProjectsDir, c.projectPath, c.id)
	meta, err := claude.Reconcile(path)
	if err != nil {
		c.logger.Warn("reconciliation failed", "path", path, "error", err)
		return protocol.SessionMetadata{
			FirstMessagePreview: claude.NoMessagesPreview,
			LastMessageAt:       time.Now().Format(time.RFC3339),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.store.UpsertSession(ctx, &store.Session{
		ID:                  c.id,
		ProjectID:           c.projectID,
		UserID:              c.userID,
		MessageCount:        meta.MessageCount,
		TotalTokens:         meta.TotalTokens,
		FirstMessagePreview: meta.FirstMessagePreview,
		LastMessageAt:       meta.LastMessageAt,
	})
	if err != nil {
		c.logger.Warn("catalog update failed", "error", err)
	}

	return protocol.SessionMetadata{
		MessageCount:        meta.MessageCount,
		TotalTokens:         meta.TotalTokens,
		FirstMessagePreview: meta.FirstMessagePreview,
		LastMessageAt:       meta.LastMessageAt.Format(time.RFC3339),
	}
}

// writeImages stages the message's images under the project's temp tree and
// returns their paths in attachment order.
func (c *Chat) writeImages(images []protocol.ImageAttachment) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}

	dir := filepath.Join(c.projectPath, ".tmp", "images", fmt.Sprintf("%d", time.Now().UnixMilli()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	c.mu.Lock()
	c.tempDir = dir
	c.tempCleaned = false
	c.mu.Unlock()

	paths := make([]string, 0, len(images))
	for i, img := range images {
		var data []byte
		ext := "png"
		switch {
		case img.Data != "":
			var err error
			data, ext, err = decodeDataURL(img.Data)
			if err != nil {
				return nil, fmt.Errorf("image %d: %w", i, err)
			}
		case img.Path != "":
			var err error
			data, err = os.ReadFile(img.Path)
			if err != nil {
				return nil, fmt.Errorf("image %d: %w", i, err)
			}
			if e := strings.TrimPrefix(filepath.Ext(img.Path), "."); e != "" {
				ext = e
			}
		default:
			return nil, fmt.Errorf("image %d: neither data nor path set", i)
		}

		path := filepath.Join(dir, fmt.Sprintf("image-%d.%s", i, ext))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("write image %d: %w", i, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// cleanupTempDir removes the turn's staged images at most once.
func (c *Chat) cleanupTempDir() {
	c.mu.Lock()
	dir := c.tempDir
	cleaned := c.tempCleaned
	c.tempCleaned = true
	c.tempDir = ""
	c.mu.Unlock()

	if dir == "" || cleaned {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		c.logger.Warn("temp image cleanup failed", "dir", dir, "error", err)
	}
}

// Close cancels any in-flight turn and releases the session's resources.
func (c *Chat) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancelTurn
	done := c.turnDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			c.logger.Warn("turn did not stop before close deadline")
		}
	}
	c.cleanupTempDir()
}

func (c *Chat) send(op string, payload any) {
	if err := c.sender.Send(protocol.EventType(protocol.PrefixSession, c.id, op), payload); err != nil {
		c.logger.Debug("send failed", "op", op, "error", err)
	}
}

func (c *Chat) sendError(message string, details *protocol.ErrorDetails) {
	c.send("error", protocol.SessionError{Message: message, Details: details})
}

// emitSynthetic derives UI-friendly events from a raw stream event: text
// deltas and tool lifecycle markers. Unknown variants are ignored here; the
// raw event already went out verbatim as stream_output.
func (c *Chat) emitSynthetic(raw json.RawMessage) {
	var ev struct {
		Type    string `json:"type"`
		Message struct {
			Content []struct {
				Type      string          `json:"type"`
				Text      string          `json:"text"`
				ID        string          `json:"id"`
				Name      string          `json:"name"`
				Input     json.RawMessage `json:"input"`
				ToolUseID string          `json:"tool_use_id"`
				IsError   bool            `json:"is_error"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}

	switch ev.Type {
	case "assistant":
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					c.send("text", protocol.TextDelta{Text: block.Text})
				}
			case "tool_use":
				c.send("tool.started", protocol.ToolStarted{
					ToolUseID: block.ID,
					Name:      block.Name,
					Input:     block.Input,
				})
			}
		}
	case "user":
		for _, block := range ev.Message.Content {
			if block.Type == "tool_result" {
				c.send("tool.completed", protocol.ToolCompleted{
					ToolUseID: block.ToolUseID,
					IsError:   block.IsError,
				})
			}
		}
	}
}

// decodeDataURL decodes a base64 data URL and reports the file extension
// implied by its media type.
func decodeDataURL(url string) (data []byte, ext string, err error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return nil, "", errors.New("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", errors.New("malformed data URL")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, "", errors.New("data URL is not base64-encoded")
	}

	mediaType := strings.TrimSuffix(meta, ";base64")
	ext = "png"
	switch mediaType {
	case "image/jpeg", "image/jpg":
		ext = "jpg"
	case "image/gif":
		ext = "gif"
	case "image/webp":
		ext = "webp"
	case "image/png", "":
		ext = "png"
	default:
		if e, found := strings.CutPrefix(mediaType, "image/"); found && e != "" {
			ext = e
		}
	}

	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64: %w", err)
	}
	return data, ext, nil
}
