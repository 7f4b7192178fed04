// Package protocol defines the wire protocol exchanged between the gateway
// and browser clients over WebSocket.
//
// All frames are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure. Event types follow a flat dotted
// namespace:
//
//	global.connected, global.error
//	session.<id>.send_message | connected | stream_output | message_complete | error
//	shell.<id>.init | input | resize | output | initialized | exit | error
package protocol

import (
	"encoding/json"
	"strings"
)

// Envelope is the top-level wire format for all frames, both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Channel prefixes for the dotted event namespace.
const (
	PrefixGlobal  = "global"
	PrefixSession = "session"
	PrefixShell   = "shell"
)

// EventType builds a dotted event type, e.g. EventType("session", id, "error").
func EventType(prefix, id, op string) string {
	return prefix + "." + id + "." + op
}

// GlobalEvent builds a global event type, e.g. GlobalEvent("connected").
func GlobalEvent(op string) string {
	return PrefixGlobal + "." + op
}

// SplitEventType splits a dotted event type into prefix, channel id, and
// operation. Global events have no channel id; ok is false when the type has
// an unknown shape.
func SplitEventType(t string) (prefix, id, op string, ok bool) {
	parts := strings.SplitN(t, ".", 3)
	switch {
	case len(parts) == 2 && parts[0] == PrefixGlobal:
		return parts[0], "", parts[1], true
	case len(parts) == 3 && (parts[0] == PrefixSession || parts[0] == PrefixShell):
		return parts[0], parts[1], parts[2], true
	}
	return "", "", "", false
}

// --- Global events (outbound) ---

// GlobalConnected is sent once after a client socket authenticates.
type GlobalConnected struct {
	UserID string `json:"userId"`
}

// GlobalError reports a protocol-level problem that is not tied to a channel.
type GlobalError struct {
	Message string `json:"message"`
}

// --- Agent session events ---

// ImageAttachment is one image attached to a user message. Exactly one of
// Data (a base64 data URL) or Path (a file readable by the gateway) is set.
type ImageAttachment struct {
	Data string `json:"data,omitempty"`
	Path string `json:"path,omitempty"`
}

// SessionConnected acknowledges that the socket joined an agent session after
// the ownership check passed. Clients flush their queued messages on it.
type SessionConnected struct {
	SessionID string `json:"sessionId"`
}

// SendMessage is the inbound payload of session.<id>.send_message.
type SendMessage struct {
	Content                    string            `json:"content"`
	Images                     []ImageAttachment `json:"images,omitempty"`
	Model                      string            `json:"model,omitempty"`
	PermissionMode             string            `json:"permissionMode,omitempty"`
	DangerouslySkipPermissions bool              `json:"dangerouslySkipPermissions,omitempty"`
	AllowedTools               []string          `json:"allowedTools,omitempty"`
	DisallowedTools            []string          `json:"disallowedTools,omitempty"`
	Resume                     bool              `json:"resume,omitempty"`
}

// StreamOutput carries one raw agent CLI event to the client, bit-for-bit as
// the CLI emitted it. Unknown event variants pass through untouched.
type StreamOutput struct {
	Event json.RawMessage `json:"event"`
}

// SessionMetadata is the reconciled metadata for a session, derived from the
// agent's on-disk JSONL log.
type SessionMetadata struct {
	MessageCount        int    `json:"messageCount"`
	TotalTokens         int    `json:"totalTokens"`
	FirstMessagePreview string `json:"firstMessagePreview"`
	LastMessageAt       string `json:"lastMessageAt"` // RFC 3339
}

// MessageComplete is the final frame of a successful turn. No stream_output
// for the same turn ever follows it.
type MessageComplete struct {
	Metadata SessionMetadata   `json:"metadata"`
	Events   []json.RawMessage `json:"events"`
}

// ErrorDetails gives clients enough structure to render an error bubble.
type ErrorDetails struct {
	ExitCode   *int   `json:"exitCode,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// SessionError is the payload of session.<id>.error.
type SessionError struct {
	Message string        `json:"message"`
	Details *ErrorDetails `json:"details,omitempty"`
}

// --- Synthetic UI events, emitted alongside raw stream_output ---

// TurnStarted signals that a turn's child process has been spawned.
type TurnStarted struct {
	SessionID string `json:"sessionId"`
}

// TextDelta carries assistant text extracted from a stream event.
type TextDelta struct {
	Text string `json:"text"`
}

// ToolStarted signals a tool_use block observed in the stream.
type ToolStarted struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ToolCompleted signals a tool_result block observed in the stream.
type ToolCompleted struct {
	ToolUseID string `json:"toolUseId"`
	IsError   bool   `json:"isError,omitempty"`
}

// TurnCompleted signals that the turn's child process exited.
type TurnCompleted struct {
	SessionID  string `json:"sessionId"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// --- Shell events ---

// ShellInit is the inbound payload of shell.<id>.init.
type ShellInit struct {
	ProjectID string `json:"projectId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// ShellInput carries raw bytes for the PTY, unchanged.
type ShellInput struct {
	Data string `json:"data"`
}

// ShellResize is the inbound payload of shell.<id>.resize.
type ShellResize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ShellInitialized acknowledges shell.<id>.init.
type ShellInitialized struct {
	SessionID string `json:"sessionId"`
}

// ShellOutput carries one chunk of PTY output in emission order.
type ShellOutput struct {
	Data string `json:"data"`
}

// ShellExit reports PTY termination.
type ShellExit struct {
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// ShellError is the payload of shell.<id>.error.
type ShellError struct {
	Message string `json:"message"`
}
