// Package claude drives the agent CLI: it spawns turn processes, parses their
// stream-json output, and reconciles the CLI's append-only session logs.
package claude

import (
	"path/filepath"
	"strings"
)

// EncodeProjectPath converts an absolute project path into the directory name
// the agent CLI uses under its projects tree: every "/" becomes "-", so a
// leading slash becomes a leading dash.
func EncodeProjectPath(path string) string {
	return strings.ReplaceAll(path, "/", "-")
}

// DecodeProjectDir is the inverse of EncodeProjectPath. It is only exact for
// paths that contain no literal dashes; the importer prefers the cwd recorded
// inside the session log and falls back to this.
func DecodeProjectDir(name string) string {
	return strings.ReplaceAll(name, "-", "/")
}

// SessionFilePath returns the absolute path of a session's JSONL log inside
// the agent's projects tree.
func SessionFilePath(projectsDir, projectPath, sessionID string) string {
	return filepath.Join(projectsDir, EncodeProjectPath(projectPath), sessionID+".jsonl")
}
