package claude

import "strings"

// TurnOptions carries everything a single agent turn needs to build its CLI
// invocation.
type TurnOptions struct {
	Prompt         string
	SessionID      string // agent-native session id for this turn
	Resume         bool   // resume an existing session instead of creating one
	Continue       bool   // continue the most recent session in the project
	Model          string
	PermissionMode string
	// DangerouslySkipPermissions maps to "--permission-mode acceptEdits"
	// when no explicit permission mode is set.
	DangerouslySkipPermissions bool
	AllowedTools               []string
	DisallowedTools            []string
	ImagePaths                 []string // already written to disk, in order
}

// BuildArgs assembles the agent CLI argument list for one turn. The prompt is
// always the final positional argument.
func BuildArgs(opts TurnOptions) []string {
	args := []string{"-p"}

	switch {
	case opts.Resume && opts.SessionID != "":
		args = append(args, "--resume", opts.SessionID)
	case opts.SessionID != "":
		args = append(args, "--session-id", opts.SessionID)
	case opts.Continue:
		args = append(args, "--continue")
	}

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	mode := opts.PermissionMode
	if mode == "" && opts.DangerouslySkipPermissions {
		mode = "acceptEdits"
	}
	if mode != "" {
		args = append(args, "--permission-mode", mode)
	}

	args = append(args, "--output-format", "stream-json", "--verbose")

	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}

	for _, path := range opts.ImagePaths {
		args = append(args, "-i", path)
	}

	args = append(args, opts.Prompt)
	return args
}
