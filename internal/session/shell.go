package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/creack/pty"

	"github.com/agentgate-dev/agentgate/pkg/protocol"
)

// Shell is the per-client PTY engine: it hosts a login shell in the project's
// working directory and bridges bytes between the PTY and the socket.
type Shell struct {
	id        string
	userID    string
	projectID string

	sender Sender
	logger *slog.Logger

	mu     sync.Mutex
	ptmx   *os.File
	cmd    *exec.Cmd
	closed bool
}

func NewShell(id, userID, projectID string, sender Sender, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{
		id:        id,
		userID:    userID,
		projectID: projectID,
		sender:    sender,
		logger:    logger.With("component", "shell", "shell_id", id),
	}
}

func (s *Shell) ID() string     { return s.id }
func (s *Shell) UserID() string { return s.userID }

// Start launches the user's login shell inside a PTY sized to the client's
// terminal and begins streaming output. It acknowledges with initialized
// before the first output frame.
func (s *Shell) Start(workdir string, cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("shell closed")
	}
	if s.ptmx != nil {
		return errors.New("shell already started")
	}

	cmd := platformShell()
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)

	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	s.ptmx = ptmx
	s.cmd = cmd

	s.send("initialized", protocol.ShellInitialized{SessionID: s.id})

	go s.pump()
	return nil
}

// platformShell picks the interactive shell for the host OS. On Windows the
// PTY start fails with pty's unsupported error; the branch exists so the
// command contract is in one place.
func platformShell() *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("powershell.exe", "-NoLogo")
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	return exec.Command(shell, "--login")
}

// pump copies PTY output to the client until the PTY closes, then reports the
// shell's exit.
func (s *Shell) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.send("output", protocol.ShellOutput{Data: string(buf[:n])})
		}
		if err != nil {
			break
		}
	}

	err := s.cmd.Wait()

	var exitCode *int
	signal := ""
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		zero := 0
		exitCode = &zero
	case errors.As(err, &exitErr):
		if code := exitErr.ExitCode(); code >= 0 {
			exitCode = &code
		} else {
			signal = exitErr.Error()
		}
	}

	s.send("exit", protocol.ShellExit{ExitCode: exitCode, Signal: signal})
}

// Input writes raw client bytes to the PTY unchanged.
func (s *Shell) Input(data string) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return errors.New("shell not started")
	}
	_, err := ptmx.WriteString(data)
	return err
}

// Resize adjusts the PTY window to the client's terminal dimensions.
func (s *Shell) Resize(cols, rows uint16) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return errors.New("shell not started")
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close kills the shell process and closes the PTY. Safe to call repeatedly.
func (s *Shell) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ptmx := s.ptmx
	cmd := s.cmd
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if ptmx != nil {
		_ = ptmx.Close()
	}
}

func (s *Shell) send(op string, payload any) {
	if err := s.sender.Send(protocol.EventType(protocol.PrefixShell, s.id, op), payload); err != nil {
		s.logger.Debug("send failed", "op", op, "error", err)
	}
}
