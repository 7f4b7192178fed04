package claude

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Status classifies how a child process run ended.
type Status string

const (
	StatusExited      Status = "exited"
	StatusSignaled    Status = "signaled"
	StatusTimeout     Status = "timeout"
	StatusSpawnFailed Status = "spawn-failed"
)

// RunRequest describes a child process to run.
type RunRequest struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string // nil means inherit the parent environment
	Timeout time.Duration

	// KillGrace is the deadline between the interrupt signal and a force
	// kill during timeout or cancellation. Defaults to 5s.
	KillGrace time.Duration

	// OnStdout and OnStderr receive each byte chunk synchronously, in
	// arrival order, before the next chunk of the same pipe is read.
	// Either may be nil.
	OnStdout func(chunk []byte)
	OnStderr func(chunk []byte)
}

// RunResult reports how the run ended. A non-zero exit is a result, not an
// error; the error return of Run is reserved for spawn failures.
type RunResult struct {
	Status   Status
	ExitCode int // meaningful only when Status == StatusExited
	Duration time.Duration
	Stdout   []byte
	Stderr   []byte
}

// Run spawns the child, streams both pipes until they close, and waits for
// exit. Cancellation of ctx (or timeout expiry) interrupts the child, waits
// KillGrace, then force-kills it.
func Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	start := time.Now()

	cmd := exec.Command(req.Path, req.Args...)
	cmd.Dir = req.Dir
	if req.Env != nil {
		cmd.Env = req.Env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &RunResult{Status: StatusSpawnFailed, Duration: time.Since(start)}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &RunResult{Status: StatusSpawnFailed, Duration: time.Since(start)}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return &RunResult{Status: StatusSpawnFailed, Duration: time.Since(start)}, fmt.Errorf("start %s: %w", req.Path, err)
	}

	res := &RunResult{}
	var mu sync.Mutex // guards res.Stdout / res.Stderr

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readChunks(stdout, func(chunk []byte) {
			mu.Lock()
			res.Stdout = append(res.Stdout, chunk...)
			mu.Unlock()
			if req.OnStdout != nil {
				req.OnStdout(chunk)
			}
		})
	}()
	go func() {
		defer wg.Done()
		readChunks(stderr, func(chunk []byte) {
			mu.Lock()
			res.Stderr = append(res.Stderr, chunk...)
			mu.Unlock()
			if req.OnStderr != nil {
				req.OnStderr(chunk)
			}
		})
	}()

	// Arm the timeout and cancellation watcher.
	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, req.Timeout)
		defer cancelTimeout()
	}

	waitDone := make(chan struct{})
	var stateMu sync.Mutex
	var timedOut, canceled bool
	go func() {
		select {
		case <-runCtx.Done():
			stateMu.Lock()
			if ctx.Err() != nil {
				canceled = true
			} else {
				timedOut = true
			}
			stateMu.Unlock()
			terminate(cmd, req.KillGrace, waitDone)
		case <-waitDone:
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(waitDone)

	res.Duration = time.Since(start)
	stateMu.Lock()
	defer stateMu.Unlock()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case timedOut:
		res.Status = StatusTimeout
	case canceled:
		res.Status = StatusSignaled
	case waitErr != nil && exitCode == -1:
		// Wait failed without an exit code: the child died to a signal.
		res.Status = StatusSignaled
	default:
		res.Status = StatusExited
		res.ExitCode = exitCode
	}

	return res, nil
}

// readChunks delivers raw read chunks synchronously in arrival order.
func readChunks(r io.Reader, deliver func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			deliver(cp)
		}
		if err != nil {
			return
		}
	}
}

// terminate interrupts the child, waits up to grace for it to exit, then
// force-kills it.
func terminate(cmd *exec.Cmd, grace time.Duration, exited <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-exited:
	case <-time.After(grace):
		_ = cmd.Process.Kill()
	}
}
