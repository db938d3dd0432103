package terminal

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	apperrors "github.com/agentdeck/host/internal/errors"
)

// ExitResult describes how a terminal's process ended. When the process was
// terminated by a signal, ExitCode is -1 and Signal names the signal.
type ExitResult struct {
	ExitCode int
	Signal   string
}

// Handle is a live or completed subprocess proxy.
//
// The process runs attached to a PTY, so stdout and stderr arrive folded
// into one combined buffer. Interleaving between the two streams is
// best-effort; callers must not depend on exact stdout/stderr ordering.
//
// The output buffer is append-only. Truncation by byte limit happens only
// at read time, and the read cursor advances monotonically so repeated
// reads never return the same bytes twice.
type Handle struct {
	// ID uniquely identifies this handle within the registry.
	ID string

	// Command and Args record what was spawned, for reporting.
	Command string
	Args    []string

	cmd  *exec.Cmd
	ptmx *os.File

	mu         sync.Mutex
	output     []byte
	readOffset int
	complete   bool
	result     ExitResult
	waiters    []chan ExitResult

	// outputDone is closed when the capture goroutine has drained the PTY.
	outputDone chan struct{}
}

// start spawns the process in a PTY and begins capturing its output.
// The registry calls this exactly once per handle.
func (h *Handle) start(command string, args []string, cwd string, env []string) error {
	cmd := exec.Command(command, args...)
	cmd.Dir = cwd
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTerminalSpawnFailed, "failed to start terminal process", err)
	}

	h.Command = command
	h.Args = args
	h.cmd = cmd
	h.ptmx = ptmx
	h.outputDone = make(chan struct{})

	go h.captureOutput(ptmx)
	go h.waitForExit()

	return nil
}

// captureOutput drains the PTY into the append-only buffer. It exits when
// the PTY master returns an error, which happens once the process exits
// and the slave side is closed.
func (h *Handle) captureOutput(ptmx *os.File) {
	defer close(h.outputDone)

	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			h.mu.Lock()
			h.output = append(h.output, buf[:n]...)
			h.mu.Unlock()
		}
		if err != nil {
			// io.EOF and EIO both mean the slave side is gone. Linux
			// reports EIO rather than EOF when the last slave FD closes.
			_ = err
			return
		}
	}
}

// waitForExit reaps the process, records the exit result, and releases all
// queued waiters. It fires at most once per handle.
func (h *Handle) waitForExit() {
	err := h.cmd.Wait()

	// Let the capture goroutine drain remaining buffered output before the
	// handle is marked complete, so a read after Wait sees everything.
	<-h.outputDone

	result := ExitResult{ExitCode: 0}
	if err != nil {
		result.ExitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if status.Signaled() {
					result.ExitCode = -1
					result.Signal = status.Signal().String()
				} else {
					result.ExitCode = status.ExitStatus()
				}
			} else {
				result.ExitCode = exitErr.ExitCode()
			}
		}
	}

	h.mu.Lock()
	h.complete = true
	h.result = result
	waiters := h.waiters
	h.waiters = nil
	if h.ptmx != nil {
		h.ptmx.Close()
		h.ptmx = nil
	}
	h.mu.Unlock()

	// Each waiter channel is buffered, so fan-out never blocks.
	for _, ch := range waiters {
		ch <- result
	}
}

// Read returns the bytes accumulated since the previous Read and advances
// the read cursor past what it returns. When byteLimit is positive and the
// unread region is larger, only the first byteLimit bytes are returned,
// truncated reports true, and the remainder stays unread for the next call.
//
// Once the process has exited, exitCode is non-nil and signal names the
// terminating signal if there was one.
func (h *Handle) Read(byteLimit int) (output string, exitCode *int, signal string, truncated bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	unread := h.output[h.readOffset:]
	if byteLimit > 0 && len(unread) > byteLimit {
		unread = unread[:byteLimit]
		truncated = true
	}
	h.readOffset += len(unread)

	if h.complete {
		code := h.result.ExitCode
		exitCode = &code
		signal = h.result.Signal
	}
	return string(unread), exitCode, signal, truncated
}

// Wait blocks until the process exits and returns its exit result. If the
// process has already exited it returns immediately. Any number of
// concurrent waiters all receive the same result.
func (h *Handle) Wait(ctx context.Context) (ExitResult, error) {
	h.mu.Lock()
	if h.complete {
		result := h.result
		h.mu.Unlock()
		return result, nil
	}
	ch := make(chan ExitResult, 1)
	h.waiters = append(h.waiters, ch)
	h.mu.Unlock()

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		return ExitResult{}, ctx.Err()
	}
}

// Kill signals the process. It is a no-op once the process has completed.
// An empty signal name means SIGTERM.
func (h *Handle) Kill(signal string) error {
	h.mu.Lock()
	if h.complete {
		h.mu.Unlock()
		return nil
	}
	proc := h.cmd.Process
	h.mu.Unlock()

	if proc == nil {
		return nil
	}

	sig := parseSignal(signal)
	if err := proc.Signal(sig); err != nil {
		// The process may have exited between the completeness check and
		// the signal delivery. That race is benign.
		if err == os.ErrProcessDone {
			return nil
		}
		return apperrors.Wrap(apperrors.CodeInternal, "failed to signal terminal process", err)
	}
	return nil
}

// Running reports whether the process is still executing.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.complete
}

// WriteInput sends bytes to the process's stdin via the PTY master.
func (h *Handle) WriteInput(p []byte) (int, error) {
	h.mu.Lock()
	ptmx := h.ptmx
	h.mu.Unlock()

	if ptmx == nil {
		return 0, io.ErrClosedPipe
	}
	return ptmx.Write(p)
}

func parseSignal(name string) os.Signal {
	switch name {
	case "", "SIGTERM", "TERM":
		return syscall.SIGTERM
	case "SIGKILL", "KILL":
		return syscall.SIGKILL
	case "SIGINT", "INT":
		return syscall.SIGINT
	case "SIGHUP", "HUP":
		return syscall.SIGHUP
	case "SIGQUIT", "QUIT":
		return syscall.SIGQUIT
	case "SIGUSR1", "USR1":
		return syscall.SIGUSR1
	case "SIGUSR2", "USR2":
		return syscall.SIGUSR2
	default:
		return syscall.SIGTERM
	}
}
