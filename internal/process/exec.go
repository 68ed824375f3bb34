package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

const (
	readBufferSize   = 4096
	outputBufferSize = 64
	// inputQueueSize bounds writes waiting for the agent to read stdin.
	inputQueueSize = 64
)

// ExecSpawner launches agents as local OS processes with piped stdio.
type ExecSpawner struct {
	// Allowlist restricts launchable executables by basename. Empty allows any.
	Allowlist []string
	Logger    *slog.Logger
}

// NewExecSpawner creates a spawner that enforces the given allowlist.
func NewExecSpawner(allowlist []string, logger *slog.Logger) *ExecSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSpawner{Allowlist: allowlist, Logger: logger}
}

// Spawn starts the process described by spec. The process outlives ctx;
// ctx only aborts a spawn that has not started yet.
func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	if err := ValidateExecutable(spec.Path, s.Allowlist); err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = MinimalEnv(spec.Env)
	cmd.Dir = spec.Dir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	h := &execHandle{
		cmd:      cmd,
		stdin:    stdin,
		input:    make(chan []byte, inputQueueSize),
		stop:     make(chan struct{}),
		output:   make(chan Chunk, outputBufferSize),
		done:     make(chan struct{}),
		exitCode: -1,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go h.read(&readers, StreamStdout, stdout)
	go h.read(&readers, StreamStderr, stderr)
	go h.writeLoop(s.Logger)
	go h.wait(&readers, s.Logger)

	s.Logger.Debug("agent process started", "path", spec.Path, "pid", cmd.Process.Pid)
	return h, nil
}

type execHandle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// input feeds writeLoop, the only goroutine that writes to stdin.
	input    chan []byte
	stop     chan struct{}
	stopOnce sync.Once

	output chan Chunk
	done   chan struct{}

	mu       sync.Mutex
	killed   bool
	exited   bool
	broken   error
	exitCode int
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }

func (h *execHandle) Output() <-chan Chunk { return h.output }

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *execHandle) Write(text string) error {
	return h.enqueue([]byte(text))
}

func (h *execHandle) Interrupt() error {
	err := h.enqueue([]byte{InterruptByte})
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

// enqueue hands data to writeLoop without waiting for the agent to read it.
func (h *execHandle) enqueue(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killed || h.exited {
		return &WriteError{PID: h.PID(), Err: ErrNotRunning}
	}
	if h.broken != nil {
		return &WriteError{PID: h.PID(), Err: h.broken}
	}
	select {
	case h.input <- data:
		return nil
	default:
		return &WriteError{PID: h.PID(), Err: ErrInputFull}
	}
}

func (h *execHandle) Kill() error {
	h.mu.Lock()
	if h.killed || h.exited {
		h.mu.Unlock()
		return nil
	}
	h.killed = true
	h.mu.Unlock()

	h.stopWriter()
	// Closing stdin also unblocks a writeLoop stuck on a full pipe.
	_ = h.stdin.Close()
	if err := killProcessGroup(h.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (h *execHandle) stopWriter() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *execHandle) writeLoop(logger *slog.Logger) {
	for {
		select {
		case data := <-h.input:
			if _, err := h.stdin.Write(data); err != nil {
				h.mu.Lock()
				h.broken = err
				h.mu.Unlock()
				logger.Debug("agent stdin closed", "pid", h.cmd.Process.Pid, "error", err)
				return
			}
		case <-h.stop:
			return
		}
	}
}

func (h *execHandle) read(wg *sync.WaitGroup, stream Stream, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.output <- Chunk{Stream: stream, Data: data}
		}
		if err != nil {
			return
		}
	}
}

// wait reaps the process once both readers hit EOF; exec.Cmd.Wait closes
// the pipes, so it must not run before the reads are complete.
func (h *execHandle) wait(readers *sync.WaitGroup, logger *slog.Logger) {
	readers.Wait()
	close(h.output)

	err := h.cmd.Wait()

	h.mu.Lock()
	h.exited = true
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	}
	code := h.exitCode
	h.mu.Unlock()
	h.stopWriter()

	logger.Debug("agent process exited", "pid", h.cmd.Process.Pid, "code", code, "error", err)
	close(h.done)
}
