// Package process spawns and supervises the long-lived agent subprocess
// attached to a single device.
package process

import (
	"context"
	"errors"
	"fmt"
)

// Stream identifies which output channel of the agent produced a chunk.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// InterruptByte is written to the agent's stdin to request that it abandon
// the current operation without exiting.
const InterruptByte byte = 0x03

// Chunk is a raw slice of agent output. Chunks carry no framing: a single
// chunk may hold a partial line or several lines.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Spec describes how to launch an agent process.
type Spec struct {
	Path string
	Args []string
	// Env holds extra KEY=VALUE pairs appended to the minimal environment.
	Env []string
	Dir string
}

// Handle is a running (or finished) agent process.
type Handle interface {
	// PID returns the OS process ID.
	PID() int

	// Write queues text for the process's stdin and returns without waiting
	// for the process to read it. It fails with a *WriteError wrapping
	// ErrNotRunning once the process has exited or been killed, and
	// ErrInputFull while the process is not keeping up with its input.
	Write(text string) error

	// Interrupt queues InterruptByte for stdin. It is a no-op on a dead process.
	Interrupt() error

	// Kill forcibly terminates the process. Killing a dead handle is a no-op.
	Kill() error

	// Output delivers stdout and stderr chunks in the order each stream
	// produced them. It is closed once both streams reach EOF.
	Output() <-chan Chunk

	// Done is closed after Output is closed and the process has been reaped.
	Done() <-chan struct{}

	// ExitCode is valid after Done is closed. It is -1 when the process was
	// terminated by a signal.
	ExitCode() int
}

// Spawner launches agent processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

var (
	// ErrNotRunning indicates the target process is no longer alive.
	ErrNotRunning = errors.New("process not running")

	// ErrInputFull indicates the process has stopped reading its stdin and
	// the pending input queue is full.
	ErrInputFull = errors.New("process input queue full")
)

// SpawnError indicates the agent executable could not be launched.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError indicates writing to the agent's stdin failed.
type WriteError struct {
	PID int
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to pid %d: %v", e.PID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
