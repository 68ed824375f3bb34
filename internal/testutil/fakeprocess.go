package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/szaher/phoneagent/internal/process"
)

// Journal records process lifecycle events in the order they happened.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

// Record appends a formatted line to the journal.
func (j *Journal) Record(format string, args ...interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

// Entries returns a copy of the journal.
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

// Index returns the position of entry in the journal, or -1.
func (j *Journal) Index(entry string) int {
	for i, e := range j.Entries() {
		if e == entry {
			return i
		}
	}
	return -1
}

// FakeHandle is an in-memory process.Handle driven by the test.
type FakeHandle struct {
	Spec    process.Spec
	journal *Journal
	pid     int

	mu         sync.Mutex
	writes     []string
	interrupts int
	kills      int
	exited     bool
	exitCode   int

	output chan process.Chunk
	done   chan struct{}
}

func newFakeHandle(pid int, spec process.Spec, journal *Journal) *FakeHandle {
	return &FakeHandle{
		Spec:     spec,
		journal:  journal,
		pid:      pid,
		exitCode: -1,
		output:   make(chan process.Chunk, 256),
		done:     make(chan struct{}),
	}
}

func (h *FakeHandle) PID() int { return h.pid }

func (h *FakeHandle) Output() <-chan process.Chunk { return h.output }

func (h *FakeHandle) Done() <-chan struct{} { return h.done }

func (h *FakeHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *FakeHandle) Write(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return &process.WriteError{PID: h.pid, Err: process.ErrNotRunning}
	}
	h.writes = append(h.writes, text)
	return nil
}

func (h *FakeHandle) Interrupt() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return nil
	}
	h.interrupts++
	return nil
}

// Kill records the kill and exits the fake with code -1.
func (h *FakeHandle) Kill() error {
	h.mu.Lock()
	h.kills++
	alreadyExited := h.exited
	h.mu.Unlock()
	if alreadyExited {
		return nil
	}
	h.journal.Record("kill:%d", h.pid)
	h.Exit(-1)
	return nil
}

// Emit delivers a chunk as if the process wrote it. It is ignored after exit.
func (h *FakeHandle) Emit(stream process.Stream, data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.output <- process.Chunk{Stream: stream, Data: []byte(data)}
}

// Exit terminates the fake with the given code.
func (h *FakeHandle) Exit(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.exitCode = code
	close(h.output)
	close(h.done)
	h.journal.Record("exit:%d", h.pid)
}

// Writes returns everything written to stdin.
func (h *FakeHandle) Writes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.writes))
	copy(out, h.writes)
	return out
}

// Interrupts returns how many interrupt bytes were sent.
func (h *FakeHandle) Interrupts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupts
}

// Kills returns how many times Kill was called.
func (h *FakeHandle) Kills() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kills
}

// Exited reports whether the fake has terminated.
func (h *FakeHandle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// FakeSpawner hands out FakeHandles and journals every spawn.
type FakeSpawner struct {
	Journal Journal

	mu      sync.Mutex
	nextPID int
	handles []*FakeHandle
	failFor map[string]error
}

// NewFakeSpawner creates a spawner whose PIDs start at 1000.
func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{nextPID: 1000, failFor: make(map[string]error)}
}

// FailPath makes every spawn of path fail with err.
func (s *FakeSpawner) FailPath(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFor[path] = err
}

// Spawn implements process.Spawner.
func (s *FakeSpawner) Spawn(ctx context.Context, spec process.Spec) (process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, &process.SpawnError{Path: spec.Path, Err: err}
	}
	if err, ok := s.failFor[spec.Path]; ok {
		s.Journal.Record("spawn-failed:%s", spec.Path)
		return nil, &process.SpawnError{Path: spec.Path, Err: err}
	}
	s.nextPID++
	h := newFakeHandle(s.nextPID, spec, &s.Journal)
	s.handles = append(s.handles, h)
	s.Journal.Record("spawn:%d", h.pid)
	return h, nil
}

// Handles returns every handle spawned so far.
func (s *FakeSpawner) Handles() []*FakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FakeHandle, len(s.handles))
	copy(out, s.handles)
	return out
}

// Last returns the most recently spawned handle, or nil.
func (s *FakeSpawner) Last() *FakeHandle {
	hs := s.Handles()
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// Live returns the handles that have not exited.
func (s *FakeSpawner) Live() []*FakeHandle {
	var live []*FakeHandle
	for _, h := range s.Handles() {
		if !h.Exited() {
			live = append(live, h)
		}
	}
	return live
}
