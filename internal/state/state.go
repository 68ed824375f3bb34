// Package state records the agent processes this service has spawned, so
// processes orphaned by a crash can be reaped on the next start.
package state

import "time"

// Entry records one spawned agent process.
type Entry struct {
	PID        int       `json:"pid"`
	DeviceID   string    `json:"device_id"`
	SessionID  string    `json:"session_id"`
	Executable string    `json:"executable"`
	StartedAt  time.Time `json:"started_at"`
}

// Backend is the interface for the PID ledger.
type Backend interface {
	// Load reads all entries.
	Load() ([]Entry, error)

	// Save replaces all entries.
	Save(entries []Entry) error

	// Put records a spawned process, replacing any entry with the same PID.
	Put(entry Entry) error

	// Remove forgets a process.
	Remove(pid int) error
}
