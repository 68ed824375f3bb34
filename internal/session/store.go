// Package session tracks the live agent process attached to each device.
package session

import (
	"time"

	"github.com/szaher/phoneagent/internal/process"
)

// Session is the live binding between a device and its agent process.
type Session struct {
	ID        string
	DeviceID  string
	Handle    process.Handle
	StartedAt time.Time

	// Drained is closed once every output chunk of Handle has been delivered
	// and its exit has been observed.
	Drained chan struct{}
}

// New creates a session for deviceID around a freshly spawned handle.
func New(deviceID string, h process.Handle) *Session {
	return &Session{
		ID:        GenerateID("sess_"),
		DeviceID:  deviceID,
		Handle:    h,
		StartedAt: time.Now(),
		Drained:   make(chan struct{}),
	}
}

// Info is a read-only view of a session for callers outside the control loop.
type Info struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Sending   bool      `json:"sending"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	return Info{
		ID:        s.ID,
		DeviceID:  s.DeviceID,
		PID:       s.Handle.PID(),
		StartedAt: s.StartedAt,
	}
}
