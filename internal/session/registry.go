package session

import (
	"errors"
	"fmt"
	"sort"
)

// ErrSlotOccupied is returned by Insert when the device already has a session.
var ErrSlotOccupied = errors.New("device already has a live session")

// Registry maps device IDs to their live session. At most one session exists
// per device. Registry is not safe for concurrent use; it is owned by the
// controller's loop goroutine.
type Registry struct {
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the live session for deviceID.
func (r *Registry) Get(deviceID string) (*Session, bool) {
	s, ok := r.sessions[deviceID]
	return s, ok
}

// Insert adds s. The previous session for the same device must have been
// removed first.
func (r *Registry) Insert(s *Session) error {
	if existing, ok := r.sessions[s.DeviceID]; ok {
		return fmt.Errorf("insert %s for %q (holding %s): %w", s.ID, s.DeviceID, existing.ID, ErrSlotOccupied)
	}
	r.sessions[s.DeviceID] = s
	return nil
}

// Remove deletes and returns the session for deviceID, if any.
func (r *Registry) Remove(deviceID string) (*Session, bool) {
	s, ok := r.sessions[deviceID]
	if ok {
		delete(r.sessions, deviceID)
	}
	return s, ok
}

// RemoveIf deletes the session for s.DeviceID only if it is s itself.
// It reports whether s was the live session.
func (r *Registry) RemoveIf(s *Session) bool {
	if cur, ok := r.sessions[s.DeviceID]; ok && cur == s {
		delete(r.sessions, s.DeviceID)
		return true
	}
	return false
}

// List returns all live sessions ordered by device ID.
func (r *Registry) List() []*Session {
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DeviceID < result[j].DeviceID
	})
	return result
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Drain removes and returns every session.
func (r *Registry) Drain() []*Session {
	result := r.List()
	r.sessions = make(map[string]*Session)
	return result
}
