// Package memory stores the per-device conversation transcript.
package memory

import (
	"context"
	"time"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Entry is one immutable line of a device's conversation.
type Entry struct {
	ID        string    `json:"id" yaml:"id"`
	DeviceID  string    `json:"device_id" yaml:"device_id"`
	Role      Role      `json:"role" yaml:"role"`
	Text      string    `json:"text" yaml:"text"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Store holds transcripts keyed by device ID. Transcripts are independent of
// session lifetime: they survive disconnects and devices going offline.
type Store interface {
	// Append adds an entry to the device's transcript, filling in ID and
	// Timestamp when unset, and returns the stored entry.
	Append(ctx context.Context, entry Entry) (Entry, error)

	// Load returns a copy of the device's transcript in append order.
	Load(ctx context.Context, deviceID string) ([]Entry, error)

	// Devices returns the IDs of every device with at least one entry.
	Devices(ctx context.Context) ([]string, error)

	// Clear removes the device's transcript.
	Clear(ctx context.Context, deviceID string) error
}
