// Package discovery tracks the set of attached devices and which of them are
// eligible for an agent session.
package discovery

import (
	"context"
	"fmt"
	"time"
)

// Snapshot is one device as reported by a single enumeration.
type Snapshot struct {
	ID          string            `json:"id" yaml:"id"`
	DisplayName string            `json:"display_name" yaml:"display_name"`
	Online      bool              `json:"online" yaml:"online"`
	State       string            `json:"state,omitempty" yaml:"state,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Metadata keys filled in by enumerators.
const (
	MetaManufacturer   = "manufacturer"
	MetaModel          = "model"
	MetaAndroidVersion = "android_version"
)

// Enumerator lists the devices currently attached.
type Enumerator interface {
	Name() string
	Enumerate(ctx context.Context) ([]Snapshot, error)
}

// Device is a device the registry has seen at least once.
type Device struct {
	Snapshot
	// Present is false when the latest refresh did not report the device.
	Present   bool      `json:"present"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Error reports a failed enumeration. The registry degrades to an empty
// device set when it occurs.
type Error struct {
	Enumerator string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("enumerate devices via %s: %v", e.Enumerator, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
