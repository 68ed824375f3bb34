// Package static serves a fixed device list from configuration. It is useful
// for emulators with known serials and for running without adb.
package static

import (
	"context"
	"fmt"

	"github.com/szaher/phoneagent/internal/adapters"
	"github.com/szaher/phoneagent/internal/discovery"
)

// Name is the registry name of this enumerator.
const Name = "static"

func init() {
	adapters.Register(Name, func(cfg adapters.Config) (discovery.Enumerator, error) {
		return New(cfg.Devices)
	})
}

// Enumerator returns the same devices on every call.
type Enumerator struct {
	devices []discovery.Snapshot
}

// New validates devices and returns an enumerator for them.
func New(devices []discovery.Snapshot) (*Enumerator, error) {
	seen := make(map[string]bool, len(devices))
	out := make([]discovery.Snapshot, 0, len(devices))
	for i, d := range devices {
		if d.ID == "" {
			return nil, fmt.Errorf("static device %d: id is required", i)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("static device %q listed twice", d.ID)
		}
		seen[d.ID] = true
		if d.DisplayName == "" {
			d.DisplayName = d.ID
		}
		if d.State == "" {
			d.State = "device"
		}
		out = append(out, d)
	}
	return &Enumerator{devices: out}, nil
}

// Name implements discovery.Enumerator.
func (e *Enumerator) Name() string { return Name }

// Enumerate implements discovery.Enumerator.
func (e *Enumerator) Enumerate(ctx context.Context) ([]discovery.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]discovery.Snapshot, len(e.devices))
	copy(out, e.devices)
	return out, nil
}
