package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Transcript is an in-memory Store with optional FIFO eviction.
type Transcript struct {
	mu         sync.RWMutex
	maxEntries int
	devices    map[string][]Entry
}

// NewTranscript creates an in-memory transcript store.
// maxEntries caps the entries retained per device; 0 keeps everything.
func NewTranscript(maxEntries int) *Transcript {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &Transcript{
		maxEntries: maxEntries,
		devices:    make(map[string][]Entry),
	}
}

// Append adds entry to its device's transcript.
func (t *Transcript) Append(_ context.Context, entry Entry) (Entry, error) {
	if entry.DeviceID == "" {
		return Entry{}, fmt.Errorf("append entry: empty device ID")
	}
	if entry.ID == "" {
		entry.ID = "ent_" + ulid.Make().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing := append(t.devices[entry.DeviceID], entry)
	if t.maxEntries > 0 && len(existing) > t.maxEntries {
		existing = existing[len(existing)-t.maxEntries:]
	}
	t.devices[entry.DeviceID] = existing
	return entry, nil
}

// Load returns a copy of the device's transcript.
func (t *Transcript) Load(_ context.Context, deviceID string) ([]Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := t.devices[deviceID]
	result := make([]Entry, len(entries))
	copy(result, entries)
	return result, nil
}

// Devices returns the device IDs with transcripts, sorted.
func (t *Transcript) Devices(_ context.Context) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.devices))
	for id := range t.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Clear removes all entries for a device.
func (t *Transcript) Clear(_ context.Context, deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, deviceID)
	return nil
}
