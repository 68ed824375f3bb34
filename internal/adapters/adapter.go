// Package adapters holds the registry of device enumerators that feed
// discovery. Enumerator packages register themselves from init.
package adapters

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/szaher/phoneagent/internal/discovery"
)

// Config carries the settings an enumerator factory may need.
type Config struct {
	// ADBPath is the adb executable; empty means "adb" on PATH.
	ADBPath string
	// Devices is the fixed device list for the static enumerator.
	Devices []discovery.Snapshot
	// Timeout bounds a single external command.
	Timeout time.Duration
}

// Factory creates an enumerator from configuration.
type Factory func(cfg Config) (discovery.Enumerator, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds an enumerator factory to the global registry.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Get retrieves an enumerator factory by name.
func Get(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("enumerator %q not registered", name)
	}
	return factory, nil
}

// New looks up name and builds an enumerator from cfg.
func New(name string, cfg Config) (discovery.Enumerator, error) {
	factory, err := Get(name)
	if err != nil {
		return nil, err
	}
	return factory(cfg)
}

// List returns the names of all registered enumerators in sorted order.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
