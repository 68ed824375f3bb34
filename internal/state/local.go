package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
)

// DefaultLockTimeout bounds how long ledger updates wait for the file lock.
const DefaultLockTimeout = 5 * time.Second

// LocalBackend implements Backend using a local JSON file guarded by a
// cross-process file lock.
type LocalBackend struct {
	Path        string
	LockTimeout time.Duration
}

// NewLocalBackend creates a new local JSON ledger.
func NewLocalBackend(path string) *LocalBackend {
	return &LocalBackend{Path: path, LockTimeout: DefaultLockTimeout}
}

// ledgerFile is the on-disk JSON structure.
type ledgerFile struct {
	Version string  `json:"version"`
	Entries []Entry `json:"entries"`
}

// Load reads all entries from the JSON file.
func (b *LocalBackend) Load() ([]Entry, error) {
	var entries []Entry
	err := b.withLock(func() error {
		var err error
		entries, err = b.read()
		return err
	})
	return entries, err
}

// Save writes all entries, sorted by PID.
func (b *LocalBackend) Save(entries []Entry) error {
	return b.withLock(func() error {
		return b.write(entries)
	})
}

// Put records entry.
func (b *LocalBackend) Put(entry Entry) error {
	return b.withLock(func() error {
		entries, err := b.read()
		if err != nil {
			return err
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.PID != entry.PID {
				kept = append(kept, e)
			}
		}
		return b.write(append(kept, entry))
	})
}

// Remove deletes the entry for pid, if any.
func (b *LocalBackend) Remove(pid int) error {
	return b.withLock(func() error {
		entries, err := b.read()
		if err != nil {
			return err
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.PID != pid {
				kept = append(kept, e)
			}
		}
		return b.write(kept)
	})
}

func (b *LocalBackend) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(b.Path), 0755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	timeout := b.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	lock := flock.New(b.Path + ".lock")
	locked, err := lock.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire ledger lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire ledger lock: timed out after %s", timeout)
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

func (b *LocalBackend) read() ([]Entry, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var lf ledgerFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", b.Path, err)
	}
	return lf.Entries, nil
}

func (b *LocalBackend) write(entries []Entry) error {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PID < entries[j].PID
	})
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(ledgerFile{Version: "1", Entries: entries}, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(b.Path, data, 0644)
}
