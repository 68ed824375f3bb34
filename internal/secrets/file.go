package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// credentialFile is the on-disk YAML structure.
type credentialFile struct {
	APIKey string `yaml:"api_key"`
}

// FileStore persists the API key in a 0600 YAML file. Reads and writes take
// an advisory file lock so the CLI and a running server can share it.
type FileStore struct {
	Path string
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// DefaultPath returns the credentials file under the user's config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "phoneagent", "credentials.yaml"), nil
}

func (s *FileStore) lock() *flock.Flock {
	return flock.New(s.Path + ".lock")
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context) (string, error) {
	if _, err := os.Stat(filepath.Dir(s.Path)); errors.Is(err, os.ErrNotExist) {
		return "", ErrNoKey
	}

	lock := s.lock()
	if err := lock.RLock(); err != nil {
		return "", fmt.Errorf("acquire credential lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoKey
	}
	if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}

	var cf credentialFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return "", fmt.Errorf("parse credentials %s: %w", s.Path, err)
	}
	if cf.APIKey == "" {
		return "", ErrNoKey
	}
	return cf.APIKey, nil
}

// Set implements Store. The file is replaced atomically.
func (s *FileStore) Set(_ context.Context, key string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	lock := s.lock()
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire credential lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := yaml.Marshal(credentialFile{APIKey: key})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp credentials: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

// Watch calls onChange with the current key whenever the credentials file is
// written, renamed into place or removed. It blocks until ctx is done.
func (s *FileStore) Watch(ctx context.Context, logger *slog.Logger, onChange func(key string)) error {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: Set replaces the file, which drops a file watch.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			key, err := s.Get(ctx)
			if err != nil && !errors.Is(err, ErrNoKey) {
				logger.Warn("reload credentials failed", "path", s.Path, "error", err)
				continue
			}
			onChange(key)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("credential watcher error", "error", err)
		}
	}
}
