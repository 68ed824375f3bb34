package process

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
)

// ErrExecutableNotAllowed indicates an agent executable is not in the allowlist.
type ErrExecutableNotAllowed struct {
	Executable string
}

func (e *ErrExecutableNotAllowed) Error() string {
	return fmt.Sprintf("executable %q not in allowlist", e.Executable)
}

// ErrExecutableNotFound indicates the executable cannot be resolved on this system.
type ErrExecutableNotFound struct {
	Executable string
	Err        error
}

func (e *ErrExecutableNotFound) Error() string {
	return fmt.Sprintf("executable %q not found: %v", e.Executable, e.Err)
}

func (e *ErrExecutableNotFound) Unwrap() error { return e.Err }

// ValidateExecutable checks that path resolves to a launchable file and,
// when allowlist is non-empty, that its basename is listed.
func ValidateExecutable(path string, allowlist []string) error {
	base := filepath.Base(path)
	if len(allowlist) > 0 && !slices.Contains(allowlist, base) {
		return &ErrExecutableNotAllowed{Executable: base}
	}
	if _, err := exec.LookPath(path); err != nil {
		return &ErrExecutableNotFound{Executable: path, Err: err}
	}
	return nil
}
