package process

import (
	"os"
	"os/user"
)

// MinimalEnv returns the environment handed to agent processes: PATH, HOME
// and the given extra KEY=VALUE pairs. The host environment is not inherited.
func MinimalEnv(extra []string) []string {
	env := make([]string, 0, 2+len(extra))

	pathVal := "/usr/local/bin:/usr/bin:/bin"
	if p := os.Getenv("PATH"); p != "" {
		pathVal = p
	}
	env = append(env, "PATH="+pathVal)

	homeVal := os.Getenv("HOME")
	if homeVal == "" {
		if u, err := user.Current(); err == nil {
			homeVal = u.HomeDir
		}
	}
	if homeVal != "" {
		env = append(env, "HOME="+homeVal)
	}

	return append(env, extra...)
}
