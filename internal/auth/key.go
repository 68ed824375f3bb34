// Package auth guards the local control API with a shared bearer key.
package auth

import (
	"crypto/subtle"
	"os"
)

// DefaultEnvVar is the environment variable holding the control API key.
const DefaultEnvVar = "PHONEAGENT_SERVER_KEY"

// ValidateKey performs timing-safe comparison of the provided key
// against the expected key. Returns true if they match.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// KeyFromEnv reads the control API key from name, or DefaultEnvVar when
// name is empty. Returns empty string if not set.
func KeyFromEnv(name string) string {
	if name == "" {
		name = DefaultEnvVar
	}
	return os.Getenv(name)
}
