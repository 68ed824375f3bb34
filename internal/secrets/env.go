package secrets

import (
	"context"
	"os"
)

// DefaultEnvVar is the environment variable consulted for the API key.
const DefaultEnvVar = "PHONEAGENT_API_KEY"

// EnvStore reads the API key from an environment variable.
type EnvStore struct {
	Var string
}

// NewEnvStore creates a store reading varName, or DefaultEnvVar when empty.
func NewEnvStore(varName string) *EnvStore {
	if varName == "" {
		varName = DefaultEnvVar
	}
	return &EnvStore{Var: varName}
}

// Get implements Store.
func (s *EnvStore) Get(_ context.Context) (string, error) {
	value, ok := os.LookupEnv(s.Var)
	if !ok || value == "" {
		return "", ErrNoKey
	}
	return value, nil
}

// Set implements Store. Environment variables are not writable.
func (s *EnvStore) Set(_ context.Context, _ string) error {
	return ErrReadOnly
}
