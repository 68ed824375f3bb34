// Package secrets stores the agent API key and keeps it out of logs.
package secrets

import (
	"context"
	"errors"
)

// ErrNoKey indicates no API key has been configured. It is not fatal: agents
// are launched with an empty key and may reject requests themselves.
var ErrNoKey = errors.New("no API key configured")

// ErrReadOnly is returned by stores that cannot persist a key.
var ErrReadOnly = errors.New("credential store is read-only")

// Store gets and sets the single global agent API key.
type Store interface {
	// Get returns the key, or ErrNoKey when none is set.
	Get(ctx context.Context) (string, error)

	// Set persists key. An empty key clears the stored value.
	Set(ctx context.Context, key string) error
}

// Chain consults stores in order. Get returns the first key found; Set
// writes to the first store that accepts it.
type Chain []Store

// Get implements Store.
func (c Chain) Get(ctx context.Context) (string, error) {
	for _, s := range c {
		key, err := s.Get(ctx)
		if errors.Is(err, ErrNoKey) {
			continue
		}
		if err != nil {
			return "", err
		}
		return key, nil
	}
	return "", ErrNoKey
}

// Set implements Store.
func (c Chain) Set(ctx context.Context, key string) error {
	for _, s := range c {
		err := s.Set(ctx, key)
		if errors.Is(err, ErrReadOnly) {
			continue
		}
		return err
	}
	return ErrReadOnly
}

// Mask returns key with all but its last four characters hidden.
func Mask(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
