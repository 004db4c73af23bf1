// Package storage defines the key-value Store interface and the registry for all
// persistence backends in the security backend.
//
// Every service persists JSON blobs under namespaced string keys (for example
// "session/current", "vault/<user>/<provider>", "audit/activity"). The Store
// interface is deliberately small — get, set, delete, prefix scan — because the
// subsystem's consistency model is read-modify-write with last-writer-wins; no
// backend needs to provide transactions.
//
// New backends are added by implementing Store and registering with the factory
// via an init() function in this package:
//
//	func init() {
//	    Register("mybackend", func(cfg *config.Config) (Store, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/storyforge/storyforge-security/internal/config"
)

// ErrNotFound is returned by Get when no value is stored under the key.
// Absence is a routine outcome for every namespace (no active session, no
// credential for a provider, empty log), so callers branch on this error
// instead of treating it as a failure.
var ErrNotFound = errors.New("storage: key not found")

// Store is the key-value persistence port shared by all services
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases any underlying connections.
	Close() error
}

// FactoryFunc creates a Store from application configuration
type FactoryFunc func(*config.Config) (Store, error)

var factories = make(map[string]FactoryFunc)

// Register registers a storage backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewStore creates a storage backend based on configuration
func NewStore(cfg *config.Config) (Store, error) {
	factory, ok := factories[cfg.Storage.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %s (must be 'memory', 'postgres', or 'redis')", cfg.Storage.Backend)
	}
	return factory(cfg)
}
