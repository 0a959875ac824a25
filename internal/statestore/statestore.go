// Package statestore defines the collection-keyed key-value abstraction the
// control plane uses for services, sessions, and tasks.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is the store's not-found error value. Get reports a missing
// key as (false, nil) and Delete ignores a missing key, so neither returns it.
var ErrNotFound = errors.New("statestore: key not found")

// Store is a collection-keyed key-value store. Implementations must be safe
// for concurrent use. Individual operations are atomic at the key level;
// no cross-collection transactions are required.
type Store interface {
	// Put upserts value under key in collection.
	Put(ctx context.Context, collection, key string, value any) error

	// Get decodes the value stored under key in collection into dest and
	// returns true, or returns false with a nil error if it does not exist.
	Get(ctx context.Context, collection, key string, dest any) (bool, error)

	// GetAll returns every key in collection mapped to its raw JSON value.
	GetAll(ctx context.Context, collection string) (map[string]json.RawMessage, error)

	// Delete removes key from collection. It does not error if the key is
	// already absent.
	Delete(ctx context.Context, collection, key string) error
}
