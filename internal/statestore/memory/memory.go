// Package memory provides the default in-memory statestore.Store
// implementation, adapted from the control plane's generic
// map-plus-mutex service shape.
package memory

import (
	"context"
	"encoding/json"
	"sync"
)

// Store is a sync.RWMutex-guarded map of collections to key/value maps.
// Values are stored pre-encoded as JSON so GetAll can return raw documents
// without re-marshaling, and Get can decode into any destination type.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]json.RawMessage
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{collections: make(map[string]map[string]json.RawMessage)}
}

func (s *Store) Put(ctx context.Context, collection, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		c = make(map[string]json.RawMessage)
		s.collections[collection] = c
	}
	c[key] = data
	return nil
}

func (s *Store) Get(ctx context.Context, collection, key string, dest any) (bool, error) {
	s.mu.RLock()
	c, ok := s.collections[collection]
	if !ok {
		s.mu.RUnlock()
		return false, nil
	}
	data, ok := c[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) GetAll(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return map[string]json.RawMessage{}, nil
	}

	out := make(map[string]json.RawMessage, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[collection]; ok {
		delete(c, key)
	}
	return nil
}
