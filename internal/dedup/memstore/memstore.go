// Package memstore provides an in-memory dedup.Backend. State does not survive
// a restart. Suitable for dev/testing.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/spinwatch/internal/dedup"
)

// Store holds one document per store name.
type Store struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// New initializes an empty Store.
func New() *Store {
	return &Store{docs: make(map[string][]byte)}
}

// Load returns a copy of the document saved under name.
func (s *Store) Load(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[name]
	if !ok {
		return nil, dedup.ErrNotFound
	}
	return append([]byte(nil), d...), nil
}

// Save stores a copy of data under name.
func (s *Store) Save(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = append([]byte(nil), data...)
	return nil
}
