// Package redisstore persists dedup state as one Redis string key per store.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/spinwatch/internal/dedup"
)

// KeyPrefix namespaces every key written by the store.
const KeyPrefix = "spinwatch:dedup:"

// Store is a dedup.Backend on top of a Redis client.
type Store struct {
	client redis.UniversalClient
}

// Open connects to addr and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", addr, err)
	}
	return &Store{client: client}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Load fetches the document stored under name.
func (s *Store) Load(ctx context.Context, name string) ([]byte, error) {
	data, err := s.client.Get(ctx, KeyPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, dedup.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", name, err)
	}
	return data, nil
}

// Save replaces the document stored under name. A single SET is atomic.
func (s *Store) Save(ctx context.Context, name string, data []byte) error {
	if err := s.client.Set(ctx, KeyPrefix+name, data, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", name, err)
	}
	return nil
}
