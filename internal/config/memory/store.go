// Package memory provides an in-memory config.Store implementation.
// Intended for tests and single-process demos; configuration is not
// persisted across restarts.
package memory

import (
	"context"
	"sync"

	"github.com/chenfan33/cloud-project/internal/config"
)

// Store is an in-memory config.Store implementation.
type Store struct {
	mu  sync.RWMutex
	cfg *config.NodeConfig
}

var _ config.Store = (*Store)(nil)

// NewStore creates a new in-memory config.Store.
func NewStore() *Store {
	return &Store{}
}

// Load returns the most recently saved configuration, or nil if Save
// has never been called.
func (s *Store) Load(ctx context.Context) (*config.NodeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone(), nil
}

// Save replaces the stored configuration.
func (s *Store) Save(ctx context.Context, cfg *config.NodeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.Clone()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
