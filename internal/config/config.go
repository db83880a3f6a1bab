// Package config provides configuration persistence for a node.
//
// Store persists and reloads the desired shape of a node across restarts:
// its replication role, data directory, listen address, and the addresses
// of its peers. This is control-plane state, not data-plane state, and is
// not on the put/get hot path.
//
// Config changes are not hot-reloaded; a node reads its Store once, at
// startup (see cmd/kvnode).
package config

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role mirrors engine.Role without importing the engine package, so
// config stays a leaf dependency.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// Store persists and loads a node's configuration.
type Store interface {
	// Load reads the configuration. Returns nil if none has been saved yet.
	Load(ctx context.Context) (*NodeConfig, error)

	// Save persists the configuration, replacing whatever was there before.
	Save(ctx context.Context, cfg *NodeConfig) error

	// Close releases any resources held by the store.
	Close() error
}

// NodeConfig describes the desired shape of a single engine node.
type NodeConfig struct {
	ID uuid.UUID

	Role Role

	// DataRoot is the directory holding per-user chunk files.
	DataRoot string

	// WALPath is the write-ahead log file path.
	WALPath string

	// ListenAddr is the address this node accepts client and peer
	// connections on.
	ListenAddr string

	// PrimaryAddr is the address of this node's primary. Empty when
	// Role is RolePrimary.
	PrimaryAddr string

	// Secondaries lists the addresses of this node's secondaries.
	// Empty when Role is RoleSecondary.
	Secondaries []string

	// CheckpointInterval is how often a background scheduler should
	// trigger a checkpoint. Zero disables interval-based checkpointing.
	CheckpointInterval time.Duration

	// CheckpointOps triggers a checkpoint after this many mutating
	// operations have accumulated since the last one. Zero disables
	// op-count-based checkpointing.
	CheckpointOps int

	UpdatedAt time.Time
}

// Clone returns a deep copy of cfg, safe for callers to mutate without
// affecting a Store's internal state.
func (c *NodeConfig) Clone() *NodeConfig {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Secondaries != nil {
		cp.Secondaries = make([]string, len(c.Secondaries))
		copy(cp.Secondaries, c.Secondaries)
	}
	return &cp
}
