// Package home manages a kvnode's home directory layout.
//
// The home directory owns all persistent state for one node: its
// control-plane config database, its write-ahead log, and its per-user
// chunk directories.
//
// Layout:
//
//	<root>/
//	  config.db     (node config store, sqlite backend)
//	  logging       (write-ahead log)
//	  data/
//	    <user>/     (per-user chunk files)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a kvnode home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/kvnode
//   - macOS:   ~/Library/Application Support/kvnode
//   - Windows: %APPDATA%/kvnode
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "kvnode")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the node's sqlite config database.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.db")
}

// WALPath returns the path to the write-ahead log.
func (d Dir) WALPath() string {
	return filepath.Join(d.root, "logging")
}

// DataRoot returns the directory holding per-user chunk data.
func (d Dir) DataRoot() string {
	return filepath.Join(d.root, "data")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
