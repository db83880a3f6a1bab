// Package chunk implements the per-user, append-only chunk store: the
// on-disk home for every user's key/value records. Each user gets a
// directory holding a rolling set of chunk-<n> data files plus three
// sidecar files (chunk_index, chunk_metadata, delete_list) that track
// append position, key-to-chunk mapping, and pending lazy deletes.
package chunk

import (
	"errors"
	"log/slog"
)

// SizeLimit is the rotation threshold: once the active chunk file grows
// past this many bytes, appends roll to a new chunk-<n+1> file.
const SizeLimit = 1 << 26 // 64 MiB

var (
	ErrUserNotFound = errors.New("chunk: user not found")
	ErrKeyNotFound  = errors.New("chunk: key not found")
	ErrCorruptChunk = errors.New("chunk: corrupt chunk record")
)

// Store is the per-user chunk store contract. One Store instance is
// bound to a single user directory; callers obtain one through
// Manager.For or Manager.ForWrite.
type Store interface {
	// Init loads the on-disk layout for user. Returns ErrUserNotFound
	// if the user's directory does not exist yet.
	Init(user string) error
	// InitForWrite loads the on-disk layout for user, creating the
	// user's directory first if this is its first write.
	InitForWrite(user string) error
	// Get returns the current value for key, or ErrKeyNotFound.
	Get(key string) ([]byte, error)
	// GetAll materializes every live key/value pair for the user.
	GetAll() (map[string][]byte, error)
	// AppendBatch writes a set of key/value updates as a single
	// checkpoint. A zero-length value deletes the key.
	AppendBatch(updates map[string][]byte) error
	// Compact rewrites every sealed (non-active) chunk file to keep only
	// the records the chunk metadata still points at, and removes sealed
	// chunk files left with no live records.
	Compact() error
}

// ManagerFactory creates a Manager rooted at dataRoot. logger may be
// nil; a discard logger is substituted in that case.
type ManagerFactory func(dataRoot string, logger *slog.Logger) *Manager
