package chunk

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/chenfan33/cloud-project/internal/kv"
)

// Manager owns one FileStore per user, lazily created on first access,
// all rooted under a single data directory.
type Manager struct {
	mu        sync.Mutex
	dataRoot  string
	logger    *slog.Logger
	stores    map[string]*FileStore
	compress  bool
}

// NewManager constructs a Manager rooted at dataRoot. logger may be
// nil.
func NewManager(dataRoot string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		dataRoot: dataRoot,
		logger:   logger,
		stores:   make(map[string]*FileStore),
	}
}

// SetCompressionEnabled propagates a compression preference to every
// store the manager creates from now on, and to stores already open.
func (m *Manager) SetCompressionEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compress = enabled
	for _, s := range m.stores {
		s.SetCompressionEnabled(enabled)
	}
}

// For returns the Store for user. The user must already have an
// on-disk directory (i.e. have been written to before); a
// never-before-seen user yields ErrUserNotFound, matching the
// lifecycle rule that a user's directory is created on first write,
// not on first read.
func (m *Manager) For(user string) (Store, error) {
	if err := kv.ValidateUser(user); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[user]; ok {
		return s, nil
	}

	dir := filepath.Join(m.dataRoot, user)
	store := NewFileStore(dir, user, m.logger.With("user", user))
	store.SetCompressionEnabled(m.compress)
	if err := store.Init(user); err != nil {
		return nil, fmt.Errorf("chunk: open store for user %s: %w", user, err)
	}
	m.stores[user] = store
	return store, nil
}

// ForWrite returns the Store for user, creating its on-disk directory
// on first write if it doesn't already exist. The engine's Put, CPut,
// Delete and WAL replay use this; Get, GetAll and Checkpoint use For,
// so an unseen user surfaces ErrUserNotFound instead of silently
// vivifying an empty directory.
func (m *Manager) ForWrite(user string) (Store, error) {
	if err := kv.ValidateUser(user); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[user]; ok {
		return s, nil
	}

	dir := filepath.Join(m.dataRoot, user)
	store := NewFileStore(dir, user, m.logger.With("user", user))
	store.SetCompressionEnabled(m.compress)
	if err := store.InitForWrite(user); err != nil {
		return nil, fmt.Errorf("chunk: open store for user %s: %w", user, err)
	}
	m.stores[user] = store
	return store, nil
}

// Users lists every user directory currently known to the manager, by
// scanning the data root. Used by full-sync enumeration.
func (m *Manager) Users() ([]string, error) {
	entries, err := readDirNames(m.dataRoot)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
