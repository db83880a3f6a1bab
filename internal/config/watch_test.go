package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchFileReturnsNilAfterWriteAndCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.db")
	if err := os.WriteFile(path, []byte("initial"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- WatchFile(ctx, path, nil) }()

	// Give the watcher a moment to register before mutating the file.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("changed"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WatchFile: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("WatchFile did not return after context cancellation")
	}
}

func TestWatchFileMissingPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := WatchFile(ctx, filepath.Join(t.TempDir(), "missing.db"), nil); err == nil {
		t.Fatal("expected error watching a nonexistent path")
	}
}
