package replication

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/chenfan33/cloud-project/internal/wal"
)

func TestFullSyncTransfersFiles(t *testing.T) {
	primaryRoot := t.TempDir()
	primaryWAL := filepath.Join(t.TempDir(), "logging")

	if err := os.MkdirAll(filepath.Join(primaryRoot, "alice"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(primaryRoot, "alice", "chunk-0"), []byte("k\n1\nv"), 0o640); err != nil {
		t.Fatalf("write chunk: %v", err)
	}

	w := wal.New(primaryWAL)
	if err := w.ResetTo(5); err != nil {
		t.Fatalf("ResetTo: %v", err)
	}

	secondaryRoot := t.TempDir()
	secondaryWAL := filepath.Join(t.TempDir(), "logging")
	// Secondary has no local WAL at all, so it must request a full sync.

	primaryConn, secondaryConn := net.Pipe()
	defer primaryConn.Close()
	defer secondaryConn.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- RunPrimarySide(context.Background(), primaryConn, primaryRoot, primaryWAL, nil)
	}()

	if err := RunSecondarySide(context.Background(), secondaryConn, secondaryRoot, secondaryWAL, nil); err != nil {
		t.Fatalf("RunSecondarySide: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("RunPrimarySide: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(secondaryRoot, "alice", "chunk-0"))
	if err != nil {
		t.Fatalf("read synced chunk file: %v", err)
	}
	if string(got) != "k\n1\nv" {
		t.Fatalf("synced chunk contents = %q", got)
	}

	baseline, err := wal.ParseBaseline(mustRead(t, secondaryWAL))
	if err != nil {
		t.Fatalf("ParseBaseline: %v", err)
	}
	if baseline != 5 {
		t.Fatalf("synced wal baseline = %d, want 5", baseline)
	}
}

func TestIncrementalSyncReplaysLog(t *testing.T) {
	primaryRoot := t.TempDir()
	primaryWAL := filepath.Join(t.TempDir(), "logging")
	w := wal.New(primaryWAL)
	if err := w.ResetTo(2); err != nil {
		t.Fatalf("ResetTo: %v", err)
	}
	if err := w.Append(wal.Entry{Seq: 3, User: "bob", Key: "k", Op: wal.OpPuts, Value: []byte("v")}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	secondaryRoot := t.TempDir()
	secondaryWAL := filepath.Join(t.TempDir(), "logging")
	sw := wal.New(secondaryWAL)
	if err := sw.ResetTo(2); err != nil {
		t.Fatalf("secondary ResetTo: %v", err)
	}

	primaryConn, secondaryConn := net.Pipe()
	defer primaryConn.Close()
	defer secondaryConn.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- RunPrimarySide(context.Background(), primaryConn, primaryRoot, primaryWAL, nil)
	}()

	if err := RunSecondarySide(context.Background(), secondaryConn, secondaryRoot, secondaryWAL, nil); err != nil {
		t.Fatalf("RunSecondarySide: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("RunPrimarySide: %v", err)
	}

	var replayed []wal.Entry
	seq, err := wal.New(secondaryWAL).Replay(func(e wal.Entry) error {
		replayed = append(replayed, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if seq != 3 || len(replayed) != 1 || replayed[0].Key != "k" {
		t.Fatalf("replayed = %+v, seq = %d", replayed, seq)
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}
