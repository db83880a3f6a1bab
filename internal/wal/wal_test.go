package wal

import (
	"path/filepath"
	"testing"
)

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	w := New(path)
	if err := w.ResetTo(0); err != nil {
		t.Fatalf("ResetTo: %v", err)
	}

	entries := []Entry{
		{Seq: 1, User: "alice", Key: "k1", Op: OpPuts, Value: []byte("v1")},
		{Seq: 2, User: "alice", Key: "k2", Op: OpPuts, Value: []byte("v2")},
		{Seq: 3, User: "alice", Key: "k1", Op: OpDele},
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("Append seq %d: %v", e.Seq, err)
		}
	}

	var replayed []Entry
	seq, err := w.Replay(func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if seq != 3 {
		t.Fatalf("Replay sequence = %d, want 3", seq)
	}
	if len(replayed) != 3 {
		t.Fatalf("Replay count = %d, want 3", len(replayed))
	}
	if replayed[0].User != "alice" || replayed[0].Key != "k1" || string(replayed[0].Value) != "v1" {
		t.Fatalf("replayed[0] = %+v", replayed[0])
	}
	if replayed[2].Op != OpDele {
		t.Fatalf("replayed[2].Op = %v, want OpDele", replayed[2].Op)
	}
}

func TestResetToBaseline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	w := New(path)
	if err := w.ResetTo(0); err != nil {
		t.Fatalf("ResetTo 0: %v", err)
	}
	if err := w.Append(Entry{Seq: 1, User: "u", Key: "k", Op: OpPuts, Value: []byte("v")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.ResetTo(1); err != nil {
		t.Fatalf("ResetTo 1: %v", err)
	}

	var count int
	seq, err := w.Replay(func(e Entry) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if count != 0 {
		t.Fatalf("Replay count = %d, want 0 after reset", count)
	}
	if seq != 1 {
		t.Fatalf("Replay baseline = %d, want 1", seq)
	}
}

func TestReplayMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist")
	w := New(path)
	seq, err := w.Replay(func(Entry) error { return nil })
	if err != nil {
		t.Fatalf("Replay missing file: %v", err)
	}
	if seq != 0 {
		t.Fatalf("Replay missing file seq = %d, want 0", seq)
	}
}

func TestValueWithNewlines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	w := New(path)
	if err := w.ResetTo(0); err != nil {
		t.Fatalf("ResetTo: %v", err)
	}
	value := []byte("line1\nline2\nline3")
	if err := w.Append(Entry{Seq: 1, User: "u", Key: "k", Op: OpPuts, Value: value}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	var got []byte
	if _, err := w.Replay(func(e Entry) error {
		got = e.Value
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if string(got) != string(value) {
		t.Fatalf("replayed value = %q, want %q", got, value)
	}
}
