// Package storetest provides a conformance suite shared across
// config.Store implementations, mirroring the implementation-agnostic
// test harness pattern used for other backend-swappable stores in this
// codebase.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/chenfan33/cloud-project/internal/config"
)

// TestStore runs a suite of behavioral tests against a config.Store
// produced by newStore for each test. Implementations call this from
// their own _test.go file.
func TestStore(t *testing.T, newStore func(t *testing.T) config.Store) {
	t.Helper()

	t.Run("LoadEmpty", func(t *testing.T) {
		s := newStore(t)
		cfg, err := s.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg != nil {
			t.Fatalf("Load on empty store = %+v, want nil", cfg)
		}
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		s := newStore(t)
		want := &config.NodeConfig{
			Role:               config.RolePrimary,
			DataRoot:           "/var/lib/kv/data",
			WALPath:            "/var/lib/kv/logging",
			ListenAddr:         "127.0.0.1:9090",
			Secondaries:        []string{"10.0.0.2:9090", "10.0.0.3:9090"},
			CheckpointInterval: 30 * time.Second,
			CheckpointOps:      100,
		}
		if err := s.Save(context.Background(), want); err != nil {
			t.Fatalf("Save: %v", err)
		}

		got, err := s.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got == nil {
			t.Fatalf("Load after Save = nil")
		}
		if got.Role != want.Role || got.DataRoot != want.DataRoot ||
			got.WALPath != want.WALPath || got.ListenAddr != want.ListenAddr ||
			got.CheckpointOps != want.CheckpointOps ||
			got.CheckpointInterval != want.CheckpointInterval {
			t.Fatalf("Load = %+v, want %+v", got, want)
		}
		if len(got.Secondaries) != len(want.Secondaries) {
			t.Fatalf("Load Secondaries = %v, want %v", got.Secondaries, want.Secondaries)
		}
		for i := range want.Secondaries {
			if got.Secondaries[i] != want.Secondaries[i] {
				t.Fatalf("Load Secondaries[%d] = %q, want %q", i, got.Secondaries[i], want.Secondaries[i])
			}
		}
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		s := newStore(t)
		first := &config.NodeConfig{Role: config.RolePrimary, DataRoot: "/a", WALPath: "/a/log", ListenAddr: "a:1"}
		if err := s.Save(context.Background(), first); err != nil {
			t.Fatalf("Save first: %v", err)
		}
		second := &config.NodeConfig{Role: config.RoleSecondary, DataRoot: "/b", WALPath: "/b/log", ListenAddr: "b:1", PrimaryAddr: "a:1"}
		if err := s.Save(context.Background(), second); err != nil {
			t.Fatalf("Save second: %v", err)
		}

		got, err := s.Load(context.Background())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got.DataRoot != "/b" || got.Role != config.RoleSecondary || got.PrimaryAddr != "a:1" {
			t.Fatalf("Load after overwrite = %+v, want second config", got)
		}
	})
}
