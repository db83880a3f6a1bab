package memory

import (
	"context"
	"testing"

	"github.com/chenfan33/cloud-project/internal/config"
	"github.com/chenfan33/cloud-project/internal/config/storetest"
)

func TestConformance(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) config.Store {
		return NewStore()
	})
}

func TestLoadEmptyStoreReturnsNil(t *testing.T) {
	s := NewStore()
	cfg, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != nil {
		t.Fatalf("Load on empty store = %+v, want nil", cfg)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := NewStore()
	want := &config.NodeConfig{
		Role:        config.RolePrimary,
		DataRoot:    "/var/lib/kv/data",
		ListenAddr:  "127.0.0.1:9090",
		Secondaries: []string{"127.0.0.1:9091"},
	}
	if err := s.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DataRoot != want.DataRoot || got.ListenAddr != want.ListenAddr {
		t.Fatalf("Load = %+v, want %+v", got, want)
	}

	// Mutating the returned config must not affect the store.
	got.Secondaries[0] = "mutated"
	got2, _ := s.Load(context.Background())
	if got2.Secondaries[0] != "127.0.0.1:9091" {
		t.Fatalf("Load returned a shared slice, mutation leaked: %+v", got2)
	}
}
