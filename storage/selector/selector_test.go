package selector

import (
	"context"
	"errors"
	"testing"

	"github.com/driftsync/driftsync/storage"
	"github.com/driftsync/driftsync/storage/memory"
)

func TestUnknownKindFailsAtResolveTime(t *testing.T) {
	if _, err := Resolve(context.Background(), Config{Kind: "etcd"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestMemoryKindGivesTenantsDisjointStores(t *testing.T) {
	r, err := Resolve(context.Background(), Config{Kind: KindMemory})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	a, err := r.Open(ctx, "t1")
	if err != nil {
		t.Fatalf("open t1: %v", err)
	}
	b, err := r.Open(ctx, "t2")
	if err != nil {
		t.Fatalf("open t2: %v", err)
	}
	if err := a.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := b.Get(ctx, "k"); v != nil {
		t.Fatalf("tenant stores must be disjoint, t2 saw %q", v)
	}
}

func TestConcreteStoreSharedAndSurvivesTenantClose(t *testing.T) {
	shared := memory.New()
	r, err := Resolve(context.Background(), Config{Store: shared})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	ctx := context.Background()
	st, err := r.Open(ctx, "t1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Per-tenant teardown must not destroy the shared handle.
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if v, _ := shared.Get(ctx, "k"); string(v) != "v" {
		t.Fatalf("shared store lost data after tenant close")
	}
}

func TestFactoryPassthrough(t *testing.T) {
	var calls int
	r, err := Resolve(context.Background(), Config{
		Factory: func(ctx context.Context, tenantID string) (storage.Store, error) {
			calls++
			return memory.New(), nil
		},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := r.Open(context.Background(), "t1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if calls != 1 {
		t.Fatalf("factory called %d times, want 1", calls)
	}
}
