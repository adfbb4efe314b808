package sqlite

import (
	"bytes"
	"context"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetDelete(t *testing.T) {
	s := openTestDB(t).Tenant("t1")
	ctx := context.Background()

	if v, err := s.Get(ctx, "missing"); err != nil || v != nil {
		t.Fatalf("missing key: got %v, %v", v, err)
	}
	if err := s.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(v, []byte("v2")) {
		t.Fatalf("got %q, want v2", v)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if v, _ := s.Get(ctx, "k"); v != nil {
		t.Fatalf("deleted key still present")
	}
}

func TestTenantsAreDisjoint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := db.Tenant("t1")
	b := db.Tenant("t2")

	if err := a.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := b.Get(ctx, "k"); v != nil {
		t.Fatalf("tenant stores must be disjoint, t2 saw %q", v)
	}
}

func TestListByPrefixInOrder(t *testing.T) {
	s := openTestDB(t).Tenant("t1")
	ctx := context.Background()
	// The \xff key sits at the prefix boundary; a naive prefix+"\xff" upper
	// bound would exclude it.
	keys := []string{"messages/3", "messages/1", "other/x", "messages/\xff", "messages/2"}
	for _, k := range keys {
		if err := s.Set(ctx, k, []byte(k)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	entries, err := s.List(ctx, "messages/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"messages/1", "messages/2", "messages/3", "messages/\xff"}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Key != want[i] {
			t.Fatalf("entry %d: got %q, want %q", i, e.Key, want[i])
		}
	}
}

func TestListEmptyPrefixReturnsAll(t *testing.T) {
	s := openTestDB(t).Tenant("t1")
	ctx := context.Background()
	for _, k := range []string{"a", "b", "\xff"} {
		if err := s.Set(ctx, k, []byte(k)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	entries, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
}

func TestPrefixEnd(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"a", "b"},
		{"messages/", "messages0"},
		{"a\xff", "b"},
		{"\xff\xff", ""},
	}
	for _, c := range cases {
		if got := prefixEnd(c.in); got != c.want {
			t.Fatalf("prefixEnd(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
